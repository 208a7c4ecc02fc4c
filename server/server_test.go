package server_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/whisper-darkly/beadboard/client"
	"github.com/whisper-darkly/beadboard/config"
	"github.com/whisper-darkly/beadboard/registry"
	"github.com/whisper-darkly/beadboard/router"
	"github.com/whisper-darkly/beadboard/server"
	"github.com/whisper-darkly/beadboard/tracker"
)

// testDaemon is a full daemon wired against a fake bd shell script, served
// over httptest.
type testDaemon struct {
	t     *testing.T
	hub   *server.Hub
	reg   *registry.Registry
	wsURL string
}

// newTestDaemon stands the daemon up with the given script as its bd binary.
func newTestDaemon(t *testing.T, script string) *testDaemon {
	t.Helper()

	bin := filepath.Join(t.TempDir(), "bd")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"+script+"\n"), 0o755))

	cli := tracker.New(bin, "", "", 10*time.Second)
	reg := registry.New()
	ref := registry.NewRefresher(reg, cli, 20*time.Millisecond)
	hub := server.New(cli, reg, ref, nil, time.Second)

	ts := httptest.NewServer(router.New(hub, reg, nil, config.Config{}))
	t.Cleanup(ts.Close)

	return &testDaemon{
		t:     t,
		hub:   hub,
		reg:   reg,
		wsURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

func (d *testDaemon) dial() *client.Client {
	d.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, d.wsURL)
	require.NoError(d.t, err)
	d.t.Cleanup(func() { c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func requireAPIError(t *testing.T, err error, code string) *client.APIError {
	t.Helper()
	require.Error(t, err)
	apiErr, ok := err.(*client.APIError)
	require.True(t, ok, "expected *client.APIError, got %T: %v", err, err)
	require.Equal(t, code, apiErr.Code)
	return apiErr
}

const listOneScript = `
case "$1" in
  list)  echo '[{"id":"bd-1","status":"open","updated_at":100,"title":"first"}]' ;;
  show)  echo '{"id":"bd-1","status":"open","updated_at":100,"title":"first"}' ;;
  *)     echo "unexpected: $*" >&2; exit 9 ;;
esac`

func TestPing(t *testing.T) {
	c := newTestDaemon(t, listOneScript).dial()

	raw, err := c.Request(testCtx(t), "ping", nil)
	require.NoError(t, err)

	var p struct {
		TS int64 `json:"ts"`
	}
	require.NoError(t, json.Unmarshal(raw, &p))
	require.NotZero(t, p.TS)
}

func TestSubscribeListBootstrap(t *testing.T) {
	d := newTestDaemon(t, listOneScript)
	c := d.dial()

	raw, err := c.Request(testCtx(t), "subscribe-list",
		map[string]any{"id": "main", "type": "all-issues"})
	require.NoError(t, err)

	var reply struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.Equal(t, "main", reply.ID)
	require.Equal(t, "all-issues", reply.Key)

	ev, err := c.NextEvent(testCtx(t), "list-delta")
	require.NoError(t, err)

	var delta struct {
		Key   string `json:"key"`
		Delta struct {
			Added   []map[string]any `json:"added"`
			Removed []string         `json:"removed"`
		} `json:"delta"`
	}
	require.NoError(t, json.Unmarshal(ev.Payload, &delta))
	require.Equal(t, "all-issues", delta.Key)
	require.Len(t, delta.Delta.Added, 1)
	require.Equal(t, "bd-1", delta.Delta.Added[0]["id"])
	require.Empty(t, delta.Delta.Removed)
}

func TestSubscribeListValidation(t *testing.T) {
	c := newTestDaemon(t, listOneScript).dial()

	_, err := c.Request(testCtx(t), "subscribe-list",
		map[string]any{"id": "x", "type": "everything"})
	requireAPIError(t, err, "bad-request")

	_, err = c.Request(testCtx(t), "subscribe-list",
		map[string]any{"id": "x", "type": "issues-for-epic"})
	requireAPIError(t, err, "bad-request")

	_, err = c.Request(testCtx(t), "subscribe-list",
		map[string]any{"type": "all-issues"})
	requireAPIError(t, err, "bad-request")
}

func TestSubscribeListTrackerFailure(t *testing.T) {
	c := newTestDaemon(t, `echo "db is locked" >&2; exit 5`).dial()

	_, err := c.Request(testCtx(t), "subscribe-list",
		map[string]any{"id": "main", "type": "all-issues"})
	apiErr := requireAPIError(t, err, "tracker-failed")
	require.Equal(t, float64(5), apiErr.Details["exit_code"])
	require.Contains(t, apiErr.Message, "db is locked")
}

func TestUnsubscribeList(t *testing.T) {
	d := newTestDaemon(t, listOneScript)
	c := d.dial()

	_, err := c.Request(testCtx(t), "subscribe-list",
		map[string]any{"id": "main", "type": "all-issues"})
	require.NoError(t, err)
	require.Equal(t, []string{"all-issues"}, d.reg.Keys())

	raw, err := c.Request(testCtx(t), "unsubscribe-list", map[string]any{"id": "main"})
	require.NoError(t, err)
	var reply struct {
		Unsubscribed bool `json:"unsubscribed"`
	}
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.True(t, reply.Unsubscribed)
	require.Empty(t, d.reg.Keys())

	// Unknown label: still an ok reply, nothing removed.
	raw, err = c.Request(testCtx(t), "unsubscribe-list", map[string]any{"id": "main"})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.False(t, reply.Unsubscribed)
}

func TestSubscriptionSharing(t *testing.T) {
	d := newTestDaemon(t, listOneScript)
	a, b := d.dial(), d.dial()

	_, err := a.Request(testCtx(t), "subscribe-list",
		map[string]any{"id": "main", "type": "all-issues"})
	require.NoError(t, err)
	_, err = b.Request(testCtx(t), "subscribe-list",
		map[string]any{"id": "board", "type": "all-issues"})
	require.NoError(t, err)

	// One shared entry, two subscribers; the second still got a snapshot.
	require.Equal(t, []string{"all-issues"}, d.reg.Keys())
	require.Equal(t, 2, d.reg.SubscriberCount("all-issues"))

	ev, err := b.NextEvent(testCtx(t), "list-delta")
	require.NoError(t, err)
	require.Contains(t, string(ev.Payload), "bd-1")
}

func TestShowIssue(t *testing.T) {
	c := newTestDaemon(t, listOneScript).dial()

	raw, err := c.Request(testCtx(t), "show-issue", map[string]any{"id": "bd-1"})
	require.NoError(t, err)

	var is map[string]any
	require.NoError(t, json.Unmarshal(raw, &is))
	require.Equal(t, "bd-1", is["id"])
	require.Equal(t, "first", is["title"])
}

func TestShowIssueNotFound(t *testing.T) {
	c := newTestDaemon(t, `echo 'null'`).dial()

	_, err := c.Request(testCtx(t), "show-issue", map[string]any{"id": "bd-404"})
	requireAPIError(t, err, "not-found")
}

func TestListIssues(t *testing.T) {
	c := newTestDaemon(t, listOneScript).dial()

	raw, err := c.Request(testCtx(t), "list-issues", map[string]any{"status": "open"})
	require.NoError(t, err)

	var items []map[string]any
	require.NoError(t, json.Unmarshal(raw, &items))
	require.Len(t, items, 1)
	require.Equal(t, "bd-1", items[0]["id"])
}

func TestEpicStatus(t *testing.T) {
	script := `
case "$1" in
  epic) echo '[{"epic":"bd-7","total":3,"closed":1}]' ;;
  *)    exit 9 ;;
esac`
	c := newTestDaemon(t, script).dial()

	raw, err := c.Request(testCtx(t), "epic-status", nil)
	require.NoError(t, err)
	require.JSONEq(t, `[{"epic":"bd-7","total":3,"closed":1}]`, string(raw))
}

func TestUnknownMessageType(t *testing.T) {
	c := newTestDaemon(t, listOneScript).dial()

	_, err := c.Request(testCtx(t), "make-coffee", nil)
	requireAPIError(t, err, "unknown-type")
}

func TestMalformedFrames(t *testing.T) {
	d := newTestDaemon(t, listOneScript)

	ws, _, err := websocket.DefaultDialer.Dial(d.wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	readFrame := func() (id string, code string) {
		t.Helper()
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
		var frame struct {
			ID    string `json:"id"`
			OK    bool   `json:"ok"`
			Error *struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		_, raw, err := ws.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &frame))
		require.False(t, frame.OK)
		require.NotNil(t, frame.Error)
		return frame.ID, frame.Error.Code
	}

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{nope`)))
	id, code := readFrame()
	require.Equal(t, "unknown", id)
	require.Equal(t, "bad-json", code)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	id, code = readFrame()
	require.Equal(t, "unknown", id)
	require.Equal(t, "bad-request", code)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"id":"r1"}`)))
	id, code = readFrame()
	require.Equal(t, "r1", id)
	require.Equal(t, "bad-request", code)
}

const mutationScript = `
case "$1" in
  update) exit 0 ;;
  show)   echo '{"id":"bd-1","status":"closed","updated_at":200,"title":"first"}' ;;
  list)   echo '[{"id":"bd-1","status":"closed","updated_at":200,"title":"first"}]' ;;
  *)      echo "unexpected: $*" >&2; exit 9 ;;
esac`

func TestMutationReplyAndFanout(t *testing.T) {
	d := newTestDaemon(t, mutationScript)
	actor, watcher := d.dial(), d.dial()

	// watcher opts into events and views bd-1 as its detail.
	_, err := watcher.Request(testCtx(t), "subscribe-updates", nil)
	require.NoError(t, err)
	_, err = watcher.Request(testCtx(t), "show-issue", map[string]any{"id": "bd-1"})
	require.NoError(t, err)

	raw, err := actor.Request(testCtx(t), "update-status",
		map[string]any{"id": "bd-1", "status": "closed"})
	require.NoError(t, err)

	var is map[string]any
	require.NoError(t, json.Unmarshal(raw, &is))
	require.Equal(t, "closed", is["status"], "reply carries the post-mutation state")

	ev, err := watcher.NextEvent(testCtx(t), "issues-changed")
	require.NoError(t, err)
	var payload struct {
		TS   int64 `json:"ts"`
		Hint *struct {
			IDs []string `json:"ids"`
		} `json:"hint"`
	}
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	require.NotZero(t, payload.TS)
	require.NotNil(t, payload.Hint)
	require.Equal(t, []string{"bd-1"}, payload.Hint.IDs)

	// actor never enabled events; nothing should arrive.
	shortCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = actor.NextEvent(shortCtx, "issues-changed")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFanoutListScope(t *testing.T) {
	d := newTestDaemon(t, mutationScript)
	actor, match, mismatch := d.dial(), d.dial(), d.dial()

	// match last listed the status the mutation moves bd-1 into;
	// mismatch listed a different status scope.
	for cl, status := range map[*client.Client]string{match: "closed", mismatch: "open"} {
		_, err := cl.Request(testCtx(t), "subscribe-updates", nil)
		require.NoError(t, err)
		_, err = cl.Request(testCtx(t), "list-issues", map[string]any{"status": status})
		require.NoError(t, err)
	}

	_, err := actor.Request(testCtx(t), "update-status",
		map[string]any{"id": "bd-1", "status": "closed"})
	require.NoError(t, err)

	_, err = match.NextEvent(testCtx(t), "issues-changed")
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = mismatch.NextEvent(shortCtx, "issues-changed")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMutationValidation(t *testing.T) {
	c := newTestDaemon(t, mutationScript).dial()
	ctx := testCtx(t)

	cases := []struct {
		typ     string
		payload map[string]any
	}{
		{"update-status", map[string]any{"id": "bd-1", "status": "done"}},
		{"update-status", map[string]any{"status": "open"}},
		{"update-priority", map[string]any{"id": "bd-1", "priority": 1.5}},
		{"update-priority", map[string]any{"id": "bd-1", "priority": 9}},
		{"update-priority", map[string]any{"id": "bd-1"}},
		{"update-assignee", map[string]any{"id": "bd-1"}},
		{"edit-text", map[string]any{"id": "bd-1", "field": "mood", "value": "x"}},
		{"edit-text", map[string]any{"id": "bd-1", "field": "title"}},
		{"create-issue", map[string]any{"type": "task"}},
		{"dep-add", map[string]any{"a": "bd-1"}},
		{"label-add", map[string]any{"id": "bd-1"}},
	}
	for _, tc := range cases {
		_, err := c.Request(ctx, tc.typ, tc.payload)
		requireAPIError(t, err, "bad-request")
	}
}

func TestMutationTrackerFailure(t *testing.T) {
	c := newTestDaemon(t, `echo "no such issue: bd-9" >&2; exit 2`).dial()

	_, err := c.Request(testCtx(t), "update-status",
		map[string]any{"id": "bd-9", "status": "closed"})
	apiErr := requireAPIError(t, err, "tracker-failed")
	require.Equal(t, float64(2), apiErr.Details["exit_code"])
}

func TestCreateIssue(t *testing.T) {
	script := `
case "$1" in
  create) echo '{"id":"bd-42","title":"new thing","status":"open"}' ;;
  show)   echo '{"id":"bd-42","title":"new thing","status":"open","updated_at":300}' ;;
  list)   echo '[]' ;;
  *)      exit 9 ;;
esac`
	c := newTestDaemon(t, script).dial()

	raw, err := c.Request(testCtx(t), "create-issue",
		map[string]any{"title": "new thing", "type": "task", "priority": 2})
	require.NoError(t, err)

	var is map[string]any
	require.NoError(t, json.Unmarshal(raw, &is))
	require.Equal(t, "bd-42", is["id"])
}

func TestDisconnectEvictsSubscriptions(t *testing.T) {
	d := newTestDaemon(t, listOneScript)
	c := d.dial()

	_, err := c.Request(testCtx(t), "subscribe-list",
		map[string]any{"id": "main", "type": "all-issues"})
	require.NoError(t, err)
	require.Equal(t, 1, d.reg.SubscriberCount("all-issues"))

	require.NoError(t, c.Close())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.hub.ConnCount() == 0 && len(d.reg.Keys()) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("subscriptions not evicted: conns=%d keys=%v", d.hub.ConnCount(), d.reg.Keys())
}
