package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/whisper-darkly/beadboard/registry"
	"github.com/whisper-darkly/beadboard/tracker"
)

// dispatch validates one incoming frame and routes it by type.  Every request
// produces exactly one reply; malformed frames get a synthetic correlation id.
func (h *Hub) dispatch(c *Conn, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.sendFrame(errFrame("unknown", "error", CodeBadJSON, "frame is not valid JSON", nil))
		return
	}
	if env.ID == "" {
		c.sendFrame(errFrame("unknown", "error", CodeBadRequest, "frame has no id", nil))
		return
	}
	if env.Type == "" {
		c.sendFrame(errFrame(env.ID, "error", CodeBadRequest, "frame has no type", nil))
		return
	}

	switch env.Type {
	case "ping":
		c.sendFrame(okFrame(env.ID, env.Type, map[string]any{"ts": time.Now().UnixMilli()}))

	case "subscribe-updates":
		c.sess.EnableEvents()
		c.sendFrame(okFrame(env.ID, env.Type, map[string]any{"subscribed": true}))

	case "subscribe-list":
		h.handleSubscribeList(c, env)

	case "unsubscribe-list":
		h.handleUnsubscribeList(c, env)

	case "show-issue":
		h.handleShowIssue(c, env)

	case "list-issues":
		h.handleListIssues(c, env)

	case "epic-status":
		h.handleEpicStatus(c, env)

	case "update-status", "update-priority", "update-assignee", "edit-text",
		"create-issue", "dep-add", "dep-remove", "label-add", "label-remove":
		h.handleMutation(c, env)

	default:
		c.sendFrame(errFrame(env.ID, env.Type, CodeUnknownType,
			fmt.Sprintf("unknown message type %q", env.Type), nil))
	}
}

// replyTrackerErr maps a tracker invocation failure to the wire taxonomy.
func (c *Conn) replyTrackerErr(id, typ string, err error) {
	var terr *tracker.Error
	if errors.As(err, &terr) {
		c.sendFrame(errFrame(id, typ, CodeTrackerFailed, terr.Stderr,
			map[string]any{"exit_code": terr.ExitCode}))
		return
	}
	c.sendFrame(errFrame(id, typ, CodeTrackerFailed, err.Error(), nil))
}

// ---- subscriptions ----

func (h *Hub) handleSubscribeList(c *Conn, env Envelope) {
	var p struct {
		ID     string         `json:"id"`
		Type   string         `json:"type"`
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.sendFrame(errFrame(env.ID, env.Type, CodeBadRequest, "invalid payload: "+err.Error(), nil))
		return
	}
	if p.ID == "" {
		c.sendFrame(errFrame(env.ID, env.Type, CodeBadRequest, "payload.id is required", nil))
		return
	}
	if !tracker.KnownSubscriptionType(p.Type) {
		c.sendFrame(errFrame(env.ID, env.Type, CodeBadRequest,
			fmt.Sprintf("unknown subscription type %q", p.Type), nil))
		return
	}
	// Validate the params → argv mapping up front so the client learns about
	// a missing epic_id from the reply rather than a refresh failure.
	if _, err := tracker.ListArgs(p.Type, p.Params); err != nil {
		c.sendFrame(errFrame(env.ID, env.Type, CodeBadRequest, err.Error(), nil))
		return
	}

	spec := registry.Spec{Type: p.Type, Params: p.Params}
	key := h.reg.Attach(spec, c)

	// A label bound twice replaces its previous subscription.  Only detach
	// the old key when no other label on this connection still uses it.
	if prevKey, replaced := c.sess.BindList(p.ID, key); replaced {
		stillBound := false
		for _, k := range c.sess.Bindings() {
			if k == prevKey {
				stillBound = true
				break
			}
		}
		if !stillBound {
			h.reg.Detach(prevKey, c)
		}
	}

	err := h.ref.SubscribeRefresh(context.Background(), spec, c, func() {
		c.sendFrame(okFrame(env.ID, env.Type, map[string]any{"id": p.ID, "key": key}))
	})
	if err != nil {
		c.replyTrackerErr(env.ID, env.Type, err)
	}
}

func (h *Hub) handleUnsubscribeList(c *Conn, env Envelope) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.ID == "" {
		c.sendFrame(errFrame(env.ID, env.Type, CodeBadRequest, "payload.id is required", nil))
		return
	}

	key, bound := c.sess.Unbind(p.ID)
	removed := false
	if bound {
		stillBound := false
		for _, k := range c.sess.Bindings() {
			if k == key {
				stillBound = true
				break
			}
		}
		if stillBound {
			removed = true // the label went away; the key subscription stays
		} else {
			removed = h.reg.Detach(key, c)
		}
	}
	c.sendFrame(okFrame(env.ID, env.Type, map[string]any{"id": p.ID, "unsubscribed": removed}))
}

// ---- one-shot queries ----

func (h *Hub) handleShowIssue(c *Conn, env Envelope) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.ID == "" {
		c.sendFrame(errFrame(env.ID, env.Type, CodeBadRequest, "payload.id is required", nil))
		return
	}

	is, found, err := h.cli.Show(context.Background(), p.ID)
	if err != nil {
		c.replyTrackerErr(env.ID, env.Type, err)
		return
	}
	if !found {
		c.sendFrame(errFrame(env.ID, env.Type, CodeNotFound,
			fmt.Sprintf("issue %q not found", p.ID), nil))
		return
	}
	c.sess.SetDetail(p.ID)
	c.sendFrame(okFrame(env.ID, env.Type, is))
}

func (h *Hub) handleListIssues(c *Conn, env Envelope) {
	var p struct {
		Status   string   `json:"status"`
		Priority *float64 `json:"priority"`
		Limit    *float64 `json:"limit"`
		Ready    bool     `json:"ready"`
		Blocked  bool     `json:"blocked"`
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.sendFrame(errFrame(env.ID, env.Type, CodeBadRequest, "invalid payload: "+err.Error(), nil))
			return
		}
	}

	var args []string
	switch {
	case p.Ready:
		args = []string{"ready", "--json"}
	case p.Blocked:
		args = []string{"blocked", "--json"}
	default:
		args = []string{"list", "--json"}
		if p.Status != "" {
			args = append(args, "--status", p.Status)
		}
		if p.Priority != nil {
			args = append(args, "--priority", strconv.Itoa(int(*p.Priority)))
		}
		if p.Limit != nil {
			args = append(args, "--limit", strconv.Itoa(int(*p.Limit)))
		}
	}

	c.sess.SetListFilters(&ListFilters{Status: p.Status, Ready: p.Ready, Blocked: p.Blocked})

	var rawList json.RawMessage
	if err := h.cli.RunJSON(context.Background(), &rawList, args...); err != nil {
		c.replyTrackerErr(env.ID, env.Type, err)
		return
	}
	c.sendFrame(okFrame(env.ID, env.Type, rawList))
}

func (h *Hub) handleEpicStatus(c *Conn, env Envelope) {
	raw, err := h.cli.EpicStatus(context.Background())
	if err != nil {
		c.replyTrackerErr(env.ID, env.Type, err)
		return
	}
	c.sendFrame(okFrame(env.ID, env.Type, raw))
}
