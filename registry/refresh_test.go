package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whisper-darkly/beadboard/tracker"
)

// fakeFetcher serves canned item lists per subscription type and counts calls.
type fakeFetcher struct {
	mu    sync.Mutex
	lists map[string][]tracker.Issue
	err   error
	calls int
}

func (f *fakeFetcher) FetchList(ctx context.Context, subType string, params map[string]any) ([]tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.lists[subType], nil
}

func (f *fakeFetcher) set(subType string, items []tracker.Issue) {
	f.mu.Lock()
	f.lists[subType] = items
	f.mu.Unlock()
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{lists: make(map[string][]tracker.Issue)}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestSubscribeRefreshSnapshotThenDeltas(t *testing.T) {
	g := New()
	fetch := newFakeFetcher()
	fetch.set("all-issues", []tracker.Issue{mkIssue(t, "bd-1", 100)})
	r := NewRefresher(g, fetch, 10*time.Millisecond)

	first := &recSub{}
	spec := Spec{Type: "all-issues"}
	g.Attach(spec, first)

	replied := false
	require.NoError(t, r.SubscribeRefresh(context.Background(), spec, first, func() {
		replied = true
		require.Empty(t, first.snapshot(), "reply must precede the bootstrap snapshot")
	}))
	require.True(t, replied)

	evs := first.snapshot()
	require.Len(t, evs, 1)
	require.Equal(t, []string{"bd-1"}, ids(evs[0].Delta.Added))

	// A second subscriber to the same key gets the full set as a snapshot;
	// the first sees only the real change.
	fetch.set("all-issues", []tracker.Issue{
		mkIssue(t, "bd-1", 100),
		mkIssue(t, "bd-2", 100),
	})
	second := &recSub{}
	g.Attach(spec, second)
	require.NoError(t, r.SubscribeRefresh(context.Background(), spec, second, func() {}))

	sevs := second.snapshot()
	require.Len(t, sevs, 1)
	require.ElementsMatch(t, []string{"bd-1", "bd-2"}, ids(sevs[0].Delta.Added))

	fevs := first.snapshot()
	require.Len(t, fevs, 2)
	require.Equal(t, []string{"bd-2"}, ids(fevs[1].Delta.Added))
	require.Empty(t, fevs[1].Delta.Removed)
}

func TestSubscribeRefreshFetchFailure(t *testing.T) {
	g := New()
	fetch := newFakeFetcher()
	fetch.err = errors.New("bd exploded")
	r := NewRefresher(g, fetch, 10*time.Millisecond)

	sub := &recSub{}
	spec := Spec{Type: "all-issues"}
	g.Attach(spec, sub)

	err := r.SubscribeRefresh(context.Background(), spec, sub, func() {
		t.Fatal("replied must not run when the fetch fails")
	})
	require.Error(t, err)
	require.Empty(t, sub.snapshot())
}

func TestRefreshPublishesOnlyNonEmptyDeltas(t *testing.T) {
	g := New()
	fetch := newFakeFetcher()
	fetch.set("epics", []tracker.Issue{mkIssue(t, "bd-e1", 50)})
	r := NewRefresher(g, fetch, 10*time.Millisecond)

	sub := &recSub{}
	spec := Spec{Type: "epics"}
	g.Attach(spec, sub)

	require.NoError(t, r.Refresh(context.Background(), spec))
	require.Len(t, sub.snapshot(), 1)

	// Same materialisation again: no event.
	require.NoError(t, r.Refresh(context.Background(), spec))
	require.Len(t, sub.snapshot(), 1)
}

func TestRefreshFailureKeepsPreviousState(t *testing.T) {
	g := New()
	fetch := newFakeFetcher()
	fetch.set("epics", []tracker.Issue{mkIssue(t, "bd-e1", 50)})
	r := NewRefresher(g, fetch, 10*time.Millisecond)

	spec := Spec{Type: "epics"}
	key := g.Attach(spec, &recSub{})
	require.NoError(t, r.Refresh(context.Background(), spec))

	fetch.mu.Lock()
	fetch.err = errors.New("bd exploded")
	fetch.mu.Unlock()

	require.Error(t, r.Refresh(context.Background(), spec))
	require.Equal(t, []string{"bd-e1"}, g.ItemIDs(key))
}

func TestScheduleAllCoalesces(t *testing.T) {
	g := New()
	fetch := newFakeFetcher()
	fetch.set("all-issues", []tracker.Issue{mkIssue(t, "bd-1", 100)})
	r := NewRefresher(g, fetch, 20*time.Millisecond)

	g.Attach(Spec{Type: "all-issues"}, &recSub{})

	// A burst of change notifications collapses into one refresh pass.
	for i := 0; i < 10; i++ {
		r.ScheduleAll()
		time.Sleep(time.Millisecond)
	}
	waitFor(t, func() bool { return fetch.callCount() >= 1 }, "debounced refresh")
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, 1, fetch.callCount())

	// The window re-arms for a later burst.
	r.ScheduleAll()
	waitFor(t, func() bool { return fetch.callCount() == 2 }, "second refresh pass")
}

func TestRefreshAllCoversEveryActiveKey(t *testing.T) {
	g := New()
	fetch := newFakeFetcher()
	fetch.set("all-issues", []tracker.Issue{mkIssue(t, "bd-1", 100)})
	fetch.set("epics", []tracker.Issue{mkIssue(t, "bd-e1", 100)})
	r := NewRefresher(g, fetch, 5*time.Millisecond)

	a, b := &recSub{}, &recSub{}
	g.Attach(Spec{Type: "all-issues"}, a)
	g.Attach(Spec{Type: "epics"}, b)

	r.ScheduleAll()
	waitFor(t, func() bool {
		return len(a.snapshot()) == 1 && len(b.snapshot()) == 1
	}, "deltas on both keys")
}
