package registry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/whisper-darkly/beadboard/tracker"
)

// Fetcher materialises a subscription spec into a normalised item list.
// *tracker.CLI is the production implementation.
type Fetcher interface {
	FetchList(ctx context.Context, subType string, params map[string]any) ([]tracker.Issue, error)
}

// Refresher re-materialises subscription keys: one-shot on subscribe, and
// debounced over all active keys when the change watcher fires.
type Refresher struct {
	reg      *Registry
	fetch    Fetcher
	debounce time.Duration

	// journal, when set, observes every applied delta (activity store).
	journal func(key string, d Delta)

	mu    sync.Mutex
	timer *time.Timer
}

// NewRefresher creates a Refresher with the given debounce window.
func NewRefresher(reg *Registry, fetch Fetcher, debounce time.Duration) *Refresher {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Refresher{reg: reg, fetch: fetch, debounce: debounce}
}

// SetJournal installs an observability hook called after each non-empty
// delta is published.  Must be set before the refresher is in use.
func (r *Refresher) SetJournal(fn func(key string, d Delta)) { r.journal = fn }

// Refresh materialises one spec under its per-key lock and publishes the
// delta when non-empty.  A fetch failure leaves the previous state intact and
// publishes nothing; the error is returned so the subscribe path can surface
// it while background callers log and continue.
func (r *Refresher) Refresh(ctx context.Context, spec Spec) error {
	key := spec.Key()
	e := r.reg.lookup(key)
	if e == nil {
		// All subscribers left before the refresh ran; nothing to do.
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	items, err := r.fetch.FetchList(ctx, spec.Type, spec.Params)
	if err != nil {
		return err
	}
	delta := e.applyLocked(items)
	if delta.Empty() {
		return nil
	}
	r.reg.PublishDelta(key, delta)
	if r.journal != nil {
		r.journal(key, delta)
	}
	return nil
}

// SubscribeRefresh is the bootstrap refresh for a newly attached subscriber.
// Under the per-key lock it materialises the spec, invokes replied (the
// caller enqueues its OK reply there, so the reply precedes any delta), sends
// the full current state to sub as a single added-only snapshot delta, and
// publishes the real delta (changes relative to the previous materialisation)
// to every other subscriber of the key.
//
// On fetch failure nothing is sent, replied is not invoked, and the previous
// state is retained; the caller surfaces the error as its reply.  The entry
// stays attached so later refreshes can recover.
func (r *Refresher) SubscribeRefresh(ctx context.Context, spec Spec, sub Subscriber, replied func()) error {
	key := spec.Key()
	e := r.reg.lookup(key)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	items, err := r.fetch.FetchList(ctx, spec.Type, spec.Params)
	if err != nil {
		return err
	}
	delta := e.applyLocked(items)

	replied()

	snapshot := Delta{
		Added:   make([]tracker.Issue, 0, len(e.items)),
		Updated: []tracker.Issue{},
		Removed: []string{},
	}
	for _, is := range e.items {
		snapshot.Added = append(snapshot.Added, is)
	}
	sub.SendEvent("list-delta", DeltaEvent{Key: key, Delta: snapshot})

	if !delta.Empty() {
		r.reg.publishExcept(key, delta, sub)
		if r.journal != nil {
			r.journal(key, delta)
		}
	}
	return nil
}

// ScheduleAll arms the coalescing timer.  Calls within the debounce window
// collapse into a single pass over all active keys.
func (r *Refresher) ScheduleAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Reset(r.debounce)
		return
	}
	r.timer = time.AfterFunc(r.debounce, r.refreshAll)
}

func (r *Refresher) refreshAll() {
	r.mu.Lock()
	r.timer = nil
	r.mu.Unlock()

	// Each key refreshes under its own lock; keys progress independently.
	for _, spec := range r.reg.ActiveSpecs() {
		go func(spec Spec) {
			if err := r.Refresh(context.Background(), spec); err != nil {
				log.Printf("registry: refresh %s: %v", spec.Key(), err)
			}
		}(spec)
	}
}
