// Package registry is the in-process subscription broker.  It maps canonical
// subscription keys to materialised item sets and their subscribers, computes
// deltas between successive materialisations, and fans deltas out.
//
// Locking model: a small registry-wide mutex guards entry creation/destroy
// and subscriber-set edits and is only ever held for map operations; each
// entry carries its own mutex that serialises refreshes of that key.
// Different keys refresh concurrently, the same key strictly sequentially.
package registry

import (
	"sync"
	"time"

	"github.com/whisper-darkly/beadboard/tracker"
)

// Subscriber is the weak connection handle the registry fans out through.
// Implementations must not block: the server side backs this with a bounded
// per-connection send queue.
type Subscriber interface {
	SendEvent(eventType string, payload any)
}

// Delta is the (added, updated, removed) triple produced by ApplyItems and
// carried by list-delta events.
type Delta struct {
	Added   []tracker.Issue `json:"added"`
	Updated []tracker.Issue `json:"updated"`
	Removed []string        `json:"removed"`
}

// Empty reports whether the delta carries no changes.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// DeltaEvent is the payload of a list-delta server event.
type DeltaEvent struct {
	Key   string `json:"key"`
	Delta Delta  `json:"delta"`
}

type entry struct {
	key  string
	spec Spec

	// mu is the per-key serialisation lock: at most one refresh at a time
	// for this key, and apply+publish execute as one critical section.
	mu            sync.Mutex
	items         map[string]tracker.Issue
	lastRefreshed time.Time // observability only

	// subs is guarded by Registry.mu, not entry.mu.
	subs map[Subscriber]struct{}
}

// Registry holds one entry per active subscription key.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Attach derives the key for spec, creates the entry if needed, and adds sub
// to its subscriber set.  Idempotent per (key, sub) pair.
func (g *Registry) Attach(spec Spec, sub Subscriber) string {
	key := spec.Key()
	g.mu.Lock()
	e, ok := g.entries[key]
	if !ok {
		e = &entry{
			key:   key,
			spec:  spec,
			items: make(map[string]tracker.Issue),
			subs:  make(map[Subscriber]struct{}),
		}
		g.entries[key] = e
	}
	e.subs[sub] = struct{}{}
	g.mu.Unlock()
	return key
}

// Detach removes sub from the key's subscriber set and destroys the entry
// when the set becomes empty.  Returns whether sub was subscribed.
func (g *Registry) Detach(key string, sub Subscriber) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[key]
	if !ok {
		return false
	}
	if _, had := e.subs[sub]; !had {
		return false
	}
	delete(e.subs, sub)
	if len(e.subs) == 0 {
		delete(g.entries, key)
	}
	return true
}

// OnDisconnect removes sub from every subscriber set, destroying entries
// that become empty.  Called from the connection teardown path.
func (g *Registry) OnDisconnect(sub Subscriber) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, e := range g.entries {
		delete(e.subs, sub)
		if len(e.subs) == 0 {
			delete(g.entries, key)
		}
	}
}

// ActiveSpecs snapshots the specs of all live entries.
func (g *Registry) ActiveSpecs() []Spec {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Spec, 0, len(g.entries))
	for _, e := range g.entries {
		out = append(out, e.spec)
	}
	return out
}

// Keys snapshots the active key set (health/diagnostics).
func (g *Registry) Keys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.entries))
	for key := range g.entries {
		out = append(out, key)
	}
	return out
}

// SubscriberCount reports the size of a key's subscriber set.
func (g *Registry) SubscriberCount(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[key]
	if !ok {
		return 0
	}
	return len(e.subs)
}

// ApplyItems replaces the key's stored item set with items and returns the
// delta against the previous set.  Acquires the per-key lock; use
// WithKeyLock + applyLocked when composing with a fetch.
func (g *Registry) ApplyItems(key string, items []tracker.Issue) Delta {
	e := g.lookup(key)
	if e == nil {
		return Delta{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyLocked(items)
}

// PublishDelta sends a list-delta event to every current subscriber of key.
// A failure to deliver to one subscriber never affects the others: SendEvent
// is required to be non-blocking and to swallow per-connection failures.
func (g *Registry) PublishDelta(key string, delta Delta) {
	g.mu.Lock()
	subs := make([]Subscriber, 0, 4)
	if e, ok := g.entries[key]; ok {
		for sub := range e.subs {
			subs = append(subs, sub)
		}
	}
	g.mu.Unlock()

	for _, sub := range subs {
		sub.SendEvent("list-delta", DeltaEvent{Key: key, Delta: delta})
	}
}

// publishExcept fans delta out to every subscriber of key except skip, which
// has already received the state another way (bootstrap snapshot).
func (g *Registry) publishExcept(key string, delta Delta, skip Subscriber) {
	g.mu.Lock()
	subs := make([]Subscriber, 0, 4)
	if e, ok := g.entries[key]; ok {
		for sub := range e.subs {
			if sub != skip {
				subs = append(subs, sub)
			}
		}
	}
	g.mu.Unlock()

	for _, sub := range subs {
		sub.SendEvent("list-delta", DeltaEvent{Key: key, Delta: delta})
	}
}

// WithKeyLock runs fn while holding the per-key serialisation lock.
// Returns false when the entry no longer exists (all subscribers left).
func (g *Registry) WithKeyLock(key string, fn func()) bool {
	e := g.lookup(key)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn()
	return true
}

func (g *Registry) lookup(key string) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.entries[key]
}

// applyLocked computes the delta and swaps in the new set.  Caller holds e.mu.
//
// An item counts as updated only when its updated_at strictly increased:
// ties and decreases are not updates, so re-applying the same materialisation
// yields an empty delta.
func (e *entry) applyLocked(items []tracker.Issue) Delta {
	next := make(map[string]tracker.Issue, len(items))
	for _, is := range items {
		next[is.ID] = is
	}

	var d Delta
	for id, is := range next {
		prev, ok := e.items[id]
		switch {
		case !ok:
			d.Added = append(d.Added, is)
		case is.UpdatedAt > prev.UpdatedAt:
			d.Updated = append(d.Updated, is)
		}
	}
	for id := range e.items {
		if _, ok := next[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}

	e.items = next
	e.lastRefreshed = time.Now()
	return d
}

// ItemIDs snapshots the stored id set for a key (tests and diagnostics).
func (g *Registry) ItemIDs(key string) []string {
	e := g.lookup(key)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.items))
	for id := range e.items {
		out = append(out, id)
	}
	return out
}
