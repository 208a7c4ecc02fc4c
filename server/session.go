package server

import "sync"

// ListFilters is the scope hint captured from a legacy list-issues request,
// used by the mutation fan-out policy.
type ListFilters struct {
	Status  string
	Ready   bool
	Blocked bool
}

// Session is the per-connection state.  The owning connection mutates it;
// the mutation fan-out path reads it from other goroutines, so every access
// goes through the mutex.
type Session struct {
	mu sync.Mutex

	eventsOn bool
	listSubs map[string]string // client label → registry key
	detailID string
	filters  *ListFilters
}

func newSession() *Session {
	return &Session{listSubs: make(map[string]string)}
}

// EnableEvents marks the session as wanting issues-changed events.
func (s *Session) EnableEvents() {
	s.mu.Lock()
	s.eventsOn = true
	s.mu.Unlock()
}

// EventsEnabled reports whether issues-changed events should be delivered.
func (s *Session) EventsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventsOn
}

// BindList associates a client label with a registry key.  When the label was
// already bound the previous key is returned so the caller can detach it
// (idempotent replace).
func (s *Session) BindList(label, key string) (prevKey string, replaced bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prevKey, replaced = s.listSubs[label]
	s.listSubs[label] = key
	return prevKey, replaced && prevKey != key
}

// Unbind removes a label binding, returning the key it pointed at.
func (s *Session) Unbind(label string) (key string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok = s.listSubs[label]
	if ok {
		delete(s.listSubs, label)
	}
	return key, ok
}

// Bindings snapshots the label → key map.
func (s *Session) Bindings() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.listSubs))
	for label, key := range s.listSubs {
		out[label] = key
	}
	return out
}

// SetDetail records the issue currently viewed as detail.
func (s *Session) SetDetail(id string) {
	s.mu.Lock()
	s.detailID = id
	s.mu.Unlock()
}

// Detail returns the currently viewed detail id, or "".
func (s *Session) Detail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detailID
}

// SetListFilters records the scope of the last legacy list-issues request.
func (s *Session) SetListFilters(f *ListFilters) {
	s.mu.Lock()
	s.filters = f
	s.mu.Unlock()
}

// LastListFilters returns the recorded scope, or nil.
func (s *Session) LastListFilters() *ListFilters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filters
}
