package server

import "time"

// emitIssuesChanged delivers a targeted issues-changed event after a
// successful mutation.  Recipient selection, in order:
//
//  1. every session viewing the updated id as detail;
//  2. every session whose last list-issues scope is likely affected: any
//     ready/blocked scope always, a status scope only when it matches the
//     entity's new status;
//  3. when 1+2 selected no one and hint ids exist, sessions viewing a hinted
//     id as detail;
//  4. otherwise broadcast.
//
// All branches respect the session's events-enabled flag.  Ambiguous
// mutations err toward notifying more sessions; clients react by refetching
// the affected detail or waiting for the next list-delta.
func (h *Hub) emitIssuesChanged(issueID, status string, hintIDs []string) {
	conns := h.connSnapshot()

	recipients := make(map[*Conn]struct{})
	for _, c := range conns {
		if !c.sess.EventsEnabled() {
			continue
		}
		if issueID != "" && c.sess.Detail() == issueID {
			recipients[c] = struct{}{}
			continue
		}
		if f := c.sess.LastListFilters(); f != nil {
			if f.Ready || f.Blocked {
				recipients[c] = struct{}{}
				continue
			}
			if f.Status != "" && f.Status == status {
				recipients[c] = struct{}{}
			}
		}
	}

	if len(recipients) == 0 && len(hintIDs) > 0 {
		hinted := make(map[string]struct{}, len(hintIDs))
		for _, id := range hintIDs {
			hinted[id] = struct{}{}
		}
		for _, c := range conns {
			if !c.sess.EventsEnabled() {
				continue
			}
			if _, ok := hinted[c.sess.Detail()]; ok {
				recipients[c] = struct{}{}
			}
		}
	}

	if len(recipients) == 0 {
		for _, c := range conns {
			if c.sess.EventsEnabled() {
				recipients[c] = struct{}{}
			}
		}
	}

	if len(recipients) == 0 {
		return
	}

	ids := hintIDs
	if len(ids) == 0 && issueID != "" {
		ids = []string{issueID}
	}
	payload := IssuesChangedEvent{TS: time.Now().UnixMilli()}
	if len(ids) > 0 {
		payload.Hint = &IssuesChangedHint{IDs: ids}
	}

	for c := range recipients {
		c.SendEvent("issues-changed", payload)
	}
}
