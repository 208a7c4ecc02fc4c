package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/whisper-darkly/beadboard/store"
	"github.com/whisper-darkly/beadboard/tracker"
)

// editableFields maps edit-text field names to bd update flags.
var editableFields = map[string]string{
	"title":       "--title",
	"description": "--description",
	"design":      "--design",
	"acceptance":  "--acceptance-criteria",
	"notes":       "--notes",
}

func validStatus(s string) bool {
	return s == "open" || s == "in_progress" || s == "closed"
}

// handleMutation validates the payload, forwards the mutation to bd, fetches
// the authoritative post-state with a follow-up show, replies with it, and
// emits a targeted issues-changed event.  Validation and tracker failures
// reply before any fan-out.
func (h *Hub) handleMutation(c *Conn, env Envelope) {
	args, showID, hintIDs, verr := buildMutation(env.Type, env.Payload)
	if verr != "" {
		c.sendFrame(errFrame(env.ID, env.Type, CodeBadRequest, verr, nil))
		return
	}

	ctx := context.Background()

	if env.Type == "create-issue" {
		// create needs its own JSON round-trip to learn the new id before
		// the authoritative show.
		var created json.RawMessage
		if err := h.cli.RunJSON(ctx, &created, args...); err != nil {
			h.record(store.KindMutation, "", env.Type+": "+err.Error(), false)
			c.replyTrackerErr(env.ID, env.Type, err)
			return
		}
		is, ok := tracker.NormalizeOne(created)
		if !ok {
			h.record(store.KindMutation, "", env.Type+": create returned no id", false)
			c.sendFrame(errFrame(env.ID, env.Type, CodeTrackerFailed,
				"create returned no issue id", nil))
			return
		}
		showID = is.ID
	} else {
		res := h.cli.Run(ctx, args...)
		if res.Code != 0 {
			err := &tracker.Error{ExitCode: res.Code, Stderr: string(res.Stderr)}
			h.record(store.KindMutation, showID, env.Type+": "+err.Error(), false)
			c.replyTrackerErr(env.ID, env.Type, err)
			return
		}
	}

	is, found, err := h.cli.Show(ctx, showID)
	if err != nil {
		h.record(store.KindMutation, showID, env.Type+": "+err.Error(), false)
		c.replyTrackerErr(env.ID, env.Type, err)
		return
	}
	if !found {
		h.record(store.KindMutation, showID, env.Type+": post-state missing", false)
		c.sendFrame(errFrame(env.ID, env.Type, CodeNotFound,
			fmt.Sprintf("issue %q not found after mutation", showID), nil))
		return
	}

	h.record(store.KindMutation, showID, env.Type, true)
	c.sendFrame(okFrame(env.ID, env.Type, is))

	h.emitIssuesChanged(is.ID, is.StringField("status"), hintIDs)

	// The watcher sees the database write and drives the debounced refresh;
	// the explicit nudge keeps lists converging when the watcher is disabled.
	h.ref.ScheduleAll()
}

// buildMutation maps a mutation request to its argv, the id to show
// afterwards, and the ids to hint in the issues-changed event.  A non-empty
// verr is a validation failure.
func buildMutation(typ string, payload json.RawMessage) (args []string, showID string, hintIDs []string, verr string) {
	switch typ {
	case "update-status":
		var p struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(payload, &p); err != nil || p.ID == "" {
			return nil, "", nil, "payload.id is required"
		}
		if !validStatus(p.Status) {
			return nil, "", nil, fmt.Sprintf("invalid status %q", p.Status)
		}
		return []string{"update", p.ID, "--status", p.Status}, p.ID, nil, ""

	case "update-priority":
		var p struct {
			ID       string   `json:"id"`
			Priority *float64 `json:"priority"`
		}
		if err := json.Unmarshal(payload, &p); err != nil || p.ID == "" {
			return nil, "", nil, "payload.id is required"
		}
		if p.Priority == nil || *p.Priority != float64(int(*p.Priority)) ||
			*p.Priority < 0 || *p.Priority > 4 {
			return nil, "", nil, "priority must be an integer in 0..4"
		}
		return []string{"update", p.ID, "--priority", strconv.Itoa(int(*p.Priority))}, p.ID, nil, ""

	case "update-assignee":
		var p struct {
			ID       string  `json:"id"`
			Assignee *string `json:"assignee"`
		}
		if err := json.Unmarshal(payload, &p); err != nil || p.ID == "" {
			return nil, "", nil, "payload.id is required"
		}
		if p.Assignee == nil {
			return nil, "", nil, "payload.assignee is required (empty string clears)"
		}
		return []string{"update", p.ID, "--assignee", *p.Assignee}, p.ID, nil, ""

	case "edit-text":
		var p struct {
			ID    string  `json:"id"`
			Field string  `json:"field"`
			Value *string `json:"value"`
		}
		if err := json.Unmarshal(payload, &p); err != nil || p.ID == "" {
			return nil, "", nil, "payload.id is required"
		}
		flag, ok := editableFields[p.Field]
		if !ok {
			return nil, "", nil, fmt.Sprintf("invalid field %q", p.Field)
		}
		if p.Value == nil {
			return nil, "", nil, "payload.value is required"
		}
		return []string{"update", p.ID, flag, *p.Value}, p.ID, nil, ""

	case "create-issue":
		var p struct {
			Title       string   `json:"title"`
			Type        string   `json:"type"`
			Priority    *float64 `json:"priority"`
			Description string   `json:"description"`
		}
		if err := json.Unmarshal(payload, &p); err != nil || p.Title == "" {
			return nil, "", nil, "payload.title is required"
		}
		args := []string{"create", p.Title, "--json"}
		if p.Type != "" {
			args = append(args, "-t", p.Type)
		}
		if p.Priority != nil {
			if *p.Priority != float64(int(*p.Priority)) || *p.Priority < 0 || *p.Priority > 4 {
				return nil, "", nil, "priority must be an integer in 0..4"
			}
			args = append(args, "-p", strconv.Itoa(int(*p.Priority)))
		}
		if p.Description != "" {
			args = append(args, "-d", p.Description)
		}
		// showID is resolved from the create output.
		return args, "", nil, ""

	case "dep-add", "dep-remove":
		var p struct {
			A string `json:"a"`
			B string `json:"b"`
		}
		if err := json.Unmarshal(payload, &p); err != nil || p.A == "" || p.B == "" {
			return nil, "", nil, "payload.a and payload.b are required"
		}
		verb := "add"
		if typ == "dep-remove" {
			verb = "remove"
		}
		return []string{"dep", verb, p.A, p.B}, p.A, []string{p.A, p.B}, ""

	case "label-add", "label-remove":
		var p struct {
			ID    string `json:"id"`
			Label string `json:"label"`
		}
		if err := json.Unmarshal(payload, &p); err != nil || p.ID == "" {
			return nil, "", nil, "payload.id is required"
		}
		if p.Label == "" {
			return nil, "", nil, "payload.label is required"
		}
		verb := "add"
		if typ == "label-remove" {
			verb = "remove"
		}
		return []string{"label", verb, p.ID, p.Label}, p.ID, nil, ""
	}
	return nil, "", nil, fmt.Sprintf("unknown mutation %q", typ)
}
