package tracker

import (
	"context"
	"encoding/json"
	"fmt"
)

// Subscription types understood by the list mapper.  The set is closed;
// anything else is a bad request.
const (
	SubAllIssues        = "all-issues"
	SubEpics            = "epics"
	SubIssuesForEpic    = "issues-for-epic"
	SubBlockedIssues    = "blocked-issues"
	SubReadyIssues      = "ready-issues"
	SubInProgressIssues = "in-progress-issues"
	SubClosedIssues     = "closed-issues"
)

// KnownSubscriptionType reports whether t names a supported list view.
func KnownSubscriptionType(t string) bool {
	switch t {
	case SubAllIssues, SubEpics, SubIssuesForEpic, SubBlockedIssues,
		SubReadyIssues, SubInProgressIssues, SubClosedIssues:
		return true
	}
	return false
}

// ListArgs maps a (type, params) subscription spec to a concrete bd argv.
func ListArgs(subType string, params map[string]any) ([]string, error) {
	switch subType {
	case SubAllIssues:
		return []string{"list", "--json"}, nil
	case SubEpics:
		return []string{"list", "--json", "--type", "epic"}, nil
	case SubIssuesForEpic:
		epicID, _ := ParamString(params["epic_id"])
		if epicID == "" {
			return nil, fmt.Errorf("issues-for-epic requires params.epic_id")
		}
		return []string{"list", "--json", "--epic", epicID}, nil
	case SubBlockedIssues:
		return []string{"blocked", "--json"}, nil
	case SubReadyIssues:
		return []string{"ready", "--json"}, nil
	case SubInProgressIssues:
		return []string{"list", "--json", "--status", "in_progress"}, nil
	case SubClosedIssues:
		return []string{"list", "--json", "--status", "closed"}, nil
	}
	return nil, fmt.Errorf("unknown subscription type %q", subType)
}

// FilterClosedSince applies the closed-issues post-filter: when params.since
// is a finite positive number, only items closed at or after it survive.
// Runs before the diff so "since" windows produce predictable snapshots.
func FilterClosedSince(items []Issue, params map[string]any) []Issue {
	since, ok := ParamNumber(params["since"])
	if !ok || since <= 0 {
		return items
	}
	out := make([]Issue, 0, len(items))
	for _, is := range items {
		if is.ClosedAt > 0 && float64(is.ClosedAt) >= since {
			out = append(out, is)
		}
	}
	return out
}

// FetchList resolves a subscription spec to argv, runs bd, and returns the
// normalised (and, for closed-issues, post-filtered) item list.
func (c *CLI) FetchList(ctx context.Context, subType string, params map[string]any) ([]Issue, error) {
	args, err := ListArgs(subType, params)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := c.RunJSON(ctx, &raw, args...); err != nil {
		return nil, err
	}
	items := NormalizeList(raw)
	if subType == SubClosedIssues {
		items = FilterClosedSince(items, params)
	}
	return items, nil
}

// Show fetches a single issue.  found is false when bd returned an empty
// result for the id.
func (c *CLI) Show(ctx context.Context, id string) (Issue, bool, error) {
	var raw json.RawMessage
	if err := c.RunJSON(ctx, &raw, "show", id, "--json"); err != nil {
		return Issue{}, false, err
	}
	is, ok := NormalizeOne(raw)
	return is, ok, nil
}

// EpicStatus returns bd's epic progress array verbatim.
func (c *CLI) EpicStatus(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.RunJSON(ctx, &raw, "epic", "status", "--json"); err != nil {
		return nil, err
	}
	return raw, nil
}
