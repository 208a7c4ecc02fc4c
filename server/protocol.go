// Package server implements the browser-facing side of the daemon: the
// WebSocket hub, per-connection sessions, the request/reply protocol, and
// mutation forwarding with targeted fan-out.
package server

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire error codes.
const (
	CodeBadJSON       = "bad-json"
	CodeBadRequest    = "bad-request"
	CodeUnknownType   = "unknown-type"
	CodeNotFound      = "not-found"
	CodeTrackerFailed = "tracker-failed"
)

// Envelope is the common frame shape.  Every frame on the wire is a JSON
// object with a correlation id and a type tag; requests and ok-replies carry
// a payload, failed replies carry an error.
type Envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WireError is the error object on ok:false replies.
type WireError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// outFrame is the server-side superset of replies and events.
type outFrame struct {
	ID      string     `json:"id"`
	Type    string     `json:"type"`
	OK      bool       `json:"ok"`
	Payload any        `json:"payload,omitempty"`
	Error   *WireError `json:"error,omitempty"`
}

func okFrame(id, typ string, payload any) outFrame {
	return outFrame{ID: id, Type: typ, OK: true, Payload: payload}
}

func errFrame(id, typ, code, message string, details map[string]any) outFrame {
	return outFrame{
		ID:   id,
		Type: typ,
		OK:   false,
		Error: &WireError{Code: code, Message: message, Details: details},
	}
}

// eventID generates the correlation id for server-initiated events; clients
// ignore it but the envelope shape requires one.
func eventID() string {
	return fmt.Sprintf("evt-%d", time.Now().UnixMilli())
}

// IssuesChangedEvent is the payload of the issues-changed server event.
type IssuesChangedEvent struct {
	TS   int64              `json:"ts"`
	Hint *IssuesChangedHint `json:"hint,omitempty"`
}

// IssuesChangedHint narrows an issues-changed event to specific ids.
type IssuesChangedHint struct {
	IDs []string `json:"ids"`
}
