// Package protocol defines the WebSocket control messages exchanged between a
// page host and the pageguard service. All messages are serialized as JSON
// and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/pageguard/internal/settings"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeLoadPage       = "load_page"
	TypeMutate         = "mutate"
	TypeUpdateSettings = "update_settings"
	TypeToggle         = "toggle"
	TypeRescan         = "rescan"
	TypeGetStats       = "get_stats"
	TypeGetSnapshot    = "get_snapshot"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "session_created"
	TypePageLoaded     = "page_loaded"
	TypeStats          = "stats"
	TypeSnapshot       = "snapshot"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Mutation operations carried by MutateMsg.
const (
	OpAppend  = "append"   // parse HTML and append it to the target
	OpReplace = "replace"  // replace the target's children with parsed HTML
	OpSetText = "set_text" // edit the target's first text child in place
	OpSetAttr = "set_attr" // set Attr=Value on the target
	OpRemove  = "remove"   // detach the target
)

// Error codes sent in ErrorMsg.
const (
	CodeBadRequest = "bad_request"
	CodeNoPage     = "no_page"
	CodeNotFound   = "not_found"
	CodeInternal   = "internal"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// LoadPageMsg replaces the session's page with a new document and starts an
// engine on it.
type LoadPageMsg struct {
	Type string `json:"type"`
	URL  string `json:"url"`
	HTML string `json:"html"`
}

// MutateMsg applies one page-side change to the element with id TargetID.
// An empty TargetID addresses <body>.
type MutateMsg struct {
	Type     string `json:"type"`
	Op       string `json:"op"`
	TargetID string `json:"target_id"`
	HTML     string `json:"html,omitempty"`
	Text     string `json:"text,omitempty"`
	Attr     string `json:"attr,omitempty"`
	Value    string `json:"value,omitempty"`
}

// UpdateSettingsMsg replaces the session's settings.
type UpdateSettingsMsg struct {
	Type     string            `json:"type"`
	Settings settings.Settings `json:"settings"`
}

// ToggleMsg flips protection on or off.
type ToggleMsg struct {
	Type string `json:"type"`
}

// RescanMsg asks for a full rescan of the page.
type RescanMsg struct {
	Type string `json:"type"`
}

// GetStatsMsg asks for the engine counters.
type GetStatsMsg struct {
	Type string `json:"type"`
}

// GetSnapshotMsg asks for the current page HTML.
type GetSnapshotMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new session is established.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// PageLoadedMsg confirms a load_page once the initial scan has finished.
type PageLoadedMsg struct {
	Type         string `json:"type"`
	PageID       string `json:"page_id"`
	State        string `json:"state"`
	FlaggedCount int    `json:"flagged_count"`
}

// StatsMsg reports the engine counters. It answers get_stats, toggle,
// rescan, update_settings and mutate.
type StatsMsg struct {
	Type         string `json:"type"`
	IsActive     bool   `json:"is_active"`
	FlaggedCount int    `json:"flagged_count"`
	CacheSize    int    `json:"cache_size"`
	State        string `json:"state"`
}

// MarkerInfo describes one live redaction in a snapshot.
type MarkerInfo struct {
	ID         string  `json:"id"`
	Window     string  `json:"window"`
	Style      string  `json:"style"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// SnapshotMsg carries the rendered body and its markers.
type SnapshotMsg struct {
	Type    string       `json:"type"`
	HTML    string       `json:"html"`
	Markers []MarkerInfo `json:"markers"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeLoadPage:
		var m LoadPageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMutate:
		var m MutateMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil {
			err = m.validate()
		}
		msg = m
	case TypeUpdateSettings:
		var m UpdateSettingsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeToggle:
		var m ToggleMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRescan:
		var m RescanMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGetStats:
		var m GetStatsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGetSnapshot:
		var m GetSnapshotMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

func (m MutateMsg) validate() error {
	switch m.Op {
	case OpAppend, OpReplace, OpSetText, OpRemove:
	case OpSetAttr:
		if m.Attr == "" {
			return fmt.Errorf("op %q needs attr", m.Op)
		}
	default:
		return fmt.Errorf("unknown op %q", m.Op)
	}
	return nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewError builds an encoded ErrorMsg.
func NewError(code, message string) []byte {
	out, _ := NewServerMessage(TypeError, ErrorMsg{Code: code, Message: message})
	return out
}
