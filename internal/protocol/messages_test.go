package protocol

import (
	"encoding/json"
	"testing"

	"github.com/whisper/pageguard/internal/settings"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid load_page message
// ---------------------------------------------------------------------------

func TestParseClientMessage_LoadPage(t *testing.T) {
	input := []byte(`{"type":"load_page","url":"https://example.com/a","html":"<p>hi</p>"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeLoadPage {
		t.Fatalf("expected type %q, got %q", TypeLoadPage, msgType)
	}

	lp, ok := msg.(LoadPageMsg)
	if !ok {
		t.Fatalf("expected LoadPageMsg, got %T", msg)
	}
	if lp.URL != "https://example.com/a" {
		t.Errorf("expected url %q, got %q", "https://example.com/a", lp.URL)
	}
	if lp.HTML != "<p>hi</p>" {
		t.Errorf("expected html %q, got %q", "<p>hi</p>", lp.HTML)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing mutate messages validates the operation
// ---------------------------------------------------------------------------

func TestParseClientMessage_Mutate(t *testing.T) {
	input := []byte(`{"type":"mutate","op":"set_text","target_id":"p1","text":"new words"}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mm, ok := msg.(MutateMsg)
	if !ok {
		t.Fatalf("expected MutateMsg, got %T", msg)
	}
	if mm.Op != OpSetText || mm.TargetID != "p1" || mm.Text != "new words" {
		t.Errorf("unexpected mutate message: %+v", mm)
	}
}

func TestParseClientMessage_MutateInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown op":       `{"type":"mutate","op":"explode","target_id":"p1"}`,
		"set_attr no attr": `{"type":"mutate","op":"set_attr","target_id":"p1","value":"x"}`,
		"missing op":       `{"type":"mutate","target_id":"p1"}`,
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(input))
			if err == nil {
				t.Fatal("expected an error, got nil")
			}
			if msg != nil {
				t.Errorf("expected nil message, got %v", msg)
			}
			if msgType != TypeMutate {
				t.Errorf("expected type %q, got %q", TypeMutate, msgType)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing update_settings decodes the nested settings
// ---------------------------------------------------------------------------

func TestParseClientMessage_UpdateSettings(t *testing.T) {
	input := []byte(`{"type":"update_settings","settings":{"enabled":true,"language":"filipino",
		"detection_mode":"context-aware","flag_style":"blur","blur_amount":8,"confidence_threshold":0.8,
		"whitelist_websites":["example.com"],"custom_terms":["frak"]}}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	us, ok := msg.(UpdateSettingsMsg)
	if !ok {
		t.Fatalf("expected UpdateSettingsMsg, got %T", msg)
	}
	s := us.Settings
	if !s.Enabled || s.Language != settings.Filipino || s.DetectionMode != settings.ContextAware {
		t.Errorf("unexpected settings: %+v", s)
	}
	if s.FlagStyle != settings.StyleBlur || s.BlurAmount != 8 || s.ConfidenceThreshold != 0.8 {
		t.Errorf("unexpected style settings: %+v", s)
	}
	if len(s.WhitelistWebsites) != 1 || s.WhitelistWebsites[0] != "example.com" {
		t.Errorf("unexpected whitelist: %v", s.WhitelistWebsites)
	}
	if len(s.CustomTerms) != 1 || s.CustomTerms[0] != "frak" {
		t.Errorf("unexpected custom terms: %v", s.CustomTerms)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a stats server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_Stats(t *testing.T) {
	payload := StatsMsg{IsActive: true, FlaggedCount: 3, CacheSize: 7, State: "active"}

	data, err := NewServerMessage(TypeStats, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeStats {
		t.Errorf("expected type %q, got %v", TypeStats, result["type"])
	}
	if result["is_active"] != true {
		t.Errorf("expected is_active true, got %v", result["is_active"])
	}
	if n, ok := result["flagged_count"].(float64); !ok || int(n) != 3 {
		t.Errorf("expected flagged_count 3, got %v", result["flagged_count"])
	}
	if result["state"] != "active" {
		t.Errorf("expected state %q, got %v", "active", result["state"])
	}
}

func TestNewServerMessage_Snapshot(t *testing.T) {
	payload := SnapshotMsg{
		HTML: "<p>x</p>",
		Markers: []MarkerInfo{
			{ID: "m1", Window: "well damn", Style: "blur", Confidence: 1, Reason: "dictionary match"},
		},
	}

	data, err := NewServerMessage(TypeSnapshot, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded SnapshotMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeSnapshot {
		t.Errorf("type mismatch: expected %q, got %q", TypeSnapshot, decoded.Type)
	}
	if len(decoded.Markers) != 1 || decoded.Markers[0].Window != "well damn" {
		t.Errorf("unexpected markers: %+v", decoded.Markers)
	}
}

func TestNewError(t *testing.T) {
	var decoded ErrorMsg
	if err := json.Unmarshal(NewError(CodeNoPage, "load a page first"), &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeError || decoded.Code != CodeNoPage || decoded.Message != "load a page first" {
		t.Errorf("unexpected error message: %+v", decoded)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"session_created","session_id":"x"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for a server-only message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != TypeSessionCreated {
		t.Errorf("expected returned type %q, got %q", TypeSessionCreated, msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"load_page", `{"type":"load_page","url":"https://a.b","html":""}`, TypeLoadPage},
		{"mutate", `{"type":"mutate","op":"append","target_id":"feed","html":"<p>x</p>"}`, TypeMutate},
		{"update_settings", `{"type":"update_settings","settings":{}}`, TypeUpdateSettings},
		{"toggle", `{"type":"toggle"}`, TypeToggle},
		{"rescan", `{"type":"rescan"}`, TypeRescan},
		{"get_stats", `{"type":"get_stats"}`, TypeGetStats},
		{"get_snapshot", `{"type":"get_snapshot"}`, TypeGetSnapshot},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
