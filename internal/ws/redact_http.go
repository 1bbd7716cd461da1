package ws

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/whisper/pageguard/internal/dom"
	"github.com/whisper/pageguard/internal/protocol"
	"github.com/whisper/pageguard/internal/settings"
)

// RedactRequest is the body of POST /v1/redact. Settings overrides the
// service settings for this page only.
type RedactRequest struct {
	URL      string             `json:"url"`
	HTML     string             `json:"html"`
	Settings *settings.Settings `json:"settings,omitempty"`
}

// RedactResponse carries the redacted body.
type RedactResponse struct {
	HTML         string                `json:"html"`
	State        string                `json:"state"`
	FlaggedCount int                   `json:"flagged_count"`
	Markers      []protocol.MarkerInfo `json:"markers"`
}

// handleRedact runs one scan over a submitted page and returns the result.
// The engine is stopped before responding, so nothing watches the page.
func (s *Server) handleRedact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONError(w, http.StatusMethodNotAllowed, protocol.CodeBadRequest, "use POST")
		return
	}

	limit := s.deps.MaxPageSize
	if limit <= 0 {
		limit = DefaultMaxPageBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, int64(2*limit))

	var req RedactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, protocol.CodeBadRequest, "invalid request body")
		return
	}
	if err := ValidatePage(req.URL, req.HTML, limit); err != nil {
		writeJSONError(w, http.StatusBadRequest, protocol.CodeBadRequest, err.Error())
		return
	}

	doc, err := dom.ParseString(req.HTML)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, protocol.CodeBadRequest, err.Error())
		return
	}

	var src settings.Source
	if req.Settings != nil {
		src = settings.NewStatic(req.Settings.Normalize())
	}
	eng, err := s.deps.newEngine(doc, req.URL, src)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, protocol.CodeInternal, err.Error())
		return
	}
	defer eng.Stop()

	if err := eng.Start(r.Context()); err != nil {
		s.log.WithError(err).Error("[ws] one-shot engine start failed")
		writeJSONError(w, http.StatusInternalServerError, protocol.CodeInternal, "engine failed")
		return
	}
	if err := r.Context().Err(); err != nil {
		// Client went away mid-scan; the result would be partial.
		return
	}

	snap := snapshot(doc, eng)
	st := eng.Stats()
	s.log.WithFields(logrus.Fields{
		"url":     req.URL,
		"flagged": st.FlaggedCount,
	}).Debug("[ws] one-shot redaction")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RedactResponse{
		HTML:         snap.HTML,
		State:        st.State,
		FlaggedCount: st.FlaggedCount,
		Markers:      snap.Markers,
	})
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(protocol.ErrorMsg{Type: protocol.TypeError, Code: code, Message: message})
}
