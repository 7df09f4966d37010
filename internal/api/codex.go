package api

import (
	"net/http"

	"github.com/persponify/codexd/internal/bridge"
)

func (s *Server) handleCodexJob(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Prompt          string  `json:"prompt"`
		System          *string `json:"system"`
		Intent          string  `json:"intent"`
		AutoApply       *bool   `json:"autoApply"`
		PlaceID         *int64  `json:"placeId"`
		StudioSessionID *string `json:"studioSessionId"`
		ProjectKey      *string `json:"projectKey"`
	}
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	autoApply := true
	if in.AutoApply != nil {
		autoApply = *in.AutoApply
	}
	res, err := s.bridge.CreateJob(bridge.JobInput{
		Prompt:     in.Prompt,
		System:     in.System,
		Intent:     in.Intent,
		AutoApply:  autoApply,
		PlaceID:    in.PlaceID,
		SessionID:  in.StudioSessionID,
		ProjectKey: in.ProjectKey,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCodexStatus(w http.ResponseWriter, r *http.Request) {
	lastJob, lastResponse, lastError := s.bridge.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"pending":      s.bridge.PendingCount(),
		"lastJob":      anyOrNil(lastJob),
		"lastResponse": anyOrNil(lastResponse),
		"lastError":    anyOrNil(lastError),
	})
}

func (s *Server) handleCodexResponse(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := decodeBody(r, &payload); err != nil {
		s.writeError(w, err)
		return
	}
	jobID, _ := payload["jobId"].(string)
	if jobID == "" {
		s.writeError(w, bridge.ErrMissingJobID)
		return
	}
	s.bridge.ProcessResponse(jobID, payload, "")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "jobId": jobID})
}

func (s *Server) handleCodexCompile(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := decodeBody(r, &payload); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.bridge.Compile(payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
