package api

import (
	"net/http"

	"github.com/persponify/codexd/internal/broker"
	"github.com/persponify/codexd/internal/metrics"
	"github.com/persponify/codexd/internal/scope"
	"github.com/persponify/codexd/internal/store"
)

// requirePrimaryScope resolves the effective scope from query parameters
// and rejects callers outside the active primary scope. Write endpoints go
// through this; read endpoints only resolve.
func (s *Server) requirePrimaryScope(r *http.Request) (scope.Scope, error) {
	ps, ok := s.broker.PrimaryScope()
	if !ok {
		return scope.Scope{}, broker.ErrNoPrimary
	}
	sc, err := s.broker.ResolveScopeAuto(queryInt64Ptr(r, "placeId"), queryStringPtr(r, "studioSessionId"))
	if err != nil {
		return scope.Scope{}, err
	}
	if sc != ps {
		return scope.Scope{}, broker.ErrScopeMismatch
	}
	return sc, nil
}

func (s *Server) resolveScope(r *http.Request) (scope.Scope, error) {
	return s.broker.ResolveScopeAuto(queryInt64Ptr(r, "placeId"), queryStringPtr(r, "studioSessionId"))
}

func (s *Server) handleContextExport(w http.ResponseWriter, r *http.Request) {
	sc, err := s.requirePrimaryScope(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var payload map[string]any
	if err := decodeBody(r, &payload); err != nil {
		s.writeError(w, err)
		return
	}
	if _, ok := payload["projectKey"].(string); !ok {
		payload["projectKey"] = scope.DefaultProjectKey
	}

	res := s.store.Export(sc, payload)
	if stored, _ := res["stored"].(bool); stored {
		metrics.ContextExports.Inc()
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleContextRequest(w http.ResponseWriter, r *http.Request) {
	sc, err := s.requirePrimaryScope(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var in struct {
		ProjectKey     *string  `json:"projectKey"`
		Roots          []string `json:"roots"`
		Paths          []string `json:"paths"`
		IncludeSources *bool    `json:"includeSources"`
		Mode           string   `json:"mode"`
	}
	if err := decodeBodyOptional(r, &in); err != nil {
		s.writeError(w, err)
		return
	}

	requested := in.ProjectKey
	if requested == nil {
		if q := queryString(r, "projectKey", scope.DefaultProjectKey); q != scope.DefaultProjectKey {
			requested = &q
		}
	}
	projectKey, payload := s.store.Request(sc, store.RequestInput{
		ProjectKey:     requested,
		Roots:          in.Roots,
		Paths:          in.Paths,
		IncludeSources: in.IncludeSources,
		Mode:           in.Mode,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"requested":       true,
		"projectKey":      projectKey,
		"placeId":         sc.PlaceID,
		"studioSessionId": sc.SessionID,
		"request":         payload,
	})
}

func (s *Server) handleContextLatest(w http.ResponseWriter, r *http.Request) {
	sc, err := s.resolveScope(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	projectKey := s.store.ResolveProjectKey(sc, queryString(r, "projectKey", scope.DefaultProjectKey))
	res, err := s.store.Latest(sc, projectKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleContextSummary(w http.ResponseWriter, r *http.Request) {
	sc, err := s.resolveScope(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	projectKey := s.store.ResolveProjectKey(sc, queryString(r, "projectKey", scope.DefaultProjectKey))
	res, err := s.store.Summary(sc, projectKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleContextSemantic(w http.ResponseWriter, r *http.Request) {
	sc, err := s.resolveScope(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	projectKey := s.store.ResolveProjectKey(sc, queryString(r, "projectKey", scope.DefaultProjectKey))
	includeScripts := queryBool(r, "includeScripts")
	limit := clampQueryInt(r, "limit", 200, 1, 1000)
	res, err := s.store.Semantic(sc, projectKey, includeScripts, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleContextScript(w http.ResponseWriter, r *http.Request) {
	sc, err := s.resolveScope(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	projectKey := s.store.ResolveProjectKey(sc, queryString(r, "projectKey", scope.DefaultProjectKey))
	res, err := s.store.Script(sc, projectKey, r.URL.Query().Get("path"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleContextMissing(w http.ResponseWriter, r *http.Request) {
	sc, err := s.resolveScope(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	projectKey := s.store.ResolveProjectKey(sc, queryString(r, "projectKey", scope.DefaultProjectKey))
	res, err := s.store.Missing(sc, projectKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleContextEvents(w http.ResponseWriter, r *http.Request) {
	limit := clampQueryInt(r, "limit", 50, 1, 500)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "events": s.events.Tail(limit)})
}

func (s *Server) handleContextMemoryGet(w http.ResponseWriter, r *http.Request) {
	sc, err := s.resolveScope(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	projectKey := s.store.ResolveProjectKey(sc, queryString(r, "projectKey", scope.DefaultProjectKey))
	memory, ok := s.store.Memory(sc, projectKey)
	if !ok {
		s.writeError(w, store.ErrNoMemory)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "projectKey": projectKey, "memory": memory})
}

func (s *Server) handleContextMemorySet(w http.ResponseWriter, r *http.Request) {
	sc, err := s.requirePrimaryScope(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var in struct {
		ProjectKey string `json:"projectKey"`
		Memory     string `json:"memory"`
	}
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	if in.ProjectKey == "" {
		in.ProjectKey = scope.DefaultProjectKey
	}
	bytes, err := s.store.SetMemory(sc, in.ProjectKey, in.Memory)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "projectKey": in.ProjectKey, "bytes": bytes})
}

func (s *Server) handleContextReset(w http.ResponseWriter, r *http.Request) {
	sc, err := s.requirePrimaryScope(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	projectKey := s.store.ResolveProjectKey(sc, queryString(r, "projectKey", scope.DefaultProjectKey))
	deleted := s.store.Reset(sc, projectKey)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": deleted, "projectKey": projectKey})
}
