package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/persponify/codexd/internal/action"
	"github.com/persponify/codexd/internal/bridge"
	"github.com/persponify/codexd/internal/broker"
	"github.com/persponify/codexd/internal/metrics"
	"github.com/persponify/codexd/internal/scope"
	"github.com/persponify/codexd/internal/version"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"serverName":      ServerName,
		"serverTime":      s.unixSeconds(),
		"rulesVersion":    version.Version,
		"protocolVersion": broker.ProtocolVersion,
		"endpoints": map[string]any{
			"health":             "/health",
			"discover":           "/discover",
			"status":             "/status",
			"register":           "/register",
			"release":            "/release",
			"sync":               "/sync",
			"wait":               "/wait",
			"receipt":            "/receipt",
			"heartbeat":          "/heartbeat",
			"enqueue":            "/enqueue",
			"debug_state":        "/debug/state",
			"debug_last_wait":    "/debug/last_wait",
			"debug_last_receipt": "/debug/last_receipt",
			"debug_reset":        "/debug/reset",
			"debug_fault":        "/debug/fault",
			"scope_current":      "/scope/current",
			"context_export":     "/context/export",
			"context_request":    "/context/request",
			"context_latest":     "/context/latest",
			"context_summary":    "/context/summary",
			"context_semantic":   "/context/semantic",
			"context_reset":      "/context/reset",
			"context_script":     "/context/script",
			"context_missing":    "/context/missing",
			"context_memory":     "/context/memory",
			"context_events":     "/context/events",
			"codex_job":          "/codex/job",
			"codex_status":       "/codex/status",
			"codex_response":     "/codex/response",
			"codex_compile":      "/codex/compile",
			"diagnostics":        "/diagnostics",
			"audit_ledger":       "/audit/ledger",
			"metrics":            "/metrics",
		},
		"meta": map[string]any{
			"supportsWaitTimeout":   true,
			"defaultWaitTimeoutSec": s.cfg.DefaultWaitTimeout.Seconds(),
			"heartbeatTtlSec":       s.cfg.HeartbeatTTL.Seconds(),
			"claimTtlSec":           s.cfg.ClaimTTL.Seconds(),
			"supportsTakeover":      true,
			"codexQueueDir":         s.cfg.QueueDir,
			"sqlite": map[string]any{
				"enabled": s.cfg.SQLiteEnabled,
				"path":    s.cfg.SQLitePath,
			},
		},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	_, pending, claims := s.broker.Counters()

	var lastReceipt any
	var contextRequest any = false
	if ps, ok := s.broker.PrimaryScope(); ok {
		if rec := s.broker.LastReceipt(ps); rec != nil {
			lastReceipt = rec
		}
		if req := s.store.PendingRequest(ps); req != nil {
			contextRequest = req
		}
	}

	lastJob, lastResponse, lastError := s.bridge.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"serverTime":   s.unixSeconds(),
		"primary":      s.broker.Primary(),
		"queuePending": pending,
		"claims":       claims,
		"lastReceipt":  lastReceipt,
		"codex": map[string]any{
			"pending":      s.bridge.PendingCount(),
			"lastJob":      anyOrNil(lastJob),
			"lastResponse": anyOrNil(lastResponse),
			"lastError":    anyOrNil(lastError),
			"actionStats":  s.bridge.ActionStats(),
		},
		"contextRequest": contextRequest,
		"queueLimit":     s.cfg.MaxQueue,
	})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	_, pending, claims := s.broker.Counters()
	info := s.broker.Primary()

	var lastReceipt any
	if ps, ok := s.broker.PrimaryScope(); ok {
		if rec := s.broker.LastReceipt(ps); rec != nil {
			lastReceipt = rec
		}
	}

	lastJob, lastResponse, lastError := s.bridge.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"version":    version.Version,
		"serverTime": s.unixSeconds(),
		"primary": map[string]any{
			"placeId":             info.PlaceID,
			"studioSessionId":     info.StudioSessionID,
			"clientId":            info.ClientID,
			"alive":               info.Alive,
			"lastHeartbeatAgeSec": info.LastHeartbeatAgeSec,
		},
		"queue": map[string]any{
			"pending":     pending,
			"claims":      claims,
			"lastReceipt": lastReceipt,
			"limit":       s.cfg.MaxQueue,
		},
		"codex": map[string]any{
			"pending":      s.bridge.PendingCount(),
			"lastJob":      anyOrNil(lastJob),
			"lastResponse": anyOrNil(lastResponse),
			"lastError":    anyOrNil(lastError),
			"files":        s.bridge.FileCounts(),
			"jobTtlSec":    s.cfg.JobTTL.Seconds(),
			"actionStats":  s.bridge.ActionStats(),
		},
		"context": map[string]any{
			"scopes": s.store.ScopeCount(),
		},
		"auditLog":         s.cfg.AuditLogPath(),
		"contextEventsLog": s.cfg.ContextEventsPath(),
		"queueState":       s.cfg.QueueStatePath(),
		"sqlite": map[string]any{
			"enabled": s.cfg.SQLiteEnabled,
			"path":    s.cfg.SQLitePath,
		},
	})
}

func (s *Server) handleAuditLedger(w http.ResponseWriter, r *http.Request) {
	limit := clampQueryInt(r, "limit", s.cfg.AuditLedgerLimit, 1, 1000)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "events": s.audit.Tail(limit)})
}

func (s *Server) handleScopeCurrent(w http.ResponseWriter, r *http.Request) {
	serverSeq, _, _ := s.broker.Counters()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"primary":   s.broker.Primary(),
		"serverSeq": serverSeq,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ClientID        string `json:"clientId"`
		StudioSessionID string `json:"studioSessionId"`
		PlaceID         int64  `json:"placeId"`
		ClientTag       string `json:"clientTag"`
		Takeover        bool   `json:"takeover"`
	}
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.broker.Register(scope.Scope{PlaceID: in.PlaceID, SessionID: in.StudioSessionID}, in.ClientID, in.Takeover)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var in struct {
		LeaseToken string `json:"leaseToken"`
		Fence      *int64 `json:"fence"`
		Reason     string `json:"reason"`
	}
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.broker.Release(in.LeaseToken, in.Fence); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fence, err := parseInt64(q.Get("fence"))
	if err != nil {
		s.writeError(w, broker.ErrFenceMismatch)
		return
	}
	placeID, err := parseInt64(q.Get("placeId"))
	if err != nil {
		s.writeError(w, broker.ErrScopeMismatch)
		return
	}
	sc := scope.Scope{PlaceID: placeID, SessionID: q.Get("studioSessionId")}
	serverSeq, err := s.broker.Sync(q.Get("leaseToken"), fence, sc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rulesVersion":     version.Version,
		"recommendedSince": 0,
		"meta":             map[string]any{"serverSeq": serverSeq},
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var in struct {
		LeaseToken      string `json:"leaseToken"`
		Fence           int64  `json:"fence"`
		StudioSessionID string `json:"studioSessionId"`
		PlaceID         int64  `json:"placeId"`
	}
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	serverSeq, err := s.broker.Heartbeat(in.LeaseToken, in.Fence, scope.Scope{PlaceID: in.PlaceID, SessionID: in.StudioSessionID})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "serverSeq": serverSeq})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Tx map[string]any `json:"tx"`
	}
	if err := decodeBody(r, &in); err != nil || in.Tx == nil {
		s.writeError(w, bridge.ErrInvalidActions)
		return
	}
	if _, ok := in.Tx["protocolVersion"]; !ok {
		in.Tx["protocolVersion"] = broker.ProtocolVersion
	}
	raw, _ := in.Tx["actions"].([]any)
	actions := make([]action.Action, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			actions = append(actions, m)
		} else {
			actions = append(actions, nil)
		}
	}
	in.Tx["actions"] = action.NormalizeAll(actions)

	seq, pending, err := s.broker.Enqueue(in.Tx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	metrics.TxEnqueued.Inc()
	if s.audit != nil {
		payload := map[string]any{
			"transactionId": in.Tx["transactionId"],
			"seq":           seq,
		}
		if ps, ok := s.broker.PrimaryScope(); ok {
			payload["scope"] = map[string]any{"placeId": ps.PlaceID, "studioSessionId": ps.SessionID}
		}
		s.audit.Record("tx_enqueue", payload)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "seq": seq, "pending": pending})
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	var in struct {
		LeaseToken      string   `json:"leaseToken"`
		Fence           int64    `json:"fence"`
		Since           int64    `json:"since"`
		PlaceID         int64    `json:"placeId"`
		StudioSessionID string   `json:"studioSessionId"`
		TimeoutSec      *float64 `json:"timeoutSec"`
	}
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	var timeout time.Duration
	if in.TimeoutSec != nil {
		timeout = time.Duration(*in.TimeoutSec * float64(time.Second))
	}
	sc := scope.Scope{PlaceID: in.PlaceID, SessionID: in.StudioSessionID}
	res, err := s.broker.Wait(r.Context(), in.LeaseToken, in.Fence, sc, in.Since, timeout)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		s.writeError(w, err)
		return
	}
	if res == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	placeID, err := parseInt64(r.URL.Query().Get("placeId"))
	if err != nil {
		s.writeError(w, broker.ErrScopeMismatch)
		return
	}
	sc := scope.Scope{PlaceID: placeID, SessionID: r.URL.Query().Get("studioSessionId")}

	var in struct {
		LeaseToken    string `json:"leaseToken"`
		Fence         *int64 `json:"fence"`
		ClaimToken    string `json:"claimToken"`
		TransactionID string `json:"transactionId"`
		Applied       []any  `json:"applied"`
		Errors        []any  `json:"errors"`
		Notes         []any  `json:"notes"`
	}
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, err)
		return
	}

	receipt, err := s.broker.Receipt(broker.ReceiptInput{
		LeaseToken:    in.LeaseToken,
		Fence:         in.Fence,
		ClaimToken:    in.ClaimToken,
		TransactionID: in.TransactionID,
		Applied:       in.Applied,
		Errors:        in.Errors,
		Notes:         in.Notes,
	}, sc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	metrics.TxReceipted.Inc()
	if len(in.Errors) > 0 {
		metrics.TxReceiptErrors.Inc()
	}
	if s.audit != nil {
		s.audit.Record("receipt", map[string]any{
			"transactionId": in.TransactionID,
			"errorsCount":   len(in.Errors),
			"appliedCount":  len(in.Applied),
			"scope":         map[string]any{"placeId": sc.PlaceID, "studioSessionId": sc.SessionID},
		})
	}

	if len(in.Errors) > 0 && in.TransactionID != "" {
		s.bridge.MaybeRepair(sc, in.TransactionID, in.Errors, receipt)
	}

	out := map[string]any{"ok": true}
	for k, v := range receipt {
		out[k] = v
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) resolveScopeForDebug(r *http.Request) (scope.Scope, error) {
	sc, err := s.broker.ResolveScopeAuto(queryInt64Ptr(r, "placeId"), queryStringPtr(r, "studioSessionId"))
	if err != nil {
		return scope.Scope{}, errDebugScope
	}
	return sc, nil
}

func (s *Server) handleDebugState(w http.ResponseWriter, r *http.Request) {
	sc, err := s.resolveScopeForDebug(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.broker.DebugState(sc))
}

func (s *Server) handleDebugLastWait(w http.ResponseWriter, r *http.Request) {
	sc, err := s.resolveScopeForDebug(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lastWait": anyOrNil(s.broker.LastWait(sc))})
}

func (s *Server) handleDebugLastReceipt(w http.ResponseWriter, r *http.Request) {
	sc, err := s.resolveScopeForDebug(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lastReceipt": anyOrNil(s.broker.LastReceipt(sc))})
}

func (s *Server) handleDebugReset(w http.ResponseWriter, r *http.Request) {
	s.broker.ResetDebug()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDebugFault(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Mode string  `json:"mode"`
		Sec  float64 `json:"sec"`
	}
	if err := decodeBodyOptional(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	fault := s.broker.SetFault(broker.Fault{Mode: in.Mode, Sec: in.Sec})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "fault": fault})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "shutting down"})
	if s.shutdown != nil {
		go func() {
			time.Sleep(200 * time.Millisecond)
			s.shutdown()
		}()
	}
}

// anyOrNil keeps typed-nil maps out of JSON responses.
func anyOrNil(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

func parseInt64(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}
