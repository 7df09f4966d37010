// Package bridge runs the filesystem job queue shared with the external
// Codex worker. Job envelopes go out under jobs/, the worker drops action
// responses under responses/, and the bridge answers with acks/ and
// errors/ files after validating and enqueuing the resulting transaction.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/persponify/codexd/internal/action"
	"github.com/persponify/codexd/internal/audit"
	"github.com/persponify/codexd/internal/broker"
	"github.com/persponify/codexd/internal/log"
	"github.com/persponify/codexd/internal/metrics"
	"github.com/persponify/codexd/internal/persist"
	"github.com/persponify/codexd/internal/scope"
	"github.com/persponify/codexd/internal/store"
)

// Surface errors mapped to HTTP 400 by the API layer.
var (
	ErrMissingJobID   = errors.New("Missing jobId")
	ErrInvalidActions = errors.New("Invalid actions list")
)

// PackLimits bounds the optional context packs attached to job envelopes.
type PackLimits struct {
	MaxItems     int
	MaxEdges     int
	MaxRequires  int
	MaxSnapshots int

	ScriptIndexMax  int
	FocusMaxScripts int
	FocusMaxBytes   int
}

// Options configures the bridge.
type Options struct {
	JobsDir      string
	ResponsesDir string
	AcksDir      string
	ErrorsDir    string
	// ContextDir is where the store writes context files; job envelopes
	// reference them by absolute path.
	ContextDir string

	JobTTL time.Duration

	AutoRepair        bool
	RepairMaxAttempts int
	RepairCooldown    time.Duration

	PacksEnabled bool
	Pack         PackLimits

	Policy  action.Policy
	MaxRisk float64

	Broker *broker.Broker
	Store  *store.Store
	// Audit is the transaction ledger, Events the context event ledger
	// the rollback pack reads snapshots from.
	Audit  *audit.Ledger
	Events *audit.Ledger

	Now func() time.Time
}

// Bridge is safe for concurrent use.
type Bridge struct {
	mu   sync.Mutex
	opts Options
	now  func() time.Time
	log  zerolog.Logger

	jobs   map[string]map[string]any
	txJobs map[string]string

	repairAttempts map[string]int
	repairLast     map[string]time.Time

	lastJob      map[string]any
	lastResponse map[string]any
	lastError    map[string]any

	actionTotal  int
	actionByType map[string]int
}

// New builds a bridge over the given queue directories.
func New(opts Options) *Bridge {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bridge{
		opts:           opts,
		now:            opts.Now,
		log:            log.WithComponent("bridge"),
		jobs:           map[string]map[string]any{},
		txJobs:         map[string]string{},
		repairAttempts: map[string]int{},
		repairLast:     map[string]time.Time{},
		actionByType:   map[string]int{},
	}
}

func (b *Bridge) unixSeconds() float64 {
	return float64(b.now().UnixNano()) / float64(time.Second)
}

func (b *Bridge) jobPath(jobID string) string {
	return filepath.Join(b.opts.JobsDir, "job_"+jobID+".json")
}

func (b *Bridge) responsePath(jobID string) string {
	return filepath.Join(b.opts.ResponsesDir, "job_"+jobID+".json")
}

func (b *Bridge) ackPath(jobID string) string {
	return filepath.Join(b.opts.AcksDir, "job_"+jobID+".json")
}

func (b *Bridge) errorPath(jobID string) string {
	return filepath.Join(b.opts.ErrorsDir, "job_"+jobID+".json")
}

// JobInput is a /codex/job request.
type JobInput struct {
	Prompt     string
	System     *string
	Intent     string
	AutoApply  bool
	PlaceID    *int64
	SessionID  *string
	ProjectKey *string
}

// CreateJob assembles a job envelope for the active primary scope and
// writes it to the jobs directory.
func (b *Bridge) CreateJob(in JobInput) (map[string]any, error) {
	ps, ok := b.opts.Broker.PrimaryScope()
	if !ok {
		return nil, broker.ErrNoPrimary
	}
	s, err := b.opts.Broker.ResolveScopeAuto(in.PlaceID, in.SessionID)
	if err != nil {
		return nil, err
	}
	if s != ps {
		return nil, broker.ErrScopeMismatch
	}

	projectKey := b.opts.Store.ResolveProjectKeyForScope(s, in.ProjectKey)
	key := scope.NewKey(s, projectKey)
	contextID := key.ContextID()

	data := b.opts.Store.CachedContext(s, projectKey)
	version := b.opts.Store.Version(s, projectKey)
	delta := b.opts.Store.Delta(s, projectKey)
	lastReceipt := b.opts.Broker.LastReceipt(s)
	var memory any
	if m, ok := b.opts.Store.Memory(s, projectKey); ok {
		memory = m
	}

	focus := b.buildFocusPack(data, delta)
	idx := b.opts.Store.SemanticFor(s, projectKey)

	focusSemantic := map[string]any{}
	if idx != nil {
		for _, item := range focusScripts(focus) {
			path := stringOr(item["path"], "")
			if entry, ok := idx.Scripts[path]; ok {
				focusSemantic[path] = entry
			}
		}
	}

	missing := []any{}
	var meta any = map[string]any{}
	scriptCount := 0
	if data != nil {
		meta = data["meta"]
		raw, _ := data["scripts"].([]any)
		scriptCount = len(raw)
		for _, item := range raw {
			if m, ok := item.(map[string]any); ok && store.IsMissingSource(m) {
				missing = append(missing, m["path"])
			}
		}
	}

	scenario := classifyPrompt(in.Prompt, scriptCount)
	packs := map[string]any{}
	if b.opts.PacksEnabled {
		switch scenario {
		case "review", "continue", "refactor", "general":
			packs["analysis"] = b.buildAnalysisPack(data, idx, delta)
		}
		switch scenario {
		case "rollback":
			packs["rollback"] = b.buildRollbackPack(contextID)
		case "greenfield":
			packs["blueprint"] = buildBlueprintPack(scriptCount)
		case "refactor":
			packs["refactor"] = buildRefactorPack()
		}
	}

	var system any
	if in.System != nil {
		system = *in.System
	}
	intent := in.Intent
	if intent == "" {
		intent = "edit"
	}
	mode := "manual"
	if in.AutoApply {
		mode = "auto"
	}

	job := map[string]any{
		"jobId":          uuid.NewString(),
		"createdAt":      b.unixSeconds(),
		"contextId":      contextID,
		"contextVersion": version,
		"mode":           mode,
		"intent":         intent,
		"prompt":         in.Prompt,
		"system":         system,
		"scope": map[string]any{
			"placeId":         s.PlaceID,
			"studioSessionId": s.SessionID,
			"projectKey":      projectKey,
		},
		"context": map[string]any{
			"summary":       store.BuildSummary(data),
			"meta":          meta,
			"missing":       missing,
			"delta":         delta,
			"lastReceipt":   lastReceipt,
			"memory":        memory,
			"focus":         focus,
			"semantic":      semanticSummary(idx),
			"focusSemantic": nilIfEmptyMap(focusSemantic),
			"scenario":      scenario,
			"packs":         nilIfEmptyMap(packs),
		},
		"contextRef": map[string]any{
			"path":           filepath.Join(b.opts.ContextDir, "context_"+contextID+".json"),
			"contextId":      contextID,
			"contextVersion": version,
		},
		"policy": map[string]any{
			"riskProfile":    b.opts.Policy.Profile,
			"allowAutoApply": in.AutoApply,
			"protectedRoots": protectedRootsList(b.opts.Policy.ProtectedRoots),
		},
		"capabilities": map[string]any{
			"actions":        action.Supported,
			"maxSourceBytes": 250000,
		},
	}
	return b.WriteJob(job)
}

// WriteJob persists a job envelope and indexes it for response matching.
func (b *Bridge) WriteJob(job map[string]any) (map[string]any, error) {
	jobID := stringOr(job["jobId"], "")
	if jobID == "" {
		jobID = uuid.NewString()
		job["jobId"] = jobID
	}
	if err := persist.WriteAtomicJSON(b.jobPath(jobID), job); err != nil {
		return nil, fmt.Errorf("write job %s: %w", jobID, err)
	}
	b.mu.Lock()
	b.jobs[jobID] = job
	b.lastJob = map[string]any{
		"jobId":          jobID,
		"intent":         job["intent"],
		"contextId":      job["contextId"],
		"contextVersion": job["contextVersion"],
		"time":           job["createdAt"],
	}
	b.mu.Unlock()
	metrics.BridgeJobs.Inc()
	if b.opts.Audit != nil {
		b.opts.Audit.Record("codex_job", map[string]any{
			"jobId":     jobID,
			"contextId": job["contextId"],
		})
	}
	b.log.Info().Str("jobId", jobID).Msg("job written")
	return map[string]any{
		"ok":             true,
		"jobId":          jobID,
		"contextId":      job["contextId"],
		"contextVersion": job["contextVersion"],
	}, nil
}

func (b *Bridge) jobByID(jobID string) map[string]any {
	b.mu.Lock()
	job := b.jobs[jobID]
	b.mu.Unlock()
	if job != nil {
		return job
	}
	var fromDisk map[string]any
	if err := persist.ReadJSON(b.jobPath(jobID), &fromDisk); err != nil {
		return nil
	}
	return fromDisk
}

func (b *Bridge) recordError(jobID, message string, detail map[string]any) {
	if detail == nil {
		detail = map[string]any{}
	}
	b.mu.Lock()
	b.lastError = map[string]any{
		"jobId":   jobID,
		"message": message,
		"detail":  detail,
		"time":    b.unixSeconds(),
	}
	b.mu.Unlock()
	metrics.BridgeErrors.Inc()
	if b.opts.Audit != nil {
		b.opts.Audit.Record("codex_error", map[string]any{
			"jobId":   jobID,
			"message": message,
			"detail":  detail,
		})
	}
	b.log.Warn().Str("jobId", jobID).Msg(message)
}

func (b *Bridge) recordResponse(jobID, summary string) {
	b.mu.Lock()
	b.lastResponse = map[string]any{
		"jobId":   jobID,
		"summary": summary,
		"time":    b.unixSeconds(),
	}
	b.mu.Unlock()
	metrics.BridgeResponses.Inc()
	if b.opts.Audit != nil {
		b.opts.Audit.Record("codex_response", map[string]any{
			"jobId":   jobID,
			"summary": summary,
		})
	}
}

func (b *Bridge) writeAck(jobID string, payload map[string]any) {
	if err := persist.WriteAtomicJSON(b.ackPath(jobID), payload); err != nil {
		b.log.Warn().Err(err).Str("jobId", jobID).Msg("ack write failed")
	}
}

func (b *Bridge) writeError(jobID string, payload map[string]any) {
	if err := persist.WriteAtomicJSON(b.errorPath(jobID), payload); err != nil {
		b.log.Warn().Err(err).Str("jobId", jobID).Msg("error write failed")
	}
}

// reject records a bridge error and writes the error and ack files. The
// error file carries fileDetail when given; the ack is always minimal.
func (b *Bridge) reject(jobID, msg string, recordDetail, fileDetail map[string]any) {
	b.recordError(jobID, msg, recordDetail)
	payload := map[string]any{"ok": false, "error": msg}
	if fileDetail != nil {
		payload["detail"] = fileDetail
	}
	b.writeError(jobID, payload)
	b.writeAck(jobID, map[string]any{"ok": false, "error": msg})
}

func removeResponseFile(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}

// ProcessResponse validates a worker response and enqueues the resulting
// transaction for the job's scope. respPath, when non-empty, is deleted
// once the response is settled.
func (b *Bridge) ProcessResponse(jobID string, data map[string]any, respPath string) {
	job := b.jobByID(jobID)
	if job == nil {
		b.reject(jobID, "Job not found for response", nil, nil)
		return
	}

	ps, hasPrimary := b.opts.Broker.PrimaryScope()
	if !hasPrimary {
		// Keep the response around while a fresh job could still find a
		// primary on a later pass.
		createdAt, ok := floatField(job, "createdAt")
		if !ok || b.unixSeconds()-createdAt > b.opts.JobTTL.Seconds() {
			b.reject(jobID, "NoPrimary", nil, nil)
		}
		return
	}

	scopeMap, _ := job["scope"].(map[string]any)
	pid, pidOK := int64Or(scopeMap["placeId"])
	sid := stringOr(scopeMap["studioSessionId"], "")
	if !pidOK || sid == "" {
		b.reject(jobID, "Response missing scope", nil, nil)
		return
	}
	s := scope.Scope{PlaceID: pid, SessionID: sid}

	raw, ok := extractActions(data, true)
	if !ok {
		b.reject(jobID, "Invalid actions list", map[string]any{"payload": data}, nil)
		return
	}
	actions := action.NormalizeAll(raw)
	if okVal, isBool := data["ok"].(bool); (isBool && !okVal) || len(actions) == 0 {
		detail := map[string]any{"errors": firstNonEmpty(data["errors"], data["notes"])}
		b.reject(jobID, "No actions to apply", detail, detail)
		removeResponseFile(respPath)
		return
	}

	if risk, hasRisk := riskValue(data); hasRisk && risk > b.opts.MaxRisk && b.opts.Policy.Profile != "power" {
		detail := map[string]any{"risk": risk, "maxRisk": b.opts.MaxRisk}
		b.reject(jobID, "Codex risk score too high", detail, detail)
		removeResponseFile(respPath)
		return
	}

	projectKey := stringOr(scopeMap["projectKey"], scope.DefaultProjectKey)
	ctxData := b.opts.Store.CachedContext(s, projectKey)
	lookup := func(path string) string {
		return store.LookupScriptHash(ctxData, path)
	}
	if verrs := action.Validate(actions, lookup, b.opts.Policy); len(verrs) > 0 {
		if action.ShouldRequestResync(verrs) && s == ps {
			b.opts.Store.QueueResyncRequest(s, projectKey, "expectedHash mismatch")
		}
		detail := map[string]any{"errors": verrs}
		b.reject(jobID, "Codex action validation failed", detail, detail)
		removeResponseFile(respPath)
		return
	}

	txID := stringOr(data["transactionId"], "TX_CODEX_"+jobID)
	tx := map[string]any{
		"protocolVersion": broker.ProtocolVersion,
		"transactionId":   txID,
		"actions":         actions,
	}
	seq, _, err := b.opts.Broker.EnqueueForScope(tx, s)
	if err != nil {
		if errors.Is(err, broker.ErrScopeMismatch) {
			b.reject(jobID, "ScopeMismatch", map[string]any{"scope": scopeMap}, nil)
		} else {
			b.reject(jobID, err.Error(), nil, nil)
		}
		return
	}

	b.recordActionStats(actions)
	b.mu.Lock()
	b.txJobs[txID] = jobID
	b.mu.Unlock()
	if b.opts.Audit != nil {
		b.opts.Audit.Record("codex_tx_enqueued", map[string]any{
			"jobId": jobID,
			"txId":  txID,
			"seq":   seq,
			"scope": map[string]any{"placeId": s.PlaceID, "studioSessionId": s.SessionID},
		})
	}
	summary, _ := data["summary"].(string)
	b.recordResponse(jobID, summary)
	b.writeAck(jobID, map[string]any{"ok": true, "seq": seq, "txId": txID})
	removeResponseFile(respPath)
}

// Compile dry-runs a payload through normalization and validation without
// touching the queue.
func (b *Bridge) Compile(payload map[string]any) (map[string]any, error) {
	raw, ok := extractActions(payload, false)
	if !ok {
		return nil, ErrInvalidActions
	}
	actions := action.NormalizeAll(raw)
	errs := action.Validate(actions, nil, b.opts.Policy)
	if risk, hasRisk := riskValue(payload); hasRisk && risk > b.opts.MaxRisk && b.opts.Policy.Profile != "power" {
		errs = append(errs, fmt.Sprintf("riskScore %v exceeds %v", risk, b.opts.MaxRisk))
	}
	if len(errs) > 0 {
		return map[string]any{"ok": false, "errors": errs}, nil
	}
	return map[string]any{"ok": true, "actions": actions, "count": len(actions)}, nil
}

func (b *Bridge) recordActionStats(actions []action.Action) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actionTotal += len(actions)
	for _, a := range actions {
		if t := stringOr(a["type"], ""); t != "" {
			b.actionByType[t]++
		}
	}
}

// ActionStats returns the cumulative action counters.
func (b *Bridge) ActionStats() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	byType := map[string]any{}
	for t, n := range b.actionByType {
		byType[t] = n
	}
	return map[string]any{"total": b.actionTotal, "byType": byType}
}

// Status returns the last job, response and error records.
func (b *Bridge) Status() (lastJob, lastResponse, lastError map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastJob, b.lastResponse, b.lastError
}

// PendingCount counts jobs without an ack.
func (b *Bridge) PendingCount() int {
	paths, err := filepath.Glob(filepath.Join(b.opts.JobsDir, "job_*.json"))
	if err != nil {
		return 0
	}
	count := 0
	for _, p := range paths {
		if !fileExists(filepath.Join(b.opts.AcksDir, filepath.Base(p))) {
			count++
		}
	}
	return count
}

// FileCounts reports per-directory file counts for diagnostics.
func (b *Bridge) FileCounts() map[string]any {
	return map[string]any{
		"jobs":      countJobFiles(b.opts.JobsDir),
		"responses": countJobFiles(b.opts.ResponsesDir),
		"acks":      countJobFiles(b.opts.AcksDir),
		"errors":    countJobFiles(b.opts.ErrorsDir),
	}
}

func countJobFiles(dir string) int {
	paths, err := filepath.Glob(filepath.Join(dir, "job_*.json"))
	if err != nil {
		return 0
	}
	return len(paths)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Sweep expires jobs past the TTL that never got a response or ack.
func (b *Bridge) Sweep() {
	now := b.unixSeconds()
	paths, err := filepath.Glob(filepath.Join(b.opts.JobsDir, "job_*.json"))
	if err != nil {
		return
	}
	for _, jobPath := range paths {
		base := filepath.Base(jobPath)
		jobID := strings.TrimSuffix(strings.TrimPrefix(base, "job_"), ".json")
		if fileExists(b.ackPath(jobID)) || fileExists(b.responsePath(jobID)) {
			continue
		}
		var createdAt float64
		ok := false
		var job map[string]any
		if err := persist.ReadJSON(jobPath, &job); err == nil {
			createdAt, ok = floatField(job, "createdAt")
		}
		if !ok {
			if info, err := os.Stat(jobPath); err == nil {
				createdAt = float64(info.ModTime().UnixNano()) / float64(time.Second)
				ok = true
			}
		}
		if !ok {
			continue
		}
		age := now - createdAt
		if age <= b.opts.JobTTL.Seconds() {
			continue
		}
		b.recordError(jobID, "Codex job expired", map[string]any{"ageSec": age})
		b.writeError(jobID, map[string]any{"ok": false, "error": "Codex job expired"})
		b.writeAck(jobID, map[string]any{"ok": false, "error": "Codex job expired"})
		_ = os.Remove(jobPath)
		b.mu.Lock()
		delete(b.jobs, jobID)
		b.mu.Unlock()
	}
}

// ScanResponses processes every unacked response file.
func (b *Bridge) ScanResponses() {
	paths, err := filepath.Glob(filepath.Join(b.opts.ResponsesDir, "job_*.json"))
	if err != nil {
		return
	}
	for _, respPath := range paths {
		base := filepath.Base(respPath)
		jobID := strings.TrimSuffix(strings.TrimPrefix(base, "job_"), ".json")
		if fileExists(b.ackPath(jobID)) {
			continue
		}
		var data map[string]any
		if err := persist.ReadJSON(respPath, &data); err != nil {
			b.recordError(jobID, "Response parse failed: "+err.Error(), nil)
			b.writeError(jobID, map[string]any{"ok": false, "error": "Response parse failed"})
			b.writeAck(jobID, map[string]any{"ok": false, "error": "Response parse failed"})
			continue
		}
		if rid := stringOr(data["jobId"], ""); rid != "" && rid != jobID {
			b.reject(jobID, "jobId mismatch", nil, nil)
			continue
		}
		b.ProcessResponse(jobID, data, respPath)
	}
}

// Watch drives the response scanner until ctx is done. A filesystem
// watcher triggers scans immediately; the ticker backstops missed events
// and runs the TTL sweep.
func (b *Bridge) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("response watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(b.opts.ResponsesDir); err != nil {
		return fmt.Errorf("watch %s: %w", b.opts.ResponsesDir, err)
	}

	// Workers drop responses file by file; a burst of notify events would
	// rescan the directory once per event without the limiter.
	limiter := rate.NewLimiter(rate.Every(200*time.Millisecond), 1)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.Sweep()
			b.ScanResponses()
		case ev, ok := <-watcher.Events:
			if !ok {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 && limiter.Allow() {
				b.ScanResponses()
			}
		case watchErr, ok := <-watcher.Errors:
			if ok && watchErr != nil {
				b.log.Warn().Err(watchErr).Msg("response watcher error")
			}
		}
	}
}

func (b *Bridge) shouldAutoRepair(txID string) bool {
	if !b.opts.AutoRepair || txID == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.repairAttempts[txID] >= b.opts.RepairMaxAttempts {
		return false
	}
	if last, ok := b.repairLast[txID]; ok && b.now().Sub(last) < b.opts.RepairCooldown {
		return false
	}
	return true
}

// MaybeRepair emits an auto-repair job when a receipt reported errors for
// a transaction the bridge enqueued, bounded by attempt and cooldown caps.
func (b *Bridge) MaybeRepair(s scope.Scope, txID string, errs []any, lastReceipt map[string]any) {
	if len(errs) == 0 || !b.shouldAutoRepair(txID) {
		return
	}
	b.mu.Lock()
	jobID := b.txJobs[txID]
	b.mu.Unlock()

	projectKey := b.opts.Store.ResolveProjectKeyForScope(s, nil)
	key := scope.NewKey(s, projectKey)
	contextID := key.ContextID()
	data := b.opts.Store.CachedContext(s, projectKey)
	version := b.opts.Store.Version(s, projectKey)
	delta := b.opts.Store.Delta(s, projectKey)

	encoded, err := json.MarshalIndent(errs, "", "  ")
	if err != nil {
		encoded = []byte("[]")
	}
	lines := []string{
		fmt.Sprintf("Auto-repair failed tx %s.", txID),
		"Errors:",
		string(encoded),
	}
	if jobID != "" {
		lines = append(lines, "Original job: "+jobID)
	}
	var origJob any
	if jobID != "" {
		origJob = jobID
	}
	var meta any = map[string]any{}
	if data != nil {
		meta = data["meta"]
	}

	job := map[string]any{
		"jobId":          uuid.NewString(),
		"createdAt":      b.unixSeconds(),
		"contextId":      contextID,
		"contextVersion": version,
		"mode":           "auto",
		"intent":         "repair",
		"prompt":         strings.Join(lines, "\n"),
		"system":         nil,
		"scope": map[string]any{
			"placeId":         s.PlaceID,
			"studioSessionId": s.SessionID,
			"projectKey":      projectKey,
		},
		"context": map[string]any{
			"summary":     store.BuildSummary(data),
			"meta":        meta,
			"missing":     []any{},
			"delta":       delta,
			"lastReceipt": lastReceipt,
		},
		"contextRef": map[string]any{
			"path":           filepath.Join(b.opts.ContextDir, "context_"+contextID+".json"),
			"contextId":      contextID,
			"contextVersion": version,
		},
		"policy": map[string]any{
			"riskProfile":    b.opts.Policy.Profile,
			"allowAutoApply": true,
			"protectedRoots": protectedRootsList(b.opts.Policy.ProtectedRoots),
		},
		"capabilities": map[string]any{
			"actions":        action.Supported,
			"maxSourceBytes": b.opts.Policy.MaxSourceBytes,
		},
		"repairOf": map[string]any{
			"transactionId": txID,
			"jobId":         origJob,
		},
	}
	b.mu.Lock()
	b.repairAttempts[txID]++
	b.repairLast[txID] = b.now()
	b.mu.Unlock()
	if _, err := b.WriteJob(job); err != nil {
		b.log.Warn().Err(err).Str("txId", txID).Msg("repair job write failed")
	}
}

// extractActions pulls the action list out of a worker payload, accepting
// the shapes workers have produced in the wild.
func extractActions(data map[string]any, includeTx bool) ([]action.Action, bool) {
	raw, ok := data["actions"].([]any)
	if !ok && includeTx {
		if tx, isMap := data["tx"].(map[string]any); isMap {
			raw, ok = tx["actions"].([]any)
		}
	}
	if !ok {
		if plan, isMap := data["plan"].(map[string]any); isMap {
			raw, ok = plan["actions"].([]any)
		}
	}
	if !ok {
		if plan, isList := data["plan"].([]any); isList {
			allMaps := true
			for _, item := range plan {
				if _, isMap := item.(map[string]any); !isMap {
					allMaps = false
					break
				}
			}
			if allMaps {
				raw, ok = plan, true
			}
		}
	}
	if !ok {
		if dsl, isMap := data["dsl"].(map[string]any); isMap {
			raw, ok = dsl["actions"].([]any)
		}
	}
	if !ok {
		return nil, false
	}
	out := make([]action.Action, 0, len(raw))
	for _, item := range raw {
		m, _ := item.(map[string]any)
		out = append(out, m)
	}
	return out, true
}

func riskValue(data map[string]any) (float64, bool) {
	for _, field := range []string{"riskScore", "risk", "risk_score"} {
		switch v := data[field].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case string:
			var f float64
			if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func firstNonEmpty(values ...any) any {
	for _, v := range values {
		if v == nil {
			continue
		}
		if l, ok := v.([]any); ok && len(l) == 0 {
			continue
		}
		return v
	}
	return nil
}

func protectedRootsList(roots []string) []string {
	if roots == nil {
		return []string{}
	}
	return roots
}

func nilIfEmptyMap(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return m
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func int64Or(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func intOr(v any) (int, bool) {
	n, ok := int64Or(v)
	return int(n), ok
}

func floatField(m map[string]any, key string) (float64, bool) {
	switch n := m[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
