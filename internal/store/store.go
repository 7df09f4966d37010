// Package store keeps the per-scope context snapshots exported by the
// Studio plugin: versioned payloads, deltas between versions, project
// memory, the semantic index cache and pending export requests. Snapshots
// are duck-typed JSON objects; the store validates only what it needs.
package store

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/persponify/codexd/internal/audit"
	"github.com/persponify/codexd/internal/log"
	"github.com/persponify/codexd/internal/persist"
	"github.com/persponify/codexd/internal/scope"
	"github.com/persponify/codexd/internal/semantic"
)

// Read-path sentinel errors, matched by detail string on the wire.
var (
	ErrNoContext       = errors.New("NoContext")
	ErrNoSemantic      = errors.New("NoSemantic")
	ErrNoMemory        = errors.New("NoMemory")
	ErrEmptyMemory     = errors.New("EmptyMemory")
	ErrScriptNotFound  = errors.New("ScriptNotFound")
	ErrSourceOmitted   = errors.New("SourceOmitted")
	ErrSourceTruncated = errors.New("SourceTruncated")
	ErrSourceMissing   = errors.New("SourceMissing")
)

// Options configures the store.
type Options struct {
	// Dir is the context directory under the queue root.
	Dir           string
	DeltaMaxItems int
	// MinInterval throttles repeated exports per context; zero disables.
	MinInterval       time.Duration
	ReconcileInterval time.Duration

	SemanticEnabled bool
	SemanticLimits  semantic.Limits

	// DB is the SQLite mirror, nil when disabled.
	DB *persist.DB
	// Events is the context event ledger, Audit the transaction ledger.
	Events *audit.Ledger
	Audit  *audit.Ledger

	Now func() time.Time
}

// Store is safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	opts Options
	now  func() time.Time
	log  zerolog.Logger

	latest         map[scope.Key]map[string]any
	versions       map[scope.Key]int
	deltas         map[scope.Key]map[string]any
	fingerprints   map[scope.Key]string
	memory         map[scope.Key]string
	memoryMtime    map[scope.Key]time.Time
	semanticCache  map[scope.Key]*semantic.Index
	exportRequests map[scope.Scope]map[string]any
	lastExportAt   map[scope.Key]time.Time
}

// New builds an empty store.
func New(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		opts:           opts,
		now:            opts.Now,
		log:            log.WithComponent("store"),
		latest:         map[scope.Key]map[string]any{},
		versions:       map[scope.Key]int{},
		deltas:         map[scope.Key]map[string]any{},
		fingerprints:   map[scope.Key]string{},
		memory:         map[scope.Key]string{},
		memoryMtime:    map[scope.Key]time.Time{},
		semanticCache:  map[scope.Key]*semantic.Index{},
		exportRequests: map[scope.Scope]map[string]any{},
		lastExportAt:   map[scope.Key]time.Time{},
	}
}

func (st *Store) contextFilePath(contextID string) string {
	return filepath.Join(st.opts.Dir, "context_"+contextID+".json")
}

func (st *Store) memoryFilePath(contextID string) string {
	return filepath.Join(st.opts.Dir, "context_"+contextID+".memory.txt")
}

func (st *Store) unixSeconds() float64 {
	return float64(st.now().UnixNano()) / float64(time.Second)
}

// Export stores a new context version for the scope and returns the
// response body. Lease and scope checks happen in the caller.
func (st *Store) Export(s scope.Scope, payload map[string]any) map[string]any {
	st.mu.Lock()
	defer st.mu.Unlock()

	projectKey := stringOr(payload["projectKey"], scope.DefaultProjectKey)
	key := scope.NewKey(s, projectKey)
	contextID := key.ContextID()
	delete(st.exportRequests, s)

	if st.opts.MinInterval > 0 {
		if last, ok := st.lastExportAt[key]; ok && st.now().Sub(last) < st.opts.MinInterval {
			return map[string]any{
				"ok":             true,
				"stored":         false,
				"throttled":      true,
				"projectKey":     key.ProjectKey,
				"contextId":      contextID,
				"contextVersion": st.versions[key],
			}
		}
	}

	payload["serverReceivedAt"] = st.unixSeconds()
	prev := st.latest[key]
	incomingFP := ""
	if meta, ok := payload["meta"].(map[string]any); ok {
		incomingFP = stringOr(meta["fingerprint"], "")
	}
	if incomingFP != "" && st.fingerprints[key] == incomingFP {
		st.lastExportAt[key] = st.now()
		return map[string]any{
			"ok":             true,
			"stored":         false,
			"unchanged":      true,
			"projectKey":     key.ProjectKey,
			"contextId":      contextID,
			"contextVersion": st.versions[key],
		}
	}

	version := st.versions[key] + 1
	st.versions[key] = version
	if incomingFP != "" {
		st.fingerprints[key] = incomingFP
	}
	payload["contextVersion"] = version
	payload["contextId"] = contextID
	mergeSources(prev, payload)
	delta := st.computeDelta(prev, payload)
	st.deltas[key] = delta
	st.latest[key] = payload
	st.lastExportAt[key] = st.now()

	if err := persist.WriteAtomicJSON(st.contextFilePath(contextID), payload); err != nil {
		st.log.Warn().Err(err).Str("contextId", contextID).Msg("context file write failed")
	}
	if st.opts.DB != nil {
		if err := st.opts.DB.SaveSnapshot(contextID, version, s.PlaceID, s.SessionID, key.ProjectKey, st.now(), payload); err != nil {
			st.log.Warn().Err(err).Str("contextId", contextID).Msg("snapshot mirror failed")
		}
	}

	var semanticSummary any
	if idx := st.ensureSemanticLocked(key, payload); idx != nil {
		semanticSummary = idx.Summary
	}

	treeCount := listLen(payload["tree"])
	scriptCount := listLen(payload["scripts"])
	eventPayload := map[string]any{
		"contextId":      contextID,
		"contextVersion": version,
		"projectKey":     key.ProjectKey,
		"treeCount":      treeCount,
		"scriptCount":    scriptCount,
		"delta":          delta,
	}
	if st.opts.Events != nil {
		st.opts.Events.Record("export", eventPayload)
	}
	if st.opts.Audit != nil {
		st.opts.Audit.Record("context_export", eventPayload)
	}

	return map[string]any{
		"ok":              true,
		"stored":          true,
		"changed":         true,
		"projectKey":      key.ProjectKey,
		"contextId":       contextID,
		"contextVersion":  version,
		"treeCount":       treeCount,
		"scriptCount":     scriptCount,
		"delta":           delta,
		"semanticSummary": semanticSummary,
	}
}

// RequestInput narrows a /context/request body.
type RequestInput struct {
	ProjectKey     *string
	Roots          []string
	Paths          []string
	IncludeSources *bool
	Mode           string
}

// Request records a pending export request for the scope and returns the
// request payload the plugin will pick up via /status.
func (st *Store) Request(s scope.Scope, in RequestInput) (string, map[string]any) {
	st.mu.Lock()
	defer st.mu.Unlock()

	payload := map[string]any{"requestedAt": st.unixSeconds()}
	var requested *string
	if in.ProjectKey != nil && *in.ProjectKey != "" {
		requested = in.ProjectKey
		payload["projectKey"] = *in.ProjectKey
	}
	if in.Roots != nil {
		payload["roots"] = cleanStrings(in.Roots)
	}
	if in.Paths != nil {
		payload["paths"] = cleanStrings(in.Paths)
	}
	if in.IncludeSources != nil {
		payload["includeSources"] = *in.IncludeSources
	}
	if in.Mode == "full" || in.Mode == "diff" {
		payload["mode"] = in.Mode
	}
	st.exportRequests[s] = payload
	return st.resolveProjectKeyForScopeLocked(s, requested), payload
}

// QueueResyncRequest schedules a full re-export for the scope, used when
// validation detects a stale cached context. Returns false when the scope
// is not the primary anymore (checked by the caller via the broker).
func (st *Store) QueueResyncRequest(s scope.Scope, projectKey, reason string) {
	st.mu.Lock()
	payload := map[string]any{
		"requestedAt":    st.unixSeconds(),
		"projectKey":     projectKey,
		"includeSources": true,
		"mode":           "full",
	}
	if reason != "" {
		payload["reason"] = reason
	}
	st.exportRequests[s] = payload
	st.mu.Unlock()

	if st.opts.Audit != nil {
		st.opts.Audit.Record("context_request", map[string]any{
			"placeId":         s.PlaceID,
			"studioSessionId": s.SessionID,
			"projectKey":      projectKey,
			"reason":          reason,
		})
	}
}

// PendingRequest returns the scope's pending export request, or nil.
func (st *Store) PendingRequest(s scope.Scope) map[string]any {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.exportRequests[s]
}

// ResolveProjectKey maps "default" onto the scope's most recently exported
// project key so read endpoints find the active project without the caller
// naming it.
func (st *Store) ResolveProjectKey(s scope.Scope, requested string) string {
	st.mu.Lock()
	defer st.mu.Unlock()

	key := requested
	if key == "" {
		key = scope.DefaultProjectKey
	}
	if key != scope.DefaultProjectKey {
		return key
	}

	type candidate struct {
		at  time.Time
		key string
	}
	var candidates []candidate
	for k, at := range st.lastExportAt {
		if k.Scope == s {
			candidates = append(candidates, candidate{at, k.ProjectKey})
		}
	}
	if len(candidates) == 0 {
		for k := range st.latest {
			if k.Scope == s {
				candidates = append(candidates, candidate{st.lastExportAt[k], k.ProjectKey})
			}
		}
	}
	if len(candidates) == 0 {
		return key
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].at.Equal(candidates[j].at) {
			return candidates[i].at.After(candidates[j].at)
		}
		return candidates[i].key < candidates[j].key
	})
	return candidates[0].key
}

// ResolveProjectKeyForScope picks the project key for a new job: the
// requested key wins, then a single known key, then "default" when known,
// then the first key.
func (st *Store) ResolveProjectKeyForScope(s scope.Scope, requested *string) string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.resolveProjectKeyForScopeLocked(s, requested)
}

func (st *Store) resolveProjectKeyForScopeLocked(s scope.Scope, requested *string) string {
	if requested != nil && *requested != "" {
		return *requested
	}
	var keys []string
	for k := range st.latest {
		if k.Scope == s {
			keys = append(keys, k.ProjectKey)
		}
	}
	if len(keys) == 0 {
		return scope.DefaultProjectKey
	}
	if len(keys) == 1 {
		return keys[0]
	}
	for _, k := range keys {
		if k == scope.DefaultProjectKey {
			return k
		}
	}
	sort.Strings(keys)
	return keys[0]
}

// cachedContextLocked loads the snapshot from memory, disk or SQLite.
func (st *Store) cachedContextLocked(key scope.Key) map[string]any {
	if data, ok := st.latest[key]; ok {
		return data
	}
	contextID := key.ContextID()
	var data map[string]any
	if err := persist.ReadJSON(st.contextFilePath(contextID), &data); err != nil {
		data = nil
	}
	if data == nil && st.opts.DB != nil {
		var fromDB map[string]any
		if _, ok, err := st.opts.DB.LoadLatestSnapshot(contextID, &fromDB); err == nil && ok {
			data = fromDB
		}
	}
	if data == nil {
		return nil
	}
	st.latest[key] = data
	if v, ok := intOr(data["contextVersion"]); ok {
		st.versions[key] = v
	}
	st.ensureSemanticLocked(key, data)
	return data
}

// ensureSemanticLocked returns the semantic index matching the current
// context version, rebuilding (and persisting) it when stale.
func (st *Store) ensureSemanticLocked(key scope.Key, data map[string]any) *semantic.Index {
	if !st.opts.SemanticEnabled {
		return nil
	}
	version := st.versions[key]
	if existing := st.semanticCache[key]; existing != nil && existing.ContextVersion == version {
		return existing
	}
	contextID := key.ContextID()
	if st.opts.DB != nil {
		var cached semantic.Index
		if _, ok, err := st.opts.DB.LoadLatestSemantic(contextID, &cached); err == nil && ok && cached.ContextVersion == version {
			st.semanticCache[key] = &cached
			return &cached
		}
	}
	if data == nil {
		return nil
	}
	idx := semantic.BuildIndex(contextID, version, scriptsForIndex(data), st.opts.SemanticLimits, st.now())
	st.semanticCache[key] = &idx
	if st.opts.DB != nil {
		if err := st.opts.DB.SaveSemantic(contextID, version, st.now(), idx); err != nil {
			st.log.Warn().Err(err).Str("contextId", contextID).Msg("semantic mirror failed")
		}
	}
	return &idx
}

func scriptsForIndex(data map[string]any) []semantic.Script {
	raw, _ := data["scripts"].([]any)
	out := make([]semantic.Script, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		s := semantic.Script{
			Path:      stringOr(m["path"], ""),
			ClassName: stringOr(m["className"], ""),
			SHA1:      stringOr(m["sha1"], ""),
		}
		if src, ok := m["source"].(string); ok {
			s.Source = src
			s.HasSource = true
		}
		if t, ok := m["sourceTruncated"].(bool); ok {
			s.SourceTruncated = t
		}
		if b, ok := intOr(m["bytes"]); ok {
			s.Bytes = b
		}
		out = append(out, s)
	}
	return out
}

// ScriptFingerprint derives a script's change-detection token the same way
// the exporter does: explicit sha1, then source hash, then byte count.
func ScriptFingerprint(m map[string]any) string {
	if sha, ok := m["sha1"].(string); ok && sha != "" {
		return sha
	}
	if src, ok := m["source"].(string); ok && src != "" {
		sum := sha1.Sum([]byte(src))
		return "sha1:" + hex.EncodeToString(sum[:])
	}
	if b, ok := intOr(m["bytes"]); ok {
		return fmt.Sprintf("bytes:%d", b)
	}
	return "unknown"
}

// HasFullSource reports whether the script entry carries untruncated
// source text.
func HasFullSource(m map[string]any) bool {
	if m["source"] == nil {
		return false
	}
	truncated, _ := m["sourceTruncated"].(bool)
	return !truncated
}

// IsMissingSource reports whether the exporter left the source out for a
// reason other than diff-mode omission.
func IsMissingSource(m map[string]any) bool {
	if HasFullSource(m) {
		return false
	}
	return stringOr(m["sourceOmittedReason"], "") != "diff"
}

// LookupScriptHash returns the cached fingerprint for a script path, or "".
func LookupScriptHash(data map[string]any, path string) string {
	if data == nil || path == "" {
		return ""
	}
	raw, _ := data["scripts"].([]any)
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok && stringOr(m["path"], "") == path {
			return ScriptFingerprint(m)
		}
	}
	return ""
}

// BuildSummary rolls up a snapshot for job envelopes.
func BuildSummary(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{"treeCount": 0, "scriptCount": 0, "totalScriptBytes": 0}
	}
	summary := map[string]any{
		"treeCount":        listLen(data["tree"]),
		"scriptCount":      listLen(data["scripts"]),
		"totalScriptBytes": totalScriptBytes(data),
	}
	if meta, ok := data["meta"].(map[string]any); ok {
		for _, field := range []string{
			"gameId", "placeId", "pluginVersion", "buildId",
			"totalScriptChars", "exportedScriptChars",
			"omittedSourceCount", "omittedByDiff", "omittedBySize", "omittedByTotal",
			"totalCapHit", "truncatedBySize", "attributesIncluded", "tagsIncluded",
		} {
			summary[field] = meta[field]
		}
	}
	return summary
}

func totalScriptBytes(data map[string]any) int {
	raw, _ := data["scripts"].([]any)
	total := 0
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			if b, ok := intOr(m["bytes"]); ok {
				total += b
			}
		}
	}
	return total
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func intOr(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func listLen(v any) int {
	if l, ok := v.([]any); ok {
		return len(l)
	}
	return 0
}

func cleanStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

func removeFile(path string) {
	_ = os.Remove(path)
}
