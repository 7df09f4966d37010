package store

import (
	"os"
	"sort"
	"strings"

	"github.com/persponify/codexd/internal/scope"
	"github.com/persponify/codexd/internal/semantic"
)

// Latest returns the newest snapshot for the scope and project.
func (st *Store) Latest(s scope.Scope, projectKey string) (map[string]any, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	key := scope.NewKey(s, projectKey)
	data := st.cachedContextLocked(key)
	if data == nil {
		return nil, ErrNoContext
	}
	return map[string]any{
		"ok":             true,
		"projectKey":     key.ProjectKey,
		"contextId":      key.ContextID(),
		"contextVersion": st.versions[key],
		"context":        data,
	}, nil
}

// Summary returns the rolled-up view of the newest snapshot.
func (st *Store) Summary(s scope.Scope, projectKey string) (map[string]any, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	key := scope.NewKey(s, projectKey)
	data := st.cachedContextLocked(key)
	if data == nil {
		return nil, ErrNoContext
	}
	idx := st.ensureSemanticLocked(key, data)

	meta, _ := data["meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	out := map[string]any{
		"ok":               true,
		"projectKey":       key.ProjectKey,
		"contextId":        key.ContextID(),
		"contextVersion":   st.versions[key],
		"placeId":          s.PlaceID,
		"studioSessionId":  s.SessionID,
		"gameId":           meta["gameId"],
		"meta":             meta,
		"treeCount":        listLen(data["tree"]),
		"scriptCount":      listLen(data["scripts"]),
		"totalScriptBytes": totalScriptBytes(data),
		"serverReceivedAt": data["serverReceivedAt"],
		"memory":           nil,
		"semanticSummary":  nil,
	}
	if memory, ok := st.memoryLocked(key); ok {
		out["memory"] = memory
	}
	if idx != nil {
		out["semanticSummary"] = idx.Summary
	}
	return out, nil
}

// Semantic returns the semantic index summary, optionally with per-script
// entries sorted by path.
func (st *Store) Semantic(s scope.Scope, projectKey string, includeScripts bool, limit int) (map[string]any, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	key := scope.NewKey(s, projectKey)
	data := st.cachedContextLocked(key)
	if data == nil {
		return nil, ErrNoContext
	}
	idx := st.ensureSemanticLocked(key, data)
	if idx == nil {
		return nil, ErrNoSemantic
	}

	scripts := []any{}
	if includeScripts {
		paths := make([]string, 0, len(idx.Scripts))
		for p := range idx.Scripts {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		if limit > 0 && len(paths) > limit {
			paths = paths[:limit]
		}
		for _, p := range paths {
			scripts = append(scripts, idx.Scripts[p])
		}
	}

	return map[string]any{
		"ok":             true,
		"projectKey":     key.ProjectKey,
		"contextId":      key.ContextID(),
		"contextVersion": st.versions[key],
		"summary":        idx.Summary,
		"scripts":        scripts,
	}, nil
}

// Script returns one script with full source, or a sentinel describing why
// the source is unavailable.
func (st *Store) Script(s scope.Scope, projectKey, path string) (map[string]any, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	key := scope.NewKey(s, projectKey)
	data := st.cachedContextLocked(key)
	if data == nil {
		return nil, ErrNoContext
	}

	raw, _ := data["scripts"].([]any)
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok || stringOr(m["path"], "") != path {
			continue
		}
		if !HasFullSource(m) {
			if stringOr(m["sourceOmittedReason"], "") == "diff" {
				return nil, ErrSourceOmitted
			}
			if truncated, _ := m["sourceTruncated"].(bool); truncated {
				return nil, ErrSourceTruncated
			}
			return nil, ErrSourceMissing
		}
		return map[string]any{"ok": true, "projectKey": key.ProjectKey, "script": m}, nil
	}
	return nil, ErrScriptNotFound
}

// Missing lists script paths whose source the exporter left out.
func (st *Store) Missing(s scope.Scope, projectKey string) (map[string]any, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	key := scope.NewKey(s, projectKey)
	data := st.cachedContextLocked(key)
	if data == nil {
		return nil, ErrNoContext
	}
	missing := []string{}
	raw, _ := data["scripts"].([]any)
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok && IsMissingSource(m) {
			missing = append(missing, stringOr(m["path"], ""))
		}
	}
	return map[string]any{
		"ok":         true,
		"projectKey": key.ProjectKey,
		"missing":    missing,
		"count":      len(missing),
	}, nil
}

// Memory returns the project memory, loading lazily from disk then SQLite.
func (st *Store) Memory(s scope.Scope, projectKey string) (string, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.memoryLocked(scope.NewKey(s, projectKey))
}

func (st *Store) memoryLocked(key scope.Key) (string, bool) {
	if memory, ok := st.memory[key]; ok && memory != "" {
		return memory, true
	}
	path := st.memoryFilePath(key.ContextID())
	if raw, err := os.ReadFile(path); err == nil {
		memory := string(raw)
		st.memory[key] = memory
		if info, err := os.Stat(path); err == nil {
			st.memoryMtime[key] = info.ModTime()
		}
		return memory, true
	}
	if st.opts.DB != nil {
		if memory, updatedAt, ok, err := st.opts.DB.LoadMemory(key.ContextID()); err == nil && ok {
			st.memory[key] = memory
			st.memoryMtime[key] = updatedAt
			return memory, true
		}
	}
	return "", false
}

// SetMemory stores the project memory in cache, file and SQLite.
func (st *Store) SetMemory(s scope.Scope, projectKey, memory string) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	key := scope.NewKey(s, projectKey)
	trimmed := strings.TrimSpace(memory)
	if trimmed == "" {
		return 0, ErrEmptyMemory
	}
	st.memory[key] = trimmed
	contextID := key.ContextID()
	path := st.memoryFilePath(contextID)
	if err := os.WriteFile(path, []byte(trimmed), 0o644); err != nil {
		st.log.Warn().Err(err).Str("contextId", contextID).Msg("memory file write failed")
	} else if info, err := os.Stat(path); err == nil {
		st.memoryMtime[key] = info.ModTime()
	}
	if st.opts.DB != nil {
		if err := st.opts.DB.SaveMemory(contextID, st.now(), trimmed); err != nil {
			st.log.Warn().Err(err).Str("contextId", contextID).Msg("memory mirror failed")
		}
	}
	bytes := len(trimmed)
	if st.opts.Events != nil {
		st.opts.Events.Record("memory_set", map[string]any{
			"contextId":  contextID,
			"projectKey": key.ProjectKey,
			"bytes":      bytes,
		})
	}
	return bytes, nil
}

// Reset removes all state for the scope and project.
func (st *Store) Reset(s scope.Scope, projectKey string) bool {
	st.mu.Lock()
	key := scope.NewKey(s, projectKey)
	contextID := key.ContextID()
	_, existed := st.latest[key]
	if existed {
		delete(st.latest, key)
		delete(st.versions, key)
		delete(st.deltas, key)
		delete(st.memory, key)
		delete(st.lastExportAt, key)
		delete(st.semanticCache, key)
		delete(st.memoryMtime, key)
		delete(st.fingerprints, key)
		removeFile(st.contextFilePath(contextID))
		removeFile(st.memoryFilePath(contextID))
		if st.opts.DB != nil {
			if err := st.opts.DB.ClearContext(contextID); err != nil {
				st.log.Warn().Err(err).Str("contextId", contextID).Msg("sqlite clear failed")
			}
		}
	}
	st.mu.Unlock()

	if st.opts.Events != nil {
		st.opts.Events.Record("reset", map[string]any{
			"contextId":  contextID,
			"projectKey": key.ProjectKey,
			"deleted":    existed,
		})
	}
	return existed
}

// CachedContext returns the newest snapshot without error mapping.
func (st *Store) CachedContext(s scope.Scope, projectKey string) map[string]any {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cachedContextLocked(scope.NewKey(s, projectKey))
}

// Version returns the stored context version for the scope and project.
func (st *Store) Version(s scope.Scope, projectKey string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.versions[scope.NewKey(s, projectKey)]
}

// Delta returns the delta computed at the last export.
func (st *Store) Delta(s scope.Scope, projectKey string) map[string]any {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.deltas[scope.NewKey(s, projectKey)]
}

// SemanticFor returns the semantic index for the scope, building it when a
// snapshot exists. Callers must treat the result as read-only.
func (st *Store) SemanticFor(s scope.Scope, projectKey string) *semantic.Index {
	st.mu.Lock()
	defer st.mu.Unlock()
	key := scope.NewKey(s, projectKey)
	data := st.cachedContextLocked(key)
	return st.ensureSemanticLocked(key, data)
}

// ScopeCount reports how many context scopes are loaded, for diagnostics.
func (st *Store) ScopeCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.latest)
}

// SnapshotKeys lists the loaded context keys, newest export first.
func (st *Store) SnapshotKeys() []scope.Key {
	st.mu.Lock()
	defer st.mu.Unlock()
	keys := make([]scope.Key, 0, len(st.latest))
	for k := range st.latest {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return st.lastExportAt[keys[i]].After(st.lastExportAt[keys[j]])
	})
	return keys
}
