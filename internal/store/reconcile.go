package store

import (
	"context"
	"os"
	"time"

	"github.com/persponify/codexd/internal/persist"
	"github.com/persponify/codexd/internal/scope"
)

// Run drives the periodic reconcile loop until ctx is done. An external
// writer (another daemon instance, a manual edit, the SQLite mirror) may
// advance a context behind our back; the loop folds those changes in.
func (st *Store) Run(ctx context.Context) error {
	interval := st.opts.ReconcileInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			st.Reconcile()
		}
	}
}

// Reconcile runs one pass over all loaded contexts.
func (st *Store) Reconcile() {
	st.mu.Lock()
	keys := make([]scope.Key, 0, len(st.latest))
	for k := range st.latest {
		keys = append(keys, k)
	}
	st.mu.Unlock()

	for _, key := range keys {
		st.reconcileOne(key)
	}
}

func (st *Store) reconcileOne(key scope.Key) {
	contextID := key.ContextID()

	var candidate map[string]any
	if err := persist.ReadJSON(st.contextFilePath(contextID), &candidate); err != nil {
		candidate = nil
	}
	if candidate == nil && st.opts.DB != nil {
		var fromDB map[string]any
		if _, ok, err := st.opts.DB.LoadLatestSnapshot(contextID, &fromDB); err == nil && ok {
			candidate = fromDB
		}
	}

	var event map[string]any
	st.mu.Lock()
	if candidate != nil {
		if candVersion, ok := intOr(candidate["contextVersion"]); ok && candVersion > st.versions[key] {
			prev := st.latest[key]
			st.latest[key] = candidate
			st.versions[key] = candVersion
			st.deltas[key] = st.computeDelta(prev, candidate)
			st.ensureSemanticLocked(key, candidate)
			event = map[string]any{
				"contextId":      contextID,
				"contextVersion": candVersion,
				"projectKey":     key.ProjectKey,
			}
		}
	}
	st.mu.Unlock()
	if event != nil && st.opts.Events != nil {
		st.opts.Events.Record("reconcile", event)
	}

	st.reconcileMemory(key, contextID)
}

func (st *Store) reconcileMemory(key scope.Key, contextID string) {
	memPath := st.memoryFilePath(contextID)
	info, err := os.Stat(memPath)
	if err == nil {
		st.mu.Lock()
		stale := info.ModTime().After(st.memoryMtime[key])
		st.mu.Unlock()
		if !stale {
			return
		}
		raw, readErr := os.ReadFile(memPath)
		if readErr != nil {
			return
		}
		st.mu.Lock()
		st.memory[key] = string(raw)
		st.memoryMtime[key] = info.ModTime()
		st.mu.Unlock()
		if st.opts.Events != nil {
			st.opts.Events.Record("memory_reload", map[string]any{
				"contextId":  contextID,
				"projectKey": key.ProjectKey,
				"bytes":      len(raw),
			})
		}
		return
	}

	if st.opts.DB == nil {
		return
	}
	memory, updatedAt, ok, dbErr := st.opts.DB.LoadMemory(contextID)
	if dbErr != nil || !ok {
		return
	}
	st.mu.Lock()
	if updatedAt.After(st.memoryMtime[key]) {
		st.memory[key] = memory
		st.memoryMtime[key] = updatedAt
	}
	st.mu.Unlock()
}
