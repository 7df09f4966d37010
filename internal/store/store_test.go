package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/persponify/codexd/internal/scope"
	"github.com/persponify/codexd/internal/semantic"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return New(Options{
		Dir:             t.TempDir(),
		DeltaMaxItems:   200,
		SemanticEnabled: true,
		SemanticLimits: semantic.Limits{
			KeywordLimit:   20,
			SymbolLimit:    40,
			MaxRequires:    30,
			MaxServices:    30,
			MaxSourceBytes: 350000,
		},
	})
}

func testScope() scope.Scope {
	return scope.Scope{PlaceID: 123, SessionID: "sess-a"}
}

func exportPayload(scripts ...map[string]any) map[string]any {
	list := make([]any, len(scripts))
	for i, s := range scripts {
		list[i] = s
	}
	tree := make([]any, 0, len(scripts))
	for _, s := range scripts {
		tree = append(tree, map[string]any{"path": s["path"], "className": s["className"]})
	}
	return map[string]any{
		"tree":    tree,
		"scripts": list,
		"meta":    map[string]any{"gameId": float64(42)},
	}
}

func script(path, source string) map[string]any {
	return map[string]any{
		"path":      path,
		"className": "Script",
		"source":    source,
		"bytes":     float64(len(source)),
	}
}

func TestExportStoresVersionedSnapshot(t *testing.T) {
	st := testStore(t)
	s := testScope()

	out := st.Export(s, exportPayload(script("game/ServerScriptService/Main", "print(1)")))
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, true, out["stored"])
	assert.Equal(t, 1, out["contextVersion"])
	assert.Equal(t, "p_123__s_sess-a__k_default", out["contextId"])
	assert.Equal(t, 1, out["treeCount"])
	assert.Equal(t, 1, out["scriptCount"])
	require.NotNil(t, out["delta"])
	assert.NotNil(t, out["semanticSummary"])

	out = st.Export(s, exportPayload(script("game/ServerScriptService/Main", "print(2)")))
	assert.Equal(t, 2, out["contextVersion"])
	delta := out["delta"].(map[string]any)
	assert.Equal(t, 1, delta["scriptsChangedCount"])
	assert.Equal(t, []string{"game/ServerScriptService/Main"}, delta["scriptsChanged"])
}

func TestExportFingerprintDedupe(t *testing.T) {
	st := testStore(t)
	s := testScope()

	payload := exportPayload(script("game/A", "x"))
	payload["meta"].(map[string]any)["fingerprint"] = "fp-1"
	out := st.Export(s, payload)
	assert.Equal(t, true, out["stored"])

	again := exportPayload(script("game/A", "x"))
	again["meta"].(map[string]any)["fingerprint"] = "fp-1"
	out = st.Export(s, again)
	assert.Equal(t, false, out["stored"])
	assert.Equal(t, true, out["unchanged"])
	assert.Equal(t, 1, out["contextVersion"])
}

func TestExportThrottle(t *testing.T) {
	now := time.Now()
	st := New(Options{
		Dir:           t.TempDir(),
		DeltaMaxItems: 200,
		MinInterval:   5 * time.Second,
		Now:           func() time.Time { return now },
	})
	s := testScope()

	out := st.Export(s, exportPayload(script("game/A", "x")))
	assert.Equal(t, true, out["stored"])

	now = now.Add(2 * time.Second)
	out = st.Export(s, exportPayload(script("game/A", "y")))
	assert.Equal(t, false, out["stored"])
	assert.Equal(t, true, out["throttled"])

	now = now.Add(4 * time.Second)
	out = st.Export(s, exportPayload(script("game/A", "y")))
	assert.Equal(t, true, out["stored"])
	assert.Equal(t, 2, out["contextVersion"])
}

func TestExportDiffModeCarriesSources(t *testing.T) {
	st := testStore(t)
	s := testScope()

	full := exportPayload(
		script("game/A", "print('a')"),
		script("game/B", "print('b')"),
	)
	st.Export(s, full)

	diff := map[string]any{
		"tree": []any{
			map[string]any{"path": "game/A"},
			map[string]any{"path": "game/B"},
		},
		"scripts": []any{
			map[string]any{
				"path": "game/A", "className": "Script",
				"sha1": ScriptFingerprint(script("game/A", "print('a')")),
				"sourceOmittedReason": "diff",
			},
			script("game/B", "print('b2')"),
		},
		"meta": map[string]any{
			"scope": map[string]any{"mode": "diff"},
		},
	}
	out := st.Export(s, diff)
	assert.Equal(t, true, out["stored"])

	data := st.CachedContext(s, "default")
	scripts := data["scripts"].([]any)
	merged := scripts[0].(map[string]any)
	assert.Equal(t, "print('a')", merged["source"])
	assert.Equal(t, false, merged["sourceTruncated"])
	_, hasReason := merged["sourceOmittedReason"]
	assert.False(t, hasReason)
	meta := data["meta"].(map[string]any)
	assert.Equal(t, 1, meta["mergedSources"])
}

func TestLatestAndSummary(t *testing.T) {
	st := testStore(t)
	s := testScope()

	_, err := st.Latest(s, "default")
	assert.ErrorIs(t, err, ErrNoContext)

	st.Export(s, exportPayload(script("game/A", "print(1)")))

	out, err := st.Latest(s, "default")
	require.NoError(t, err)
	assert.Equal(t, 1, out["contextVersion"])
	require.NotNil(t, out["context"])

	summary, err := st.Summary(s, "default")
	require.NoError(t, err)
	assert.Equal(t, 1, summary["scriptCount"])
	assert.Equal(t, float64(42), summary["gameId"])
	assert.Equal(t, len("print(1)"), summary["totalScriptBytes"])
	assert.NotNil(t, summary["semanticSummary"])
}

func TestScriptSourceStates(t *testing.T) {
	st := testStore(t)
	s := testScope()

	st.Export(s, map[string]any{
		"tree": []any{},
		"scripts": []any{
			script("game/Full", "print(1)"),
			map[string]any{"path": "game/Diff", "sourceOmittedReason": "diff"},
			map[string]any{"path": "game/Trunc", "source": "par", "sourceTruncated": true},
			map[string]any{"path": "game/Gone", "bytes": float64(99)},
		},
		"meta": map[string]any{},
	})

	out, err := st.Script(s, "default", "game/Full")
	require.NoError(t, err)
	assert.Equal(t, "print(1)", out["script"].(map[string]any)["source"])

	_, err = st.Script(s, "default", "game/Diff")
	assert.ErrorIs(t, err, ErrSourceOmitted)
	_, err = st.Script(s, "default", "game/Trunc")
	assert.ErrorIs(t, err, ErrSourceTruncated)
	_, err = st.Script(s, "default", "game/Gone")
	assert.ErrorIs(t, err, ErrSourceMissing)
	_, err = st.Script(s, "default", "game/Nope")
	assert.ErrorIs(t, err, ErrScriptNotFound)

	missing, err := st.Missing(s, "default")
	require.NoError(t, err)
	assert.Equal(t, 2, missing["count"])
	assert.ElementsMatch(t, []string{"game/Trunc", "game/Gone"}, missing["missing"])
}

func TestMemoryLifecycle(t *testing.T) {
	st := testStore(t)
	s := testScope()

	_, ok := st.Memory(s, "default")
	assert.False(t, ok)

	_, err := st.SetMemory(s, "default", "   \n ")
	assert.ErrorIs(t, err, ErrEmptyMemory)

	n, err := st.SetMemory(s, "default", "  shop depends on Inventory  ")
	require.NoError(t, err)
	assert.Equal(t, len("shop depends on Inventory"), n)

	memory, ok := st.Memory(s, "default")
	require.True(t, ok)
	assert.Equal(t, "shop depends on Inventory", memory)

	// A fresh store finds the memory on disk.
	fresh := New(Options{Dir: st.opts.Dir, DeltaMaxItems: 200})
	memory, ok = fresh.Memory(s, "default")
	require.True(t, ok)
	assert.Equal(t, "shop depends on Inventory", memory)
}

func TestResetDeletesEverything(t *testing.T) {
	st := testStore(t)
	s := testScope()

	assert.False(t, st.Reset(s, "default"))

	st.Export(s, exportPayload(script("game/A", "x")))
	_, err := st.SetMemory(s, "default", "note")
	require.NoError(t, err)

	assert.True(t, st.Reset(s, "default"))
	_, err = st.Latest(s, "default")
	assert.ErrorIs(t, err, ErrNoContext)
	_, ok := st.Memory(s, "default")
	assert.False(t, ok)
	assert.Zero(t, st.Version(s, "default"))
}

func TestRequestAndPending(t *testing.T) {
	st := testStore(t)
	s := testScope()

	assert.Nil(t, st.PendingRequest(s))

	include := true
	key, payload := st.Request(s, RequestInput{
		Roots:          []string{"game/Workspace", " "},
		IncludeSources: &include,
		Mode:           "diff",
	})
	assert.Equal(t, "default", key)
	assert.Equal(t, []string{"game/Workspace"}, payload["roots"])
	assert.Equal(t, true, payload["includeSources"])
	assert.Equal(t, "diff", payload["mode"])
	assert.NotNil(t, st.PendingRequest(s))

	// An export clears the pending request.
	st.Export(s, exportPayload(script("game/A", "x")))
	assert.Nil(t, st.PendingRequest(s))
}

func TestQueueResyncRequest(t *testing.T) {
	st := testStore(t)
	s := testScope()

	st.QueueResyncRequest(s, "default", "expectedHash mismatch")
	req := st.PendingRequest(s)
	require.NotNil(t, req)
	assert.Equal(t, "full", req["mode"])
	assert.Equal(t, true, req["includeSources"])
	assert.Equal(t, "expectedHash mismatch", req["reason"])
}

func TestResolveProjectKeyPrefersRecentExport(t *testing.T) {
	now := time.Now()
	st := New(Options{Dir: t.TempDir(), DeltaMaxItems: 200, Now: func() time.Time { return now }})
	s := testScope()

	p1 := exportPayload(script("game/A", "x"))
	p1["projectKey"] = "alpha"
	st.Export(s, p1)

	now = now.Add(time.Second)
	p2 := exportPayload(script("game/B", "y"))
	p2["projectKey"] = "beta"
	st.Export(s, p2)

	assert.Equal(t, "beta", st.ResolveProjectKey(s, "default"))
	assert.Equal(t, "alpha", st.ResolveProjectKey(s, "alpha"))
}

func TestResolveProjectKeyForScope(t *testing.T) {
	st := testStore(t)
	s := testScope()

	assert.Equal(t, "default", st.ResolveProjectKeyForScope(s, nil))

	requested := "special"
	assert.Equal(t, "special", st.ResolveProjectKeyForScope(s, &requested))

	p := exportPayload(script("game/A", "x"))
	p["projectKey"] = "alpha"
	st.Export(s, p)
	assert.Equal(t, "alpha", st.ResolveProjectKeyForScope(s, nil))
}

func TestLookupScriptHash(t *testing.T) {
	data := exportPayload(script("game/A", "print(1)"))
	assert.NotEmpty(t, LookupScriptHash(data, "game/A"))
	assert.Empty(t, LookupScriptHash(data, "game/B"))
	assert.Empty(t, LookupScriptHash(nil, "game/A"))
}

func TestReconcilePicksUpNewerDiskVersion(t *testing.T) {
	dir := t.TempDir()
	st := New(Options{Dir: dir, DeltaMaxItems: 200})
	s := testScope()

	st.Export(s, exportPayload(script("game/A", "v1")))

	// Another writer drops a newer snapshot on disk.
	other := New(Options{Dir: dir, DeltaMaxItems: 200})
	p := exportPayload(script("game/A", "v2"))
	other.Export(s, p)
	other.Export(s, exportPayload(script("game/A", "v3")))

	st.Reconcile()
	assert.Equal(t, 2, st.Version(s, "default"))
	data := st.CachedContext(s, "default")
	src := data["scripts"].([]any)[0].(map[string]any)["source"]
	assert.Equal(t, "v3", src)
	delta := st.Delta(s, "default")
	require.NotNil(t, delta)
	assert.Equal(t, 1, delta["scriptsChangedCount"])
}

func TestDeltaTruncation(t *testing.T) {
	st := New(Options{Dir: t.TempDir(), DeltaMaxItems: 2})
	s := testScope()

	st.Export(s, exportPayload())
	st.Export(s, exportPayload(
		script("game/A", "a"), script("game/B", "b"),
		script("game/C", "c"), script("game/D", "d"),
	))

	delta := st.Delta(s, "default")
	assert.Equal(t, 4, delta["scriptsAddedCount"])
	assert.Len(t, delta["scriptsAdded"], 2)
}
