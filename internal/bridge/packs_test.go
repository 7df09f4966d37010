package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/persponify/codexd/internal/semantic"
)

func packBridge() *Bridge {
	return New(Options{
		Pack: PackLimits{
			MaxItems:        3,
			MaxEdges:        5,
			MaxRequires:     2,
			MaxSnapshots:    2,
			ScriptIndexMax:  2,
			FocusMaxScripts: 2,
			FocusMaxBytes:   10,
		},
	})
}

func TestClassifyPrompt(t *testing.T) {
	cases := []struct {
		prompt      string
		scriptCount int
		want        string
	}{
		{"please ROLLBACK to the old version", 5, "rollback"},
		{"restore yesterday's build", 5, "rollback"},
		{"refactor the combat module", 5, "refactor"},
		{"give me a review of the codebase", 5, "review"},
		{"what should we do next?", 5, "continue"},
		{"add a shop", 5, "general"},
		{"add a shop", 0, "greenfield"},
		{"", 0, "greenfield"},
		{"", 3, "general"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classifyPrompt(tc.prompt, tc.scriptCount), tc.prompt)
	}
}

func TestClassifyPromptNormalizesWhitespace(t *testing.T) {
	assert.Equal(t, "rollback", classifyPrompt("start\nover", 5))
}

func TestTruncateSourceBytesUTF8Safe(t *testing.T) {
	text, trimmed := truncateSourceBytes("hello", 10)
	assert.Equal(t, "hello", text)
	assert.False(t, trimmed)

	// "héllo" is 6 bytes; cutting at 2 would split the é.
	text, trimmed = truncateSourceBytes("héllo", 2)
	assert.True(t, trimmed)
	assert.Equal(t, "h", text)

	text, trimmed = truncateSourceBytes("abc", 0)
	assert.True(t, trimmed)
	assert.Equal(t, "", text)
}

func scriptEntry(path, source string) map[string]any {
	return map[string]any{
		"path":      path,
		"className": "Script",
		"source":    source,
		"bytes":     len(source),
	}
}

func TestBuildFocusPackPrefersDeltaPaths(t *testing.T) {
	b := packBridge()
	data := map[string]any{
		"scripts": []any{
			scriptEntry("game/A", "aaa"),
			scriptEntry("game/B", "bbb"),
			scriptEntry("game/C", "ccc"),
		},
	}
	delta := map[string]any{
		"scriptsChanged": []string{"game/B"},
		"scriptsAdded":   []string{"game/C"},
	}

	focus := b.buildFocusPack(data, delta)
	scripts := focus["scripts"].([]any)
	require.Len(t, scripts, 2)
	assert.Equal(t, "game/B", scripts[0].(map[string]any)["path"])
	assert.Equal(t, "game/C", scripts[1].(map[string]any)["path"])
	assert.Equal(t, false, focus["truncated"])
}

func TestBuildFocusPackCapsScripts(t *testing.T) {
	b := packBridge()
	data := map[string]any{
		"scripts": []any{
			scriptEntry("game/A", "aaa"),
			scriptEntry("game/B", "bbb"),
			scriptEntry("game/C", "ccc"),
		},
	}

	focus := b.buildFocusPack(data, nil)
	assert.Len(t, focus["scripts"], 2)
	assert.Equal(t, true, focus["truncated"])
}

func TestBuildFocusPackPreviewFields(t *testing.T) {
	b := packBridge()
	long := "0123456789ABCDEF"
	data := map[string]any{
		"scripts": []any{scriptEntry("game/A", long)},
	}

	focus := b.buildFocusPack(data, nil)
	entry := focus["scripts"].([]any)[0].(map[string]any)
	assert.Equal(t, "0123456789", entry["sourcePreview"])
	assert.Equal(t, true, entry["previewTruncated"])
	assert.Equal(t, false, entry["sourceIsFull"])
	assert.Equal(t, 1, entry["lineCount"])
	assert.NotEmpty(t, entry["fingerprint"])
}

func TestBuildFocusPackEmptyContext(t *testing.T) {
	b := packBridge()
	focus := b.buildFocusPack(nil, nil)
	assert.Empty(t, focus["scripts"])
	assert.Equal(t, false, focus["truncated"])
}

func semanticFixture() *semantic.Index {
	return &semantic.Index{
		ContextID:      "ctx",
		ContextVersion: 1,
		Scripts: map[string]semantic.Entry{
			"game/A": {
				Path:        "game/A",
				Fingerprint: "sha1:a",
				Requires:    []string{"game/B", "game/C", "game/D"},
				Symbols:     []string{"init", "update"},
				LineCount:   12,
				Tags:        []string{"server"},
			},
			"game/B": {
				Path:        "game/B",
				Fingerprint: "sha1:b",
				Requires:    []string{"game/C"},
				Symbols:     []string{"helper"},
				LineCount:   4,
			},
			"game/C": {
				Path:        "game/C",
				Fingerprint: "sha1:c",
				LineCount:   2,
			},
		},
	}
}

func TestBuildDependencyIndexCapsRequires(t *testing.T) {
	b := packBridge()
	deps := b.buildDependencyIndex(semanticFixture())
	nodes := deps["nodes"].([]any)
	require.Len(t, nodes, 2)

	first := nodes[0].(map[string]any)
	assert.Equal(t, "game/A", first["path"])
	assert.Equal(t, []string{"game/B", "game/C"}, first["requires"])
	assert.Equal(t, 3, first["requiresCount"])
}

func TestBuildScriptIndexMergesSemantics(t *testing.T) {
	b := packBridge()
	data := map[string]any{
		"scripts": []any{
			scriptEntry("game/B", "bbb"),
			scriptEntry("game/A", "aaa"),
		},
	}

	idx := b.buildScriptIndex(data, semanticFixture())
	scripts := idx["scripts"].([]any)
	require.Len(t, scripts, 2)
	first := scripts[0].(map[string]any)
	assert.Equal(t, "game/A", first["path"])
	assert.Equal(t, 12, first["lineCount"])
	assert.Equal(t, 2, first["symbolCount"])
	assert.Equal(t, "sha1:a", first["fingerprint"])
	assert.Equal(t, true, first["hasSource"])
	assert.Equal(t, false, idx["truncated"])
}

func TestBuildScriptIndexTruncates(t *testing.T) {
	b := packBridge()
	data := map[string]any{
		"scripts": []any{
			scriptEntry("game/A", "a"),
			scriptEntry("game/B", "b"),
			scriptEntry("game/C", "c"),
		},
	}
	idx := b.buildScriptIndex(data, nil)
	assert.Len(t, idx["scripts"], 2)
	assert.Equal(t, true, idx["truncated"])
}

func TestBuildHotspotsRanksByMetric(t *testing.T) {
	scriptIndex := map[string]any{
		"scripts": []any{
			map[string]any{"path": "game/A", "bytes": 10, "symbolCount": 1, "lineCount": 2},
			map[string]any{"path": "game/B", "bytes": 30, "symbolCount": 5, "lineCount": 9},
			map[string]any{"path": "game/C", "bytes": 20, "symbolCount": 2, "lineCount": 4},
		},
	}
	hotspots := buildHotspots(scriptIndex)
	largest := hotspots["largestScripts"].([]any)
	assert.Equal(t, "game/B", largest[0].(map[string]any)["path"])
	most := hotspots["mostSymbols"].([]any)
	assert.Equal(t, "game/B", most[0].(map[string]any)["path"])

	assert.Empty(t, buildHotspots(map[string]any{}))
}

func TestBuildDeltaSummaryTruncates(t *testing.T) {
	b := packBridge()
	delta := map[string]any{
		"scriptsChanged": []string{"a", "b", "c", "d"},
		"scriptsAdded":   []string{"e"},
		"scriptsRemoved": []string{},
	}
	summary := b.buildDeltaSummary(delta)
	assert.Equal(t, []string{"a", "b", "c"}, summary["scriptsChanged"])
	assert.Equal(t, true, summary["scriptsChangedTruncated"])
	assert.Equal(t, []string{"e"}, summary["scriptsAdded"])
	assert.Equal(t, false, summary["scriptsAddedTruncated"])
	assert.NotContains(t, summary, "scriptsRemoved")
}

func TestBuildRollbackPackFiltersLedger(t *testing.T) {
	e := newTestEnv(t, func(o *Options) {
		o.Pack.MaxSnapshots = 2
	})

	for i := 1; i <= 4; i++ {
		e.events.Record("export", map[string]any{
			"contextId":      "ctx-1",
			"contextVersion": i,
			"treeCount":      1,
			"scriptCount":    1,
		})
	}
	e.events.Record("export", map[string]any{"contextId": "ctx-other", "contextVersion": 9})
	e.events.Record("reconcile", map[string]any{"contextId": "ctx-1", "contextVersion": 5})

	pack := e.bridge.buildRollbackPack("ctx-1")
	assert.Equal(t, "ctx-1", pack["contextId"])
	snapshots := pack["snapshots"].([]any)
	require.Len(t, snapshots, 2)
	// Newest first.
	assert.Equal(t, float64(4), snapshots[0].(map[string]any)["contextVersion"])
	assert.Equal(t, float64(3), snapshots[1].(map[string]any)["contextVersion"])
}

func TestBuildAnalysisPackShape(t *testing.T) {
	b := packBridge()
	data := map[string]any{
		"scripts": []any{
			scriptEntry("game/A", "aaa"),
			map[string]any{"path": "game/NoSource", "className": "Script", "bytes": 5},
		},
	}
	pack := b.buildAnalysisPack(data, semanticFixture(), map[string]any{"scriptsChanged": []string{"game/A"}})
	require.Contains(t, pack, "scriptIndex")
	require.Contains(t, pack, "dependencies")
	require.Contains(t, pack, "hotspots")
	require.Contains(t, pack, "delta")
	assert.Equal(t, []any{"game/NoSource"}, pack["missingSources"])

	assert.Empty(t, b.buildAnalysisPack(nil, nil, nil))
}
