package bridge

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/persponify/codexd/internal/semantic"
	"github.com/persponify/codexd/internal/store"
)

func normalizeText(text string) string {
	lowered := strings.ToLower(text)
	for _, ch := range []string{"\n", "\r", "\t"} {
		lowered = strings.ReplaceAll(lowered, ch, " ")
	}
	return lowered
}

var (
	rollbackKeywords = []string{"rollback", "revert", "restore", "old version", "previous version", "start over", "restart"}
	refactorKeywords = []string{"refactor", "rework", "rewrite", "overhaul", "architecture", "breaking change"}
	reviewKeywords   = []string{"review", "audit", "analyze", "assessment", "check", "feedback", "thoughts"}
	continueKeywords = []string{"continue", "finish", "next", "direction", "roadmap", "ideas"}
)

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// classifyPrompt picks the job scenario from the prompt wording, falling
// back to greenfield when the place has no scripts yet.
func classifyPrompt(prompt string, scriptCount int) string {
	text := normalizeText(prompt)
	if text != "" {
		switch {
		case containsAny(text, rollbackKeywords):
			return "rollback"
		case containsAny(text, refactorKeywords):
			return "refactor"
		case containsAny(text, reviewKeywords):
			return "review"
		case containsAny(text, continueKeywords):
			return "continue"
		}
	}
	if scriptCount <= 0 {
		return "greenfield"
	}
	return "general"
}

// truncateSourceBytes trims text to a UTF-8-safe byte budget.
func truncateSourceBytes(text string, limit int) (string, bool) {
	if limit <= 0 {
		return "", true
	}
	if len(text) <= limit {
		return text, false
	}
	trimmed := []byte(text[:limit])
	for len(trimmed) > 0 {
		r, size := utf8.DecodeLastRune(trimmed)
		if r == utf8.RuneError && size == 1 {
			trimmed = trimmed[:len(trimmed)-1]
			continue
		}
		break
	}
	return string(trimmed), true
}

// buildFocusPack picks the scripts the worker should look at first: the
// delta's changed and added paths when available, otherwise everything.
func (b *Bridge) buildFocusPack(data, delta map[string]any) map[string]any {
	if data == nil {
		return map[string]any{"scripts": []any{}, "truncated": false}
	}
	raw, _ := data["scripts"].([]any)

	var focusPaths []string
	if delta != nil {
		for _, field := range []string{"scriptsChanged", "scriptsAdded"} {
			if items, ok := delta[field].([]string); ok {
				focusPaths = append(focusPaths, items...)
			} else if items, ok := delta[field].([]any); ok {
				for _, item := range items {
					if p, ok := item.(string); ok {
						focusPaths = append(focusPaths, p)
					}
				}
			}
		}
	}
	if len(focusPaths) == 0 {
		for _, item := range raw {
			if m, ok := item.(map[string]any); ok {
				if p := stringOr(m["path"], ""); p != "" {
					focusPaths = append(focusPaths, p)
				}
			}
		}
	}

	picked := []any{}
	truncated := false
	for _, path := range focusPaths {
		if len(picked) >= b.opts.Pack.FocusMaxScripts {
			truncated = true
			break
		}
		for _, item := range raw {
			m, ok := item.(map[string]any)
			if !ok || stringOr(m["path"], "") != path {
				continue
			}
			sourceTruncated, _ := m["sourceTruncated"].(bool)
			var preview any
			trimmed := false
			var lineCount any
			if source, ok := m["source"].(string); ok {
				var p string
				p, trimmed = truncateSourceBytes(source, b.opts.Pack.FocusMaxBytes)
				preview = p
				if source != "" {
					lineCount = strings.Count(source, "\n") + 1
				}
			}
			picked = append(picked, map[string]any{
				"path":                m["path"],
				"className":           m["className"],
				"bytes":               m["bytes"],
				"sha1":                m["sha1"],
				"fingerprint":         store.ScriptFingerprint(m),
				"sourcePreview":       preview,
				"previewTruncated":    trimmed || sourceTruncated,
				"sourceIsFull":        preview != nil && !trimmed && !sourceTruncated,
				"sourceTruncated":     sourceTruncated,
				"sourceOmittedReason": m["sourceOmittedReason"],
				"lineCount":           lineCount,
			})
			break
		}
	}
	return map[string]any{"scripts": picked, "truncated": truncated}
}

func focusScripts(focus map[string]any) []map[string]any {
	raw, _ := focus["scripts"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func semanticSummary(idx *semantic.Index) any {
	if idx == nil {
		return nil
	}
	return idx.Summary
}

// buildScriptIndex lists every script with its semantic digest, sorted by
// path and capped at ScriptIndexMax.
func (b *Bridge) buildScriptIndex(data map[string]any, idx *semantic.Index) map[string]any {
	if data == nil {
		return map[string]any{"scripts": []any{}, "truncated": false}
	}
	raw, _ := data["scripts"].([]any)
	items := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		path := stringOr(m["path"], "")
		if path == "" {
			continue
		}
		var lineCount, tags any
		symbolCount := 0
		fingerprint := store.ScriptFingerprint(m)
		if idx != nil {
			if entry, ok := idx.Scripts[path]; ok {
				lineCount = entry.LineCount
				tags = entry.Tags
				symbolCount = len(entry.Symbols)
				fingerprint = entry.Fingerprint
			}
		}
		items = append(items, map[string]any{
			"path":        path,
			"className":   m["className"],
			"bytes":       m["bytes"],
			"lineCount":   lineCount,
			"tags":        tags,
			"symbolCount": symbolCount,
			"fingerprint": fingerprint,
			"hasSource":   store.HasFullSource(m),
		})
	}
	sort.Slice(items, func(i, j int) bool {
		return stringOr(items[i]["path"], "") < stringOr(items[j]["path"], "")
	})
	truncated := false
	if len(items) > b.opts.Pack.ScriptIndexMax {
		items = items[:b.opts.Pack.ScriptIndexMax]
		truncated = true
	}
	generic := make([]any, len(items))
	for i, item := range items {
		generic[i] = item
	}
	return map[string]any{"scripts": generic, "truncated": truncated}
}

// buildDependencyIndex emits the require graph, bounded by node and edge
// caps so the pack stays small.
func (b *Bridge) buildDependencyIndex(idx *semantic.Index) map[string]any {
	if idx == nil {
		return map[string]any{"nodes": []any{}, "truncated": false}
	}
	paths := make([]string, 0, len(idx.Scripts))
	for p := range idx.Scripts {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	nodes := []any{}
	edgeCount := 0
	truncated := false
	for _, path := range paths {
		entry := idx.Scripts[path]
		if len(entry.Requires) == 0 {
			continue
		}
		reqs := entry.Requires
		total := len(reqs)
		if total > b.opts.Pack.MaxRequires {
			reqs = reqs[:b.opts.Pack.MaxRequires]
		}
		nodes = append(nodes, map[string]any{
			"path":          path,
			"requires":      reqs,
			"requiresCount": total,
		})
		edgeCount += len(reqs)
		if len(nodes) >= b.opts.Pack.MaxItems || edgeCount >= b.opts.Pack.MaxEdges {
			truncated = true
			break
		}
	}
	return map[string]any{"nodes": nodes, "truncated": truncated}
}

func scriptIndexMetric(item map[string]any, key string) int {
	n, _ := intOr(item[key])
	return n
}

func trimHotspots(items []map[string]any) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]any{
			"path":        item["path"],
			"bytes":       item["bytes"],
			"lineCount":   item["lineCount"],
			"symbolCount": item["symbolCount"],
		})
	}
	return out
}

// buildHotspots picks the ten largest and ten most symbol-heavy scripts.
func buildHotspots(scriptIndex map[string]any) map[string]any {
	raw, _ := scriptIndex["scripts"].([]any)
	if len(raw) == 0 {
		return map[string]any{}
	}
	items := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			items = append(items, m)
		}
	}
	byBytes := make([]map[string]any, len(items))
	copy(byBytes, items)
	sort.SliceStable(byBytes, func(i, j int) bool {
		return scriptIndexMetric(byBytes[i], "bytes") > scriptIndexMetric(byBytes[j], "bytes")
	})
	bySymbols := make([]map[string]any, len(items))
	copy(bySymbols, items)
	sort.SliceStable(bySymbols, func(i, j int) bool {
		return scriptIndexMetric(bySymbols[i], "symbolCount") > scriptIndexMetric(bySymbols[j], "symbolCount")
	})
	if len(byBytes) > 10 {
		byBytes = byBytes[:10]
	}
	if len(bySymbols) > 10 {
		bySymbols = bySymbols[:10]
	}
	return map[string]any{
		"largestScripts": trimHotspots(byBytes),
		"mostSymbols":    trimHotspots(bySymbols),
	}
}

func (b *Bridge) buildDeltaSummary(delta map[string]any) map[string]any {
	summary := map[string]any{}
	if delta == nil {
		return summary
	}
	for _, field := range []string{"scriptsChanged", "scriptsAdded", "scriptsRemoved"} {
		var items []string
		switch v := delta[field].(type) {
		case []string:
			items = v
		case []any:
			for _, item := range v {
				if p, ok := item.(string); ok {
					items = append(items, p)
				}
			}
		}
		if len(items) == 0 {
			continue
		}
		capped := items
		if len(capped) > b.opts.Pack.MaxItems {
			capped = capped[:b.opts.Pack.MaxItems]
		}
		summary[field] = capped
		summary[field+"Truncated"] = len(items) > b.opts.Pack.MaxItems
	}
	return summary
}

// buildAnalysisPack rolls the script index, dependency graph, hotspots,
// delta summary and missing sources into one pack.
func (b *Bridge) buildAnalysisPack(data map[string]any, idx *semantic.Index, delta map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	scriptIndex := b.buildScriptIndex(data, idx)
	missingSources := []any{}
	raw, _ := data["scripts"].([]any)
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if store.IsMissingSource(m) && stringOr(m["path"], "") != "" {
			missingSources = append(missingSources, m["path"])
			if len(missingSources) >= b.opts.Pack.MaxItems {
				break
			}
		}
	}
	return map[string]any{
		"scriptIndex":    scriptIndex,
		"dependencies":   b.buildDependencyIndex(idx),
		"hotspots":       buildHotspots(scriptIndex),
		"delta":          b.buildDeltaSummary(delta),
		"missingSources": missingSources,
	}
}

func buildBlueprintPack(scriptCount int) map[string]any {
	return map[string]any{
		"scriptCount": scriptCount,
		"hasScripts":  scriptCount > 0,
		"starterChecklist": []string{
			"Define the core loop and player goals.",
			"Map the main systems and data flow.",
			"Draft the folder/module layout.",
			"Plan UI/UX surfaces and feedback.",
			"Decide on persistence and safety constraints.",
		},
	}
}

// buildRollbackPack lists recent export snapshots for the context from the
// context event ledger, newest first.
func (b *Bridge) buildRollbackPack(contextID string) map[string]any {
	snapshots := []any{}
	if b.opts.Events != nil {
		records := b.opts.Events.Tail(b.opts.Pack.MaxSnapshots * 5)
		for i := len(records) - 1; i >= 0; i-- {
			record := records[i]
			if stringOr(record["event"], "") != "export" {
				continue
			}
			if stringOr(record["contextId"], "") != contextID {
				continue
			}
			snapshots = append(snapshots, map[string]any{
				"contextVersion": record["contextVersion"],
				"ts":             record["ts"],
				"treeCount":      record["treeCount"],
				"scriptCount":    record["scriptCount"],
				"delta":          record["delta"],
			})
			if len(snapshots) >= b.opts.Pack.MaxSnapshots {
				break
			}
		}
	}
	return map[string]any{
		"contextId": contextID,
		"snapshots": snapshots,
	}
}

func buildRefactorPack() map[string]any {
	return map[string]any{
		"guidance": []string{
			"Map entry points and dependencies before changing behavior.",
			"Plan a migration path (compat layer or staged rollout).",
			"Apply edits in small steps with expectedHash checks.",
		},
	}
}
