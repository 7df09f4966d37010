package store

import "sort"

// computeDelta diffs two snapshot payloads. Counts are exact; the path
// lists are truncated to DeltaMaxItems.
func (st *Store) computeDelta(prev, curr map[string]any) map[string]any {
	prevTree := pathSet(prev, "tree")
	currTree := pathSet(curr, "tree")
	prevScripts := fingerprintMap(prev)
	currScripts := fingerprintMap(curr)

	treeAdded := diffKeys(currTree, prevTree)
	treeRemoved := diffKeys(prevTree, currTree)
	scriptsAdded := diffFP(currScripts, prevScripts)
	scriptsRemoved := diffFP(prevScripts, currScripts)

	var scriptsChanged []string
	for path, fp := range currScripts {
		if prevFP, ok := prevScripts[path]; ok && prevFP != fp {
			scriptsChanged = append(scriptsChanged, path)
		}
	}
	sort.Strings(scriptsChanged)

	limit := st.opts.DeltaMaxItems
	return map[string]any{
		"treeAddedCount":      len(treeAdded),
		"treeRemovedCount":    len(treeRemoved),
		"scriptsAddedCount":   len(scriptsAdded),
		"scriptsRemovedCount": len(scriptsRemoved),
		"scriptsChangedCount": len(scriptsChanged),
		"treeAdded":           truncate(treeAdded, limit),
		"treeRemoved":         truncate(treeRemoved, limit),
		"scriptsAdded":        truncate(scriptsAdded, limit),
		"scriptsRemoved":      truncate(scriptsRemoved, limit),
		"scriptsChanged":      truncate(scriptsChanged, limit),
	}
}

func pathSet(data map[string]any, field string) map[string]bool {
	out := map[string]bool{}
	if data == nil {
		return out
	}
	raw, _ := data[field].([]any)
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			if p := stringOr(m["path"], ""); p != "" {
				out[p] = true
			}
		}
	}
	return out
}

func fingerprintMap(data map[string]any) map[string]string {
	out := map[string]string{}
	if data == nil {
		return out
	}
	raw, _ := data["scripts"].([]any)
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			if p := stringOr(m["path"], ""); p != "" {
				out[p] = ScriptFingerprint(m)
			}
		}
	}
	return out
}

func diffKeys(a, b map[string]bool) []string {
	var out []string
	for k := range a {
		if !b[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func diffFP(a, b map[string]string) []string {
	var out []string
	for k := range a {
		if _, ok := b[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func truncate(items []string, limit int) []string {
	if items == nil {
		return []string{}
	}
	if limit <= 0 {
		return []string{}
	}
	if len(items) <= limit {
		return items
	}
	return items[:limit]
}

// mergeSources carries forward sources from the previous snapshot into a
// diff-mode export for scripts whose hash (or byte count, when no hash is
// given) did not change. The count of carried sources lands in
// meta.mergedSources.
func mergeSources(prev, curr map[string]any) {
	if prev == nil || curr == nil {
		return
	}
	meta, _ := curr["meta"].(map[string]any)
	scopeInfo, _ := meta["scope"].(map[string]any)
	if stringOr(scopeInfo["mode"], "") != "diff" {
		return
	}

	prevScripts := map[string]map[string]any{}
	if raw, ok := prev["scripts"].([]any); ok {
		for _, item := range raw {
			if m, ok := item.(map[string]any); ok {
				if p := stringOr(m["path"], ""); p != "" {
					prevScripts[p] = m
				}
			}
		}
	}

	merged := 0
	raw, _ := curr["scripts"].([]any)
	for _, item := range raw {
		script, ok := item.(map[string]any)
		if !ok || script["source"] != nil {
			continue
		}
		path := stringOr(script["path"], "")
		if path == "" {
			continue
		}
		prevScript, ok := prevScripts[path]
		if !ok {
			continue
		}
		prevSource, ok := prevScript["source"].(string)
		if !ok {
			continue
		}
		currHash := stringOr(script["sha1"], stringOr(script["hash"], ""))
		prevHash := stringOr(prevScript["sha1"], stringOr(prevScript["hash"], ""))
		if currHash != "" && prevHash != "" && currHash != prevHash {
			continue
		}
		if currHash == "" {
			cb, cok := intOr(script["bytes"])
			pb, pok := intOr(prevScript["bytes"])
			if cok && pok && cb != 0 && pb != 0 && cb != pb {
				continue
			}
		}
		script["source"] = prevSource
		script["sourceTruncated"] = false
		if stringOr(script["sourceOmittedReason"], "") == "diff" {
			delete(script, "sourceOmittedReason")
		}
		merged++
	}

	if merged > 0 && meta != nil {
		meta["mergedSources"] = merged
	}
}
