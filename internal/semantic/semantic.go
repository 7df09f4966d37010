// Package semantic builds a lightweight code index over exported script
// sources: per-script requires, services, symbols, keywords and tags, plus a
// rolled-up summary. The index backs job focus packs and the /context/semantic
// endpoint.
package semantic

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Limits caps the per-script extraction work and output size.
type Limits struct {
	KeywordLimit   int
	SymbolLimit    int
	MaxRequires    int
	MaxServices    int
	MaxSourceBytes int
}

// Script is the minimal slice of an exported script the indexer needs.
type Script struct {
	Path            string
	ClassName       string
	Source          string
	HasSource       bool
	SourceTruncated bool
	Bytes           int
	SHA1            string
}

// Entry is the per-script index record.
type Entry struct {
	Path        string         `json:"path"`
	ClassName   string         `json:"className"`
	SHA1        string         `json:"sha1,omitempty"`
	Bytes       int            `json:"bytes"`
	Fingerprint string         `json:"fingerprint"`
	Tags        []string       `json:"tags"`
	Services    []string       `json:"services"`
	Requires    []string       `json:"requires"`
	Keywords    []string       `json:"keywords"`
	Symbols     []string       `json:"symbols"`
	SymbolLines map[string]int `json:"symbolLines"`
	LineCount   int            `json:"lineCount"`
}

// Summary rolls the per-script entries up for quick inspection.
type Summary struct {
	ScriptCount   int            `json:"scriptCount"`
	TagCounts     map[string]int `json:"tagCounts"`
	ServiceCounts map[string]int `json:"serviceCounts"`
	RequiresCount int            `json:"requiresCount"`
	SymbolCount   int            `json:"symbolCount"`
}

// Index is the full semantic document for one context version.
type Index struct {
	ContextID      string           `json:"contextId"`
	ContextVersion int              `json:"contextVersion"`
	UpdatedAt      float64          `json:"updatedAt"`
	Summary        Summary          `json:"summary"`
	Scripts        map[string]Entry `json:"scripts"`
}

var (
	reRequire     = regexp.MustCompile(`(?i)\brequire\s*\(\s*([^\)]+?)\s*\)`)
	reService     = regexp.MustCompile(`GetService\s*\(\s*['"]([^'"]+)['"]\s*\)`)
	reIdentifier  = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
	reFunctionDef = regexp.MustCompile(`\bfunction\s+([A-Za-z_][A-Za-z0-9_]*(?:[.:][A-Za-z_][A-Za-z0-9_]*)*)`)
)

var stopwords = map[string]bool{
	"and": true, "or": true, "the": true, "a": true, "an": true,
	"to": true, "for": true, "of": true, "in": true, "on": true,
	"with": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "this": true, "that": true, "then": true, "else": true,
	"do": true, "does": true, "did": true, "if": true, "elseif": true,
	"end": true, "local": true, "function": true, "return": true,
	"true": true, "false": true, "nil": true, "game": true,
	"script": true, "self": true,
}

// Fingerprint derives the change-detection token for a script: the explicit
// sha1 when present, the source hash otherwise, a byte count as last resort.
func Fingerprint(s Script) string {
	if s.SHA1 != "" {
		return s.SHA1
	}
	if s.HasSource {
		sum := sha1.Sum([]byte(s.Source))
		return "sha1:" + hex.EncodeToString(sum[:])
	}
	if s.Bytes > 0 {
		return "bytes:" + strconv.Itoa(s.Bytes)
	}
	return "unknown"
}

// BuildEntry indexes one script. Sources above MaxSourceBytes are indexed
// from metadata only.
func BuildEntry(s Script, lim Limits) Entry {
	e := Entry{
		Path:        s.Path,
		ClassName:   s.ClassName,
		SHA1:        s.SHA1,
		Bytes:       s.Bytes,
		Fingerprint: Fingerprint(s),
		Tags:        []string{},
		Services:    []string{},
		Requires:    []string{},
		Keywords:    []string{},
		Symbols:     []string{},
		SymbolLines: map[string]int{},
	}
	if s.Bytes == 0 && s.HasSource {
		e.Bytes = len(s.Source)
	}

	source := ""
	if s.HasSource && !s.SourceTruncated && (lim.MaxSourceBytes <= 0 || len(s.Source) <= lim.MaxSourceBytes) {
		source = s.Source
	}

	if source != "" {
		e.LineCount = strings.Count(source, "\n") + 1
		e.Requires = extractRequires(source, lim.MaxRequires)
		e.Services = extractServices(source, lim.MaxServices)
		e.Symbols, e.SymbolLines = extractSymbols(source, lim.SymbolLimit)
		e.Keywords = extractKeywords(source, lim.KeywordLimit)
	}

	e.Tags = deriveTags(s, source, e.Services)
	return e
}

func extractRequires(source string, limit int) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range reRequire.FindAllStringSubmatch(source, -1) {
		target := strings.TrimSpace(m[1])
		if target == "" || seen[target] {
			continue
		}
		seen[target] = true
		out = append(out, target)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func extractServices(source string, limit int) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range reService.FindAllStringSubmatch(source, -1) {
		name := m[1]
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func extractSymbols(source string, limit int) ([]string, map[string]int) {
	symbols := []string{}
	lines := map[string]int{}
	lineNo := 1
	offset := 0
	for _, m := range reFunctionDef.FindAllStringSubmatchIndex(source, -1) {
		name := source[m[2]:m[3]]
		lineNo += strings.Count(source[offset:m[0]], "\n")
		offset = m[0]
		if _, dup := lines[name]; !dup {
			symbols = append(symbols, name)
			lines[name] = lineNo
			if limit > 0 && len(symbols) >= limit {
				break
			}
		}
	}
	return symbols, lines
}

func extractKeywords(source string, limit int) []string {
	counts := map[string]int{}
	for _, tok := range reIdentifier.FindAllString(source, -1) {
		tok = strings.ToLower(tok)
		if len(tok) < 3 || stopwords[tok] {
			continue
		}
		counts[tok]++
	}
	type kv struct {
		tok   string
		count int
	}
	ranked := make([]kv, 0, len(counts))
	for tok, c := range counts {
		ranked = append(ranked, kv{tok, c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].tok < ranked[j].tok
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.tok
	}
	return out
}

var guiClasses = map[string]bool{
	"ScreenGui":    true,
	"SurfaceGui":   true,
	"BillboardGui": true,
	"TextLabel":    true,
	"TextButton":   true,
}

func deriveTags(s Script, source string, services []string) []string {
	tags := map[string]bool{}
	lowerPath := strings.ToLower(s.Path)
	lowerSource := strings.ToLower(source)

	if strings.Contains(lowerPath, "serverscriptservice") || strings.Contains(lowerPath, "/server/") {
		tags["server"] = true
	}
	if strings.Contains(lowerPath, "starterplayerscripts") || strings.Contains(lowerPath, "startercharacterscripts") {
		tags["client"] = true
	}
	if strings.Contains(lowerPath, "startergui") || strings.Contains(lowerPath, "/ui") || strings.Contains(lowerPath, "/gui") {
		tags["ui"] = true
	}
	if strings.Contains(lowerPath, "replicatedstorage") {
		tags["shared"] = true
	}
	if strings.Contains(lowerPath, "serverstorage") {
		tags["server_storage"] = true
	}
	if guiClasses[s.ClassName] {
		tags["ui"] = true
	}

	if strings.Contains(lowerSource, "datastore") {
		tags["datastore"] = true
	}
	if strings.Contains(lowerSource, "remotefunction") || strings.Contains(lowerSource, "remoteevent") {
		tags["networking"] = true
	}
	if strings.Contains(lowerSource, "httpservice") {
		tags["http"] = true
	}
	if strings.Contains(lowerSource, "tweenservice") {
		tags["ui"] = true
	}
	if strings.Contains(lowerSource, "pathfindingservice") {
		tags["pathfinding"] = true
	}
	if strings.Contains(lowerSource, "marketplaceservice") {
		tags["commerce"] = true
	}
	if strings.Contains(lowerSource, "messagingservice") {
		tags["messaging"] = true
	}
	if strings.Contains(lowerSource, "teleportservice") {
		tags["teleport"] = true
	}
	if strings.Contains(lowerSource, "physicsservice") {
		tags["physics"] = true
	}
	if strings.Contains(lowerSource, "runservice") {
		tags["runtime"] = true
	}
	if strings.Contains(lowerSource, "userinputservice") {
		tags["input"] = true
	}

	for _, svc := range services {
		switch svc {
		case "DataStoreService":
			tags["datastore"] = true
		case "HttpService":
			tags["http"] = true
		case "TweenService":
			tags["ui"] = true
		case "MarketplaceService":
			tags["commerce"] = true
		case "MessagingService":
			tags["messaging"] = true
		case "TeleportService":
			tags["teleport"] = true
		case "PhysicsService":
			tags["physics"] = true
		case "RunService":
			tags["runtime"] = true
		case "UserInputService":
			tags["input"] = true
		case "PathfindingService":
			tags["pathfinding"] = true
		}
	}

	out := make([]string, 0, len(tags))
	for t := range tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Summarize rolls up entries into the index summary.
func Summarize(entries map[string]Entry) Summary {
	s := Summary{
		ScriptCount:   len(entries),
		TagCounts:     map[string]int{},
		ServiceCounts: map[string]int{},
	}
	for _, e := range entries {
		for _, t := range e.Tags {
			s.TagCounts[t]++
		}
		for _, svc := range e.Services {
			s.ServiceCounts[svc]++
		}
		s.RequiresCount += len(e.Requires)
		s.SymbolCount += len(e.Symbols)
	}
	return s
}

// BuildIndex indexes all scripts of one context version.
func BuildIndex(contextID string, version int, scripts []Script, lim Limits, now time.Time) Index {
	entries := make(map[string]Entry, len(scripts))
	for _, s := range scripts {
		if s.Path == "" {
			continue
		}
		entries[s.Path] = BuildEntry(s, lim)
	}
	return Index{
		ContextID:      contextID,
		ContextVersion: version,
		UpdatedAt:      float64(now.UnixNano()) / float64(time.Second),
		Summary:        Summarize(entries),
		Scripts:        entries,
	}
}
