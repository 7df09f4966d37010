package action

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Policy carries the validation caps and the policy profile.
type Policy struct {
	Profile        string
	MaxActions     int
	MaxSourceBytes int
	SafeEditBytes  int
	ProtectedRoots []string
	AllowedRoots   []string
	DenyActions    []string
}

// HashLookup resolves the cached fingerprint for a script path in the active
// context snapshot. It returns "" when no fingerprint is cached.
type HashLookup func(path string) string

var allowedEditModes = map[string]bool{
	"replace":      true,
	"append":       true,
	"prepend":      true,
	"replaceRange": true,
	"insertBefore": true,
	"insertAfter":  true,
}

// Validate checks a normalized action list against the policy and the cached
// context. It is pure: all problems are collected into one list and no state
// changes. lookup may be nil when no context is available.
func Validate(actions []Action, lookup HashLookup, p Policy) []string {
	var errs []string
	if p.MaxActions > 0 && len(actions) > p.MaxActions {
		errs = append(errs, fmt.Sprintf("too many actions: %d > %d", len(actions), p.MaxActions))
	}

	deny := make(map[string]bool, len(p.DenyActions))
	for _, t := range p.DenyActions {
		deny[t] = true
	}

	for i, a := range actions {
		idx := i + 1
		if a == nil {
			errs = append(errs, fmt.Sprintf("action %d: not an object", idx))
			continue
		}
		typ := stringField(a, "type")
		if typ == "" {
			errs = append(errs, fmt.Sprintf("action %d: missing type", idx))
			continue
		}
		if !IsSupported(typ) {
			errs = append(errs, fmt.Sprintf("action %d: unsupported type %s", idx, typ))
		}
		if deny[typ] {
			errs = append(errs, fmt.Sprintf("action %d: blocked type %s", idx, typ))
		}

		path := stringField(a, "path")
		if pathBearing[typ] {
			if path == "" {
				errs = append(errs, fmt.Sprintf("action %d: missing path", idx))
			} else if !strings.HasPrefix(path, "game/") {
				errs = append(errs, fmt.Sprintf("action %d: invalid path %s", idx, path))
			}
			if path != "" {
				for _, root := range p.ProtectedRoots {
					if root != "" && strings.HasPrefix(path, root) {
						errs = append(errs, fmt.Sprintf("action %d: protected path %s", idx, path))
					}
				}
				if !pathUnder(path, p.AllowedRoots) {
					errs = append(errs, fmt.Sprintf("action %d: path outside allowed roots", idx))
				}
			}
		}

		switch typ {
		case "createInstance":
			parentPath := stringField(a, "parentPath")
			if parentPath == "" {
				errs = append(errs, fmt.Sprintf("action %d: missing parentPath", idx))
			}
			if stringField(a, "className") == "" {
				errs = append(errs, fmt.Sprintf("action %d: missing className", idx))
			}
			if parentPath != "" {
				for _, root := range p.ProtectedRoots {
					if root != "" && strings.HasPrefix(parentPath, root) {
						errs = append(errs, fmt.Sprintf("action %d: protected parentPath %s", idx, parentPath))
					}
				}
				if !pathUnder(parentPath, p.AllowedRoots) {
					errs = append(errs, fmt.Sprintf("action %d: parentPath outside allowed roots", idx))
				}
			}
			if src := stringField(a, "source"); len(src) > p.MaxSourceBytes {
				errs = append(errs, fmt.Sprintf("action %d: source too large", idx))
			}

		case "insertAsset":
			parentPath := stringField(a, "parentPath")
			if parentPath == "" {
				errs = append(errs, fmt.Sprintf("action %d: missing parentPath", idx))
			} else {
				if !strings.HasPrefix(parentPath, "game/") {
					errs = append(errs, fmt.Sprintf("action %d: invalid parentPath %s", idx, parentPath))
				}
				if !pathUnder(parentPath, p.AllowedRoots) {
					errs = append(errs, fmt.Sprintf("action %d: parentPath outside allowed roots", idx))
				}
			}
			if firstValue(a, "assetId") == nil {
				errs = append(errs, fmt.Sprintf("action %d: missing assetId", idx))
			}

		case "cloneInstance":
			if pp, ok := a["parentPath"]; ok && pp != nil {
				parentPath, isStr := pp.(string)
				if !isStr {
					errs = append(errs, fmt.Sprintf("action %d: invalid parentPath", idx))
				} else if parentPath != "" && !pathUnder(parentPath, p.AllowedRoots) {
					errs = append(errs, fmt.Sprintf("action %d: parentPath outside allowed roots", idx))
				}
			}

		case "clearChildren":
			if path == "" {
				errs = append(errs, fmt.Sprintf("action %d: missing path", idx))
			}

		case "setTags":
			if firstValue(a, "tags") == nil && firstValue(a, "add") == nil && firstValue(a, "remove") == nil {
				errs = append(errs, fmt.Sprintf("action %d: missing tags", idx))
			}

		case "tween":
			if _, ok := a["properties"].(map[string]any); !ok {
				errs = append(errs, fmt.Sprintf("action %d: missing properties", idx))
			}

		case "emitParticles":
			if count := firstValue(a, "count", "emit"); count != nil && !isIntLike(count) {
				errs = append(errs, fmt.Sprintf("action %d: invalid emit count", idx))
			}

		case "playSound":
			if path == "" {
				soundID := firstValue(a, "soundId", "assetId")
				parentPath := stringField(a, "parentPath")
				if soundID == nil {
					errs = append(errs, fmt.Sprintf("action %d: missing soundId", idx))
				}
				switch {
				case parentPath == "":
					errs = append(errs, fmt.Sprintf("action %d: missing parentPath", idx))
				case !strings.HasPrefix(parentPath, "game/"):
					errs = append(errs, fmt.Sprintf("action %d: invalid parentPath %s", idx, parentPath))
				case !pathUnder(parentPath, p.AllowedRoots):
					errs = append(errs, fmt.Sprintf("action %d: parentPath outside allowed roots", idx))
				}
			}

		case "animationCreate":
			parentPath := stringField(a, "parentPath")
			switch {
			case parentPath == "":
				errs = append(errs, fmt.Sprintf("action %d: missing parentPath", idx))
			case !strings.HasPrefix(parentPath, "game/"):
				errs = append(errs, fmt.Sprintf("action %d: invalid parentPath %s", idx, parentPath))
			case !pathUnder(parentPath, p.AllowedRoots):
				errs = append(errs, fmt.Sprintf("action %d: parentPath outside allowed roots", idx))
			}

		case "animationPreview":
			rigPath := stringField(a, "rigPath")
			switch {
			case rigPath == "":
				errs = append(errs, fmt.Sprintf("action %d: missing rigPath", idx))
			case !strings.HasPrefix(rigPath, "game/"):
				errs = append(errs, fmt.Sprintf("action %d: invalid rigPath %s", idx, rigPath))
			case !pathUnder(rigPath, p.AllowedRoots):
				errs = append(errs, fmt.Sprintf("action %d: rigPath outside allowed roots", idx))
			}
			sequencePath := stringField(a, "sequencePath")
			if sequencePath != "" {
				if !strings.HasPrefix(sequencePath, "game/") {
					errs = append(errs, fmt.Sprintf("action %d: invalid sequencePath %s", idx, sequencePath))
				} else if !pathUnder(sequencePath, p.AllowedRoots) {
					errs = append(errs, fmt.Sprintf("action %d: sequencePath outside allowed roots", idx))
				}
			} else if _, ok := a["sequence"].(map[string]any); !ok {
				errs = append(errs, fmt.Sprintf("action %d: missing sequencePath/sequence", idx))
			}

		case "animationStop":
			rigPath := stringField(a, "rigPath")
			switch {
			case rigPath == "":
				errs = append(errs, fmt.Sprintf("action %d: missing rigPath", idx))
			case !strings.HasPrefix(rigPath, "game/"):
				errs = append(errs, fmt.Sprintf("action %d: invalid rigPath %s", idx, rigPath))
			case !pathUnder(rigPath, p.AllowedRoots):
				errs = append(errs, fmt.Sprintf("action %d: rigPath outside allowed roots", idx))
			}

		case "setProperty":
			if stringField(a, "property") == "" {
				errs = append(errs, fmt.Sprintf("action %d: missing property", idx))
			}
		case "setProperties":
			if _, ok := a["properties"].(map[string]any); !ok {
				errs = append(errs, fmt.Sprintf("action %d: missing properties", idx))
			}
		case "setAttribute":
			if stringField(a, "attribute") == "" {
				errs = append(errs, fmt.Sprintf("action %d: missing attribute", idx))
			}
		case "setAttributes":
			if _, ok := a["attributes"].(map[string]any); !ok {
				errs = append(errs, fmt.Sprintf("action %d: missing attributes", idx))
			}

		case "editScript":
			errs = append(errs, validateEditScript(a, idx, path, lookup, p)...)
		}

		if p.Profile == "safe" && (typ == "createInstance" || typ == "rename" || typ == "move") {
			errs = append(errs, fmt.Sprintf("action %d: blocked by safe policy", idx))
		}
		if p.Profile != "power" && typ == "deleteInstance" {
			errs = append(errs, fmt.Sprintf("action %d: blocked by policy", idx))
		}
	}

	return errs
}

func validateEditScript(a Action, idx int, path string, lookup HashLookup, p Policy) []string {
	var errs []string

	mode := stringField(a, "mode")
	if mode == "" {
		mode = "replace"
	}
	if !allowedEditModes[mode] {
		errs = append(errs, fmt.Sprintf("action %d: unsupported editScript mode %s", idx, mode))
	}

	size := 0
	source, hasSource := a["source"]
	if s, ok := source.(string); ok {
		size += len(s)
	}
	chunks, hasChunks := a["chunks"]
	if hasChunks && chunks != nil {
		list, ok := chunks.([]any)
		if !ok {
			errs = append(errs, fmt.Sprintf("action %d: editScript chunks not a list", idx))
		} else {
			for _, c := range list {
				s, ok := c.(string)
				if !ok {
					errs = append(errs, fmt.Sprintf("action %d: editScript chunk not a string", idx))
					break
				}
				size += len(s)
			}
		}
	}
	if (!hasSource || source == nil) && !chunkListNonEmpty(chunks) {
		errs = append(errs, fmt.Sprintf("action %d: editScript missing source/chunks", idx))
	}
	if size > p.MaxSourceBytes {
		errs = append(errs, fmt.Sprintf("action %d: editScript payload too large", idx))
	}

	expected := firstString(a, "expectedHash", "expectedSha1")
	if expected != "" {
		actual := ""
		if lookup != nil {
			actual = lookup(path)
		}
		if actual == "" {
			errs = append(errs, fmt.Sprintf("action %d: expectedHash provided but no cached hash", idx))
		} else if actual != expected {
			errs = append(errs, fmt.Sprintf("action %d: expectedHash mismatch", idx))
		}
	}

	if p.Profile == "safe" && size > p.SafeEditBytes {
		errs = append(errs, fmt.Sprintf("action %d: editScript exceeds safe size", idx))
	}

	return errs
}

func chunkListNonEmpty(chunks any) bool {
	list, ok := chunks.([]any)
	return ok && len(list) > 0
}

func pathUnder(path string, roots []string) bool {
	if len(roots) == 0 {
		return true
	}
	if path == "" {
		return false
	}
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		if strings.HasPrefix(path, root) {
			return true
		}
	}
	return false
}

func isIntLike(v any) bool {
	switch n := v.(type) {
	case int, int32, int64:
		return true
	case float64:
		return n == float64(int64(n))
	case json.Number:
		_, err := n.Int64()
		return err == nil
	case string:
		_, err := strconv.Atoi(n)
		return err == nil
	default:
		return false
	}
}

// ShouldRequestResync reports whether validation errors indicate a stale
// cached context, which schedules a fresh export request.
func ShouldRequestResync(errs []string) bool {
	for _, e := range errs {
		lowered := strings.ToLower(e)
		if strings.Contains(lowered, "expectedhash mismatch") ||
			strings.Contains(lowered, "expectedhash provided but no cached hash") {
			return true
		}
	}
	return false
}
