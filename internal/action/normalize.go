// Package action canonicalizes and validates the duck-typed action objects
// accepted on every entry path. Producers use many synonym spellings
// ("CreateFolder", "setSource", "moveInstance"); the normalizer maps them all
// onto one canonical type set and field layout before the validator runs.
package action

// Action is a loosely-typed action object. Payload fields beyond the
// canonical ones are passed through untouched.
type Action = map[string]any

// Canonical action types understood by the host plugin.
var Supported = []string{
	"createInstance",
	"insertAsset",
	"setProperty",
	"setProperties",
	"cloneInstance",
	"clearChildren",
	"setTags",
	"deleteInstance",
	"rename",
	"move",
	"setAttribute",
	"setAttributes",
	"editScript",
	"tween",
	"emitParticles",
	"playSound",
	"animationCreate",
	"animationAddKeyframe",
	"animationPreview",
	"animationStop",
}

var supportedSet = func() map[string]bool {
	m := make(map[string]bool, len(Supported))
	for _, t := range Supported {
		m[t] = true
	}
	return m
}()

// IsSupported reports whether t is a canonical action type.
func IsSupported(t string) bool { return supportedSet[t] }

// aliasTable maps lowercased incoming types onto canonical types.
var aliasTable = map[string]string{
	"createfolder":        "createInstance",
	"create_folder":       "createInstance",
	"createscript":        "createInstance",
	"create_script":       "createInstance",
	"createlocalscript":   "createInstance",
	"create_localscript":  "createInstance",
	"createmodulescript":  "createInstance",
	"create_modulescript": "createInstance",
	"setscript":           "editScript",
	"setsource":           "editScript",
	"setscriptsource":     "editScript",
	"setparent":           "move",
	"moveinstance":        "move",
	"renameinstance":      "rename",
	"setname":             "rename",
	"delete":              "deleteInstance",
	"remove":              "deleteInstance",
	"destroy":             "deleteInstance",
	"destroyinstance":     "deleteInstance",
	"clone":               "cloneInstance",
	"cloneinstance":       "cloneInstance",
	"clearchildren":       "clearChildren",
	"removechildren":      "clearChildren",
	"settags":             "setTags",
	"addtags":             "setTags",
	"removetags":          "setTags",
	"insertasset":         "insertAsset",
	"loadasset":           "insertAsset",
	"insert":              "insertAsset",
	"tween":               "tween",
	"tweeninstance":       "tween",
	"emitparticles":       "emitParticles",
	"emit":                "emitParticles",
	"playsound":           "playSound",
	"playaudio":           "playSound",
	"createanimation":     "animationCreate",
	"animationcreate":     "animationCreate",
	"addkeyframe":         "animationAddKeyframe",
	"animationaddkeyframe": "animationAddKeyframe",
	"previewanimation":    "animationPreview",
	"animationpreview":    "animationPreview",
	"stopanimation":       "animationStop",
	"animationstop":       "animationStop",
	"setproperties":       "setProperties",
	"setproperty":         "setProperty",
	"setattribute":        "setAttribute",
	"setattributes":       "setAttributes",
	"edit":                "editScript",
}

// className defaults carried by the create* aliases.
var aliasClassName = map[string]string{
	"createfolder":        "Folder",
	"create_folder":       "Folder",
	"createscript":        "Script",
	"create_script":       "Script",
	"createlocalscript":   "LocalScript",
	"create_localscript":  "LocalScript",
	"createmodulescript":  "ModuleScript",
	"create_modulescript": "ModuleScript",
}

// pathBearing lists canonical types whose target is the "path" field.
var pathBearing = map[string]bool{
	"setProperty":          true,
	"setProperties":        true,
	"deleteInstance":       true,
	"rename":               true,
	"move":                 true,
	"setAttribute":         true,
	"setAttributes":        true,
	"editScript":           true,
	"cloneInstance":        true,
	"clearChildren":        true,
	"setTags":              true,
	"tween":                true,
	"emitParticles":        true,
	"animationAddKeyframe": true,
}

// Normalize returns a canonicalized copy of the action. The input is never
// mutated; unknown types keep their raw type string so the validator can
// report them.
func Normalize(in Action) Action {
	if in == nil {
		return nil
	}
	out := make(Action, len(in)+4)
	for k, v := range in {
		out[k] = v
	}

	rawType := firstString(out, "type", "action", "actionType")
	lower := lowerTrim(rawType)

	if canonical, ok := aliasTable[lower]; ok {
		out["type"] = canonical
	} else if rawType != "" {
		out["type"] = rawType
	}

	if class, ok := aliasClassName[lower]; ok {
		setDefault(out, "className", firstValue(out, "class"), class)
	}
	switch lower {
	case "setscript", "setsource", "setscriptsource":
		setDefault(out, "mode", nil, "replace")
		if _, ok := out["source"]; !ok {
			out["source"] = firstValue(out, "scriptSource", "content", "text", "value")
		}
	case "setparent", "moveinstance":
		setDefault(out, "newParentPath", firstValue(out, "parentPath", "parent"), "")
	case "renameinstance", "setname":
		setDefault(out, "newName", firstValue(out, "name"), "")
	case "addtags":
		setDefault(out, "mode", nil, "add")
	case "removetags":
		setDefault(out, "mode", nil, "remove")
	}

	typ, _ := out["type"].(string)

	if pathBearing[typ] && typ != "animationAddKeyframe" {
		setDefault(out, "path", firstValue(out, "targetPath", "target"), "")
	}

	switch typ {
	case "createInstance":
		setDefault(out, "parentPath", firstValue(out, "parent", "parent_path"), "")
		setDefault(out, "className", firstValue(out, "class", "class_name"), "")
		if _, ok := out["source"]; !ok {
			out["source"] = firstValue(out, "content", "text", "value")
		}
	case "insertAsset":
		setDefault(out, "parentPath", firstValue(out, "parent", "parent_path"), "")
		setDefault(out, "assetId", firstValue(out, "id", "asset", "assetID"), "")
	case "setProperty":
		setDefault(out, "property", firstValue(out, "key"), "")
	case "setProperties":
		setDefault(out, "properties", firstValue(out, "props", "values"), "")
	case "setAttribute":
		setDefault(out, "attribute", firstValue(out, "key"), "")
	case "setAttributes":
		setDefault(out, "attributes", firstValue(out, "attrs", "values"), "")
	case "move":
		setDefault(out, "newParentPath", firstValue(out, "parentPath", "parent"), "")
	case "rename":
		setDefault(out, "newName", firstValue(out, "name"), "")
	case "cloneInstance":
		setDefault(out, "sourcePath", firstValue(out, "source", "path"), "")
		if _, ok := out["path"]; !ok {
			if sp := firstValue(out, "sourcePath"); sp != nil {
				out["path"] = sp
			}
		}
		setDefault(out, "parentPath", firstValue(out, "parent", "parentPath"), "")
	case "editScript":
		setDefault(out, "mode", nil, "replace")
		_, hasSource := out["source"]
		_, hasChunks := out["chunks"]
		if !hasSource && !hasChunks {
			out["source"] = firstValue(out, "content", "text", "value")
		}
	case "playSound":
		setDefault(out, "path", firstValue(out, "targetPath", "target"), "")
		setDefault(out, "soundId", firstValue(out, "id", "sound", "assetId"), "")
	case "animationCreate":
		setDefault(out, "parentPath", firstValue(out, "parent", "parent_path"), "")
		setDefault(out, "name", firstValue(out, "animationName", "sequenceName"), "")
	case "animationAddKeyframe":
		setDefault(out, "path", firstValue(out, "sequencePath", "targetPath", "target"), "")
	case "animationPreview":
		setDefault(out, "rigPath", firstValue(out, "rig", "targetPath"), "")
		setDefault(out, "sequencePath", firstValue(out, "path", "sequence"), "")
	}

	return out
}

// NormalizeAll normalizes a whole action list.
func NormalizeAll(actions []Action) []Action {
	out := make([]Action, len(actions))
	for i, a := range actions {
		out[i] = Normalize(a)
	}
	return out
}
