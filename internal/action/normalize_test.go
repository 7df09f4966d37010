package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCreateFolderAlias(t *testing.T) {
	out := Normalize(Action{"type": "CreateFolder", "parent": "game/ServerScriptService"})
	assert.Equal(t, "createInstance", out["type"])
	assert.Equal(t, "Folder", out["className"])
	assert.Equal(t, "game/ServerScriptService", out["parentPath"])
}

func TestNormalizeCreateScriptVariants(t *testing.T) {
	cases := map[string]string{
		"createScript":        "Script",
		"create_script":       "Script",
		"CreateLocalScript":   "LocalScript",
		"createModuleScript":  "ModuleScript",
		"create_modulescript": "ModuleScript",
	}
	for raw, class := range cases {
		out := Normalize(Action{"type": raw, "parent": "game/Workspace"})
		assert.Equal(t, "createInstance", out["type"], raw)
		assert.Equal(t, class, out["className"], raw)
	}
}

func TestNormalizeSetSourceBecomesEditScript(t *testing.T) {
	out := Normalize(Action{
		"action":       "setSource",
		"path":         "game/ServerScriptService/Main",
		"scriptSource": "print('hi')",
	})
	assert.Equal(t, "editScript", out["type"])
	assert.Equal(t, "replace", out["mode"])
	assert.Equal(t, "print('hi')", out["source"])
}

func TestNormalizeMoveAndRenameAliases(t *testing.T) {
	out := Normalize(Action{"type": "setParent", "path": "game/Workspace/Part", "parent": "game/Workspace/Bin"})
	assert.Equal(t, "move", out["type"])
	assert.Equal(t, "game/Workspace/Bin", out["newParentPath"])

	out = Normalize(Action{"type": "setName", "path": "game/Workspace/Part", "name": "Door"})
	assert.Equal(t, "rename", out["type"])
	assert.Equal(t, "Door", out["newName"])
}

func TestNormalizeDeleteSynonyms(t *testing.T) {
	for _, raw := range []string{"delete", "remove", "destroy", "destroyInstance"} {
		out := Normalize(Action{"type": raw, "target": "game/Workspace/Part"})
		assert.Equal(t, "deleteInstance", out["type"], raw)
		assert.Equal(t, "game/Workspace/Part", out["path"], raw)
	}
}

func TestNormalizeTagModes(t *testing.T) {
	out := Normalize(Action{"type": "addTags", "path": "game/Workspace/Part", "tags": []any{"door"}})
	assert.Equal(t, "setTags", out["type"])
	assert.Equal(t, "add", out["mode"])

	out = Normalize(Action{"type": "removeTags", "path": "game/Workspace/Part", "tags": []any{"door"}})
	assert.Equal(t, "setTags", out["type"])
	assert.Equal(t, "remove", out["mode"])
}

func TestNormalizeCloneFillsPathFromSource(t *testing.T) {
	out := Normalize(Action{"type": "clone", "source": "game/Workspace/Template", "parent": "game/Workspace"})
	assert.Equal(t, "cloneInstance", out["type"])
	assert.Equal(t, "game/Workspace/Template", out["sourcePath"])
	assert.Equal(t, "game/Workspace/Template", out["path"])
	assert.Equal(t, "game/Workspace", out["parentPath"])
}

func TestNormalizePlaySound(t *testing.T) {
	out := Normalize(Action{"type": "playAudio", "target": "game/Workspace/Speaker", "id": "rbxassetid://1"})
	assert.Equal(t, "playSound", out["type"])
	assert.Equal(t, "game/Workspace/Speaker", out["path"])
	assert.Equal(t, "rbxassetid://1", out["soundId"])
}

func TestNormalizeAnimationAliases(t *testing.T) {
	out := Normalize(Action{"type": "createAnimation", "parent": "game/Workspace/Rig", "animationName": "Wave"})
	assert.Equal(t, "animationCreate", out["type"])
	assert.Equal(t, "Wave", out["name"])

	out = Normalize(Action{"type": "addKeyframe", "sequencePath": "game/Workspace/Rig/Wave"})
	assert.Equal(t, "animationAddKeyframe", out["type"])
	assert.Equal(t, "game/Workspace/Rig/Wave", out["path"])

	out = Normalize(Action{"type": "previewAnimation", "rig": "game/Workspace/Rig", "path": "game/Workspace/Rig/Wave"})
	assert.Equal(t, "animationPreview", out["type"])
	assert.Equal(t, "game/Workspace/Rig", out["rigPath"])
	assert.Equal(t, "game/Workspace/Rig/Wave", out["sequencePath"])
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	in := Action{"type": "setSource", "path": "game/A", "scriptSource": "x"}
	_ = Normalize(in)
	assert.Equal(t, "setSource", in["type"])
	_, ok := in["source"]
	assert.False(t, ok)
}

func TestNormalizeUnknownTypePreserved(t *testing.T) {
	out := Normalize(Action{"type": "frobnicate"})
	assert.Equal(t, "frobnicate", out["type"])
}

func TestNormalizeAll(t *testing.T) {
	out := NormalizeAll([]Action{
		{"type": "delete", "path": "game/Workspace/A"},
		{"type": "CreateFolder", "parent": "game/Workspace"},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "deleteInstance", out[0]["type"])
	assert.Equal(t, "createInstance", out[1]["type"])
}
