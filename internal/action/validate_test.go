package action

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func powerPolicy() Policy {
	return Policy{
		Profile:        "power",
		MaxActions:     400,
		MaxSourceBytes: 400000,
		SafeEditBytes:  8000,
	}
}

func TestValidateTooManyActions(t *testing.T) {
	p := powerPolicy()
	p.MaxActions = 2
	actions := []Action{
		{"type": "deleteInstance", "path": "game/Workspace/A"},
		{"type": "deleteInstance", "path": "game/Workspace/B"},
		{"type": "deleteInstance", "path": "game/Workspace/C"},
	}
	errs := Validate(actions, nil, p)
	require.NotEmpty(t, errs)
	assert.Equal(t, "too many actions: 3 > 2", errs[0])
}

func TestValidateMissingAndUnsupportedType(t *testing.T) {
	errs := Validate([]Action{
		{},
		{"type": "frobnicate"},
	}, nil, powerPolicy())
	assert.Contains(t, errs, "action 1: missing type")
	assert.Contains(t, errs, "action 2: unsupported type frobnicate")
}

func TestValidateDenyList(t *testing.T) {
	p := powerPolicy()
	p.DenyActions = []string{"deleteInstance"}
	errs := Validate([]Action{{"type": "deleteInstance", "path": "game/Workspace/A"}}, nil, p)
	assert.Contains(t, errs, "action 1: blocked type deleteInstance")
}

func TestValidatePathRules(t *testing.T) {
	p := powerPolicy()
	p.ProtectedRoots = []string{"game/ServerStorage"}
	p.AllowedRoots = []string{"game/Workspace", "game/ServerStorage"}

	errs := Validate([]Action{
		{"type": "deleteInstance"},
		{"type": "deleteInstance", "path": "Workspace/A"},
		{"type": "deleteInstance", "path": "game/ServerStorage/Secrets"},
		{"type": "deleteInstance", "path": "game/ReplicatedStorage/A"},
		{"type": "deleteInstance", "path": "game/Workspace/A"},
	}, nil, p)

	assert.Contains(t, errs, "action 1: missing path")
	assert.Contains(t, errs, "action 2: invalid path Workspace/A")
	assert.Contains(t, errs, "action 3: protected path game/ServerStorage/Secrets")
	assert.Contains(t, errs, "action 4: path outside allowed roots")
	for _, e := range errs {
		assert.NotContains(t, e, "action 5:")
	}
}

func TestValidateCreateInstance(t *testing.T) {
	p := powerPolicy()
	p.MaxSourceBytes = 10
	errs := Validate([]Action{
		{"type": "createInstance"},
		{"type": "createInstance", "parentPath": "game/Workspace", "className": "Script",
			"source": strings.Repeat("x", 11)},
	}, nil, p)
	assert.Contains(t, errs, "action 1: missing parentPath")
	assert.Contains(t, errs, "action 1: missing className")
	assert.Contains(t, errs, "action 2: source too large")
}

func TestValidateEditScriptModes(t *testing.T) {
	errs := Validate([]Action{
		{"type": "editScript", "path": "game/A", "mode": "sideways", "source": "x"},
		{"type": "editScript", "path": "game/A", "mode": "append", "source": "x"},
	}, nil, powerPolicy())
	assert.Contains(t, errs, "action 1: unsupported editScript mode sideways")
	for _, e := range errs {
		assert.NotContains(t, e, "action 2:")
	}
}

func TestValidateEditScriptMissingSource(t *testing.T) {
	errs := Validate([]Action{{"type": "editScript", "path": "game/A"}}, nil, powerPolicy())
	assert.Contains(t, errs, "action 1: editScript missing source/chunks")
}

func TestValidateEditScriptChunks(t *testing.T) {
	errs := Validate([]Action{
		{"type": "editScript", "path": "game/A", "chunks": "nope"},
		{"type": "editScript", "path": "game/A", "chunks": []any{"a", 3}},
		{"type": "editScript", "path": "game/A", "chunks": []any{"a", "b"}},
	}, nil, powerPolicy())
	assert.Contains(t, errs, "action 1: editScript chunks not a list")
	assert.Contains(t, errs, "action 2: editScript chunk not a string")
	for _, e := range errs {
		assert.NotContains(t, e, "action 3:")
	}
}

func TestValidateEditScriptPayloadTooLarge(t *testing.T) {
	p := powerPolicy()
	p.MaxSourceBytes = 5
	errs := Validate([]Action{
		{"type": "editScript", "path": "game/A", "source": "123456"},
	}, nil, p)
	assert.Contains(t, errs, "action 1: editScript payload too large")
}

func TestValidateExpectedHashGate(t *testing.T) {
	lookup := func(path string) string {
		if path == "game/A" {
			return "sha1:abc"
		}
		return ""
	}

	errs := Validate([]Action{
		{"type": "editScript", "path": "game/B", "source": "x", "expectedHash": "sha1:abc"},
		{"type": "editScript", "path": "game/A", "source": "x", "expectedHash": "sha1:def"},
		{"type": "editScript", "path": "game/A", "source": "x", "expectedHash": "sha1:abc"},
	}, lookup, powerPolicy())

	assert.Contains(t, errs, "action 1: expectedHash provided but no cached hash")
	assert.Contains(t, errs, "action 2: expectedHash mismatch")
	for _, e := range errs {
		assert.NotContains(t, e, "action 3:")
	}
	assert.True(t, ShouldRequestResync(errs))
}

func TestValidateExpectedHashNilLookup(t *testing.T) {
	errs := Validate([]Action{
		{"type": "editScript", "path": "game/A", "source": "x", "expectedSha1": "sha1:abc"},
	}, nil, powerPolicy())
	assert.Contains(t, errs, "action 1: expectedHash provided but no cached hash")
}

func TestValidateSafeProfile(t *testing.T) {
	p := powerPolicy()
	p.Profile = "safe"
	p.SafeEditBytes = 4

	errs := Validate([]Action{
		{"type": "createInstance", "parentPath": "game/Workspace", "className": "Folder"},
		{"type": "rename", "path": "game/Workspace/A", "newName": "B"},
		{"type": "move", "path": "game/Workspace/A", "newParentPath": "game/Workspace/Bin"},
		{"type": "editScript", "path": "game/A", "source": "12345"},
		{"type": "deleteInstance", "path": "game/Workspace/A"},
	}, nil, p)

	assert.Contains(t, errs, "action 1: blocked by safe policy")
	assert.Contains(t, errs, "action 2: blocked by safe policy")
	assert.Contains(t, errs, "action 3: blocked by safe policy")
	assert.Contains(t, errs, "action 4: editScript exceeds safe size")
	assert.Contains(t, errs, "action 5: blocked by policy")
}

func TestValidateStandardProfileBlocksDelete(t *testing.T) {
	p := powerPolicy()
	p.Profile = "standard"
	errs := Validate([]Action{
		{"type": "deleteInstance", "path": "game/Workspace/A"},
		{"type": "rename", "path": "game/Workspace/A", "newName": "B"},
	}, nil, p)
	assert.Contains(t, errs, "action 1: blocked by policy")
	for _, e := range errs {
		assert.NotContains(t, e, "action 2:")
	}
}

func TestValidateEmitParticlesCount(t *testing.T) {
	errs := Validate([]Action{
		{"type": "emitParticles", "path": "game/Workspace/Fire", "count": float64(10)},
		{"type": "emitParticles", "path": "game/Workspace/Fire", "count": 2.5},
		{"type": "emitParticles", "path": "game/Workspace/Fire", "count": "7"},
		{"type": "emitParticles", "path": "game/Workspace/Fire", "count": "many"},
	}, nil, powerPolicy())
	assert.Contains(t, errs, "action 2: invalid emit count")
	assert.Contains(t, errs, "action 4: invalid emit count")
	for _, e := range errs {
		assert.NotContains(t, e, "action 1:")
		assert.NotContains(t, e, "action 3:")
	}
}

func TestValidateAnimationPreview(t *testing.T) {
	errs := Validate([]Action{
		{"type": "animationPreview"},
		{"type": "animationPreview", "rigPath": "game/Workspace/Rig"},
		{"type": "animationPreview", "rigPath": "game/Workspace/Rig",
			"sequence": map[string]any{"keyframes": []any{}}},
		{"type": "animationPreview", "rigPath": "game/Workspace/Rig",
			"sequencePath": "game/Workspace/Rig/Wave"},
	}, nil, powerPolicy())
	assert.Contains(t, errs, "action 1: missing rigPath")
	assert.Contains(t, errs, "action 2: missing sequencePath/sequence")
	for _, e := range errs {
		assert.NotContains(t, e, "action 3:")
		assert.NotContains(t, e, "action 4:")
	}
}

func TestValidateCleanBatch(t *testing.T) {
	actions := NormalizeAll([]Action{
		{"type": "CreateFolder", "parent": "game/ServerScriptService"},
		{"type": "setSource", "path": "game/ServerScriptService/Main", "scriptSource": "print(1)"},
		{"type": "setProperty", "path": "game/Workspace/Part", "key": "Anchored", "value": true},
	})
	errs := Validate(actions, nil, powerPolicy())
	assert.Empty(t, errs, fmt.Sprintf("unexpected errors: %v", errs))
}

func TestShouldRequestResyncNegative(t *testing.T) {
	assert.False(t, ShouldRequestResync([]string{"action 1: missing path"}))
	assert.False(t, ShouldRequestResync(nil))
}
