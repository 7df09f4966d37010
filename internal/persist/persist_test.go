package persist

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtomicJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	in := map[string]any{"seq": float64(7), "queue": []any{}}
	require.NoError(t, WriteAtomicJSON(path, in))

	var out map[string]any
	require.NoError(t, ReadJSON(path, &out))
	assert.Equal(t, in, out)
}

func TestWriteAtomicJSONOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, WriteAtomicJSON(path, map[string]any{"v": float64(1)}))
	require.NoError(t, WriteAtomicJSON(path, map[string]any{"v": float64(2)}))

	var out map[string]any
	require.NoError(t, ReadJSON(path, &out))
	assert.Equal(t, float64(2), out["v"])
}

func TestAppendAndTailJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	for i := 1; i <= 5; i++ {
		require.NoError(t, AppendJSONL(path, map[string]any{"event": "tx_enqueue", "seq": i}))
	}

	entries, err := TailJSONL(path, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, float64(3), entries[0]["seq"])
	assert.Equal(t, float64(5), entries[2]["seq"])
}

func TestTailJSONLMissingFile(t *testing.T) {
	entries, err := TailJSONL(filepath.Join(t.TempDir(), "nope.log"), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTailJSONLSkipsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, os.WriteFile(path, []byte("{\"event\":\"a\"}\nnot json\n{\"event\":\"b\"}\n"), 0o644))
	entries, err := TailJSONL(path, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0]["event"])
	assert.Equal(t, "b", entries[1]["event"])
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"), 3000)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSnapshotRoundTrip(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	payload := map[string]any{"treeCount": float64(12), "scripts": map[string]any{}}
	require.NoError(t, db.SaveSnapshot("ctx1", 1, 123, "s1", "default", now, payload))
	require.NoError(t, db.SaveSnapshot("ctx1", 2, 123, "s1", "default", now,
		map[string]any{"treeCount": float64(13), "scripts": map[string]any{}}))

	var got map[string]any
	version, ok, err := db.LoadLatestSnapshot("ctx1", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, version)
	assert.Equal(t, float64(13), got["treeCount"])
}

func TestLoadLatestSnapshotMissing(t *testing.T) {
	db := openTestDB(t)
	var got map[string]any
	_, ok, err := db.LoadLatestSnapshot("nope", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryRoundTrip(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	require.NoError(t, db.SaveMemory("ctx1", now, "shop uses Inventory module"))
	memory, at, ok, err := db.LoadMemory("ctx1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "shop uses Inventory module", memory)
	assert.WithinDuration(t, now, at, time.Millisecond)

	_, _, ok, err = db.LoadMemory("other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSemanticRoundTrip(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.SaveSemantic("ctx1", 4, time.Now(),
		map[string]any{"contextVersion": float64(4)}))

	var got map[string]any
	version, ok, err := db.LoadLatestSemantic("ctx1", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, version)
	assert.Equal(t, float64(4), got["contextVersion"])
}

func TestQueueStateRoundTrip(t *testing.T) {
	db := openTestDB(t)
	state := map[string]any{
		"seq": float64(9),
		"queue": []any{
			map[string]any{"seq": float64(9), "tx": map[string]any{"transactionId": "TX_1"}},
		},
	}
	require.NoError(t, db.SaveQueueState(9, time.Now(), state))

	var got map[string]any
	ok, err := db.LoadQueueState(&got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(9), got["seq"])
}

func TestClearContext(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	require.NoError(t, db.SaveSnapshot("ctx1", 1, 1, "s", "default", now, map[string]any{}))
	require.NoError(t, db.SaveMemory("ctx1", now, "notes"))
	require.NoError(t, db.SaveSemantic("ctx1", 1, now, map[string]any{}))

	require.NoError(t, db.ClearContext("ctx1"))

	var got map[string]any
	_, ok, err := db.LoadLatestSnapshot("ctx1", &got)
	require.NoError(t, err)
	assert.False(t, ok)
	_, _, ok, err = db.LoadMemory("ctx1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTailEvents(t *testing.T) {
	db := openTestDB(t)
	base := time.Now()
	for i := 1; i <= 4; i++ {
		require.NoError(t, db.AppendAudit(base.Add(time.Duration(i)*time.Second),
			"tx_enqueue", map[string]any{"seq": i}))
	}

	entries, err := db.TailEvents("audit_log", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "tx_enqueue", entries[0]["event"])
	assert.Equal(t, float64(3), entries[0]["seq"])
	assert.Equal(t, float64(4), entries[1]["seq"])

	_, err = db.TailEvents("users", 2)
	assert.Error(t, err)
}
