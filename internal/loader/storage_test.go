package loader

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "storage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreSetAndSnapshot(t *testing.T) {
	store := testStore(t)

	require.NoError(t, store.Set("mod-a", "count", json.RawMessage("1")))
	require.NoError(t, store.Set("mod-a", "name", json.RawMessage(`"alpha"`)))

	snap, err := store.Snapshot("mod-a")
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.JSONEq(t, "1", string(snap["count"]))
	assert.JSONEq(t, `"alpha"`, string(snap["name"]))
}

func TestStoreUpsertOverwrites(t *testing.T) {
	store := testStore(t)

	require.NoError(t, store.Set("mod-a", "count", json.RawMessage("1")))
	require.NoError(t, store.Set("mod-a", "count", json.RawMessage("2")))

	snap, err := store.Snapshot("mod-a")
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.JSONEq(t, "2", string(snap["count"]))
}

func TestStoreIsolatesMods(t *testing.T) {
	store := testStore(t)

	require.NoError(t, store.Set("mod-a", "k", json.RawMessage("1")))
	require.NoError(t, store.Set("mod-b", "k", json.RawMessage("2")))

	snapA, err := store.Snapshot("mod-a")
	require.NoError(t, err)
	snapB, err := store.Snapshot("mod-b")
	require.NoError(t, err)

	assert.JSONEq(t, "1", string(snapA["k"]))
	assert.JSONEq(t, "2", string(snapB["k"]))
}

func TestStoreDelete(t *testing.T) {
	store := testStore(t)

	require.NoError(t, store.Set("mod-a", "k", json.RawMessage("1")))
	require.NoError(t, store.Delete("mod-a", "k"))
	require.NoError(t, store.Delete("mod-a", "never-existed"))

	snap, err := store.Snapshot("mod-a")
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestStorePurge(t *testing.T) {
	store := testStore(t)

	require.NoError(t, store.Set("mod-a", "k1", json.RawMessage("1")))
	require.NoError(t, store.Set("mod-a", "k2", json.RawMessage("2")))
	require.NoError(t, store.Set("mod-b", "k1", json.RawMessage("3")))

	require.NoError(t, store.Purge("mod-a"))

	snapA, err := store.Snapshot("mod-a")
	require.NoError(t, err)
	assert.Empty(t, snapA)

	snapB, err := store.Snapshot("mod-b")
	require.NoError(t, err)
	assert.Len(t, snapB, 1, "purging one mod must not touch another")
}

func TestStoreSnapshotEmptyMod(t *testing.T) {
	store := testStore(t)
	snap, err := store.Snapshot("never-seen")
	require.NoError(t, err)
	assert.Empty(t, snap)
}
