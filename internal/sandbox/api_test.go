package sandbox

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"modhost/internal/manifest"
	"modhost/internal/protocol"
)

// fakeNotifier records outbound traffic instead of crossing a pipe.
type fakeNotifier struct {
	mu      sync.Mutex
	notices []struct {
		method string
		params any
	}
	callResult json.RawMessage
	callErr    error
}

func (f *fakeNotifier) Notify(method string, params any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, struct {
		method string
		params any
	}{method, params})
	return nil
}

func (f *fakeNotifier) Call(_ context.Context, _ string, _ any) (json.RawMessage, error) {
	return f.callResult, f.callErr
}

func (f *fakeNotifier) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.notices))
	for i, n := range f.notices {
		out[i] = n.method
	}
	return out
}

func grantedState(perms ...manifest.Permission) *State {
	s := NewState()
	s.manifest = &manifest.Manifest{Name: "test-mod", Version: "1.0.0"}
	for _, p := range perms {
		s.permissions[p] = true
	}
	s.initialized = true
	return s
}

func apiFor(state *State, notifier Notifier) *API {
	return newAPI(state, notifier, zap.NewNop(), "node-1", "inv-1", nil, 1024, 10)
}

func TestStorageRequiresPermissions(t *testing.T) {
	state := grantedState() // nothing granted
	api := apiFor(state, &fakeNotifier{})

	_, err := api.StorageGet("k")
	var permErr *PermissionError
	require.ErrorAs(t, err, &permErr)
	assert.Equal(t, manifest.PermStorageRead, permErr.Permission)

	err = api.StorageSet("k", 1)
	require.ErrorAs(t, err, &permErr)
	assert.Equal(t, manifest.PermStorageWrite, permErr.Permission)

	err = api.StorageDelete("k")
	require.ErrorAs(t, err, &permErr)

	_, err = api.StorageList()
	require.ErrorAs(t, err, &permErr)
	assert.Equal(t, manifest.PermStorageRead, permErr.Permission)
}

func TestStorageRoundTrip(t *testing.T) {
	state := grantedState(manifest.PermStorageRead, manifest.PermStorageWrite)
	notifier := &fakeNotifier{}
	api := apiFor(state, notifier)
	state.beginInvocation("inv-1")

	require.NoError(t, api.StorageSet("greeting", "hello"))

	v, err := api.StorageGet("greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	keys, err := api.StorageList()
	require.NoError(t, err)
	assert.Equal(t, []string{"greeting"}, keys)

	require.NoError(t, api.StorageDelete("greeting"))
	v, err = api.StorageGet("greeting")
	require.NoError(t, err)
	assert.Nil(t, v)

	assert.Equal(t, []string{protocol.NotifyStorageSet, protocol.NotifyStorageDelete}, notifier.methods())
}

func TestStorageListSorted(t *testing.T) {
	state := grantedState(manifest.PermStorageRead, manifest.PermStorageWrite)
	api := apiFor(state, &fakeNotifier{})
	state.beginInvocation("inv-1")

	for _, k := range []string{"zebra", "alpha", "mid"} {
		require.NoError(t, api.StorageSet(k, 1))
	}

	keys, err := api.StorageList()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zebra"}, keys)
}

func TestStorageSetValueCeiling(t *testing.T) {
	state := grantedState(manifest.PermStorageWrite)
	api := apiFor(state, &fakeNotifier{})
	state.beginInvocation("inv-1")

	err := api.StorageSet("big", strings.Repeat("x", 2048))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ceiling")
}

func TestStaleInvocationMutationsDropped(t *testing.T) {
	state := grantedState(manifest.PermStorageRead, manifest.PermStorageWrite)
	notifier := &fakeNotifier{}
	api := apiFor(state, notifier)

	// The invocation this API belongs to already lost its timeout race.
	state.beginInvocation("inv-2")

	require.NoError(t, api.StorageSet("k", 1))
	require.NoError(t, api.StorageDelete("k"))
	require.NoError(t, api.Emit("out", 1))

	_, ok := state.storageGet("k")
	assert.False(t, ok, "stale write must not land")
	assert.Empty(t, notifier.methods(), "stale mutations must not reach the host")
}

func TestEmitNotifiesHost(t *testing.T) {
	state := grantedState()
	notifier := &fakeNotifier{}
	api := apiFor(state, notifier)
	state.beginInvocation("inv-1")

	require.NoError(t, api.Emit("pulse", map[string]any{"level": 3}))
	require.Equal(t, []string{protocol.NotifyEmit}, notifier.methods())

	// The notification names the node instance, not the invocation.
	p, ok := notifier.notices[0].params.(protocol.EmitParams)
	require.True(t, ok)
	assert.Equal(t, "node-1", p.NodeID)
	assert.Equal(t, "pulse", p.Output)
}

func TestHTTPRequestRequiresGrant(t *testing.T) {
	state := grantedState()
	api := apiFor(state, &fakeNotifier{})

	_, err := api.HTTPRequest(map[string]any{"url": "https://example.test"})
	var permErr *PermissionError
	require.ErrorAs(t, err, &permErr)
	assert.Equal(t, manifest.PermNetworkHTTP, permErr.Permission)
}

func TestHTTPRequestValidatesOptions(t *testing.T) {
	state := grantedState(manifest.PermNetworkHTTP)
	api := apiFor(state, &fakeNotifier{callResult: json.RawMessage(`{"status":204}`)})

	_, err := api.HTTPRequest(map[string]any{"method": "GET"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url")

	out, err := api.HTTPRequest(map[string]any{"url": "https://example.test"})
	require.NoError(t, err)
	result, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(204), result["status"])
}

func TestLogBufferFlushesAtCap(t *testing.T) {
	state := grantedState()
	notifier := &fakeNotifier{}
	api := newAPI(state, notifier, zap.NewNop(), "node-1", "inv-1", nil, 1024, 3)

	api.Log("info", "one")
	api.Log("info", "two")
	assert.Empty(t, notifier.methods(), "under the cap, nothing flushes")

	api.Log("info", "three")
	assert.Equal(t, []string{protocol.NotifyLogs}, notifier.methods())

	api.Log("warn", "four")
	entries := api.drainLogs()
	require.Len(t, entries, 1)
	assert.Equal(t, "four", entries[0].Message)
	assert.Equal(t, "inv-1", entries[0].InvocationID)
}

func TestLogDataTruncation(t *testing.T) {
	state := grantedState()
	api := apiFor(state, &fakeNotifier{})

	api.Log("info", "big payload", strings.Repeat("y", maxLogDataSize*2))
	entries := api.drainLogs()
	require.Len(t, entries, 1)
	assert.LessOrEqual(t, len(entries[0].Data), maxLogDataSize)
	assert.True(t, json.Valid(entries[0].Data), "truncated data must still be valid JSON")
}

func TestJSObjectShape(t *testing.T) {
	state := grantedState(manifest.PermStorageRead)
	api := apiFor(state, &fakeNotifier{})

	obj := api.jsObject(state.manifest)
	assert.Contains(t, obj, "storage")
	assert.Contains(t, obj, "log")
	assert.Contains(t, obj, "emit")
	assert.NotContains(t, obj, "http", "http namespace requires network.http")

	modInfo, ok := obj["mod"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "test-mod", modInfo["name"])

	granted := grantedState(manifest.PermNetworkHTTP)
	withHTTP := apiFor(granted, &fakeNotifier{}).jsObject(granted.manifest)
	assert.Contains(t, withHTTP, "http")
}
