package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"modhost/internal/manifest"
	"modhost/internal/protocol"
)

// Notifier is the slice of the protocol connection the Runtime API
// needs: fire-and-forget notifications plus host-delegated calls.
// *protocol.Conn satisfies it.
type Notifier interface {
	Notify(method string, params any) error
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// PermissionError is raised when mod code touches a capability it was
// not granted. Fatal to the call, never to the runner.
type PermissionError struct {
	Permission manifest.Permission
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: requires %s", e.Permission)
}

const (
	// maxLogDataSize caps the serialized data payload on one log entry.
	maxLogDataSize  = 4 * 1024
	httpCallTimeout = 30 * time.Second
)

// API is the capability-scoped surface injected into mod code. One API
// is built per invocation so log entries and the staleness guard are
// tied to exactly one call.
type API struct {
	state        *State
	notifier     Notifier
	logger       *zap.Logger
	nodeID       string
	invocationID string
	config       map[string]any

	maxValueSize int
	logs         *logBuffer
}

func newAPI(state *State, notifier Notifier, logger *zap.Logger, nodeID, invocationID string, config map[string]any, maxValueSize, logBufferCap int) *API {
	return &API{
		state:        state,
		notifier:     notifier,
		logger:       logger,
		nodeID:       nodeID,
		invocationID: invocationID,
		config:       config,
		maxValueSize: maxValueSize,
		logs:         newLogBuffer(invocationID, logBufferCap, notifier),
	}
}

// stale reports whether this API belongs to an invocation that already
// lost its timeout race. Stale mutations are dropped so an abandoned
// handler cannot corrupt later calls.
func (a *API) stale() bool {
	return a.invocationID != "" && !a.state.invocationCurrent(a.invocationID)
}

// StorageGet returns the stored value for key, or nil when absent.
func (a *API) StorageGet(key string) (any, error) {
	if !a.state.Granted(manifest.PermStorageRead) {
		return nil, &PermissionError{Permission: manifest.PermStorageRead}
	}
	raw, ok := a.state.storageGet(key)
	if !ok {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("stored value for %q is corrupt: %w", key, err)
	}
	return v, nil
}

// StorageSet stores a value and notifies the host so the durable store
// stays eventually consistent with the in-memory map.
func (a *API) StorageSet(key string, value any) error {
	if !a.state.Granted(manifest.PermStorageWrite) {
		return &PermissionError{Permission: manifest.PermStorageWrite}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("value for %q is not serializable: %w", key, err)
	}
	if len(raw) > a.maxValueSize {
		return fmt.Errorf("value for %q is %d bytes, over the %d byte ceiling", key, len(raw), a.maxValueSize)
	}
	if a.stale() {
		a.logger.Debug("dropping storage.set from abandoned invocation",
			zap.String("invocation", a.invocationID), zap.String("key", key))
		return nil
	}
	a.state.storageSet(key, raw)
	return a.notifier.Notify(protocol.NotifyStorageSet, protocol.StorageSetParams{Key: key, Value: raw})
}

// StorageDelete removes a key and notifies the host.
func (a *API) StorageDelete(key string) error {
	if !a.state.Granted(manifest.PermStorageWrite) {
		return &PermissionError{Permission: manifest.PermStorageWrite}
	}
	if a.stale() {
		a.logger.Debug("dropping storage.delete from abandoned invocation",
			zap.String("invocation", a.invocationID), zap.String("key", key))
		return nil
	}
	a.state.storageDelete(key)
	return a.notifier.Notify(protocol.NotifyStorageDelete, protocol.StorageDeleteParams{Key: key})
}

// StorageList returns the stored keys, sorted.
func (a *API) StorageList() ([]string, error) {
	if !a.state.Granted(manifest.PermStorageRead) {
		return nil, &PermissionError{Permission: manifest.PermStorageRead}
	}
	keys := a.state.storageKeys()
	sort.Strings(keys)
	return keys, nil
}

// Emit notifies the host that a named output port should propagate a
// value into the signal graph.
func (a *API) Emit(output string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("emitted value for %q is not serializable: %w", output, err)
	}
	if a.stale() {
		a.logger.Debug("dropping emit from abandoned invocation",
			zap.String("invocation", a.invocationID), zap.String("output", output))
		return nil
	}
	return a.notifier.Notify(protocol.NotifyEmit, protocol.EmitParams{
		NodeID: a.nodeID,
		Output: output,
		Value:  raw,
	})
}

// HTTPRequest delegates an outbound HTTP call to the host. The sandbox
// process never gets direct network access.
func (a *API) HTTPRequest(req map[string]any) (any, error) {
	if !a.state.Granted(manifest.PermNetworkHTTP) {
		return nil, &PermissionError{Permission: manifest.PermNetworkHTTP}
	}

	var params protocol.HTTPRequestParams
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("http request options not serializable: %w", err)
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("invalid http request options: %w", err)
	}
	if params.URL == "" {
		return nil, fmt.Errorf("http request requires a url")
	}
	if params.Method == "" {
		params.Method = "GET"
	}

	ctx, cancel := context.WithTimeout(context.Background(), httpCallTimeout)
	defer cancel()
	result, err := a.notifier.Call(ctx, protocol.MethodHTTPRequest, params)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("host returned malformed http result: %w", err)
	}
	return out, nil
}

// Log appends one structured entry to the bounded buffer. The data
// payload is serialized and truncated; a full buffer flushes to the
// host as a logs notification.
func (a *API) Log(level, message string, data ...any) {
	entry := protocol.LogEntry{
		Level:        level,
		Message:      message,
		Timestamp:    time.Now().UnixMilli(),
		InvocationID: a.invocationID,
	}
	if len(data) > 0 {
		payload := data[0]
		if len(data) > 1 {
			payload = data
		}
		if raw, err := json.Marshal(payload); err == nil {
			if len(raw) > maxLogDataSize {
				raw = append(raw[:maxLogDataSize-1], '"')
				// Truncation can break JSON; fall back to a quoted note.
				if !json.Valid(raw) {
					raw, _ = json.Marshal(fmt.Sprintf("(truncated %d byte payload)", maxLogDataSize))
				}
			}
			entry.Data = raw
		}
	}
	a.logs.append(entry)
}

// drainLogs returns buffered entries and resets the buffer. Called at
// the end of every run so the entries ride back on the response.
func (a *API) drainLogs() []protocol.LogEntry {
	return a.logs.drain()
}

// jsObject is the shape handed to mod code. Lowercase js-style names;
// the http namespace exists only when network.http was granted.
func (a *API) jsObject(m *manifest.Manifest) map[string]any {
	obj := map[string]any{
		"mod": map[string]any{
			"name":    m.Name,
			"version": m.Version,
		},
		"storage": map[string]any{
			"get":    a.StorageGet,
			"set":    a.StorageSet,
			"delete": a.StorageDelete,
			"list":   a.StorageList,
		},
		"log": map[string]any{
			"debug": func(msg string, data ...any) { a.Log("debug", msg, data...) },
			"info":  func(msg string, data ...any) { a.Log("info", msg, data...) },
			"warn":  func(msg string, data ...any) { a.Log("warn", msg, data...) },
			"error": func(msg string, data ...any) { a.Log("error", msg, data...) },
		},
		"emit":   a.Emit,
		"config": a.config,
	}
	if a.state.Granted(manifest.PermNetworkHTTP) {
		obj["http"] = map[string]any{
			"request": a.HTTPRequest,
		}
	}
	return obj
}

// logBuffer is a bounded buffer of pending log entries. Reaching the
// cap flushes the batch to the host immediately.
type logBuffer struct {
	invocationID string
	cap          int
	notifier     Notifier
	entries      []protocol.LogEntry
}

func newLogBuffer(invocationID string, cap int, notifier Notifier) *logBuffer {
	return &logBuffer{invocationID: invocationID, cap: cap, notifier: notifier}
}

func (b *logBuffer) append(entry protocol.LogEntry) {
	b.entries = append(b.entries, entry)
	if len(b.entries) >= b.cap {
		b.flush()
	}
}

func (b *logBuffer) flush() {
	if len(b.entries) == 0 {
		return
	}
	_ = b.notifier.Notify(protocol.NotifyLogs, protocol.LogsParams{Entries: b.entries})
	b.entries = nil
}

func (b *logBuffer) drain() []protocol.LogEntry {
	out := b.entries
	b.entries = nil
	return out
}
