package protocol

import (
	"encoding/json"

	"modhost/internal/manifest"
)

// InitParams initializes a freshly spawned runner with everything it
// needs to load exactly one mod.
type InitParams struct {
	ModPath     string                     `json:"modPath"`
	Manifest    manifest.Manifest          `json:"manifest"`
	Permissions []manifest.Permission      `json:"permissions"`
	Storage     map[string]json.RawMessage `json:"storage,omitempty"`
}

// InitResult reports the node types the loaded module exposes.
type InitResult struct {
	NodeTypes []string `json:"nodeTypes"`
}

// RunParams executes one node invocation inside the runner.
type RunParams struct {
	NodeID   string                     `json:"nodeId"`
	NodeType string                     `json:"nodeType"`
	Inputs   map[string]json.RawMessage `json:"inputs,omitempty"`
	Config   map[string]json.RawMessage `json:"config,omitempty"`
	Context  RunContext                 `json:"context"`
}

// RunContext carries per-call execution settings.
type RunContext struct {
	InvocationID string `json:"invocationId"`
	TimeoutMs    int64  `json:"timeout,omitempty"`
}

// RunResult is the successful outcome of a run call.
type RunResult struct {
	Outputs    map[string]json.RawMessage `json:"outputs,omitempty"`
	Logs       []LogEntry                 `json:"logs,omitempty"`
	DurationMs int64                      `json:"duration"`
}

// PingResult reports runner health regardless of lifecycle state.
type PingResult struct {
	Initialized bool   `json:"initialized"`
	Mod         string `json:"mod,omitempty"`
	UptimeMs    int64  `json:"uptime"`
}

// NodeTypesResult answers getNodeTypes.
type NodeTypesResult struct {
	NodeTypes []string `json:"nodeTypes"`
}

// LogEntry is one structured log line produced by mod code.
type LogEntry struct {
	Level        string          `json:"level"`
	Message      string          `json:"message"`
	Data         json.RawMessage `json:"data,omitempty"`
	Timestamp    int64           `json:"ts"`
	InvocationID string          `json:"invocationId,omitempty"`
}

// LogsParams is the batch payload of a logs notification.
type LogsParams struct {
	Entries []LogEntry `json:"entries"`
}

// StorageSetParams announces a storage write for host-side persistence.
type StorageSetParams struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// StorageDeleteParams announces a storage deletion.
type StorageDeleteParams struct {
	Key string `json:"key"`
}

// EmitParams propagates a value out of a named output port.
type EmitParams struct {
	NodeID string          `json:"nodeId"`
	Output string          `json:"output"`
	Value  json.RawMessage `json:"value"`
}

// FatalErrorParams reports an error the runner cannot survive. The
// process exits shortly after sending it.
type FatalErrorParams struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// HTTPRequestParams is a runner -> host delegation of an outbound HTTP
// call; the sandbox never dials the network itself.
type HTTPRequestParams struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// HTTPRequestResult is the host's answer to a delegated HTTP call.
type HTTPRequestResult struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body"`
}
