// Package protocol implements the JSON-RPC 2.0 message exchange between
// the mod loader (host) and sandbox runner processes. The protocol is
// symmetric: either side may issue requests and notifications. Framing
// is one JSON object per line over any io.ReadWriteCloser.
package protocol

import "encoding/json"

// Version is the JSON-RPC protocol version carried on every message.
const Version = "2.0"

// JSON-RPC error codes. The negative range follows the JSON-RPC 2.0
// convention; -32000 is used for mod execution failures.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeExecutionError = -32000
)

// Methods sent host -> runner.
const (
	MethodInit         = "init"
	MethodRun          = "run"
	MethodUnload       = "unload"
	MethodPing         = "ping"
	MethodGetNodeTypes = "getNodeTypes"
)

// Methods and notifications sent runner -> host.
const (
	MethodHTTPRequest   = "http.request"
	NotifyReady         = "ready"
	NotifyStorageSet    = "storage.set"
	NotifyStorageDelete = "storage.delete"
	NotifyLogs          = "logs"
	NotifyEmit          = "emit"
	NotifyFatalError    = "error"
)

// Message is the wire shape of every protocol frame. A frame with an
// ID and a Method is a request; an ID without a Method is a response;
// a Method without an ID is a notification.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsRequest reports whether the frame expects a response.
func (m *Message) IsRequest() bool { return m.ID != "" && m.Method != "" }

// IsResponse reports whether the frame answers an earlier request.
func (m *Message) IsResponse() bool { return m.ID != "" && m.Method == "" }

// IsNotification reports whether the frame is fire-and-forget.
func (m *Message) IsNotification() bool { return m.ID == "" && m.Method != "" }

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// NewError builds an Error with optional structured data. Data that
// fails to marshal is dropped rather than failing the response path.
func NewError(code int, message string, data any) *Error {
	e := &Error{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return e
}

// TimeoutData is the structured payload attached to timeout errors.
type TimeoutData struct {
	TimeoutMs int64 `json:"timeout"`
}

// IsTimeout reports whether err is a protocol error carrying timeout data.
func IsTimeout(err error) bool {
	rpcErr, ok := err.(*Error)
	if !ok || len(rpcErr.Data) == 0 {
		return false
	}
	var td TimeoutData
	return json.Unmarshal(rpcErr.Data, &td) == nil && td.TimeoutMs > 0
}
