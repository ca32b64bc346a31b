package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrConnClosed is the close reason when the peer disconnected cleanly
// (EOF) or Close was called without a more specific error.
var ErrConnClosed = errors.New("protocol: connection closed")

// maxFrameSize bounds a single JSON frame on the wire.
const maxFrameSize = 4 * 1024 * 1024

// Handler serves one request method. A non-nil *Error becomes the
// error object of the response; otherwise the returned value is
// marshaled as the result.
type Handler func(ctx context.Context, params json.RawMessage) (any, *Error)

// NotifyHandler consumes one notification. Notifications are delivered
// synchronously from the reader loop so their relative order is
// preserved; handlers must not issue Calls on the same Conn.
type NotifyHandler func(params json.RawMessage)

// Conn is a symmetric JSON-RPC connection over a line-framed byte
// channel. Both peers can initiate requests; correlation is strictly
// by request id, never by arrival order.
type Conn struct {
	rwc    io.ReadWriteCloser
	logger *zap.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan *Message
	handlers map[string]Handler
	notifies map[string]NotifyHandler
	closed   bool
	closeErr error

	done chan struct{}
	wg   sync.WaitGroup
}

// NewConn wraps rwc. Register handlers, then call Start to begin
// reading frames.
func NewConn(rwc io.ReadWriteCloser, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		rwc:      rwc,
		logger:   logger,
		pending:  make(map[string]chan *Message),
		handlers: make(map[string]Handler),
		notifies: make(map[string]NotifyHandler),
		done:     make(chan struct{}),
	}
}

// Handle registers the handler for a request method.
func (c *Conn) Handle(method string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = h
}

// OnNotify registers the handler for a notification method.
func (c *Conn) OnNotify(method string, h NotifyHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifies[method] = h
}

// Start launches the reader loop.
func (c *Conn) Start() {
	c.wg.Add(1)
	go c.readLoop()
}

// Done is closed when the connection is torn down for any reason.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the close reason, or nil while the connection is live.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		return nil
	}
	return c.closeErr
}

// Pending returns the number of in-flight outbound requests.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Call sends a request and waits for the matching response, the
// context deadline, or connection teardown, whichever comes first. A
// response arriving after the caller gave up is dropped by the reader.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := uuid.NewString()

	ch := make(chan *Message, 1)
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(&Message{JSONRPC: Version, ID: id, Method: method}, params); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.done:
		c.forget(id)
		c.mu.Lock()
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
}

// Notify sends a fire-and-forget notification.
func (c *Conn) Notify(method string, params any) error {
	return c.send(&Message{JSONRPC: Version, Method: method}, params)
}

// Close tears the connection down. Every pending call is rejected with
// reason (ErrConnClosed when reason is nil). Close is idempotent; only
// the first reason is kept.
func (c *Conn) Close(reason error) error {
	if reason == nil {
		reason = ErrConnClosed
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeErr = reason
	c.pending = make(map[string]chan *Message)
	c.mu.Unlock()

	close(c.done)
	err := c.rwc.Close()
	c.wg.Wait()
	return err
}

func (c *Conn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) send(msg *Message, params any) error {
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params for %s: %w", msg.Method, err)
		}
		msg.Params = raw
	}
	return c.write(msg)
}

func (c *Conn) write(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.rwc.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Conn) readLoop() {
	defer c.wg.Done()

	scanner := bufio.NewScanner(c.rwc)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("dropping unparsable frame", zap.Error(err))
			continue
		}

		switch {
		case msg.IsRequest():
			go c.serveRequest(&msg)
		case msg.IsResponse():
			c.dispatchResponse(&msg)
		case msg.IsNotification():
			c.dispatchNotification(&msg)
		default:
			c.logger.Warn("dropping frame with neither id nor method")
		}
	}

	readErr := scanner.Err()
	if readErr == nil {
		readErr = ErrConnClosed
	} else {
		// Keep the sentinel matchable with errors.Is whatever the
		// transport reported.
		readErr = fmt.Errorf("%w: %v", ErrConnClosed, readErr)
	}

	// Reject everything still in flight, then mark closed. Close waits
	// on wg, so teardown initiated here must not call Close directly.
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.closeErr = readErr
		c.pending = make(map[string]chan *Message)
		c.mu.Unlock()
		close(c.done)
		_ = c.rwc.Close()
		return
	}
	c.mu.Unlock()
}

func (c *Conn) serveRequest(req *Message) {
	c.mu.Lock()
	h, ok := c.handlers[req.Method]
	c.mu.Unlock()

	resp := &Message{JSONRPC: Version, ID: req.ID}
	if !ok {
		resp.Error = NewError(CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
		_ = c.write(resp)
		return
	}

	result, rpcErr := c.invoke(h, req)
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = NewError(CodeInternalError, fmt.Sprintf("marshal result: %v", err), nil)
		} else {
			resp.Result = raw
		}
	}
	_ = c.write(resp)
}

// invoke runs a handler, converting a panic into an internal error so
// one bad request cannot kill the reader side of the process.
func (c *Conn) invoke(h Handler, req *Message) (result any, rpcErr *Error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked",
				zap.String("method", req.Method), zap.Any("panic", r))
			rpcErr = NewError(CodeInternalError, fmt.Sprintf("handler panic: %v", r), nil)
		}
	}()
	return h(context.Background(), req.Params)
}

func (c *Conn) dispatchResponse(msg *Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		// Routine after a caller timed out and abandoned the id.
		c.logger.Debug("dropping response for unknown id", zap.String("id", msg.ID))
		return
	}
	ch <- msg
}

func (c *Conn) dispatchNotification(msg *Message) {
	c.mu.Lock()
	h, ok := c.notifies[msg.Method]
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping unhandled notification", zap.String("method", msg.Method))
		return
	}
	h(msg.Params)
}
