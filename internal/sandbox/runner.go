package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"modhost/internal/manifest"
	"modhost/internal/protocol"
)

// Options tunes one runner instance.
type Options struct {
	// DefaultRunTimeout applies when a run call carries no timeout.
	DefaultRunTimeout time.Duration
	// InitTimeout bounds module load plus the init hook.
	InitTimeout time.Duration
	// MaxStorageValueSize caps one serialized storage value.
	MaxStorageValueSize int
	// LogBufferCap is the pending-log buffer size before a flush.
	LogBufferCap int
	// ExitDelay is how long after answering unload the process lives,
	// guaranteeing the response reaches the host first.
	ExitDelay time.Duration
	// InterruptGrace bounds the wait for an interrupted handler to
	// settle before it is abandoned outright.
	InterruptGrace time.Duration
}

// DefaultOptions are the production settings.
func DefaultOptions() Options {
	return Options{
		DefaultRunTimeout:   5 * time.Second,
		InitTimeout:         10 * time.Second,
		MaxStorageValueSize: 64 * 1024,
		LogBufferCap:        100,
		ExitDelay:           100 * time.Millisecond,
		InterruptGrace:      time.Second,
	}
}

// Runner serves one mod's lifecycle over a protocol connection:
// uninitialized -> initialized -> (executing)* -> unloading ->
// terminated. Exactly one mod module is ever loaded.
type Runner struct {
	conn   *protocol.Conn
	loader ModuleLoader
	logger *zap.Logger
	opts   Options
	state  *State

	// runMu serializes module hook execution; mod logic is single
	// threaded even though requests arrive concurrently.
	runMu sync.Mutex

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewRunner wires a runner onto conn and registers its handlers. Call
// Serve to start.
func NewRunner(conn *protocol.Conn, loader ModuleLoader, logger *zap.Logger, opts Options) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		conn:     conn,
		loader:   loader,
		logger:   logger,
		opts:     opts,
		state:    NewState(),
		shutdown: make(chan struct{}),
	}
	conn.Handle(protocol.MethodInit, r.handleInit)
	conn.Handle(protocol.MethodRun, r.handleRun)
	conn.Handle(protocol.MethodUnload, r.handleUnload)
	conn.Handle(protocol.MethodPing, r.handlePing)
	conn.Handle(protocol.MethodGetNodeTypes, r.handleGetNodeTypes)
	return r
}

// Serve starts the connection, announces readiness, and blocks until
// unload completes or the connection drops.
func (r *Runner) Serve() error {
	r.conn.Start()
	if err := r.conn.Notify(protocol.NotifyReady, nil); err != nil {
		return fmt.Errorf("announce ready: %w", err)
	}

	select {
	case <-r.shutdown:
		_ = r.conn.Close(nil)
		return nil
	case <-r.conn.Done():
		err := r.conn.Err()
		if errors.Is(err, protocol.ErrConnClosed) {
			return nil
		}
		return err
	}
}

// Fatal reports an unrecoverable runner error to the host and begins
// shutdown. The runner does not try to self-heal.
func (r *Runner) Fatal(err error) {
	r.logger.Error("fatal runner error", zap.Error(err))
	_ = r.conn.Notify(protocol.NotifyFatalError, protocol.FatalErrorParams{Message: err.Error()})
	r.shutdownOnce.Do(func() { close(r.shutdown) })
}

func (r *Runner) handleInit(_ context.Context, params json.RawMessage) (any, *protocol.Error) {
	var p protocol.InitParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, fmt.Sprintf("bad init params: %v", err), nil)
	}

	r.state.mu.Lock()
	if r.state.initialized {
		r.state.mu.Unlock()
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "runner already initialized", nil)
	}
	m := p.Manifest
	r.state.modPath = p.ModPath
	r.state.manifest = &m
	r.state.permissions = make(map[manifest.Permission]bool, len(p.Permissions))
	for _, perm := range p.Permissions {
		r.state.permissions[perm] = true
	}
	for k, v := range p.Storage {
		r.state.storage[k] = v
	}
	r.state.mu.Unlock()

	r.runMu.Lock()
	defer r.runMu.Unlock()

	module, err := r.loader.Load(p.ModPath, &m)
	if err != nil {
		r.resetUninitialized()
		return nil, protocol.NewError(protocol.CodeExecutionError, fmt.Sprintf("load module: %v", err), nil)
	}

	api := r.newAPI("", "", nil)
	if err := r.raceHook(module, func() error { return module.Init(api) }, r.opts.InitTimeout); err != nil {
		r.resetUninitialized()
		return nil, protocol.NewError(protocol.CodeExecutionError, fmt.Sprintf("init hook: %v", err), nil)
	}

	nodeTypes := module.NodeTypes()
	if nodeTypes == nil {
		nodeTypes = m.NodeTypeIDs()
	} else if len(m.NodeTypes) > 0 && !sameIDSet(nodeTypes, m.NodeTypeIDs()) {
		r.logger.Warn("module node types differ from manifest",
			zap.Strings("module", nodeTypes), zap.Strings("manifest", m.NodeTypeIDs()))
	}

	r.state.mu.Lock()
	r.state.module = module
	r.state.nodeTypes = nodeTypes
	r.state.initialized = true
	r.state.mu.Unlock()

	r.logger.Info("mod initialized",
		zap.String("mod", m.Name), zap.Strings("nodeTypes", nodeTypes))
	return protocol.InitResult{NodeTypes: nodeTypes}, nil
}

// resetUninitialized clears partial init state; the runner must not
// continue half-initialized.
func (r *Runner) resetUninitialized() {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	r.state.modPath = ""
	r.state.manifest = nil
	r.state.module = nil
	r.state.permissions = make(map[manifest.Permission]bool)
	r.state.storage = make(map[string]json.RawMessage)
	r.state.initialized = false
}

func (r *Runner) handleRun(_ context.Context, params json.RawMessage) (any, *protocol.Error) {
	if !r.state.Initialized() {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "runner not initialized", nil)
	}

	var p protocol.RunParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, fmt.Sprintf("bad run params: %v", err), nil)
	}

	timeout := r.opts.DefaultRunTimeout
	if p.Context.TimeoutMs > 0 {
		timeout = time.Duration(p.Context.TimeoutMs) * time.Millisecond
	}
	invocationID := p.Context.InvocationID
	if invocationID == "" {
		invocationID = uuid.NewString()
	}

	r.state.mu.Lock()
	module := r.state.module
	m := r.state.manifest
	r.state.mu.Unlock()

	call := Call{
		NodeID:   p.NodeID,
		NodeType: p.NodeType,
		Inputs:   decodeRawMap(p.Inputs),
		Config:   r.mergeConfig(m, p.NodeType, p.Config),
	}

	r.runMu.Lock()
	defer r.runMu.Unlock()

	r.state.beginInvocation(invocationID)
	defer r.state.endInvocation(invocationID)

	api := r.newAPI(p.NodeID, invocationID, call.Config)
	start := time.Now()

	type outcome struct {
		outputs map[string]json.RawMessage
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		outputs, err := module.Run(call, api)
		done <- outcome{outputs: outputs, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		logs := api.drainLogs()
		if out.err != nil {
			r.logger.Debug("run failed",
				zap.String("invocation", invocationID), zap.Error(out.err))
			return nil, protocol.NewError(protocol.CodeExecutionError, out.err.Error(), nil)
		}
		return protocol.RunResult{
			Outputs:    out.outputs,
			Logs:       logs,
			DurationMs: time.Since(start).Milliseconds(),
		}, nil

	case <-timer.C:
		// Losing the race marks the invocation stale first so any
		// mutation the dying handler still attempts is dropped.
		r.state.endInvocation(invocationID)
		module.Interrupt("timeout")

		select {
		case out := <-done:
			// Discarded, not awaited by the caller.
			r.logger.Debug("abandoned handler settled after interrupt",
				zap.String("invocation", invocationID), zap.Error(out.err))
		case <-time.After(r.opts.InterruptGrace):
			r.logger.Warn("abandoned handler did not settle; leaking it",
				zap.String("invocation", invocationID))
		}

		api.logs.flush()
		return nil, protocol.NewError(protocol.CodeExecutionError,
			fmt.Sprintf("node execution timed out after %v", timeout),
			protocol.TimeoutData{TimeoutMs: timeout.Milliseconds()})
	}
}

func (r *Runner) handleUnload(_ context.Context, _ json.RawMessage) (any, *protocol.Error) {
	r.state.mu.Lock()
	if r.state.shutdownRequested {
		r.state.mu.Unlock()
		return map[string]bool{"unloaded": true}, nil
	}
	if !r.state.initialized {
		r.state.mu.Unlock()
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "runner not initialized", nil)
	}
	r.state.shutdownRequested = true
	module := r.state.module
	r.state.mu.Unlock()

	r.runMu.Lock()
	api := r.newAPI("", "", nil)
	if err := r.raceHook(module, func() error { return module.Cleanup(api) }, r.opts.DefaultRunTimeout); err != nil {
		r.logger.Warn("cleanup hook failed", zap.Error(err))
	}
	api.logs.flush()
	r.runMu.Unlock()

	// Reply first, then die: the response is written by the caller
	// after this handler returns, well inside the exit delay.
	time.AfterFunc(r.opts.ExitDelay, func() {
		r.shutdownOnce.Do(func() { close(r.shutdown) })
	})

	return map[string]bool{"unloaded": true}, nil
}

func (r *Runner) handlePing(_ context.Context, _ json.RawMessage) (any, *protocol.Error) {
	return protocol.PingResult{
		Initialized: r.state.Initialized(),
		Mod:         r.state.ModName(),
		UptimeMs:    r.state.Uptime().Milliseconds(),
	}, nil
}

func (r *Runner) handleGetNodeTypes(_ context.Context, _ json.RawMessage) (any, *protocol.Error) {
	if !r.state.Initialized() {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "runner not initialized", nil)
	}
	r.state.mu.Lock()
	nodeTypes := append([]string(nil), r.state.nodeTypes...)
	r.state.mu.Unlock()
	return protocol.NodeTypesResult{NodeTypes: nodeTypes}, nil
}

func (r *Runner) newAPI(nodeID, invocationID string, config map[string]any) *API {
	return newAPI(r.state, r.conn, r.logger, nodeID, invocationID, config,
		r.opts.MaxStorageValueSize, r.opts.LogBufferCap)
}

// raceHook runs a lifecycle hook against a deadline, interrupting the
// module when it fires.
func (r *Runner) raceHook(module Module, hook func() error, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- hook() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		module.Interrupt("timeout")
		select {
		case <-done:
		case <-time.After(r.opts.InterruptGrace):
		}
		return fmt.Errorf("hook timed out after %v", timeout)
	}
}

// mergeConfig overlays the caller's config on the node type's declared
// defaults.
func (r *Runner) mergeConfig(m *manifest.Manifest, nodeType string, overrides map[string]json.RawMessage) map[string]any {
	merged := make(map[string]any)
	if m != nil {
		if nt, ok := m.NodeTypeByID(nodeType); ok {
			for k, v := range decodeRawMap(nt.DefaultConfig) {
				merged[k] = v
			}
		}
	}
	for k, v := range decodeRawMap(overrides) {
		merged[k] = v
	}
	return merged
}

// sameIDSet reports whether two id lists name the same set, order
// aside. Duplicate ids are rejected by manifest validation upstream.
func sameIDSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	for _, id := range b {
		if !set[id] {
			return false
		}
	}
	return true
}

// decodeRawMap never returns nil: inputs and config must reach mod
// code as objects so property guards like call.inputs.x do not throw.
func decodeRawMap(raw map[string]json.RawMessage) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			decoded = string(v)
		}
		out[k] = decoded
	}
	return out
}
