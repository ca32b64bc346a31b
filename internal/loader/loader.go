// Package loader is the host side of the mod runtime: it validates
// packages, spawns one sandbox runner process per active mod, routes
// node executions to the owning runner, and contains failures so one
// crashing mod never takes down its neighbors or the host.
package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"modhost/internal/manifest"
	"modhost/internal/protocol"
)

// Status is one mod's lifecycle state as tracked by the loader.
type Status string

const (
	StatusInstalled Status = "installed"
	StatusLoading   Status = "loading"
	StatusActive    Status = "active"
	StatusError     Status = "error"
	StatusDisabled  Status = "disabled"
	StatusUpdating  Status = "updating"
)

// LoadedMod is the host-side record for one installed mod. It is owned
// exclusively by the Loader and mutated only on lifecycle transitions.
type LoadedMod struct {
	Manifest  *manifest.Manifest
	Path      string
	Hash      string
	Status    Status
	NodeTypes []string
	LoadedAt  time.Time
	LastError string

	handle    *RunnerHandle
	unloading bool
}

// Options tunes the loader.
type Options struct {
	HostVersion       string
	SkipIntegrity     bool
	Keyring           *manifest.Keyring
	InitTimeout       time.Duration
	DefaultRunTimeout time.Duration
	// CallGrace pads the host-side timer past the runner's own race so
	// the in-process enforcer normally wins and returns richer errors;
	// the host timer only fires for a wedged or dead runner.
	CallGrace     time.Duration
	UnloadTimeout time.Duration
}

// DefaultOptions are the production settings.
func DefaultOptions() Options {
	return Options{
		InitTimeout:       15 * time.Second,
		DefaultRunTimeout: 5 * time.Second,
		CallGrace:         2 * time.Second,
		UnloadTimeout:     5 * time.Second,
	}
}

// EmitFunc receives output values mods emit toward the signal graph.
type EmitFunc func(mod string, emit protocol.EmitParams)

// Loader supervises all runner processes.
type Loader struct {
	spawner Spawner
	store   *Store
	broker  *HTTPBroker
	logger  *zap.Logger
	opts    Options

	mu   sync.Mutex
	mods map[string]*LoadedMod
	emit EmitFunc
}

// New builds a Loader. store may be nil (storage deltas are then kept
// only in runner memory); broker may be nil (http.request delegation
// is then rejected).
func New(spawner Spawner, store *Store, broker *HTTPBroker, logger *zap.Logger, opts Options) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		spawner: spawner,
		store:   store,
		broker:  broker,
		logger:  logger,
		opts:    opts,
		mods:    make(map[string]*LoadedMod),
	}
}

// OnEmit registers the sink for mod-emitted output values.
func (l *Loader) OnEmit(fn EmitFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emit = fn
}

// Install validates the package at dir and records it. A package that
// fails validation is never installed and never spawned.
func (l *Loader) Install(dir string) (*LoadedMod, error) {
	res := manifest.ValidateMod(dir, manifest.Options{
		SkipIntegrity: l.opts.SkipIntegrity,
		HostVersion:   l.opts.HostVersion,
		Keyring:       l.opts.Keyring,
	})
	if !res.Valid {
		return nil, &ValidationFailedError{Dir: dir, Reason: res.FirstError()}
	}

	mod := &LoadedMod{
		Manifest: res.Manifest,
		Path:     dir,
		Hash:     res.Hash,
		Status:   StatusInstalled,
	}

	l.mu.Lock()
	l.mods[res.Manifest.Name] = mod
	l.mu.Unlock()

	l.logger.Info("mod installed",
		zap.String("mod", res.Manifest.Name),
		zap.String("version", res.Manifest.Version),
		zap.String("hash", res.Hash))
	return mod, nil
}

// Load spawns a runner for an installed mod and initializes it.
func (l *Loader) Load(ctx context.Context, name string) error {
	l.mu.Lock()
	mod, ok := l.mods[name]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrModNotFound, name)
	}
	switch mod.Status {
	case StatusDisabled:
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrModDisabled, name)
	case StatusActive, StatusLoading:
		l.mu.Unlock()
		return nil
	}
	mod.Status = StatusLoading
	mod.LastError = ""
	m := mod.Manifest
	path := mod.Path
	l.mu.Unlock()

	handle, err := l.spawner.Spawn(name)
	if err != nil {
		l.failMod(name, fmt.Errorf("spawn runner: %w", err))
		return err
	}

	l.wireRunner(name, handle)
	handle.Conn.Start()

	var snapshot map[string]json.RawMessage
	if l.store != nil {
		if snapshot, err = l.store.Snapshot(name); err != nil {
			l.logger.Warn("storage snapshot unavailable",
				zap.String("mod", name), zap.Error(err))
		}
	}

	initCtx, cancel := context.WithTimeout(ctx, l.opts.InitTimeout)
	defer cancel()

	raw, err := handle.Conn.Call(initCtx, protocol.MethodInit, protocol.InitParams{
		ModPath:     path,
		Manifest:    *m,
		Permissions: m.Permissions,
		Storage:     snapshot,
	})
	if err != nil {
		_ = handle.Kill()
		_ = handle.Conn.Close(err)
		l.failMod(name, fmt.Errorf("init: %w", err))
		return fmt.Errorf("init mod %s: %w", name, err)
	}

	var initRes protocol.InitResult
	if err := json.Unmarshal(raw, &initRes); err != nil {
		_ = handle.Kill()
		_ = handle.Conn.Close(err)
		l.failMod(name, fmt.Errorf("malformed init result: %w", err))
		return fmt.Errorf("init mod %s: malformed result: %w", name, err)
	}

	l.mu.Lock()
	mod.Status = StatusActive
	mod.NodeTypes = initRes.NodeTypes
	mod.LoadedAt = time.Now()
	mod.handle = handle
	mod.unloading = false
	l.mu.Unlock()

	go l.superviseRunner(name, handle)

	l.logger.Info("mod active",
		zap.String("mod", name),
		zap.Int("pid", handle.PID),
		zap.Strings("nodeTypes", initRes.NodeTypes))
	return nil
}

// wireRunner registers the host-side handlers for runner-initiated
// traffic before the connection starts reading.
func (l *Loader) wireRunner(name string, handle *RunnerHandle) {
	conn := handle.Conn

	conn.OnNotify(protocol.NotifyReady, func(json.RawMessage) {
		l.logger.Debug("runner ready", zap.String("mod", name), zap.Int("pid", handle.PID))
	})

	conn.OnNotify(protocol.NotifyStorageSet, func(params json.RawMessage) {
		var p protocol.StorageSetParams
		if err := json.Unmarshal(params, &p); err != nil {
			l.logger.Warn("bad storage.set payload", zap.String("mod", name), zap.Error(err))
			return
		}
		if l.store != nil {
			if err := l.store.Set(name, p.Key, p.Value); err != nil {
				l.logger.Error("storage persist failed",
					zap.String("mod", name), zap.String("key", p.Key), zap.Error(err))
			}
		}
	})

	conn.OnNotify(protocol.NotifyStorageDelete, func(params json.RawMessage) {
		var p protocol.StorageDeleteParams
		if err := json.Unmarshal(params, &p); err != nil {
			l.logger.Warn("bad storage.delete payload", zap.String("mod", name), zap.Error(err))
			return
		}
		if l.store != nil {
			if err := l.store.Delete(name, p.Key); err != nil {
				l.logger.Error("storage delete failed",
					zap.String("mod", name), zap.String("key", p.Key), zap.Error(err))
			}
		}
	})

	conn.OnNotify(protocol.NotifyLogs, func(params json.RawMessage) {
		var p protocol.LogsParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		l.writeModLogs(name, p.Entries)
	})

	conn.OnNotify(protocol.NotifyEmit, func(params json.RawMessage) {
		var p protocol.EmitParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		l.mu.Lock()
		sink := l.emit
		l.mu.Unlock()
		if sink != nil {
			sink(name, p)
		}
	})

	conn.OnNotify(protocol.NotifyFatalError, func(params json.RawMessage) {
		var p protocol.FatalErrorParams
		_ = json.Unmarshal(params, &p)
		l.logger.Error("runner reported fatal error",
			zap.String("mod", name), zap.String("message", p.Message))
	})

	conn.Handle(protocol.MethodHTTPRequest, func(ctx context.Context, params json.RawMessage) (any, *protocol.Error) {
		if l.broker == nil {
			return nil, protocol.NewError(protocol.CodeExecutionError, "http delegation is not configured", nil)
		}
		var p protocol.HTTPRequestParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, protocol.NewError(protocol.CodeInvalidParams, fmt.Sprintf("bad http.request params: %v", err), nil)
		}
		result, err := l.broker.Do(ctx, name, p)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeExecutionError, err.Error(), nil)
		}
		return result, nil
	})
}

// superviseRunner watches one handle and reacts to its death.
func (l *Loader) superviseRunner(name string, handle *RunnerHandle) {
	select {
	case <-handle.Exited():
	case <-handle.Conn.Done():
	}

	l.mu.Lock()
	mod, ok := l.mods[name]
	if !ok || mod.handle != handle {
		l.mu.Unlock()
		return
	}
	unloading := mod.unloading
	mod.handle = nil
	if unloading {
		if mod.Status != StatusUpdating && mod.Status != StatusDisabled {
			mod.Status = StatusInstalled
		}
	} else {
		mod.Status = StatusError
		mod.LastError = "runner crashed"
	}
	l.mu.Unlock()

	if unloading {
		_ = handle.Conn.Close(nil)
		l.logger.Info("runner stopped", zap.String("mod", name))
		return
	}

	// Crash: reject everything still in flight with the crash kind and
	// make sure the process is gone.
	crashErr := &RunnerCrashedError{Mod: name, Err: handle.Conn.Err()}
	_ = handle.Conn.Close(crashErr)
	_ = handle.Kill()
	l.logger.Error("runner crashed",
		zap.String("mod", name), zap.Int("pid", handle.PID))
}

// Run routes one node execution to the runner owning the mod. The
// host-side timer is the second line of defense behind the runner's
// own timeout race; either firing first wins and the loser's eventual
// result is discarded.
func (l *Loader) Run(ctx context.Context, name, nodeID, nodeType string, inputs, config map[string]json.RawMessage) (*protocol.RunResult, error) {
	l.mu.Lock()
	mod, ok := l.mods[name]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrModNotFound, name)
	}
	if mod.Status != StatusActive || mod.handle == nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s (status %s)", ErrModNotActive, name, mod.Status)
	}
	handle := mod.handle
	l.mu.Unlock()

	timeout := l.opts.DefaultRunTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout+l.opts.CallGrace)
	defer cancel()

	params := protocol.RunParams{
		NodeID:   nodeID,
		NodeType: nodeType,
		Inputs:   inputs,
		Config:   config,
		Context: protocol.RunContext{
			InvocationID: uuid.NewString(),
			TimeoutMs:    timeout.Milliseconds(),
		},
	}

	raw, err := handle.Conn.Call(callCtx, protocol.MethodRun, params)
	if err != nil {
		return nil, l.mapCallError(name, err)
	}

	var result protocol.RunResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("malformed run result from %s: %w", name, err)
	}
	l.writeModLogs(name, result.Logs)
	return &result, nil
}

// Ping probes a mod's runner regardless of its lifecycle state.
func (l *Loader) Ping(ctx context.Context, name string) (*protocol.PingResult, error) {
	l.mu.Lock()
	mod, ok := l.mods[name]
	if !ok || mod.handle == nil {
		l.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrModNotFound, name)
		}
		return nil, fmt.Errorf("%w: %s", ErrModNotActive, name)
	}
	handle := mod.handle
	l.mu.Unlock()

	raw, err := handle.Conn.Call(ctx, protocol.MethodPing, nil)
	if err != nil {
		return nil, l.mapCallError(name, err)
	}
	var result protocol.PingResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("malformed ping result from %s: %w", name, err)
	}
	return &result, nil
}

// Unload stops a mod's runner. Idempotent: unloading a mod with no
// live runner is a no-op, not an error.
func (l *Loader) Unload(ctx context.Context, name string) error {
	l.mu.Lock()
	mod, ok := l.mods[name]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrModNotFound, name)
	}
	handle := mod.handle
	if handle == nil {
		if mod.Status == StatusActive || mod.Status == StatusLoading {
			mod.Status = StatusInstalled
		}
		l.mu.Unlock()
		return nil
	}
	mod.unloading = true
	l.mu.Unlock()

	unloadCtx, cancel := context.WithTimeout(ctx, l.opts.UnloadTimeout)
	defer cancel()

	if _, err := handle.Conn.Call(unloadCtx, protocol.MethodUnload, nil); err != nil {
		l.logger.Warn("unload call failed; killing runner",
			zap.String("mod", name), zap.Error(err))
		_ = handle.Kill()
	}

	// The runner self-terminates shortly after answering; give it the
	// grace period before forcing the issue.
	select {
	case <-handle.Exited():
	case <-time.After(l.opts.UnloadTimeout):
		_ = handle.Kill()
	}

	l.mu.Lock()
	if mod.handle == handle {
		mod.handle = nil
	}
	if mod.Status == StatusActive || mod.Status == StatusLoading {
		mod.Status = StatusInstalled
	}
	l.mu.Unlock()

	_ = handle.Conn.Close(nil)
	return nil
}

// Disable manually disables a mod, unloading it first if active.
func (l *Loader) Disable(ctx context.Context, name string) error {
	l.mu.Lock()
	mod, ok := l.mods[name]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrModNotFound, name)
	}
	hasRunner := mod.handle != nil
	mod.Status = StatusDisabled
	l.mu.Unlock()

	if hasRunner {
		return l.Unload(ctx, name)
	}
	return nil
}

// Enable re-enables a disabled mod, leaving it installed but unloaded.
func (l *Loader) Enable(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	mod, ok := l.mods[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrModNotFound, name)
	}
	if mod.Status == StatusDisabled {
		mod.Status = StatusInstalled
	}
	return nil
}

// Reload handles an upgraded package: unload, re-validate, load.
func (l *Loader) Reload(ctx context.Context, name string) error {
	l.mu.Lock()
	mod, ok := l.mods[name]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrModNotFound, name)
	}
	mod.Status = StatusUpdating
	dir := mod.Path
	l.mu.Unlock()

	if err := l.Unload(ctx, name); err != nil {
		return err
	}
	if _, err := l.Install(dir); err != nil {
		l.failMod(name, err)
		return err
	}
	return l.Load(ctx, name)
}

// Get returns a copy of one mod's record.
func (l *Loader) Get(name string) (LoadedMod, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	mod, ok := l.mods[name]
	if !ok {
		return LoadedMod{}, false
	}
	return snapshotMod(mod), true
}

// List returns copies of every installed mod's record.
func (l *Loader) List() []LoadedMod {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LoadedMod, 0, len(l.mods))
	for _, mod := range l.mods {
		out = append(out, snapshotMod(mod))
	}
	return out
}

// Close unloads every active mod concurrently.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	var names []string
	for name, mod := range l.mods {
		if mod.handle != nil {
			names = append(names, name)
		}
	}
	l.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error { return l.Unload(ctx, name) })
	}
	return g.Wait()
}

func (l *Loader) failMod(name string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if mod, ok := l.mods[name]; ok {
		mod.Status = StatusError
		mod.LastError = err.Error()
	}
}

// mapCallError translates transport-level failures into the loader's
// error taxonomy.
func (l *Loader) mapCallError(name string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("mod %s: call timed out on the host side: %w", name, err)
	}
	if IsRunnerCrashed(err) {
		return err
	}
	if errors.Is(err, protocol.ErrConnClosed) {
		l.mu.Lock()
		unloading := false
		if mod, ok := l.mods[name]; ok {
			unloading = mod.unloading
		}
		l.mu.Unlock()
		if !unloading {
			return &RunnerCrashedError{Mod: name, Err: err}
		}
	}
	return err
}

func (l *Loader) writeModLogs(name string, entries []protocol.LogEntry) {
	for _, entry := range entries {
		fields := []zap.Field{
			zap.String("mod", name),
			zap.String("invocation", entry.InvocationID),
		}
		if len(entry.Data) > 0 {
			fields = append(fields, zap.String("data", string(entry.Data)))
		}
		msg := "mod: " + entry.Message
		switch entry.Level {
		case "debug":
			l.logger.Debug(msg, fields...)
		case "warn":
			l.logger.Warn(msg, fields...)
		case "error":
			l.logger.Error(msg, fields...)
		default:
			l.logger.Info(msg, fields...)
		}
	}
}

func snapshotMod(mod *LoadedMod) LoadedMod {
	copied := *mod
	copied.handle = nil
	return copied
}
