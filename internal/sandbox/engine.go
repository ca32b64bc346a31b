package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dop251/goja"

	"modhost/internal/manifest"
)

// Call carries one node invocation into a module handler.
type Call struct {
	NodeID   string
	NodeType string
	Inputs   map[string]any
	Config   map[string]any
}

// Module is one loaded mod entry module. Implementations are not safe
// for concurrent hook calls; the runner serializes them. Interrupt is
// the only method safe to call while a hook is running.
type Module interface {
	// Init runs the module's optional init hook.
	Init(api *API) error
	// Run executes the module's node handler and returns its outputs.
	Run(call Call, api *API) (map[string]json.RawMessage, error)
	// Cleanup runs the module's optional cleanup hook.
	Cleanup(api *API) error
	// NodeTypes returns the ids the module declares, or nil to defer
	// to the manifest.
	NodeTypes() []string
	// Interrupt aborts the currently running hook, if any.
	Interrupt(reason string)
}

// ModuleLoader loads a mod entry module from disk. It is the pluggable
// isolation boundary: the production engine embeds an interpreter with
// no filesystem, process, or network bindings.
type ModuleLoader interface {
	Load(modPath string, m *manifest.Manifest) (Module, error)
}

// GojaLoader loads JavaScript mod modules into embedded goja VMs. Each
// module gets a fresh VM whose only external reachability is the
// whitelisted utility modules exposed through require.
type GojaLoader struct{}

// NewGojaLoader returns the production module loader.
func NewGojaLoader() *GojaLoader { return &GojaLoader{} }

// Load reads the manifest-declared entry file, evaluates it in a fresh
// VM, and resolves the module's hook functions.
func (l *GojaLoader) Load(modPath string, m *manifest.Manifest) (Module, error) {
	entry := filepath.Join(modPath, filepath.FromSlash(m.Main))
	source, err := os.ReadFile(entry)
	if err != nil {
		return nil, fmt.Errorf("read entry point: %w", err)
	}

	vm := goja.New()
	if err := vm.Set("require", requireFunc()); err != nil {
		return nil, fmt.Errorf("install require: %w", err)
	}

	if _, err := vm.RunScript(m.Main, string(source)); err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", m.Main, err)
	}

	mod := &gojaModule{vm: vm}

	runVal := vm.Get("run")
	if runVal == nil || goja.IsUndefined(runVal) {
		return nil, fmt.Errorf("%s does not define a run(call, api) function", m.Main)
	}
	var ok bool
	if mod.run, ok = goja.AssertFunction(runVal); !ok {
		return nil, fmt.Errorf("run is not a function in %s", m.Main)
	}
	if initVal := vm.Get("init"); initVal != nil {
		mod.init, _ = goja.AssertFunction(initVal)
	}
	if cleanupVal := vm.Get("cleanup"); cleanupVal != nil {
		mod.cleanup, _ = goja.AssertFunction(cleanupVal)
	}
	if ntVal := vm.Get("nodeTypes"); ntVal != nil && !goja.IsUndefined(ntVal) && !goja.IsNull(ntVal) {
		if ids, ok := exportStringSlice(ntVal); ok {
			mod.nodeTypes = ids
		}
	}

	return mod, nil
}

type gojaModule struct {
	vm        *goja.Runtime
	init      goja.Callable
	run       goja.Callable
	cleanup   goja.Callable
	nodeTypes []string
}

func (g *gojaModule) Init(api *API) error {
	if g.init == nil {
		return nil
	}
	g.vm.ClearInterrupt()
	_, err := g.init(goja.Undefined(), g.apiValue(api))
	return normalizeJSErr(err)
}

func (g *gojaModule) Run(call Call, api *API) (map[string]json.RawMessage, error) {
	g.vm.ClearInterrupt()

	callObj := g.vm.ToValue(map[string]any{
		"nodeId":   call.NodeID,
		"nodeType": call.NodeType,
		"inputs":   call.Inputs,
		"config":   call.Config,
	})

	result, err := g.run(goja.Undefined(), callObj, g.apiValue(api))
	if err != nil {
		return nil, normalizeJSErr(err)
	}
	return exportOutputs(result)
}

func (g *gojaModule) Cleanup(api *API) error {
	if g.cleanup == nil {
		return nil
	}
	g.vm.ClearInterrupt()
	_, err := g.cleanup(goja.Undefined(), g.apiValue(api))
	return normalizeJSErr(err)
}

func (g *gojaModule) NodeTypes() []string { return g.nodeTypes }

func (g *gojaModule) Interrupt(reason string) { g.vm.Interrupt(reason) }

func (g *gojaModule) apiValue(api *API) goja.Value {
	return g.vm.ToValue(api.jsObject(api.state.manifest))
}

// normalizeJSErr strips goja's wrapper so mod exceptions surface as
// ordinary error strings.
func normalizeJSErr(err error) error {
	if err == nil {
		return nil
	}
	if ex, ok := err.(*goja.Exception); ok {
		return fmt.Errorf("mod exception: %s", ex.Value().String())
	}
	if ir, ok := err.(*goja.InterruptedError); ok {
		return fmt.Errorf("interrupted: %v", ir.Value())
	}
	return err
}

// exportOutputs converts a handler's return value into the wire shape.
// undefined and null mean no outputs.
func exportOutputs(v goja.Value) (map[string]json.RawMessage, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	exported := v.Export()
	obj, ok := exported.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("run must return an object of outputs, got %T", exported)
	}
	outputs := make(map[string]json.RawMessage, len(obj))
	for name, val := range obj {
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("output %q is not serializable: %w", name, err)
		}
		outputs[name] = raw
	}
	return outputs, nil
}

func exportStringSlice(v goja.Value) ([]string, bool) {
	exported := v.Export()
	items, ok := exported.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
