// Package sandbox implements the runner side of the mod runtime: the
// isolated process that loads exactly one mod module, executes its
// lifecycle hooks and per-node run calls, and talks to the host loader
// over the JSON-RPC protocol.
package sandbox

import (
	"encoding/json"
	"sync"
	"time"

	"modhost/internal/manifest"
)

// State is the mutable per-runner state. One runner process owns
// exactly one State; it is an explicit struct rather than package
// globals so tests can host several runners in one process. Handlers
// run on separate goroutines per request, so access is serialized by
// the mutex instead of an event loop.
type State struct {
	mu sync.Mutex

	modPath     string
	manifest    *manifest.Manifest
	module      Module
	permissions map[manifest.Permission]bool
	storage     map[string]json.RawMessage
	nodeTypes   []string

	initialized       bool
	shutdownRequested bool
	startTime         time.Time

	// currentInvocation identifies the run call allowed to mutate
	// state. A handler that lost the timeout race holds a stale id and
	// its mutations are dropped.
	currentInvocation string
}

// NewState returns an empty, uninitialized runner state.
func NewState() *State {
	return &State{
		permissions: make(map[manifest.Permission]bool),
		storage:     make(map[string]json.RawMessage),
		startTime:   time.Now(),
	}
}

// Initialized reports whether init completed successfully.
func (s *State) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// ModName returns the loaded mod's name, or "" before init.
func (s *State) ModName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.manifest == nil {
		return ""
	}
	return s.manifest.Name
}

// Uptime is the wall-clock age of this runner process.
func (s *State) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Granted reports whether the permission was granted at init.
func (s *State) Granted(p manifest.Permission) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permissions[p]
}

func (s *State) beginInvocation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentInvocation = id
}

func (s *State) endInvocation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentInvocation == id {
		s.currentInvocation = ""
	}
}

// invocationCurrent reports whether id may still mutate state.
func (s *State) invocationCurrent(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentInvocation == id
}

func (s *State) storageGet(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.storage[key]
	return v, ok
}

func (s *State) storageSet(key string, value json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storage[key] = value
}

func (s *State) storageDelete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.storage, key)
}

func (s *State) storageKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.storage))
	for k := range s.storage {
		keys = append(keys, k)
	}
	return keys
}
