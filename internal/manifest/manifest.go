// Package manifest defines the declarative descriptor for a mod
// package and the validation pipeline that gates installation: schema
// checks, static security scanning of the entry source, content
// hashing, and signature verification.
package manifest

import "encoding/json"

// ManifestFile is the required descriptor filename at a package root.
const ManifestFile = "manifest.json"

// Permission is a named capability a mod must declare and be granted
// before the matching Runtime API surface becomes usable.
type Permission string

const (
	PermStorageRead   Permission = "storage.read"
	PermStorageWrite  Permission = "storage.write"
	PermNetworkHTTP   Permission = "network.http"
	PermNetworkWS     Permission = "network.ws"
	PermFlashlight    Permission = "device.flashlight"
	PermVibration     Permission = "device.vibration"
	PermSensors       Permission = "device.sensors"
	PermNotifications Permission = "system.notifications"
	PermClipboard     Permission = "system.clipboard"
)

// AllPermissions is the closed set of grantable capabilities.
var AllPermissions = map[Permission]bool{
	PermStorageRead:   true,
	PermStorageWrite:  true,
	PermNetworkHTTP:   true,
	PermNetworkWS:     true,
	PermFlashlight:    true,
	PermVibration:     true,
	PermSensors:       true,
	PermNotifications: true,
	PermClipboard:     true,
}

// Valid reports whether p names a known capability.
func (p Permission) Valid() bool { return AllPermissions[p] }

// ModuleWhitelist is the closed set of modules mod code may require or
// import. These are utility surfaces the runner itself provides; the
// sandbox has no resolver for anything else.
var ModuleWhitelist = map[string]bool{
	"math":     true,
	"strings":  true,
	"json":     true,
	"datetime": true,
	"encoding": true,
}

// CriticalModules are modules whose import is flagged critical rather
// than merely non-whitelisted: they reach for process, filesystem, or
// network primitives.
var CriticalModules = map[string]bool{
	"child_process":  true,
	"fs":             true,
	"net":            true,
	"http":           true,
	"https":          true,
	"os":             true,
	"vm":             true,
	"worker_threads": true,
}

// PortType constrains values flowing through a node port.
type PortType string

const (
	PortAny     PortType = "any"
	PortBoolean PortType = "boolean"
	PortNumber  PortType = "number"
	PortString  PortType = "string"
	PortObject  PortType = "object"
)

// Port is one typed input or output of a node type.
type Port struct {
	Name string   `json:"name"`
	Type PortType `json:"type"`
}

// NodeType describes one unit of functionality a mod exposes to the
// node graph.
type NodeType struct {
	ID            string                     `json:"id"`
	Name          string                     `json:"name,omitempty"`
	Inputs        []Port                     `json:"inputs,omitempty"`
	Outputs       []Port                     `json:"outputs,omitempty"`
	DefaultConfig map[string]json.RawMessage `json:"default_config,omitempty"`
	UIHints       map[string]string          `json:"ui_hints,omitempty"`
}

// Manifest is the declarative descriptor for one mod package. A
// manifest is immutable once validated for a given package hash;
// changing any declared file requires re-hashing and re-validation.
type Manifest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`

	Main       string `json:"main"`
	APIVersion string `json:"api_version"`

	Permissions []Permission `json:"permissions,omitempty"`
	NodeTypes   []NodeType   `json:"node_types,omitempty"`

	// Files is the declared file set covered by the content hash. The
	// entry point is always included even if omitted here.
	Files []string `json:"files,omitempty"`

	Checksum       string `json:"checksum,omitempty"` // "sha256:<hex>"
	Signature      string `json:"signature,omitempty"`
	SignatureKeyID string `json:"signature_key_id,omitempty"`

	MinHostVersion string   `json:"min_host_version,omitempty"`
	MaxHostVersion string   `json:"max_host_version,omitempty"`
	Platforms      []string `json:"platforms,omitempty"`
}

// HasPermission reports whether the manifest declares p.
func (m *Manifest) HasPermission(p Permission) bool {
	for _, got := range m.Permissions {
		if got == p {
			return true
		}
	}
	return false
}

// NodeTypeIDs returns the declared node type ids in manifest order.
func (m *Manifest) NodeTypeIDs() []string {
	ids := make([]string, 0, len(m.NodeTypes))
	for _, nt := range m.NodeTypes {
		ids = append(ids, nt.ID)
	}
	return ids
}

// NodeTypeByID looks a declared node type up by id.
func (m *Manifest) NodeTypeByID(id string) (NodeType, bool) {
	for _, nt := range m.NodeTypes {
		if nt.ID == id {
			return nt, true
		}
	}
	return NodeType{}, false
}

// HashFileSet returns the relative paths covered by the content hash:
// the declared file list plus the entry point, deduplicated.
func (m *Manifest) HashFileSet() []string {
	seen := make(map[string]bool, len(m.Files)+1)
	var files []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}
	add(m.Main)
	for _, f := range m.Files {
		add(f)
	}
	return files
}
