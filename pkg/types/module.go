// Package types provides shared type definitions for the adap runtime.
package types

import "time"

// ModuleSource records how a module entered the registry.
type ModuleSource string

const (
	SourceStatic     ModuleSource = "static"     // Registered explicitly
	SourceDiscovered ModuleSource = "discovered" // Found by auto-discovery
)

// ModuleRecord is a registry entry for one executable module.
type ModuleRecord struct {
	Name          string       `json:"name"`
	Path          string       `json:"path"`      // Path identifier, e.g. "plugins.pricer"
	Signature     string       `json:"signature"` // SHA-256 hex of Path
	ContentDigest string       `json:"content_digest,omitempty"`
	SourceFile    string       `json:"source_file,omitempty"`
	Source        ModuleSource `json:"source"`
	RegisteredAt  time.Time    `json:"registered_at"`
}

// ModuleInfo describes a module and the functions it exposes.
type ModuleInfo struct {
	Name      string   `json:"name"`
	Path      string   `json:"path"`
	Functions []string `json:"functions"`
}

// ExecRequest is the body accepted by the exec and enqueue endpoints.
type ExecRequest struct {
	Module   string         `json:"module" binding:"required"`
	Function string         `json:"function" binding:"required"`
	Args     []any          `json:"args"`
	Kwargs   map[string]any `json:"kwargs"`
	Priority *int           `json:"priority,omitempty"`
}
