// Package plugin defines the module contract the registry dispatches to
// and the loaders that resolve a path identifier to a module.
package plugin

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/adap-ai/adap/internal/errs"
)

// ErrUnknownPath is returned by a Loader that has nothing at the path.
var ErrUnknownPath = errs.New(errs.ErrNotFound, "no module at path")

// Func is an exported module function with call-time arguments.
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Module exposes named functions.
type Module interface {
	Functions() []string
	Lookup(name string) (Func, bool)
}

// Sourced is implemented by modules backed by a file on disk.
type Sourced interface {
	SourceFile() string
}

// Loader resolves a path identifier such as "plugins.pricer" to a Module.
type Loader interface {
	Load(path string) (Module, error)
}

// Candidate is a module found during discovery.
type Candidate struct {
	Name string
	Path string
}

// Discoverer is implemented by loaders that can enumerate the modules in
// a set of folders.
type Discoverer interface {
	Discover(folders []string) ([]Candidate, error)
}

// Funcs is a Module backed by a plain map.
type Funcs map[string]Func

// Functions returns the sorted function names.
func (f Funcs) Functions() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the named function.
func (f Funcs) Lookup(name string) (Func, bool) {
	fn, ok := f[name]
	return fn, ok && fn != nil
}

// SplitPath splits "folder.name" into its parts.
func SplitPath(path string) (folder, name string, ok bool) {
	folder, name, ok = strings.Cut(path, ".")
	if !ok || folder == "" || name == "" || strings.ContainsAny(path, `/\`) || strings.Contains(name, ".") {
		return "", "", false
	}
	return folder, name, true
}

// Table is a compile-time plugin table keyed by path identifier.
type Table struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{modules: make(map[string]Module)}
}

// Add registers module under path, replacing any previous entry.
func (t *Table) Add(path string, module Module) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.modules[path] = module
}

// Load implements Loader.
func (t *Table) Load(path string) (Module, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.modules[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	return m, nil
}

// Discover implements Discoverer for table entries living in folders.
func (t *Table) Discover(folders []string) ([]Candidate, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	want := make(map[string]bool, len(folders))
	for _, f := range folders {
		want[f] = true
	}

	var out []Candidate
	for path := range t.modules {
		folder, name, ok := SplitPath(path)
		if ok && want[folder] && !strings.HasPrefix(name, "_") {
			out = append(out, Candidate{Name: name, Path: path})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Chain tries each loader in order; the first that knows the path wins.
type Chain []Loader

// Load implements Loader.
func (c Chain) Load(path string) (Module, error) {
	for _, l := range c {
		m, err := l.Load(path)
		if errors.Is(err, ErrUnknownPath) {
			continue
		}
		return m, err
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownPath, path)
}

// Discover merges candidates from every loader that can discover. When two
// loaders report the same name the earlier one wins.
func (c Chain) Discover(folders []string) ([]Candidate, error) {
	seen := make(map[string]bool)
	var out []Candidate
	var errList []error
	for _, l := range c {
		d, ok := l.(Discoverer)
		if !ok {
			continue
		}
		found, err := d.Discover(folders)
		if err != nil {
			errList = append(errList, err)
		}
		for _, cand := range found {
			if seen[cand.Name] {
				continue
			}
			seen[cand.Name] = true
			out = append(out, cand)
		}
	}
	return out, errors.Join(errList...)
}

// Close closes m if it holds resources.
func Close(m Module) error {
	if c, ok := m.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// HashFile returns the BLAKE3 hex digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open module source: %w", err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash module source: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
