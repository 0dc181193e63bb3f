// Package lua loads plugin modules written in Lua.
//
// A file <root>/<folder>/<name>.lua is the module with path identifier
// "<folder>.<name>". Its exported functions are the fields of the table the
// chunk returns or, when it returns none, the global functions it defines.
package lua

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/adap-ai/adap/internal/logging"
	"github.com/adap-ai/adap/internal/plugin"
)

// Ext is the source file extension.
const Ext = ".lua"

// Loader resolves path identifiers to Lua files under a root directory.
type Loader struct {
	root   string
	logger *log.Logger
}

// NewLoader creates a Loader rooted at root.
func NewLoader(root string, logger *log.Logger) *Loader {
	return &Loader{root: root, logger: logging.OrDiscard(logger)}
}

// File returns the source file for path.
func (l *Loader) File(path string) (string, bool) {
	folder, name, ok := plugin.SplitPath(path)
	if !ok {
		return "", false
	}
	return filepath.Join(l.root, folder, name+Ext), true
}

// Load implements plugin.Loader.
func (l *Loader) Load(path string) (plugin.Module, error) {
	file, ok := l.File(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", plugin.ErrUnknownPath, path)
	}
	if _, err := os.Stat(file); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", plugin.ErrUnknownPath, path)
	}

	m, err := loadModule(file)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("lua module loaded", "path", path, "functions", len(m.names))
	return m, nil
}

// Discover implements plugin.Discoverer. Files whose name starts with an
// underscore are private and skipped.
func (l *Loader) Discover(folders []string) ([]plugin.Candidate, error) {
	var out []plugin.Candidate
	for _, folder := range folders {
		entries, err := os.ReadDir(filepath.Join(l.root, folder))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return out, fmt.Errorf("failed to scan %s: %w", folder, err)
		}

		for _, e := range entries {
			fname := e.Name()
			if !e.Type().IsRegular() || filepath.Ext(fname) != Ext || strings.HasPrefix(fname, "_") {
				continue
			}
			name := strings.TrimSuffix(fname, Ext)
			path := folder + "." + name
			if _, _, ok := plugin.SplitPath(path); !ok {
				continue
			}
			out = append(out, plugin.Candidate{Name: name, Path: path})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
