package lua

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	glua "github.com/yuin/gopher-lua"

	"github.com/adap-ai/adap/internal/plugin"
)

// ErrModuleClosed is returned when calling into a closed module.
var ErrModuleClosed = errors.New("lua module closed")

// Module is a loaded Lua chunk. Calls are serialized on its single state.
type Module struct {
	file  string
	names []string

	mu     sync.Mutex
	L      *glua.LState
	funcs  map[string]*glua.LFunction
	closed bool
}

func loadModule(file string) (*Module, error) {
	L := glua.NewState(glua.Options{SkipOpenLibs: true})
	openSafeLibraries(L)

	before := globalNames(L)

	fn, err := L.LoadFile(file)
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("failed to compile %s: %w", file, err)
	}
	L.Push(fn)
	if err := L.PCall(0, glua.MultRet, nil); err != nil {
		L.Close()
		return nil, fmt.Errorf("failed to run %s: %w", file, err)
	}

	funcs := make(map[string]*glua.LFunction)
	if tbl, ok := L.Get(1).(*glua.LTable); ok {
		tbl.ForEach(func(k, v glua.LValue) {
			if name, ok := k.(glua.LString); ok {
				if f, ok := v.(*glua.LFunction); ok {
					funcs[string(name)] = f
				}
			}
		})
	} else {
		L.G.Global.ForEach(func(k, v glua.LValue) {
			name, ok := k.(glua.LString)
			if !ok || before[string(name)] {
				return
			}
			if f, ok := v.(*glua.LFunction); ok {
				funcs[string(name)] = f
			}
		})
	}
	L.SetTop(0)

	names := make([]string, 0, len(funcs))
	for name := range funcs {
		names = append(names, name)
	}
	sort.Strings(names)

	return &Module{file: file, names: names, L: L, funcs: funcs}, nil
}

// openSafeLibraries opens base, table, string and math only, then removes
// the base functions that read files or compile code.
func openSafeLibraries(L *glua.LState) {
	glua.OpenBase(L)
	glua.OpenTable(L)
	glua.OpenString(L)
	glua.OpenMath(L)
	L.SetTop(0)

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, glua.LNil)
	}
}

func globalNames(L *glua.LState) map[string]bool {
	names := make(map[string]bool)
	L.G.Global.ForEach(func(k, _ glua.LValue) {
		if s, ok := k.(glua.LString); ok {
			names[string(s)] = true
		}
	})
	return names
}

// Functions implements plugin.Module.
func (m *Module) Functions() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

// Lookup implements plugin.Module.
func (m *Module) Lookup(name string) (plugin.Func, bool) {
	fn, ok := m.funcs[name]
	if !ok {
		return nil, false
	}
	return m.bind(name, fn), true
}

// SourceFile implements plugin.Sourced.
func (m *Module) SourceFile() string {
	return m.file
}

// Close releases the Lua state.
func (m *Module) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.L.Close()
	}
	return nil
}

// bind wraps fn as a plugin.Func. Positional args are passed in order;
// kwargs, when present, are passed as a trailing table.
func (m *Module) bind(name string, fn *glua.LFunction) plugin.Func {
	return func(ctx context.Context, args []any, kwargs map[string]any) (result any, err error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.closed {
			return nil, ErrModuleClosed
		}

		m.L.SetContext(ctx)
		defer m.L.RemoveContext()

		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("lua panic in %s: %v", name, r)
			}
		}()

		largs := make([]glua.LValue, 0, len(args)+1)
		for _, a := range args {
			largs = append(largs, toLua(m.L, a))
		}
		if len(kwargs) > 0 {
			largs = append(largs, toLua(m.L, kwargs))
		}

		top := m.L.GetTop()
		if err := m.L.CallByParam(glua.P{Fn: fn, NRet: glua.MultRet, Protect: true}, largs...); err != nil {
			m.L.SetTop(top)
			return nil, fmt.Errorf("lua function %s failed: %w", name, err)
		}

		n := m.L.GetTop() - top
		results := make([]any, 0, n)
		for i := top + 1; i <= top+n; i++ {
			results = append(results, fromLua(m.L.Get(i)))
		}
		m.L.SetTop(top)

		switch len(results) {
		case 0:
			return nil, nil
		case 1:
			return results[0], nil
		default:
			return results, nil
		}
	}
}
