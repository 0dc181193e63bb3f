package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adap-ai/adap/internal/errs"
	"github.com/adap-ai/adap/internal/plugin"
	"github.com/adap-ai/adap/internal/plugin/lua"
	"github.com/adap-ai/adap/pkg/types"
)

type memAudit struct {
	mu      sync.Mutex
	entries []types.LogEntry
}

func (m *memAudit) Append(level types.LogLevel, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, types.LogEntry{Level: level, Message: message})
	return nil
}

func (m *memAudit) contains(substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

type memSink struct {
	mu      sync.Mutex
	records []types.ExecutionRecord
}

func (m *memSink) RecordExecution(_ context.Context, rec types.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func pricerTable() *plugin.Table {
	t := plugin.NewTable()
	t.Add("plugins.pricer", plugin.Funcs{
		"quote": func(_ context.Context, args []any, _ map[string]any) (any, error) {
			if len(args) != 1 {
				return nil, errors.New("quote takes a symbol")
			}
			return fmt.Sprintf("%v=64000", args[0]), nil
		},
		"explode": func(context.Context, []any, map[string]any) (any, error) {
			panic("kaboom")
		},
	})
	return t
}

func TestRegisterAndExecute(t *testing.T) {
	audit := &memAudit{}
	sink := &memSink{}
	r := New(pricerTable(), WithAudit(audit), WithSink(sink))

	require.NoError(t, r.Register("pricer", "plugins.pricer"))

	v, err := r.Execute(context.Background(), "pricer", "quote", []any{"BTC"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "BTC=64000", v)

	rec, ok := r.Record("pricer")
	require.True(t, ok)
	assert.Equal(t, Sign("plugins.pricer"), rec.Signature)
	assert.Len(t, rec.Signature, 64)
	assert.Equal(t, types.SourceStatic, rec.Source)
	assert.False(t, rec.RegisteredAt.IsZero())

	assert.True(t, audit.contains("Registered module: pricer -> plugins.pricer"))
	assert.True(t, audit.contains("Executed pricer.quote"))

	require.Len(t, sink.records, 1)
	assert.Equal(t, `["BTC"]`, sink.records[0].Args)
	assert.Equal(t, `"BTC=64000"`, sink.records[0].Result)
	assert.Equal(t, types.ExecutionSuccess, sink.records[0].Status)
}

func TestExecuteUnknownModule(t *testing.T) {
	r := New(pricerTable())

	_, err := r.Execute(context.Background(), "pricer", "quote", []any{"BTC"}, nil)
	assert.ErrorIs(t, err, ErrModuleNotFound)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestExecuteUnknownFunction(t *testing.T) {
	r := New(pricerTable())
	require.NoError(t, r.Register("pricer", "plugins.pricer"))

	_, err := r.Execute(context.Background(), "pricer", "missing", nil, nil)
	assert.ErrorIs(t, err, ErrFunctionNotFound)
}

func TestTamperedSignatureNeverRuns(t *testing.T) {
	ran := false
	table := plugin.NewTable()
	table.Add("plugins.guarded", plugin.Funcs{
		"run": func(context.Context, []any, map[string]any) (any, error) {
			ran = true
			return nil, nil
		},
	})
	audit := &memAudit{}
	r := New(table, WithAudit(audit))
	require.NoError(t, r.Register("guarded", "plugins.guarded"))

	r.mu.Lock()
	r.entries["guarded"].record.Signature = Sign("plugins.other")
	r.mu.Unlock()

	_, err := r.Execute(context.Background(), "guarded", "run", nil, nil)
	assert.ErrorIs(t, err, ErrIntegrityMismatch)
	assert.ErrorIs(t, err, errs.ErrIntegrity)
	assert.False(t, ran)
	assert.True(t, audit.contains("Integrity mismatch for module guarded"))

	r.mu.Lock()
	r.entries["guarded"].record.Signature = Sign("plugins.guarded")
	r.entries["guarded"].record.Path = "plugins.elsewhere"
	r.mu.Unlock()

	_, err = r.Execute(context.Background(), "guarded", "run", nil, nil)
	assert.ErrorIs(t, err, ErrIntegrityMismatch)
	assert.False(t, ran)
}

func TestExecutionFailuresPropagate(t *testing.T) {
	sink := &memSink{}
	r := New(pricerTable(), WithSink(sink))
	require.NoError(t, r.Register("pricer", "plugins.pricer"))

	_, err := r.Execute(context.Background(), "pricer", "quote", nil, nil)
	assert.ErrorContains(t, err, "quote takes a symbol")

	_, err = r.Execute(context.Background(), "pricer", "explode", nil, nil)
	assert.ErrorContains(t, err, "kaboom")

	require.Len(t, sink.records, 2)
	assert.Equal(t, types.ExecutionError, sink.records[1].Status)
}

func TestRegisterLoadFailureIsIsolated(t *testing.T) {
	audit := &memAudit{}
	r := New(pricerTable(), WithAudit(audit))

	err := r.Register("ghost", "plugins.ghost")
	assert.ErrorIs(t, err, ErrLoadFailed)
	assert.ErrorIs(t, err, errs.ErrTransientIO)
	assert.True(t, audit.contains("Failed to register ghost"))

	require.NoError(t, r.Register("pricer", "plugins.pricer"))
	assert.Equal(t, []string{"pricer"}, r.ListModules())
}

func TestInspectModule(t *testing.T) {
	r := New(pricerTable())
	require.NoError(t, r.Register("pricer", "plugins.pricer"))

	fns, ok := r.InspectModule("pricer")
	require.True(t, ok)
	assert.Equal(t, []string{"explode", "quote"}, fns)

	_, ok = r.InspectModule("nope")
	assert.False(t, ok)

	mods := r.Modules()
	require.Len(t, mods, 1)
	assert.Equal(t, "plugins.pricer", mods[0].Path)
}

func TestAutoDiscoverRequiresDiscoverer(t *testing.T) {
	r := New(plugin.Chain{})
	_, err := r.AutoDiscover([]string{"plugins"})
	assert.NoError(t, err)

	var loaderOnly struct{ plugin.Loader }
	loaderOnly.Loader = pricerTable()
	r = New(loaderOnly)
	_, err = r.AutoDiscover([]string{"plugins"})
	assert.ErrorIs(t, err, ErrNoDiscovery)
}

const quoteSrc = `
return {
  quote = function(symbol) return symbol .. "=" .. 64000 end,
}
`

func writeLua(t *testing.T, root, folder, name, src string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, folder), 0755))
	path := filepath.Join(root, folder, name+".lua")
	require.NoError(t, os.WriteFile(path, []byte(src), 0644))
	return path
}

func TestAutoDiscoverLuaModules(t *testing.T) {
	root := t.TempDir()
	writeLua(t, root, "plugins", "pricer", quoteSrc)
	writeLua(t, root, "skills", "helper", `function help() return "ok" end`)
	writeLua(t, root, "skills", "broken", `this does not parse`)
	writeLua(t, root, "plugins", "_private", quoteSrc)

	audit := &memAudit{}
	r := New(lua.NewLoader(root, nil), WithAudit(audit))
	defer r.Close()

	names, err := r.AutoDiscover([]string{"plugins", "skills"})
	require.NoError(t, err)
	assert.Equal(t, []string{"helper", "pricer"}, names)
	assert.True(t, audit.contains("Failed to register broken"))

	v, err := r.Execute(context.Background(), "pricer", "quote", []any{"BTC"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "BTC=64000", v)

	rec, ok := r.Record("pricer")
	require.True(t, ok)
	assert.Equal(t, types.SourceDiscovered, rec.Source)
	assert.Len(t, rec.ContentDigest, 64)
}

func TestModifiedSourceFailsClosedUntilRediscovered(t *testing.T) {
	root := t.TempDir()
	file := writeLua(t, root, "plugins", "pricer", quoteSrc)

	r := New(lua.NewLoader(root, nil))
	defer r.Close()
	_, err := r.AutoDiscover([]string{"plugins"})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(file, []byte(`return { quote = function() return "evil" end }`), 0644))

	_, err = r.Execute(context.Background(), "pricer", "quote", []any{"BTC"}, nil)
	assert.ErrorIs(t, err, ErrIntegrityMismatch)

	_, err = r.AutoDiscover([]string{"plugins"})
	require.NoError(t, err)
	v, err := r.Execute(context.Background(), "pricer", "quote", []any{"BTC"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "evil", v)
}

func TestStaleEviction(t *testing.T) {
	root := t.TempDir()
	writeLua(t, root, "plugins", "pricer", quoteSrc)
	gone := writeLua(t, root, "plugins", "gone", quoteSrc)

	chain := plugin.Chain{pricerTableAt("plugins.static"), lua.NewLoader(root, nil)}
	r := New(chain)
	defer r.Close()
	require.NoError(t, r.Register("static", "plugins.static"))

	_, err := r.AutoDiscover([]string{"plugins"})
	require.NoError(t, err)
	assert.Equal(t, []string{"gone", "pricer", "static"}, r.ListModules())

	require.NoError(t, os.Remove(gone))
	_, err = r.AutoDiscover([]string{"plugins"})
	require.NoError(t, err)
	assert.Equal(t, []string{"pricer", "static"}, r.ListModules())

	rec, ok := r.Record("static")
	require.True(t, ok)
	assert.Equal(t, types.SourceStatic, rec.Source)
}

func TestStaleEntriesKeptWhenEvictionDisabled(t *testing.T) {
	root := t.TempDir()
	gone := writeLua(t, root, "plugins", "gone", quoteSrc)

	r := New(lua.NewLoader(root, nil), WithEvictStale(false))
	defer r.Close()
	_, err := r.AutoDiscover([]string{"plugins"})
	require.NoError(t, err)

	require.NoError(t, os.Remove(gone))
	_, err = r.AutoDiscover([]string{"plugins"})
	require.NoError(t, err)
	assert.Equal(t, []string{"gone"}, r.ListModules())
}

func pricerTableAt(path string) *plugin.Table {
	t := plugin.NewTable()
	t.Add(path, plugin.Funcs{
		"ping": func(context.Context, []any, map[string]any) (any, error) { return "pong", nil },
	})
	return t
}

func TestConcurrentDiscoveryAndExecution(t *testing.T) {
	root := t.TempDir()
	writeLua(t, root, "plugins", "pricer", quoteSrc)

	r := New(plugin.Chain{pricerTable(), lua.NewLoader(root, nil)})
	defer r.Close()
	require.NoError(t, r.Register("static", "plugins.pricer"))
	_, err := r.AutoDiscover([]string{"plugins"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := r.AutoDiscover([]string{"plugins"})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			v, err := r.Execute(context.Background(), "static", "quote", []any{"ETH"}, nil)
			assert.NoError(t, err)
			assert.Equal(t, "ETH=64000", v)
			assert.NotEmpty(t, r.ListModules())
		}()
	}
	wg.Wait()
}

func TestLuaCallsSurviveConcurrentReload(t *testing.T) {
	root := t.TempDir()
	writeLua(t, root, "plugins", "pricer", quoteSrc)

	r := New(lua.NewLoader(root, nil))
	defer r.Close()
	_, err := r.AutoDiscover([]string{"plugins"})
	require.NoError(t, err)
	require.NoError(t, r.Register("direct", "plugins.pricer"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(4)
		go func() {
			defer wg.Done()
			_, err := r.AutoDiscover([]string{"plugins"})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			// always swaps in a freshly loaded module
			assert.NoError(t, r.Register("direct", "plugins.pricer"))
		}()
		for _, name := range []string{"pricer", "direct"} {
			go func(name string) {
				defer wg.Done()
				v, err := r.Execute(context.Background(), name, "quote", []any{"ETH"}, nil)
				assert.NoError(t, err)
				assert.Equal(t, "ETH=64000", v)
			}(name)
		}
	}
	wg.Wait()
}

func TestRediscoveryKeepsUnchangedModules(t *testing.T) {
	root := t.TempDir()
	file := writeLua(t, root, "plugins", "pricer", quoteSrc)

	audit := &memAudit{}
	r := New(lua.NewLoader(root, nil), WithAudit(audit))
	defer r.Close()

	_, err := r.AutoDiscover([]string{"plugins"})
	require.NoError(t, err)
	first, ok := r.Record("pricer")
	require.True(t, ok)

	names, err := r.AutoDiscover([]string{"plugins"})
	require.NoError(t, err)
	assert.Equal(t, []string{"pricer"}, names)
	again, ok := r.Record("pricer")
	require.True(t, ok)
	assert.Equal(t, first, again)

	require.NoError(t, os.WriteFile(file, []byte(`return { quote = function(s) return s end }`), 0644))
	_, err = r.AutoDiscover([]string{"plugins"})
	require.NoError(t, err)
	changed, ok := r.Record("pricer")
	require.True(t, ok)
	assert.NotEqual(t, first.ContentDigest, changed.ContentDigest)

	v, err := r.Execute(context.Background(), "pricer", "quote", []any{"ETH"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ETH", v)
}

type gatedModule struct {
	entered chan struct{}
	release chan struct{}

	mu     sync.Mutex
	closed bool
}

func newGatedModule() *gatedModule {
	return &gatedModule{entered: make(chan struct{}), release: make(chan struct{})}
}

func (m *gatedModule) Functions() []string {
	return []string{"wait"}
}

func (m *gatedModule) Lookup(name string) (plugin.Func, bool) {
	if name != "wait" {
		return nil, false
	}
	return func(context.Context, []any, map[string]any) (any, error) {
		close(m.entered)
		<-m.release
		if m.isClosed() {
			return nil, errors.New("module closed mid-call")
		}
		return "done", nil
	}, true
}

func (m *gatedModule) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *gatedModule) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func TestReplacementWaitsForInFlightCall(t *testing.T) {
	first := newGatedModule()
	table := plugin.NewTable()
	table.Add("plugins.slow", first)

	r := New(table)
	defer r.Close()
	require.NoError(t, r.Register("slow", "plugins.slow"))

	result := make(chan error, 1)
	go func() {
		v, err := r.Execute(context.Background(), "slow", "wait", nil, nil)
		if err == nil && v != "done" {
			err = fmt.Errorf("unexpected result %v", v)
		}
		result <- err
	}()
	<-first.entered

	table.Add("plugins.slow", newGatedModule())
	replaced := make(chan error, 1)
	go func() { replaced <- r.Register("slow", "plugins.slow") }()

	assert.Never(t, first.isClosed, 100*time.Millisecond, 10*time.Millisecond)

	close(first.release)
	require.NoError(t, <-result)
	require.NoError(t, <-replaced)
	assert.True(t, first.isClosed())
}
