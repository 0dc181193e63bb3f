// Package registry implements the secure module registry: modules are
// registered under a signed path identifier and re-verified before every
// execution.
package registry

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/adap-ai/adap/internal/errs"
	"github.com/adap-ai/adap/internal/logging"
	"github.com/adap-ai/adap/internal/plugin"
	"github.com/adap-ai/adap/pkg/types"
)

var (
	ErrModuleNotFound    = errs.New(errs.ErrNotFound, "module not found")
	ErrFunctionNotFound  = errs.New(errs.ErrNotFound, "function not found")
	ErrIntegrityMismatch = errs.New(errs.ErrIntegrity, "integrity mismatch")
	ErrLoadFailed        = errs.New(errs.ErrTransientIO, "module load failed")
	ErrNoDiscovery       = errs.New(errs.ErrConfiguration, "loader cannot discover modules")
)

// ExecutionSink receives one record per execution.
type ExecutionSink interface {
	RecordExecution(ctx context.Context, rec types.ExecutionRecord) error
}

// AuditLog receives registration and execution events.
type AuditLog interface {
	Append(level types.LogLevel, message string) error
}

type entry struct {
	record types.ModuleRecord
	module plugin.Module

	// inUse is read-held by every call in flight; retire takes it
	// exclusively before closing the module.
	inUse sync.RWMutex
}

// retire closes the entry's module once its in-flight calls drain. A
// module that is also the replacement (cur) stays open.
func (e *entry) retire(cur plugin.Module) error {
	e.inUse.Lock()
	defer e.inUse.Unlock()

	oc, ok := e.module.(io.Closer)
	if !ok {
		return nil
	}
	if cc, ok := cur.(io.Closer); ok && cc == oc {
		return nil
	}
	return oc.Close()
}

// Registry maps module names to loaded, signed modules.
type Registry struct {
	loader     plugin.Loader
	audit      AuditLog
	sink       ExecutionSink
	logger     *log.Logger
	evictStale bool
	now        func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithAudit sets the audit log.
func WithAudit(a AuditLog) Option {
	return func(r *Registry) { r.audit = a }
}

// WithSink sets the execution sink.
func WithSink(s ExecutionSink) Option {
	return func(r *Registry) { r.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Registry) { r.logger = logging.OrDiscard(l) }
}

// WithEvictStale controls whether AutoDiscover drops discovered modules
// missing from the latest scan. Explicitly registered modules are never
// evicted.
func WithEvictStale(enabled bool) Option {
	return func(r *Registry) { r.evictStale = enabled }
}

// New creates a Registry resolving paths with loader.
func New(loader plugin.Loader, opts ...Option) *Registry {
	r := &Registry{
		loader:     loader,
		logger:     logging.Discard(),
		evictStale: true,
		now:        time.Now,
		entries:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sign returns the integrity digest of a path identifier.
func Sign(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether rec's signature matches its path.
func Verify(rec types.ModuleRecord) bool {
	return subtle.ConstantTimeCompare([]byte(Sign(rec.Path)), []byte(rec.Signature)) == 1
}

// Register loads the module at path and stores it under name, replacing
// any previous entry. A load failure leaves the registry unchanged.
func (r *Registry) Register(name, path string) error {
	return r.register(name, path, types.SourceStatic)
}

func (r *Registry) register(name, path string, source types.ModuleSource) error {
	module, err := r.loader.Load(path)
	if err != nil {
		r.auditf(types.LevelError, "Failed to register %s: %v", name, err)
		r.logger.Warn("module registration failed", "name", name, "path", path, "error", err)
		return fmt.Errorf("%w: %s: %v", ErrLoadFailed, name, err)
	}

	rec := types.ModuleRecord{
		Name:         name,
		Path:         path,
		Signature:    Sign(path),
		Source:       source,
		RegisteredAt: r.now(),
	}

	if s, ok := module.(plugin.Sourced); ok {
		digest, err := plugin.HashFile(s.SourceFile())
		if err != nil {
			plugin.Close(module)
			r.auditf(types.LevelError, "Failed to register %s: %v", name, err)
			return fmt.Errorf("%w: %s: %v", ErrLoadFailed, name, err)
		}
		rec.SourceFile = s.SourceFile()
		rec.ContentDigest = digest
	}

	r.mu.Lock()
	old := r.entries[name]
	if old != nil && old.record.Source == types.SourceStatic && source == types.SourceDiscovered {
		// an explicit registration outranks discovery under the same name
		r.mu.Unlock()
		plugin.Close(module)
		return nil
	}
	r.entries[name] = &entry{record: rec, module: module}
	r.mu.Unlock()

	if old != nil {
		old.retire(module)
	}

	r.auditf(types.LevelInfo, "Registered module: %s -> %s", name, path)
	r.logger.Debug("module registered", "name", name, "path", path, "source", source)
	return nil
}

// AutoDiscover registers every module the loader finds in folders. A module
// that fails to load is logged and skipped. It returns the names
// registered by this scan.
func (r *Registry) AutoDiscover(folders []string) ([]string, error) {
	d, ok := r.loader.(plugin.Discoverer)
	if !ok {
		return nil, ErrNoDiscovery
	}

	cands, scanErr := d.Discover(folders)
	if scanErr != nil {
		r.auditf(types.LevelWarning, "Discovery incomplete: %v", scanErr)
		r.logger.Warn("module discovery incomplete", "error", scanErr)
	}

	seen := make(map[string]bool, len(cands))
	var registered []string
	for _, c := range cands {
		seen[c.Name] = true
		if r.unchanged(c.Name, c.Path) {
			registered = append(registered, c.Name)
			continue
		}
		if err := r.register(c.Name, c.Path, types.SourceDiscovered); err != nil {
			continue
		}
		registered = append(registered, c.Name)
	}

	// A partial scan must not evict modules it failed to see.
	if r.evictStale && scanErr == nil {
		r.evict(seen)
	}

	sort.Strings(registered)
	return registered, nil
}

// unchanged reports whether the discovered entry under name was loaded from
// path and its source file still hashes to the recorded digest.
func (r *Registry) unchanged(name, path string) bool {
	r.mu.RLock()
	old := r.entries[name]
	r.mu.RUnlock()

	if old == nil || old.record.Source != types.SourceDiscovered ||
		old.record.Path != path || old.record.SourceFile == "" {
		return false
	}
	digest, err := plugin.HashFile(old.record.SourceFile)
	return err == nil && subtle.ConstantTimeCompare([]byte(digest), []byte(old.record.ContentDigest)) == 1
}

func (r *Registry) evict(seen map[string]bool) {
	r.mu.Lock()
	var stale []*entry
	for name, e := range r.entries {
		if e.record.Source == types.SourceDiscovered && !seen[name] {
			stale = append(stale, e)
			delete(r.entries, name)
		}
	}
	r.mu.Unlock()

	for _, e := range stale {
		e.retire(nil)
		r.auditf(types.LevelInfo, "Evicted stale module: %s", e.record.Name)
		r.logger.Info("module evicted", "name", e.record.Name)
	}
}

// Remove unregisters a module.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	e, ok := r.entries[name]
	delete(r.entries, name)
	r.mu.Unlock()

	if ok {
		e.retire(nil)
		r.auditf(types.LevelInfo, "Removed module: %s", name)
	}
	return ok
}

// Execute verifies the named module and calls one of its functions.
func (r *Registry) Execute(ctx context.Context, moduleName, funcName string, args []any, kwargs map[string]any) (any, error) {
	r.mu.RLock()
	e, ok := r.entries[moduleName]
	var (
		rec    types.ModuleRecord
		module plugin.Module
	)
	if ok {
		// Taken before releasing r.mu so a concurrent replacement cannot
		// close the module between lookup and call.
		e.inUse.RLock()
		rec, module = e.record, e.module
	}
	r.mu.RUnlock()

	if !ok {
		r.auditf(types.LevelError, "Module not found: %s", moduleName)
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, moduleName)
	}
	defer e.inUse.RUnlock()

	if err := r.verify(rec); err != nil {
		r.auditf(types.LevelError, "Integrity mismatch for module %s: %v", moduleName, err)
		r.logger.Error("refusing to execute module", "name", moduleName, "error", err)
		return nil, err
	}

	fn, ok := module.Lookup(funcName)
	if !ok {
		r.auditf(types.LevelError, "Function not found: %s.%s", moduleName, funcName)
		return nil, fmt.Errorf("%w: %s.%s", ErrFunctionNotFound, moduleName, funcName)
	}

	r.auditf(types.LevelInfo, "Executing %s.%s", moduleName, funcName)

	start := r.now()
	result, err := call(ctx, fn, args, kwargs)
	elapsed := r.now().Sub(start)

	r.record(ctx, moduleName, funcName, args, kwargs, result, err, elapsed)

	if err != nil {
		r.auditf(types.LevelError, "Execution failed %s.%s: %v", moduleName, funcName, err)
		return nil, fmt.Errorf("failed to execute %s.%s: %w", moduleName, funcName, err)
	}

	r.auditf(types.LevelInfo, "Executed %s.%s in %s", moduleName, funcName, elapsed)
	return result, nil
}

// verify checks the path signature and, for file-backed modules, the
// current content digest.
func (r *Registry) verify(rec types.ModuleRecord) error {
	if !Verify(rec) {
		return fmt.Errorf("%w: signature does not match path %s", ErrIntegrityMismatch, rec.Path)
	}
	if rec.SourceFile == "" {
		return nil
	}

	digest, err := plugin.HashFile(rec.SourceFile)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrityMismatch, err)
	}
	if subtle.ConstantTimeCompare([]byte(digest), []byte(rec.ContentDigest)) != 1 {
		return fmt.Errorf("%w: source of %s changed since registration", ErrIntegrityMismatch, rec.Name)
	}
	return nil
}

func call(ctx context.Context, fn plugin.Func, args []any, kwargs map[string]any) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("module panic: %v", rec)
		}
	}()
	return fn(ctx, args, kwargs)
}

func (r *Registry) record(ctx context.Context, module, fn string, args []any, kwargs map[string]any, result any, callErr error, elapsed time.Duration) {
	if r.sink == nil {
		return
	}

	rec := types.ExecutionRecord{
		Module:    module,
		Function:  fn,
		Args:      encode(args),
		Kwargs:    encode(kwargs),
		Duration:  elapsed,
		Status:    types.ExecutionSuccess,
		Timestamp: r.now(),
	}
	if callErr != nil {
		rec.Status = types.ExecutionError
		rec.Result = callErr.Error()
	} else {
		rec.Result = encode(result)
	}

	// The sink must not fail an execution that already ran.
	if err := r.sink.RecordExecution(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Warn("failed to journal execution", "module", module, "function", fn, "error", err)
	}
}

func encode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// ListModules returns the registered module names, sorted.
func (r *Registry) ListModules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InspectModule returns the functions a module exposes, or false when the
// module is not registered.
func (r *Registry) InspectModule(name string) ([]string, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.module.Functions(), true
}

// Record returns a copy of a module's registry record.
func (r *Registry) Record(name string) (types.ModuleRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return types.ModuleRecord{}, false
	}
	return e.record, true
}

// Modules returns every module with its functions, sorted by name.
func (r *Registry) Modules() []types.ModuleInfo {
	r.mu.RLock()
	out := make([]types.ModuleInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, types.ModuleInfo{
			Name:      e.record.Name,
			Path:      e.record.Path,
			Functions: e.module.Functions(),
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close releases every module.
func (r *Registry) Close() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	var errList []error
	for _, e := range entries {
		if err := e.retire(nil); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

func (r *Registry) auditf(level types.LogLevel, format string, args ...any) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Append(level, fmt.Sprintf(format, args...)); err != nil {
		r.logger.Warn("failed to write audit entry", "error", err)
	}
}
