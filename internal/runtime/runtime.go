// Package runtime wires the adap components together and owns their
// lifetime.
package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/adap-ai/adap/internal/audit"
	"github.com/adap-ai/adap/internal/crypto"
	"github.com/adap-ai/adap/internal/events"
	"github.com/adap-ai/adap/internal/journal"
	"github.com/adap-ai/adap/internal/logging"
	"github.com/adap-ai/adap/internal/plugin"
	"github.com/adap-ai/adap/internal/plugin/builtin"
	"github.com/adap-ai/adap/internal/plugin/lua"
	"github.com/adap-ai/adap/internal/queue"
	"github.com/adap-ai/adap/internal/registry"
	"github.com/adap-ai/adap/internal/scheduler"
	"github.com/adap-ai/adap/internal/secrets"
	"github.com/adap-ai/adap/internal/watcher"
	"github.com/adap-ai/adap/pkg/types"
)

// Scheduler job names.
const (
	JobHeartbeat = "heartbeat"
	JobFeedback  = "feedback"
)

// Runtime is the composition root. It is constructed once at startup and
// torn down on shutdown.
type Runtime struct {
	cfg     *types.Config
	root    string
	version string
	logger  *log.Logger

	secrets   *secrets.Store
	gateway   *crypto.Gateway
	bus       *events.Bus
	queue     *queue.Queue
	scheduler *scheduler.Scheduler
	watcher   *watcher.Watcher
	registry  *registry.Registry
	audit     *audit.Log
	journal   *journal.Store

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Runtime.
type Option func(*options)

type options struct {
	root          string
	version       string
	logger        *log.Logger
	secretOptions []secrets.Option
}

// WithRoot sets the directory plugin folders are resolved against.
func WithRoot(dir string) Option {
	return func(o *options) { o.root = dir }
}

// WithVersion sets the version reported by plugins.system.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSecretOptions passes extra options to the secret store.
func WithSecretOptions(opts ...secrets.Option) Option {
	return func(o *options) { o.secretOptions = append(o.secretOptions, opts...) }
}

// New builds every component from cfg. Nothing runs until Start.
func New(cfg *types.Config, opts ...Option) (*Runtime, error) {
	o := options{root: "."}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.OrDiscard(o.logger)

	r := &Runtime{
		cfg:     cfg,
		root:    o.root,
		version: o.version,
		logger:  logger,
		bus:     events.NewBus(logger.WithPrefix("bus")),
	}

	auditLog, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		return nil, err
	}
	r.audit = auditLog

	if err := r.initSecrets(o.secretOptions); err != nil {
		r.Close()
		return nil, err
	}

	if cfg.Journal.Enabled {
		store := journal.NewStore(cfg.Journal.Path)
		if err := store.Initialize(); err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to initialize journal: %w", err)
		}
		r.journal = store
	}

	loader := plugin.Chain{
		builtin.Table(builtin.Deps{Secrets: r.secrets, Gateway: r.gateway, Version: r.version}),
		lua.NewLoader(r.root, logger.WithPrefix("lua")),
	}
	regOpts := []registry.Option{
		registry.WithAudit(r.audit),
		registry.WithLogger(logger.WithPrefix("registry")),
		registry.WithEvictStale(cfg.Registry.EvictStale),
	}
	if r.journal != nil {
		regOpts = append(regOpts, registry.WithSink(r.journal))
	}
	r.registry = registry.New(loader, regOpts...)

	r.queue = queue.New(queue.Options{
		Workers:      cfg.Queue.Workers,
		PollInterval: cfg.Queue.PollInterval,
		JoinTimeout:  cfg.Queue.JoinTimeout,
		Logger:       logger.WithPrefix("queue"),
	})

	r.scheduler = scheduler.New(cfg.Scheduler.Tick, logger.WithPrefix("scheduler"))
	if err := r.addJobs(); err != nil {
		r.Close()
		return nil, err
	}

	r.watcher = watcher.New(r.folderDirs(), r.onCodeChange,
		watcher.WithInterval(cfg.Watcher.Interval),
		watcher.WithExtensions(cfg.Watcher.Extensions...),
		watcher.WithNotify(cfg.Watcher.Notify),
		watcher.WithLogger(logger.WithPrefix("watcher")),
	)

	return r, nil
}

func (r *Runtime) initSecrets(extra []secrets.Option) error {
	opts := append([]secrets.Option{
		secrets.WithPassphraseEnv(r.cfg.Secrets.PassphraseEnv),
		secrets.WithLogger(r.logger.WithPrefix("secrets")),
	}, extra...)
	r.secrets = secrets.NewStore(r.cfg.Secrets.Path, opts...)

	if err := r.secrets.Load(""); err != nil {
		return fmt.Errorf("failed to unlock secret store: %w", err)
	}
	if exported := r.secrets.Export(r.cfg.Secrets.Export); len(exported) > 0 {
		r.logger.Info("exported secrets to environment", "names", exported)
	}

	gw, persisted, err := crypto.NewGatewayFromStore(r.secrets, "")
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}
	if !persisted {
		r.logger.Warn("gateway keys are ephemeral; set the keystore passphrase to persist them")
	}
	r.gateway = gw
	return nil
}

func (r *Runtime) addJobs() error {
	err := r.scheduler.Add(JobHeartbeat, r.cfg.Scheduler.Heartbeat, func(context.Context) error {
		r.Heartbeat()
		return nil
	})
	if err != nil {
		return err
	}

	if r.journal == nil {
		return nil
	}
	return r.scheduler.Add(JobFeedback, r.cfg.Scheduler.FeedbackInterval, func(ctx context.Context) error {
		summary, err := r.journal.Summarize(ctx, r.cfg.Scheduler.FeedbackWindow)
		if err != nil {
			return err
		}
		if summary != nil {
			r.bus.Publish(types.TopicFeedback, summary)
		}
		return nil
	})
}

func (r *Runtime) folderDirs() []string {
	dirs := make([]string, 0, len(r.cfg.Registry.Folders))
	for _, f := range r.cfg.Registry.Folders {
		dirs = append(dirs, filepath.Join(r.root, f))
	}
	return dirs
}

// Start discovers modules and launches the background loops.
func (r *Runtime) Start() error {
	if _, err := r.Reload(); err != nil {
		return err
	}

	r.queue.Start()
	r.scheduler.Start()
	if r.cfg.Watcher.Enabled {
		if err := r.watcher.Start(); err != nil {
			return fmt.Errorf("failed to start watcher: %w", err)
		}
	}

	r.audit.Info("Runtime started with %d modules", len(r.registry.ListModules()))
	return nil
}

// Close stops the loops and releases every resource. Queued tasks that
// have not started are dropped.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		if r.watcher != nil {
			r.watcher.Stop()
		}
		if r.scheduler != nil {
			r.scheduler.Stop()
		}
		if r.queue != nil {
			if dropped := r.queue.Stop(); dropped > 0 {
				r.logger.Warn("dropped queued tasks", "count", dropped)
			}
		}
		if r.registry != nil {
			r.registry.Close()
		}
		if r.journal != nil {
			r.journal.Close()
		}
		if r.audit != nil {
			r.closeErr = r.audit.Close()
		}
	})
	return r.closeErr
}

// Reload re-runs discovery and publishes the resulting module list.
func (r *Runtime) Reload() ([]string, error) {
	if _, err := r.registry.AutoDiscover(r.cfg.Registry.Folders); err != nil {
		return nil, fmt.Errorf("failed to discover modules: %w", err)
	}
	modules := r.registry.ListModules()
	r.bus.Publish(types.TopicRegistryUpdated, types.RegistryUpdatedPayload{Modules: modules})
	return modules, nil
}

func (r *Runtime) onCodeChange() error {
	if _, err := r.Reload(); err != nil {
		return err
	}
	r.audit.Info("AUTO: registry refreshed due to code change")
	r.logger.Info("registry refreshed due to code change")
	return nil
}

// Heartbeat publishes and returns the current heartbeat.
func (r *Runtime) Heartbeat() types.HeartbeatPayload {
	hb := types.HeartbeatPayload{
		Modules: r.registry.ListModules(),
		Time:    time.Now().UTC(),
	}
	r.bus.Publish(types.TopicHeartbeat, hb)
	return hb
}

// Modules lists the registered modules and their functions.
func (r *Runtime) Modules() []types.ModuleInfo {
	return r.registry.Modules()
}

// InspectModule returns a module's functions.
func (r *Runtime) InspectModule(name string) ([]string, bool) {
	return r.registry.InspectModule(name)
}

// Execute calls a module function synchronously.
func (r *Runtime) Execute(ctx context.Context, module, fn string, args []any, kwargs map[string]any) (any, error) {
	return r.registry.Execute(ctx, module, fn, args, kwargs)
}

// Enqueue schedules a module call on the task queue and returns its task
// ID. Completion is published on the bus.
func (r *Runtime) Enqueue(module, fn string, args []any, kwargs map[string]any, priority int) (string, error) {
	return r.queue.Put(func(ctx context.Context) error {
		result, err := r.registry.Execute(ctx, module, fn, args, kwargs)
		payload := types.TaskEventPayload{
			ID:       queue.TaskID(ctx),
			Module:   module,
			Function: fn,
		}
		if err != nil {
			payload.Error = err.Error()
			r.bus.Publish(types.TopicTaskFailed, payload)
			return err
		}
		payload.Result = result
		r.bus.Publish(types.TopicTaskCompleted, payload)
		return nil
	}, priority)
}

// AuditTail returns the last n audit entries.
func (r *Runtime) AuditTail(n int) ([]types.LogEntry, error) {
	return r.audit.Tail(n)
}

// Feedback returns the latest feedback summaries. It is empty when the
// journal is disabled.
func (r *Runtime) Feedback(ctx context.Context, limit int) ([]types.FeedbackSummary, error) {
	if r.journal == nil {
		return []types.FeedbackSummary{}, nil
	}
	return r.journal.RecentFeedback(ctx, limit)
}

// Subscribe registers a bus handler.
func (r *Runtime) Subscribe(topic string, h events.Handler) func() {
	return r.bus.Subscribe(topic, h)
}

// Jobs returns the scheduler state.
func (r *Runtime) Jobs() []scheduler.JobInfo {
	return r.scheduler.Jobs()
}

// Secrets returns the secret store.
func (r *Runtime) Secrets() *secrets.Store {
	return r.secrets
}

// Gateway returns the layered cipher gateway.
func (r *Runtime) Gateway() *crypto.Gateway {
	return r.gateway
}

// Registry returns the module registry.
func (r *Runtime) Registry() *registry.Registry {
	return r.registry
}
