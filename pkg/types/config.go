package types

import "time"

// Config represents the main configuration for adap.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	Registry  RegistryConfig  `yaml:"registry"`
	Queue     QueueConfig     `yaml:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	Journal   JournalConfig   `yaml:"journal"`
	Audit     AuditConfig     `yaml:"audit"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig defines HTTP server settings.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// SecretsConfig defines the encrypted secret store settings.
type SecretsConfig struct {
	Path          string   `yaml:"path"`           // Encrypted store file
	PassphraseEnv string   `yaml:"passphrase_env"` // Env var holding the passphrase
	Export        []string `yaml:"export"`         // Secret names re-exported into the process env
}

// CryptoConfig defines encryption settings.
type CryptoConfig struct {
	IdentityPath string `yaml:"identity_path"` // Path to age identity file
}

// RegistryConfig defines module discovery settings.
type RegistryConfig struct {
	Folders    []string `yaml:"folders"`
	EvictStale bool     `yaml:"evict_stale"`
}

// QueueConfig defines task queue settings.
type QueueConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	JoinTimeout  time.Duration `yaml:"join_timeout"`
}

// SchedulerConfig defines periodic job settings.
type SchedulerConfig struct {
	Tick             time.Duration `yaml:"tick"`
	Heartbeat        time.Duration `yaml:"heartbeat"`
	FeedbackInterval time.Duration `yaml:"feedback_interval"`
	FeedbackWindow   time.Duration `yaml:"feedback_window"`
}

// WatcherConfig defines source watcher settings.
type WatcherConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	Extensions []string      `yaml:"extensions"`
	Notify     bool          `yaml:"notify"` // Wake early on fsnotify events
}

// JournalConfig defines the execution journal settings.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AuditConfig defines the audit log settings.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// LogConfig defines operational logging settings.
type LogConfig struct {
	Level     string `yaml:"level"`     // debug, info, warn, error
	Formatter string `yaml:"formatter"` // text, json, logfmt
	Prefix    string `yaml:"prefix"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
		},
		Secrets: SecretsConfig{
			Path:          "./data/api_keys.enc",
			PassphraseEnv: "KEYSTORE_PASSPHRASE",
			Export:        []string{"APILAYER_KEY", "RAPIDAPI_KEY", "HF_KEY"},
		},
		Crypto: CryptoConfig{
			IdentityPath: "./adap.key",
		},
		Registry: RegistryConfig{
			Folders:    []string{"plugins", "skills"},
			EvictStale: true,
		},
		Queue: QueueConfig{
			Workers:      3,
			PollInterval: 200 * time.Millisecond,
			JoinTimeout:  500 * time.Millisecond,
		},
		Scheduler: SchedulerConfig{
			Tick:             250 * time.Millisecond,
			Heartbeat:        5 * time.Second,
			FeedbackInterval: 10 * time.Second,
			FeedbackWindow:   5 * time.Minute,
		},
		Watcher: WatcherConfig{
			Enabled:    true,
			Interval:   1500 * time.Millisecond,
			Extensions: []string{".lua"},
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    "./memory/store.db",
		},
		Audit: AuditConfig{
			Path: "./logs/orchestrator_events.log",
		},
		Log: LogConfig{
			Level:     "info",
			Formatter: "text",
		},
	}
}
