// Package secrets implements the passphrase-encrypted key/value store that
// holds operator credentials at rest.
package secrets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/adap-ai/adap/internal/errs"
	"github.com/adap-ai/adap/internal/logging"
)

// DefaultPassphraseEnv is the environment variable consulted when no
// passphrase is passed explicitly.
const DefaultPassphraseEnv = "KEYSTORE_PASSPHRASE"

var (
	ErrMissingPassphrase = errs.New(errs.ErrConfiguration, "missing passphrase; set KEYSTORE_PASSPHRASE or pass --pass")
	ErrInvalidPassphrase = errs.New(errs.ErrIntegrity, "invalid passphrase or tampered keystore")
	ErrCorrupt           = errs.New(errs.ErrIntegrity, "invalid keystore file")
	ErrSecretNotFound    = errs.New(errs.ErrNotFound, "secret not found")
)

// Store is an encrypted secret store backed by a single file.
//
// The plaintext is decrypted lazily on first access and cached for the
// lifetime of the Store. Every Set re-encrypts the whole map under a fresh
// salt and nonce and atomically replaces the file.
type Store struct {
	path          string
	passphraseEnv string
	scryptN       int
	logger        *log.Logger

	mu     sync.RWMutex
	cache  map[string]string
	loaded bool
}

// Option configures a Store.
type Option func(*Store)

// WithPassphraseEnv sets the fallback passphrase environment variable.
func WithPassphraseEnv(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.passphraseEnv = name
		}
	}
}

// WithScryptCost overrides the scrypt N parameter. Files written with one
// cost can only be read back with the same cost.
func WithScryptCost(n int) Option {
	return func(s *Store) {
		if n > 1 {
			s.scryptN = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		s.logger = logging.OrDiscard(l)
	}
}

// NewStore creates a Store for the file at path. Nothing is read until the
// first Load, Get or Set.
func NewStore(path string, opts ...Option) *Store {
	s := &Store{
		path:          path,
		passphraseEnv: DefaultPassphraseEnv,
		scryptN:       defaultScryptN,
		logger:        logging.Discard(),
		cache:         make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Loaded reports whether the store contents are available in memory.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Load decrypts the store file. It is a no-op once loaded.
//
// With no passphrase (argument or environment) and no file, the store
// becomes an empty in-memory store. With no passphrase and an existing
// file, decryption is deferred until a passphrase is supplied.
func (s *Store) Load(passphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(s.resolve(passphrase))
}

func (s *Store) loadLocked(passphrase string) error {
	if s.loaded {
		return nil
	}

	blob, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read keystore: %w", err)
		}
		s.cache = make(map[string]string)
		s.loaded = true
		return nil
	}

	if passphrase == "" {
		s.logger.Debug("keystore present but locked; deferring decrypt", "path", s.path)
		return nil
	}

	plain, err := open(passphrase, blob, s.scryptN)
	if err != nil {
		return err
	}

	cache := make(map[string]string)
	if err := json.Unmarshal(plain, &cache); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	s.cache = cache
	s.loaded = true
	s.logger.Debug("keystore loaded", "path", s.path, "entries", len(cache))
	return nil
}

// Get returns the named secret. It loads the store lazily using the
// environment passphrase; a locked or unreadable store reports absent.
func (s *Store) Get(name string) (string, bool) {
	if err := s.Load(""); err != nil {
		s.logger.Warn("keystore unavailable", "path", s.path, "error", err)
		return "", false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.cache[name]
	return v, ok
}

// GetOr returns the named secret or def when absent.
func (s *Store) GetOr(name, def string) string {
	if v, ok := s.Get(name); ok {
		return v
	}
	return def
}

// Lookup is like Get but reports absence as ErrSecretNotFound.
func (s *Store) Lookup(name string) (string, error) {
	v, ok := s.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return v, nil
}

// Set stores a secret and persists the whole store. A passphrase is
// required, either as argument or via the environment.
func (s *Store) Set(name, value, passphrase string) error {
	return s.SetAll(map[string]string{name: value}, passphrase)
}

// SetAll stores several secrets with a single persist.
func (s *Store) SetAll(items map[string]string, passphrase string) error {
	passphrase = s.resolve(passphrase)
	if passphrase == "" {
		return ErrMissingPassphrase
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(passphrase); err != nil {
		return err
	}

	next := make(map[string]string, len(s.cache)+len(items))
	for k, v := range s.cache {
		next[k] = v
	}
	for k, v := range items {
		next[k] = v
	}

	if err := s.save(passphrase, next); err != nil {
		return err
	}
	s.cache = next
	return nil
}

// Items returns a copy of all secrets.
func (s *Store) Items() map[string]string {
	if err := s.Load(""); err != nil {
		s.logger.Warn("keystore unavailable", "path", s.path, "error", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.cache))
	for k, v := range s.cache {
		out[k] = v
	}
	return out
}

// Export copies the named secrets into the process environment and
// returns the names that were set.
func (s *Store) Export(names []string) []string {
	var exported []string
	for _, name := range names {
		v, ok := s.Get(name)
		if !ok || v == "" {
			continue
		}
		if err := os.Setenv(name, v); err != nil {
			s.logger.Warn("failed to export secret", "name", name, "error", err)
			continue
		}
		exported = append(exported, name)
	}
	return exported
}

func (s *Store) resolve(passphrase string) string {
	if passphrase != "" {
		return passphrase
	}
	return os.Getenv(s.passphraseEnv)
}

func (s *Store) save(passphrase string, items map[string]string) error {
	plain, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to marshal keystore: %w", err)
	}

	blob, err := seal(passphrase, plain, s.scryptN)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create keystore directory: %w", err)
	}
	return writeAtomic(s.path, blob)
}

// writeAtomic writes data to path+".tmp", syncs it and renames it over path.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp keystore: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp keystore: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp keystore: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close temp keystore: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace keystore: %w", err)
	}
	return nil
}
