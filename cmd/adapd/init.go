package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/adap-ai/adap/internal/config"
	"github.com/adap-ai/adap/internal/crypto"
	"github.com/adap-ai/adap/pkg/types"
)

// initializeAdap lays out a new instance under projectPath: config file,
// escrow identity and the plugin and data directories.
func initializeAdap(projectPath string, out io.Writer) error {
	absPath, err := filepath.Abs(projectPath)
	if err != nil {
		return err
	}

	adapDir := filepath.Join(absPath, ".adap")
	if err := os.MkdirAll(adapDir, 0755); err != nil {
		return fmt.Errorf("failed to create .adap directory: %w", err)
	}

	cfg := types.DefaultConfig()
	cfg.Secrets.Path = filepath.Join(absPath, "data", "api_keys.enc")
	cfg.Crypto.IdentityPath = filepath.Join(adapDir, "adap.key")
	cfg.Journal.Path = filepath.Join(absPath, "memory", "store.db")
	cfg.Audit.Path = filepath.Join(absPath, "logs", "orchestrator_events.log")

	configPath := filepath.Join(absPath, "adap.yaml")
	if err := config.Write(configPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "Created config: %s\n", configPath)

	keyManager := crypto.NewKeyManager(cfg.Crypto.IdentityPath)
	if err := keyManager.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize crypto: %w", err)
	}
	fmt.Fprintf(out, "Created identity: %s\n", cfg.Crypto.IdentityPath)
	fmt.Fprintf(out, "Public key: %s\n", keyManager.PublicKey())

	for _, folder := range cfg.Registry.Folders {
		dir := filepath.Join(absPath, folder)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", folder, err)
		}
		fmt.Fprintf(out, "Created plugin dir: %s\n", dir)
	}

	fmt.Fprintln(out, "\nadap initialization complete!")
	fmt.Fprintln(out, "Run 'adapd' from the project directory to start the runtime.")
	return nil
}
