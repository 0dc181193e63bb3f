package main

import (
	"github.com/spf13/cobra"

	"github.com/adap-ai/adap/internal/config"
	"github.com/adap-ai/adap/internal/secrets"
	"github.com/adap-ai/adap/pkg/types"
)

// app carries the persistent flags shared by every subcommand.
type app struct {
	pass       string
	storePath  string
	configPath string

	storeOpts []secrets.Option
	cfg       *types.Config
}

func newRootCommand(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "adapkeys",
		Short: "Manage the encrypted adap secret store",
		Long: `Manage the encrypted adap secret store.

The store is an scrypt + AES-256-GCM encrypted file. The passphrase comes
from --pass or from the environment variable named in the config
(KEYSTORE_PASSPHRASE by default).

Examples:
  adapkeys set RAPIDAPI_KEY abcd1234
  adapkeys ls
  adapkeys export --recipient age1... > keys.json
  adapkeys import --identity adap.key < keys.json`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig()
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.pass, "pass", "", "passphrase override")
	rootCmd.PersistentFlags().StringVar(&a.storePath, "store", "", "secret store path (default from config)")
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "path to config file")

	rootCmd.AddCommand(newSetCommand(a))
	rootCmd.AddCommand(newGetCommand(a))
	rootCmd.AddCommand(newListCommand(a))
	rootCmd.AddCommand(newExportCommand(a))
	rootCmd.AddCommand(newImportCommand(a))
	rootCmd.AddCommand(newKeygenCommand(a))

	return rootCmd
}

func (a *app) loadConfig() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	if a.storePath == "" {
		a.storePath = cfg.Secrets.Path
	}
	return nil
}

func (a *app) store() *secrets.Store {
	opts := append([]secrets.Option{secrets.WithPassphraseEnv(a.cfg.Secrets.PassphraseEnv)}, a.storeOpts...)
	return secrets.NewStore(a.storePath, opts...)
}

// unlockedStore returns a loaded store, failing when it stays locked.
func (a *app) unlockedStore() (*secrets.Store, error) {
	s := a.store()
	if err := s.Load(a.pass); err != nil {
		return nil, err
	}
	if !s.Loaded() {
		return nil, secrets.ErrMissingPassphrase
	}
	return s, nil
}
