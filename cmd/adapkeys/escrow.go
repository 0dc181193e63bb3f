package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/adap-ai/adap/internal/crypto"
	"github.com/adap-ai/adap/pkg/types"
)

func newExportCommand(a *app) *cobra.Command {
	var (
		recipients []string
		outPath    string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the store as an age escrow bundle",
		Long: `Export every secret as a JSON escrow bundle encrypted to one or more
age recipients. Without --out the bundle is written to stdout.

Examples:
  adapkeys export --recipient age1... > keys.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(recipients) == 0 {
				return errors.New("at least one --recipient is required")
			}

			s, err := a.unlockedStore()
			if err != nil {
				return err
			}

			bundle, err := crypto.SealSecrets(s.Items(), recipients...)
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(bundle, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal bundle: %w", err)
			}
			data = append(data, '\n')

			if outPath == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(outPath, data, 0600); err != nil {
				return fmt.Errorf("failed to write bundle: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote bundle: %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&recipients, "recipient", nil, "age recipient public key (repeatable)")
	cmd.Flags().StringVar(&outPath, "out", "", "write the bundle to this file")
	return cmd
}

func newImportCommand(a *app) *cobra.Command {
	var (
		identityPath string
		inPath       string
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Merge an age escrow bundle into the store",
		Long: `Decrypt an escrow bundle with an age identity and merge its secrets into
the store. Without --in the bundle is read from stdin.

Examples:
  adapkeys import --identity adap.key < keys.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if identityPath == "" {
				identityPath = a.cfg.Crypto.IdentityPath
			}
			km := crypto.NewKeyManager(identityPath)
			if err := km.Load(); err != nil {
				return err
			}

			var (
				data []byte
				err  error
			)
			if inPath == "" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(inPath)
			}
			if err != nil {
				return fmt.Errorf("failed to read bundle: %w", err)
			}

			var bundle types.EscrowBundle
			if err := json.Unmarshal(data, &bundle); err != nil {
				return fmt.Errorf("failed to parse bundle: %w", err)
			}

			items, err := crypto.OpenSecrets(&bundle, km.Identity())
			if err != nil {
				return err
			}
			if err := a.store().SetAll(items, a.pass); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d secrets\n", len(items))
			return nil
		},
	}

	cmd.Flags().StringVar(&identityPath, "identity", "", "age identity file (default from config)")
	cmd.Flags().StringVar(&inPath, "in", "", "read the bundle from this file")
	return cmd
}

func newKeygenCommand(a *app) *cobra.Command {
	var (
		identityPath string
		force        bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an age identity for escrow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if identityPath == "" {
				identityPath = a.cfg.Crypto.IdentityPath
			}
			if _, err := os.Stat(identityPath); err == nil && !force {
				return fmt.Errorf("identity already exists: %s (use --force to replace)", identityPath)
			}

			km := crypto.NewKeyManager(identityPath)
			if err := km.Generate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Created identity: %s\n", identityPath)
			fmt.Fprintln(cmd.OutOrStdout(), km.PublicKey())
			return nil
		},
	}

	cmd.Flags().StringVar(&identityPath, "identity", "", "identity file to write (default from config)")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing identity")
	return cmd
}
