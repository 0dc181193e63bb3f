package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newSetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> <value>",
		Short: "Store a secret",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.store().Set(args[0], args[1], a.pass); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
}

func newGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Print a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.unlockedStore()
			if err != nil {
				return err
			}
			v, err := s.Lookup(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}
}

func newListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List secrets with redacted values",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.unlockedStore()
			if err != nil {
				return err
			}

			items := s.Items()
			names := make([]string, 0, len(items))
			for name := range items {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", name, redact(items[name]))
			}
			return nil
		},
	}
}

// redact keeps only the last four characters of v.
func redact(v string) string {
	if len(v) > 4 {
		v = v[len(v)-4:]
	}
	return "***" + v
}
