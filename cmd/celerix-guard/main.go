package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-guard/pkg/sdk"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg, err := sdk.ConfigFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var client *sdk.Client
	root := &cobra.Command{
		Use:          "celerix-guard",
		Short:        "Administer a running celerix-guardd",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := sdk.ConnectConfig(cfg)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", cfg.Addr, err)
			}
			client = c
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if client != nil {
				return client.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfg.Addr, "addr", cfg.Addr, "daemon admin address (CELERIX_GUARD_ADDR)")
	root.PersistentFlags().BoolVar(&cfg.DisableTLS, "no-tls", cfg.DisableTLS, "use plain TCP (CELERIX_GUARD_DISABLE_TLS)")

	root.AddCommand(
		&cobra.Command{
			Use:   "ping",
			Short: "Check that the daemon answers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := client.Ping(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "PONG")
				return nil
			},
		},
		&cobra.Command{
			Use:   "ban <user>",
			Short: "Add a user to the blacklist",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				added, err := client.Ban(args[0])
				if err != nil {
					return err
				}
				if !added {
					fmt.Fprintf(cmd.OutOrStdout(), "%s was already banned\n", args[0])
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), "OK")
				return nil
			},
		},
		&cobra.Command{
			Use:   "unban <user>",
			Short: "Remove a user from the blacklist",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := client.Unban(args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "OK")
				return nil
			},
		},
		&cobra.Command{
			Use:   "banned <user>",
			Short: "Report whether a user is blacklisted",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				banned, err := client.IsBanned(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), banned)
				return nil
			},
		},
		&cobra.Command{
			Use:   "bans",
			Short: "List blacklisted users",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				list, err := client.ListBans()
				if err != nil {
					return err
				}
				return printJSON(cmd, list)
			},
		},
		&cobra.Command{
			Use:   "pending",
			Short: "List members with a verification in flight",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				pending, err := client.Pending()
				if err != nil {
					return err
				}
				return printJSON(cmd, pending)
			},
		},
	)
	return root
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return nil
}
