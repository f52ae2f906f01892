package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/createrken-code/nippo-shokuninn/core/bootstrap"
	"github.com/createrken-code/nippo-shokuninn/core/buildinfo"
	corecmd "github.com/createrken-code/nippo-shokuninn/core/cmd"
	"github.com/createrken-code/nippo-shokuninn/core/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nippo",
		Short:         "Daily report bot for LINE and Telegram",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server, Telegram poller and report workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return corecmd.Run(corecmd.Options{
				ConfigPath:        configPath,
				DefaultConfigPath: "config.yaml",
				Bootstrap:         start,
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config (default $CONFIG_PATH or config.yaml)")
	return cmd
}

func start(ctx context.Context, cfg *config.Config) (corecmd.Application, error) {
	infra, err := bootstrap.Run(ctx, bootstrap.Options{Config: cfg})
	if err != nil {
		return nil, err
	}
	// Build releases infra itself when wiring fails.
	return bootstrap.Build(ctx, cfg, infra)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
		},
	}
}
