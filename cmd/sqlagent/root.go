package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/sqlagent/pkg/config"
	"github.com/malbeclabs/sqlagent/pkg/logger"
)

// rootOptions holds state shared by every subcommand.
type rootOptions struct {
	verbose bool
	envFile string

	log *slog.Logger
	cfg config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "sqlagent",
		Short:         "Answer natural-language questions about the sales database",
		Long:          `sqlagent turns questions about users, products and orders into SQL, runs it read-only and answers in plain language.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "enable verbose (debug) logging")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before reading the environment")

	cmd.AddCommand(
		newServeCmd(opts),
		newAskCmd(opts),
		newSeedCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func (o *rootOptions) load(cmd *cobra.Command) error {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil {
			// The default file is optional; an explicit one is not.
			if cmd.Flags().Changed("env-file") || !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to load env file %s: %w", o.envFile, err)
			}
		}
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	o.cfg = cfg
	o.log = logger.NewWithWriter(cmd.ErrOrStderr(), o.verbose)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// Skip config loading.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "sqlagent %s (commit %s, built %s)\n", version, commit, date)
			return err
		},
	}
}
