package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/sqlagent/pkg/config"
	"github.com/malbeclabs/sqlagent/pkg/seed"
)

func newSeedCmd(opts *rootOptions) *cobra.Command {
	seedCfg := seed.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create the sales tables and fill them with generated data",
		Long:  `seed creates the users, products and orders tables if needed and loads generated data. It does nothing when users already exist.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dbCfg := opts.cfg.Database
			if dbCfg.Driver == config.DriverDuckDB {
				return fmt.Errorf("seed requires a postgres database, got driver %q", dbCfg.Driver)
			}
			if err := dbCfg.Validate(); err != nil {
				return err
			}
			if err := seedCfg.Validate(); err != nil {
				return fmt.Errorf("invalid seed options: %w", err)
			}

			ctx := cmd.Context()
			log := opts.log
			log.Info("seed: connecting", "database", dbCfg.Redacted())

			pool, err := seed.Connect(ctx, dbCfg.ConnectionString())
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := seed.Migrate(ctx, log, pool); err != nil {
				return err
			}
			stats, err := seed.Seed(ctx, log, pool, seedCfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if stats.Skipped {
				_, err = fmt.Fprintln(out, "Data already present, skipping seed.")
				return err
			}
			_, err = fmt.Fprintf(out, "Seeded %d users, %d products, %d orders (%d batches skipped).\n",
				stats.Users, stats.Products, stats.Orders, stats.SkippedBatches)
			return err
		},
	}

	fs := cmd.Flags()
	fs.IntVar(&seedCfg.Users, "users", seedCfg.Users, "number of users to create")
	fs.IntVar(&seedCfg.Products, "products", seedCfg.Products, "number of products to create")
	fs.IntVar(&seedCfg.Orders, "orders", seedCfg.Orders, "number of orders to create")
	fs.IntVar(&seedCfg.BatchSize, "batch-size", seedCfg.BatchSize, "orders inserted per batch")
	fs.Uint64Var(&seedCfg.Seed, "seed", seedCfg.Seed, "random seed for generated data")
	return cmd
}
