package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/flatetl/pkg/config"
	"github.com/ajitpratap0/flatetl/pkg/errors"
	"github.com/ajitpratap0/flatetl/pkg/provision"
)

func newProvisionCmd(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Apply the destination schema",
		Long: `Provision applies the embedded migrations that create the customers,
products and sales tables. Applying them again is a no-op.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(global.configFile)
			if err != nil {
				return err
			}
			if !cfg.Database.Enabled() {
				return errors.New(errors.ErrorTypeConfig, "database.host is required (set POSTGRES_HOST or FLATETL_DATABASE_HOST)")
			}

			log, err := newLogger(cfg)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialize logger")
			}
			defer func() { _ = log.Sync() }()

			version, err := provision.Run(cmd.Context(), cfg.Database, log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d (%v)\n", version, provision.Tables)
			return nil
		},
	}
}
