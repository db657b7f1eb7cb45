package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/store"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBBackfillCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the Switchyard database",
		Long:  "Creates the MySQL database if needed and migrates all tables. For sqlite the file is created on first connect.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(cmd.Context(), configPath)
	if err != nil {
		return err
	}

	if cfg.Database.Driver == "mysql" && cfg.Database.DSN == "" {
		adminDB, err := db.ConnectAdmin(cfg.Database)
		if err != nil {
			return err
		}
		err = db.CreateDatabase(adminDB, cfg.Database.Name)
		db.Close(adminDB)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready\n", cfg.Database.Name)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	fmt.Fprintln(out, "\nSwitchyard database initialized successfully.")
	return nil
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update all tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer db.Close(gormDB)
			if err := db.AutoMigrate(gormDB); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d tables\n", len(db.AllModels()))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	return cmd
}

func newDBBackfillCmd() *cobra.Command {
	var (
		configPath string
		batch      int
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Copy sender into conversation_id for legacy rows",
		Long: `Fills conversation_id from sender on rows written before conversation ids
existed. Once it reports zero remaining rows, store.legacy_sender_fallback can
be turned off.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBBackfill(cmd, configPath, batch)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().IntVar(&batch, "batch", 500, "rows updated per statement")
	return cmd
}

func runDBBackfill(cmd *cobra.Command, configPath string, batch int) error {
	_, gormDB, err := connectFromConfig(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)

	n, err := store.New(store.Opts{DB: gormDB}).Backfill(cmd.Context(), batch)
	if err != nil {
		return fmt.Errorf("backfill after %d rows: %w", n, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Backfilled conversation_id on %d rows\n", n)
	return nil
}
