package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/angelmondragon/escrowpay-backend/pkg/config"
	"github.com/angelmondragon/escrowpay-backend/pkg/db"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
	"github.com/angelmondragon/escrowpay-backend/pkg/migrate"
)

func main() {
	_ = godotenv.Load()

	var dir string
	rootCmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage escrowpay database migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&dir, "dir", "", "migrations directory; empty applies the embedded set and edits "+migrate.DefaultDir)

	rootCmd.AddCommand(
		dbCommand("up", "Apply all pending migrations", &dir, func(ctx context.Context, sqlDB *sql.DB, _ []string) error {
			return migrate.Run(ctx, sqlDB, dir, "up")
		}),
		dbCommand("down", "Roll back the latest migration", &dir, func(ctx context.Context, sqlDB *sql.DB, _ []string) error {
			return migrate.Run(ctx, sqlDB, dir, "down")
		}),
		dbCommand("status", "Print migration status", &dir, func(ctx context.Context, sqlDB *sql.DB, _ []string) error {
			return migrate.Run(ctx, sqlDB, dir, "status")
		}),
		versionCmd(&dir),
		createCmd(&dir),
		validateCmd(&dir),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func createCmd(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "create [name]",
		Short: "Create a new SQL migration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := migrate.CreateSQLMigration(sourceDir(*dir), args[0])
			if err != nil {
				return fmt.Errorf("create migration: %w", err)
			}
			fmt.Println("created migration:", path)
			return nil
		},
	}
}

func validateCmd(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate migration filenames and goose headers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := migrate.ValidateDir(sourceDir(*dir)); err != nil {
				return fmt.Errorf("migration validation failed: %w", err)
			}
			fmt.Println("migration validation passed")
			return nil
		},
	}
}

func sourceDir(dir string) string {
	if dir == "" {
		return migrate.DefaultDir
	}
	return dir
}

func versionCmd(dir *string) *cobra.Command {
	cmd := dbCommand("to [version]", "Migrate up or down to a version (YYYYMMDDHHMMSS)", dir, func(ctx context.Context, sqlDB *sql.DB, args []string) error {
		return migrate.MigrateToVersion(ctx, sqlDB, *dir, args[0])
	})
	cmd.Args = cobra.ExactArgs(1)
	return cmd
}

// dbCommand wraps a goose action with config loading and a database connection.
func dbCommand(use, short string, dir *string, run func(ctx context.Context, sqlDB *sql.DB, args []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logg := logger.New(logger.Options{
				ServiceName: "migrate",
				Level:       logger.ParseLevel(cfg.App.LogLevel),
				WarnStack:   cfg.App.LogWarnStack,
			})
			ctx := logg.WithFields(cmd.Context(), map[string]any{
				"env": cfg.App.Env,
				"cmd": cmd.Name(),
				"dir": *dir,
			})

			dbClient, err := db.New(ctx, cfg.DB, logg)
			if err != nil {
				logg.Error(ctx, "resource not working: database", err)
				return err
			}
			defer dbClient.Close()

			sqlDB, err := dbClient.DB().DB()
			if err != nil {
				return fmt.Errorf("extract sql.DB: %w", err)
			}

			logg.Info(ctx, "migrate ready")
			if err := run(ctx, sqlDB, args); err != nil {
				logg.Error(ctx, "migration command failed", err)
				return err
			}
			return nil
		},
	}
}
