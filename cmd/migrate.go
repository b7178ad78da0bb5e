package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dbconsolidate/internal/migrate"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply target schema migrations",
	Long:  "Applies all pending SQL migrations to the consolidated schema in lexicographic order.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pool, err := targetPool(ctx, false)
		if err != nil {
			return err
		}
		defer pool.Close()

		applied, err := migrate.Migrate(ctx, pool)
		if err != nil {
			return eris.Wrap(err, "migrate")
		}

		if len(applied) == 0 {
			fmt.Fprintln(os.Stderr, "Schema is up to date.")
			return nil
		}
		for _, name := range applied {
			fmt.Println(name)
		}
		zap.L().Info("all migrations applied successfully", zap.Int("applied", len(applied)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
