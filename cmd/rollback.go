package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Restore a source from its newest verified backup",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		name, _ := cmd.Flags().GetString("source")

		src, ok := cfg.Source(name)
		if !ok {
			return eris.Errorf("rollback: unknown source %q", name)
		}

		m := backupManager()
		snap, err := m.Latest(ctx, src.Name)
		if err != nil {
			return eris.Wrap(err, "rollback")
		}
		if err := m.Restore(ctx, snap, src.Path); err != nil {
			return eris.Wrapf(err, "rollback: restore %s", src.Name)
		}

		fmt.Printf("Restored %s from %s (business value %.2f)\n", src.Path, snap.Path, snap.BusinessValue)
		return nil
	},
}

func init() {
	rollbackCmd.Flags().String("source", "", "source to restore")
	_ = rollbackCmd.MarkFlagRequired("source")
	rootCmd.AddCommand(rollbackCmd)
}
