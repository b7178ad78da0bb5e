package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/dbconsolidate/internal/backup"
	"github.com/sells-group/dbconsolidate/internal/config"
	"github.com/sells-group/dbconsolidate/internal/extract"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage source database backups",
	Long:  "Commands for creating, listing, verifying and pruning backups of the source SQLite databases.",
}

// -- backup create --

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Back up the critical sources, or one named source",
	RunE: func(cmd *cobra.Command, _ []string) error {
		name, _ := cmd.Flags().GetString("source")
		sources, err := selectSources(cfg, name)
		if err != nil {
			return err
		}

		m := backupManager()
		var snaps []*backup.Snapshot
		for _, src := range sources {
			s, err := m.Create(cmd.Context(), src)
			if err != nil {
				return eris.Wrapf(err, "backup create %s", src.Name)
			}
			snaps = append(snaps, s)
		}
		formatSnapshots(os.Stdout, snaps)
		return nil
	},
}

// -- backup list --

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		name, _ := cmd.Flags().GetString("source")
		snaps, err := backupManager().List(name)
		if err != nil {
			return eris.Wrap(err, "backup list")
		}
		if len(snaps) == 0 {
			fmt.Fprintln(os.Stderr, "No backups found.")
			return nil
		}
		formatSnapshots(os.Stdout, snaps)
		return nil
	},
}

// -- backup verify --

var backupVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute checksums and business values of backups",
	RunE: func(cmd *cobra.Command, _ []string) error {
		name, _ := cmd.Flags().GetString("source")
		m := backupManager()
		snaps, err := m.List(name)
		if err != nil {
			return eris.Wrap(err, "backup verify")
		}

		bad := 0
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "SOURCE\tBACKUP\tRESULT")
		_, _ = fmt.Fprintln(w, "------\t------\t------")
		for _, s := range snaps {
			result := "ok"
			if err := m.Verify(cmd.Context(), s); err != nil {
				result = err.Error()
				bad++
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", s.Source, s.Path, result)
		}
		_ = w.Flush()

		if bad > 0 {
			return &exitError{code: 1, err: eris.Errorf("backup verify: %d of %d backups failed verification", bad, len(snaps))}
		}
		return nil
	},
}

// -- backup prune --

var backupPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the newest backups of each source",
	RunE: func(cmd *cobra.Command, _ []string) error {
		name, _ := cmd.Flags().GetString("source")
		keep, _ := cmd.Flags().GetInt("keep")
		if keep == 0 {
			keep = cfg.Backup.Keep
		}

		names := []string{name}
		if name == "" {
			names = names[:0]
			for _, s := range cfg.Sources {
				names = append(names, s.Name)
			}
		}

		m := backupManager()
		for _, n := range names {
			removed, err := m.Prune(n, keep)
			if err != nil {
				return eris.Wrapf(err, "backup prune %s", n)
			}
			for _, p := range removed {
				fmt.Println(p)
			}
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{backupCreateCmd, backupListCmd, backupVerifyCmd, backupPruneCmd} {
		c.Flags().String("source", "", "restrict to one configured source")
		backupCmd.AddCommand(c)
	}
	backupPruneCmd.Flags().Int("keep", 0, "backups to keep per source (default backup.keep)")
	rootCmd.AddCommand(backupCmd)
}

func backupManager() *backup.Manager {
	return backup.NewManager(cfg.Backup.Dir, extract.BusinessValue)
}

// selectSources returns the named source, or every critical source when name
// is empty.
func selectSources(c *config.Config, name string) ([]config.SourceConfig, error) {
	if name != "" {
		s, ok := c.Source(name)
		if !ok {
			return nil, eris.Errorf("unknown source %q", name)
		}
		return []config.SourceConfig{s}, nil
	}
	var out []config.SourceConfig
	for _, s := range c.Sources {
		if s.Critical {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, eris.New("no critical sources configured; name one with --source")
	}
	return out, nil
}

// formatSnapshots writes a tabular list of backups to w.
func formatSnapshots(out io.Writer, snaps []*backup.Snapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tCREATED\tSIZE\tSHA256\tVALUE\tPATH")
	_, _ = fmt.Fprintln(w, "------\t-------\t----\t------\t-----\t----")
	for _, s := range snaps {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%.2f\t%s\n",
			s.Source,
			s.CreatedAt.Format("2006-01-02 15:04:05"),
			s.Size,
			truncateID(s.SHA256),
			s.BusinessValue,
			s.Path,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of an id or digest for compact
// display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
