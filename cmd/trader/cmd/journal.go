package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"crypto-futures-trader/internal/journal"
	"crypto-futures-trader/internal/service"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query the trade event journal",
}

var journalTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the most recent open/close events",
	Long: `Print the last N events from the journal configured in config.yaml,
or from a SQLite file given with --db.

Examples:
  trader journal tail -n 50
  trader journal tail --db ./trades.db`,
	Args: cobra.NoArgs,
	RunE: runJournalTail,
}

var (
	journalDBPath string
	journalTailN  int
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalTailCmd)

	journalCmd.PersistentFlags().StringVarP(&journalDBPath, "db", "d", "", "path to SQLite journal, overrides the config")
	journalTailCmd.Flags().IntVarP(&journalTailN, "lines", "n", 20, "number of events")
}

func runJournalTail(cmd *cobra.Command, args []string) error {
	jc := service.JournalConfig{Driver: "sqlite", Path: journalDBPath}
	if journalDBPath == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		jc = cfg.Journal
	}

	store, err := journal.Open(jc, zap.NewNop())
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	if store == nil {
		return fmt.Errorf("journal is disabled (driver %q)", jc.Driver)
	}
	defer func() { _ = store.Close() }()

	events, err := store.Tail(cmd.Context(), journalTailN)
	if err != nil {
		return fmt.Errorf("tail: %w", err)
	}
	out := cmd.OutOrStdout()
	for _, e := range events {
		fmt.Fprintf(out, "%s %s %s\n", e.Time.Format("2006-01-02 15:04:05"), e.EventID, e)
	}
	if len(events) == 0 {
		fmt.Fprintln(out, "no events")
	}
	return nil
}
