package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lyndonlyu/loupe/internal/repository"
)

var (
	pruneDryRun      bool
	pruneMaxAgeDays  int
	pruneMaxSessions int
	pruneFormat      string
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete sessions outside the retention policy",
	Long: "Prune removes finished sessions older than repository.max_age_days or beyond the " +
		"repository.max_sessions most recent. Running sessions are kept. Run scan first so the " +
		"index reflects the files on disk.",
	RunE: runPrune,
}

func init() {
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Report without deleting")
	pruneCmd.Flags().IntVar(&pruneMaxAgeDays, "max-age-days", -1, "Override repository.max_age_days")
	pruneCmd.Flags().IntVar(&pruneMaxSessions, "max-sessions", -1, "Override repository.max_sessions")
	pruneCmd.Flags().StringVar(&pruneFormat, "format", "", "Output format (json)")
	rootCmd.AddCommand(pruneCmd)
}

func prunePolicy() repository.Policy {
	days, keep := cfg.Repository.MaxAgeDays, cfg.Repository.MaxSessions
	if pruneMaxAgeDays >= 0 {
		days = pruneMaxAgeDays
	}
	if pruneMaxSessions >= 0 {
		keep = pruneMaxSessions
	}
	return repository.Policy{
		MaxAge:      time.Duration(days) * 24 * time.Hour,
		MaxSessions: keep,
		DryRun:      pruneDryRun,
	}
}

func runPrune(cmd *cobra.Command, args []string) error {
	m := newLockManager()
	defer m.Close()
	repo, err := openRepository(m)
	if err != nil {
		return err
	}
	defer repo.Close()

	res, err := repo.Prune(backgroundContext(cmd), m.RegisterOwner("prune"), prunePolicy())
	if err != nil {
		return err
	}
	if pruneFormat == "json" {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("json marshal: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}
	fmt.Print(repository.FormatPruneResult(res, pruneDryRun))
	return nil
}
