package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lyndonlyu/loupe/internal/repository"
)

var (
	sessionsFormat string
	sessionsLimit  int
	scanFormat     string
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Rebuild the repository index from the session files on disk",
	RunE:  runScan,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show repository location and index counts",
	RunE:  runStatus,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Indexed sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List indexed sessions, newest first",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one session and its files",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsRemoveCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"remove"},
	Short:   "Delete a session's files and index entries",
	Args:    cobra.ExactArgs(1),
	RunE:    runSessionsRemove,
}

func init() {
	scanCmd.Flags().StringVar(&scanFormat, "format", "", "Output format (json)")
	sessionsListCmd.Flags().StringVar(&sessionsFormat, "format", "", "Output format (json)")
	sessionsListCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "Number of sessions to show (0 = all)")
	sessionsShowCmd.Flags().StringVar(&sessionsFormat, "format", "", "Output format (json)")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsRemoveCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	m := newLockManager()
	defer m.Close()
	repo, err := openRepository(m)
	if err != nil {
		return err
	}
	defer repo.Close()

	res, err := repo.Scan(backgroundContext(cmd), m.RegisterOwner("scan"))
	if err != nil {
		return err
	}
	if scanFormat == "json" {
		out, err := repository.FormatScanResultJSON(res)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}
	fmt.Print(repository.FormatScanResult(res))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	m := newLockManager()
	defer m.Close()
	repo, err := openRepository(m)
	if err != nil {
		return err
	}
	defer repo.Close()

	stats, err := repo.Stats(backgroundContext(cmd))
	if err != nil {
		return err
	}
	fmt.Print(repository.FormatStats(repo.Dir(), stats))
	return nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	m := newLockManager()
	defer m.Close()
	repo, err := openRepository(m)
	if err != nil {
		return err
	}
	defer repo.Close()

	sessions, err := repo.Sessions(backgroundContext(cmd), sessionsLimit)
	if err != nil {
		return err
	}
	if sessionsFormat == "json" {
		out, err := repository.FormatSessionListJSON(sessions)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}
	fmt.Print(repository.FormatSessionList(sessions))
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	m := newLockManager()
	defer m.Close()
	repo, err := openRepository(m)
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx := backgroundContext(cmd)
	s, err := repo.Session(ctx, args[0])
	if err != nil {
		return fmt.Errorf("session %s: %w", args[0], err)
	}
	files, err := repo.Files(ctx, args[0])
	if err != nil {
		return err
	}

	if sessionsFormat == "json" {
		data, err := json.MarshalIndent(struct {
			*repository.SessionRecord
			FileList []repository.FileRecord `json:"file_list"`
		}{s, files}, "", "  ")
		if err != nil {
			return fmt.Errorf("json marshal: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Println(styleTitle.Render(s.Product + " / " + s.Application))
	fmt.Print(field("Session", s.ID))
	fmt.Print(field("Status", renderStatus(s.Status)))
	fmt.Print(field("Caption", s.Caption))
	fmt.Print(field("Host", s.HostName))
	fmt.Print(field("User", s.UserName))
	fmt.Print(field("Started", s.StartTime))
	fmt.Print(field("Ended", s.EndTime))
	fmt.Print(field("Messages", fmt.Sprintf("%d (%d critical, %d errors, %d warnings)",
		s.Messages, s.Critical, s.Errors, s.Warnings)))
	for _, f := range files {
		last := ""
		if f.IsLast {
			last = styleDim.Render(" (last)")
		}
		fmt.Printf("  #%-3d %s %s%s\n", f.Sequence, f.Path, styleDim.Render(fmt.Sprintf("%d bytes", f.Size)), last)
	}
	return nil
}

func runSessionsRemove(cmd *cobra.Command, args []string) error {
	m := newLockManager()
	defer m.Close()
	repo, err := openRepository(m)
	if err != nil {
		return err
	}
	defer repo.Close()

	n, err := repo.Remove(backgroundContext(cmd), m.RegisterOwner("remove"), args[0])
	if err != nil {
		return fmt.Errorf("session %s: %w", args[0], err)
	}
	fmt.Println(styleSuccess.Render(fmt.Sprintf("Removed session %s (%d files)", args[0], n)))
	return nil
}
