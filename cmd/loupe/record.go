package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lyndonlyu/loupe/internal/environment"
	"github.com/lyndonlyu/loupe/internal/filelock"
	"github.com/lyndonlyu/loupe/internal/packet"
	"github.com/lyndonlyu/loupe/internal/repository"
	"github.com/lyndonlyu/loupe/internal/sessionheader"
)

var (
	recordMessages int
	recordSeverity string
	recordCaption  string
	recordSplit    int
	recordCrash    bool
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a session into the repository",
	Long: "Record writes a session for the configured application into the repository, " +
		"optionally split across several files.",
	RunE: runRecord,
}

func init() {
	recordCmd.Flags().IntVarP(&recordMessages, "messages", "n", 10, "Number of messages to write")
	recordCmd.Flags().StringVar(&recordSeverity, "severity", "information", "Message severity")
	recordCmd.Flags().StringVar(&recordCaption, "caption", "message", "Message caption prefix")
	recordCmd.Flags().IntVar(&recordSplit, "split", 0, "Start a new file every N messages (0 = one file)")
	recordCmd.Flags().BoolVar(&recordCrash, "crash", false, "Mark the session as crashed")
}

func newLockManager() *filelock.Manager {
	return filelock.NewManager(
		filelock.WithPollInterval(cfg.Lock.PollInterval),
		filelock.WithBackoff(cfg.Lock.Backoff),
		filelock.WithIdleCheck(cfg.Lock.IdleCheck),
		filelock.WithIdleRelease(cfg.Lock.IdleRelease),
		filelock.WithRetainIdle(cfg.Lock.RetainIdle),
		filelock.WithLogger(lg.Named("filelock")),
		filelock.WithMetrics(lockMetrics),
	)
}

func openRepository(m *filelock.Manager) (*repository.Repository, error) {
	return repository.Open(cfg.Repository.Dir, m,
		repository.WithLockTimeout(cfg.Lock.Timeout),
		repository.WithCompression(cfg.Repository.Compress),
		repository.WithBatchSize(cfg.Repository.IndexBatch),
		repository.WithLogger(lg.Named("repository")),
		repository.WithMetrics(sessionMetrics),
	)
}

func runRecord(cmd *cobra.Command, args []string) error {
	sev, err := packet.ParseSeverity(recordSeverity)
	if err != nil {
		return err
	}
	if recordMessages < 0 {
		return fmt.Errorf("--messages must not be negative, got %d", recordMessages)
	}

	ctx, stop := signal.NotifyContext(backgroundContext(cmd), os.Interrupt)
	defer stop()

	m := newLockManager()
	defer m.Close()
	repo, err := openRepository(m)
	if err != nil {
		return err
	}
	defer repo.Close()
	owner := m.RegisterOwner("record")

	s := cfg.Session
	summary := environment.Collect(environment.Application{
		Product:     s.Product,
		Name:        s.Application,
		Version:     s.Version,
		Description: s.Description,
		Environment: s.Environment,
		Promotion:   s.PromotionLevel,
		Properties:  s.PropertyMap(),
	}, version)
	header := sessionheader.FromSummary(summary)

	w, path, err := repo.NewSession(ctx, owner, header)
	if err != nil {
		return err
	}
	paths := []string{path}

	for i := range recordMessages {
		if recordSplit > 0 && i > 0 && i%recordSplit == 0 {
			if err := w.Close(false); err != nil {
				return err
			}
			if w, path, err = repo.NewSession(ctx, owner, header); err != nil {
				return err
			}
			paths = append(paths, path)
		}
		msg := packet.Message{
			Severity: sev,
			Category: "loupe.record",
			Caption:  fmt.Sprintf("%s %d", recordCaption, i+1),
		}
		if err := w.Append(msg); err != nil {
			w.Close(false)
			return err
		}
		if ctx.Err() != nil {
			header.SetStatus(sessionheader.StatusCrashed)
			break
		}
	}
	if recordCrash {
		header.SetStatus(sessionheader.StatusCrashed)
	}
	if err := w.Close(true); err != nil {
		return err
	}

	lg.Info("session recorded", zap.Stringer("session", header.ID()), zap.Int("files", len(paths)))
	fmt.Println(styleTitle.Render("Session " + header.ID().String()))
	for _, p := range paths {
		fmt.Println("  " + p)
	}
	fmt.Print(field("Status", renderStatus(header.Status().String())) +
		field("Messages", fmt.Sprintf("%d", header.MessageCount())))
	return nil
}

// backgroundContext is used by commands that do not wire signals.
func backgroundContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
