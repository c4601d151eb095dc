package repository

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lyndonlyu/loupe/internal/filelock"
	"github.com/lyndonlyu/loupe/internal/sessionheader"
)

// Policy defines which sessions Prune keeps.
type Policy struct {
	MaxAge      time.Duration // drop sessions that ended longer ago (0 = no limit)
	MaxSessions int           // keep at most N most recent sessions (0 = no limit)
	DryRun      bool          // report without deleting
}

// DefaultPolicy keeps 30 days and at most 100 sessions.
func DefaultPolicy() Policy {
	return Policy{
		MaxAge:      30 * 24 * time.Hour,
		MaxSessions: 100,
	}
}

// PruneResult tracks what was, or with DryRun would be, removed.
type PruneResult struct {
	SessionsRemoved int      `json:"sessions_removed"`
	FilesRemoved    int      `json:"files_removed"`
	BytesFreed      int64    `json:"bytes_freed"`
	Sessions        []string `json:"sessions,omitempty"`
}

// Prune removes indexed sessions outside policy, newest sessions first
// counting towards MaxSessions. Sessions still marked running are never
// removed since a writer may hold their last file open.
func (r *Repository) Prune(ctx context.Context, owner *filelock.Owner, p Policy) (PruneResult, error) {
	var res PruneResult
	l, err := r.lock(ctx, owner, RepositoryLock, "prune")
	if err != nil {
		return res, err
	}
	defer l.Close()

	sessions, err := r.Sessions(ctx, 0)
	if err != nil {
		return res, err
	}
	cutoff := formatTime(r.opts.now().Add(-p.MaxAge))

	for i, s := range sessions {
		if sessionheader.ParseStatus(s.Status) == sessionheader.StatusRunning {
			continue
		}
		withinCount := p.MaxSessions <= 0 || i < p.MaxSessions
		withinAge := p.MaxAge <= 0 || s.EndTime >= cutoff
		if withinCount && withinAge {
			continue
		}

		files, err := r.Files(ctx, s.ID)
		if err != nil {
			return res, err
		}
		var size int64
		for _, f := range files {
			size += f.Size
		}
		if !p.DryRun {
			if _, err := r.removeLocked(ctx, s.ID, files); err != nil {
				return res, fmt.Errorf("repository: prune: %w", err)
			}
		}
		res.SessionsRemoved++
		res.FilesRemoved += len(files)
		res.BytesFreed += size
		res.Sessions = append(res.Sessions, s.ID)
	}

	r.opts.log.Info("repository pruned",
		zap.Int("sessions", res.SessionsRemoved),
		zap.Int64("bytes", res.BytesFreed),
		zap.Bool("dry_run", p.DryRun))
	return res, nil
}
