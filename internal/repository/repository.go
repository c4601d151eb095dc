// Package repository manages a directory of session files and the SQLite
// index that summarises them.
//
// Writers create files under the "repository" lock and scanners rebuild
// the index under the "index" lock, so several processes can share one
// directory.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/lyndonlyu/loupe/internal/fileheader"
	"github.com/lyndonlyu/loupe/internal/filelock"
	"github.com/lyndonlyu/loupe/internal/metrics"
	"github.com/lyndonlyu/loupe/internal/sessionfile"
	"github.com/lyndonlyu/loupe/internal/sessionheader"
	"github.com/lyndonlyu/loupe/internal/writerq"
)

// Lock names used inside a repository directory.
const (
	RepositoryLock = "repository"
	IndexLock      = "index"
)

// IndexFile is the index database's name inside the repository.
const IndexFile = "index.db"

// DefaultLockTimeout bounds how long an operation waits for a
// repository lock.
const DefaultLockTimeout = 10 * time.Second

// File statuses stored in the index.
const (
	FileOK      = "ok"
	FileCorrupt = "corrupt"
)

// timeLayout is fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.0000000Z"

var ErrNotFound = errors.New("repository: not found")

// SessionRecord is the indexed summary of one session.
type SessionRecord struct {
	ID             string `json:"id"`
	Product        string `json:"product"`
	Application    string `json:"application"`
	Version        string `json:"version"`
	Environment    string `json:"environment"`
	PromotionLevel string `json:"promotion_level"`
	HostName       string `json:"host_name"`
	UserName       string `json:"user_name"`
	Caption        string `json:"caption"`
	Status         string `json:"status"`
	StartTime      string `json:"start_time"`
	EndTime        string `json:"end_time"`
	Messages       int32  `json:"messages"`
	Critical       int32  `json:"critical"`
	Errors         int32  `json:"errors"`
	Warnings       int32  `json:"warnings"`
	Files          int    `json:"files"`
}

// FileRecord is the indexed state of one file in the directory.
type FileRecord struct {
	Path      string `json:"path"`
	SessionID string `json:"session_id"`
	Sequence  int32  `json:"sequence"`
	FileID    string `json:"file_id"`
	Size      int64  `json:"size"`
	ModTime   string `json:"mod_time"`
	IsLast    bool   `json:"is_last"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// ScanResult reports what a Scan found.
type ScanResult struct {
	Scanned      int      `json:"scanned"`
	Indexed      int      `json:"indexed"`
	Skipped      int      `json:"skipped"`
	Corrupt      int      `json:"corrupt"`
	Removed      int      `json:"removed"`
	CorruptFiles []string `json:"corrupt_files,omitempty"`
}

// Stats are row counts of the index.
type Stats struct {
	Sessions int `json:"sessions"`
	Files    int `json:"files"`
	Corrupt  int `json:"corrupt"`
}

type options struct {
	lockTimeout time.Duration
	compress    bool
	batch       int
	log         *zap.Logger
	metrics     metrics.SessionMetrics
	now         func() time.Time
}

// Option configures a Repository.
type Option func(*options)

// WithLockTimeout bounds waits on the repository and index locks.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) { o.lockTimeout = d }
}

// WithCompression selects gzip packet streams for new session files.
func WithCompression(on bool) Option {
	return func(o *options) { o.compress = on }
}

// WithBatchSize caps how many index writes share one transaction.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batch = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func WithMetrics(m metrics.SessionMetrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Repository is an open session directory.
type Repository struct {
	dir   string
	opts  options
	locks *filelock.Manager
	db    *sql.DB
	q     *writerq.Queue
}

// Open opens the repository at dir, creating the directory and its index
// if needed. Locks are taken through locks, which the caller owns.
func Open(dir string, locks *filelock.Manager, opts ...Option) (*Repository, error) {
	o := options{
		lockTimeout: DefaultLockTimeout,
		compress:    true,
		batch:       writerq.DefaultMaxBatch,
		log:         zap.NewNop(),
		metrics:     metrics.NewNoopSessionMetrics(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("repository: open: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("repository: open: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(abs, IndexFile))
	if err != nil {
		return nil, fmt.Errorf("repository: open index: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: ping index: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("repository: %s: %w", p, err)
		}
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id              TEXT PRIMARY KEY,
			product         TEXT NOT NULL DEFAULT '',
			application     TEXT NOT NULL DEFAULT '',
			version         TEXT NOT NULL DEFAULT '',
			environment     TEXT NOT NULL DEFAULT '',
			promotion_level TEXT NOT NULL DEFAULT '',
			host_name       TEXT NOT NULL DEFAULT '',
			user_name       TEXT NOT NULL DEFAULT '',
			caption         TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT '',
			start_time      TEXT NOT NULL,
			end_time        TEXT NOT NULL,
			messages        INTEGER NOT NULL DEFAULT 0,
			critical        INTEGER NOT NULL DEFAULT 0,
			errors          INTEGER NOT NULL DEFAULT 0,
			warnings        INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			path       TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			sequence   INTEGER NOT NULL DEFAULT 0,
			file_id    TEXT NOT NULL DEFAULT '',
			size       INTEGER NOT NULL DEFAULT 0,
			mod_time   TEXT NOT NULL DEFAULT '',
			is_last    INTEGER NOT NULL DEFAULT 0,
			status     TEXT NOT NULL DEFAULT 'ok',
			error      TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS files_session ON files (session_id, sequence)`,
	}
	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("repository: create table: %w", err)
		}
	}

	q := writerq.New(db, writerq.WithMaxBatch(o.batch), writerq.WithLogger(o.log))
	return &Repository{dir: abs, opts: o, locks: locks, db: db, q: q}, nil
}

// Dir returns the absolute repository directory.
func (r *Repository) Dir() string { return r.dir }

// Close drains pending index writes and closes the index.
func (r *Repository) Close() error {
	qerr := r.q.Close()
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("repository: close: %w", err)
	}
	return qerr
}

func (r *Repository) lock(ctx context.Context, owner *filelock.Owner, name, requester string) (*filelock.Lock, error) {
	l, err := r.locks.Lock(ctx, owner, requester, r.dir, name, r.opts.lockTimeout, false)
	if err != nil {
		return nil, fmt.Errorf("repository: %s: %w", requester, err)
	}
	return l, nil
}

// NewSession creates the next file of header's session and indexes it.
// The header gets a fresh fragment block numbered after every file of the
// session already present.
func (r *Repository) NewSession(ctx context.Context, owner *filelock.Owner, header *sessionheader.SessionHeader) (*sessionfile.Writer, string, error) {
	l, err := r.lock(ctx, owner, RepositoryLock, "new session")
	if err != nil {
		return nil, "", err
	}
	defer l.Close()

	id := header.ID()
	seq, err := r.nextSequence(ctx, id)
	if err != nil {
		return nil, "", err
	}
	now := r.opts.now()
	header.SetFragment(sessionheader.Fragment{
		FileID:    uuid.New(),
		Sequence:  seq,
		StartTime: now,
		EndTime:   now,
	})

	path := filepath.Join(r.dir, fileName(id, seq))
	w, err := sessionfile.Create(path, header,
		sessionfile.WithCompression(r.opts.compress),
		sessionfile.WithSequence(seq),
		sessionfile.WithLogger(r.opts.log),
		sessionfile.WithMetrics(r.opts.metrics),
		sessionfile.WithClock(r.opts.now),
	)
	if err != nil {
		return nil, "", fmt.Errorf("repository: new session: %w", err)
	}

	st, err := os.Stat(path)
	if err == nil {
		err = r.q.SubmitAll(ctx, indexStmts(path, st, header)...)
	}
	if err != nil {
		// The file stays; the next Scan indexes it.
		r.opts.log.Warn("indexing new session file failed", zap.String("path", path), zap.Error(err))
	}

	r.opts.log.Info("session file created",
		zap.String("path", path),
		zap.Stringer("session", id),
		zap.Int32("sequence", seq))
	return w, path, nil
}

func fileName(id uuid.UUID, seq int32) string {
	return fmt.Sprintf("%s_%d%s", id, seq, sessionfile.Extension)
}

// nextSequence looks at both the index and the directory so files that
// have not been scanned yet are not overwritten.
func (r *Repository) nextSequence(ctx context.Context, id uuid.UUID) (int32, error) {
	var maxSeq sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		"SELECT MAX(sequence) FROM files WHERE session_id = ?", id.String()).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("repository: next sequence: %w", err)
	}
	last := int32(maxSeq.Int64)

	matches, err := filepath.Glob(filepath.Join(r.dir, id.String()+"_*"+sessionfile.Extension))
	if err != nil {
		return 0, fmt.Errorf("repository: next sequence: %w", err)
	}
	for _, m := range matches {
		base := strings.TrimSuffix(filepath.Base(m), sessionfile.Extension)
		n, err := strconv.ParseInt(base[strings.LastIndexByte(base, '_')+1:], 10, 32)
		if err == nil && int32(n) > last {
			last = int32(n)
		}
	}
	return last + 1, nil
}

// Scan reads the header of every session file in the directory and
// brings the index up to date. Foreign files are skipped; files whose
// header cannot be trusted are recorded as corrupt. Index rows for files
// that no longer exist are dropped.
func (r *Repository) Scan(ctx context.Context, owner *filelock.Owner) (ScanResult, error) {
	var res ScanResult
	l, err := r.lock(ctx, owner, IndexLock, "scan")
	if err != nil {
		return res, err
	}
	defer l.Close()

	paths, err := filepath.Glob(filepath.Join(r.dir, "*"+sessionfile.Extension))
	if err != nil {
		return res, fmt.Errorf("repository: scan: %w", err)
	}

	seen := make(map[string]bool, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		st, err := os.Stat(path)
		if err != nil || !st.Mode().IsRegular() {
			continue
		}
		res.Scanned++
		seen[path] = true

		_, header, err := sessionfile.ReadHeader(path, sessionfile.WithMetrics(r.opts.metrics))
		switch {
		case err == nil:
			if err := r.q.SubmitAll(ctx, indexStmts(path, st, header)...); err != nil {
				return res, fmt.Errorf("repository: scan: index %s: %w", path, err)
			}
			res.Indexed++
		case errors.Is(err, sessionfile.ErrNotSessionFile):
			res.Skipped++
			r.opts.log.Debug("skipping foreign file", zap.String("path", path))
		case errors.Is(err, sessionfile.ErrCorrupt), errors.Is(err, fileheader.ErrUnsupportedVersion):
			res.Corrupt++
			res.CorruptFiles = append(res.CorruptFiles, path)
			r.opts.log.Warn("unreadable session file", zap.String("path", path), zap.Error(err))
			if err := r.q.SubmitAll(ctx, corruptStmt(path, st, err)); err != nil {
				return res, fmt.Errorf("repository: scan: index %s: %w", path, err)
			}
		default:
			res.Skipped++
			r.opts.log.Warn("cannot read file", zap.String("path", path), zap.Error(err))
		}
	}

	removed, err := r.prune(ctx, seen)
	if err != nil {
		return res, err
	}
	res.Removed = removed
	return res, nil
}

// prune drops rows for files not in seen and sessions left without files.
func (r *Repository) prune(ctx context.Context, seen map[string]bool) (int, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT path FROM files")
	if err != nil {
		return 0, fmt.Errorf("repository: prune: %w", err)
	}
	var gone []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, fmt.Errorf("repository: prune: %w", err)
		}
		if !seen[p] {
			gone = append(gone, p)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("repository: prune: %w", err)
	}

	stmts := make([]writerq.Stmt, 0, len(gone)+1)
	for _, p := range gone {
		stmts = append(stmts, writerq.Stmt{SQL: "DELETE FROM files WHERE path = ?", Args: []any{p}})
	}
	stmts = append(stmts, writerq.Stmt{
		SQL: "DELETE FROM sessions WHERE id NOT IN (SELECT session_id FROM files)",
	})
	if err := r.q.SubmitAll(ctx, stmts...); err != nil {
		return 0, fmt.Errorf("repository: prune: %w", err)
	}
	return len(gone), nil
}

// indexStmts upserts a file and its session. Session columns follow the
// file with the latest end time.
func indexStmts(path string, st os.FileInfo, h *sessionheader.SessionHeader) []writerq.Stmt {
	info := h.Info()
	counts := h.Counts()
	frag, _ := h.Fragment()
	end := formatTime(h.EndTime())

	return []writerq.Stmt{
		{
			SQL: `INSERT INTO sessions (id, product, application, version, environment, promotion_level,
				host_name, user_name, caption, status, start_time, end_time,
				messages, critical, errors, warnings)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				caption  = CASE WHEN excluded.end_time >= sessions.end_time THEN excluded.caption ELSE sessions.caption END,
				status   = CASE WHEN excluded.end_time >= sessions.end_time THEN excluded.status ELSE sessions.status END,
				messages = CASE WHEN excluded.end_time >= sessions.end_time THEN excluded.messages ELSE sessions.messages END,
				critical = CASE WHEN excluded.end_time >= sessions.end_time THEN excluded.critical ELSE sessions.critical END,
				errors   = CASE WHEN excluded.end_time >= sessions.end_time THEN excluded.errors ELSE sessions.errors END,
				warnings = CASE WHEN excluded.end_time >= sessions.end_time THEN excluded.warnings ELSE sessions.warnings END,
				start_time = MIN(sessions.start_time, excluded.start_time),
				end_time   = MAX(sessions.end_time, excluded.end_time)`,
			Args: []any{
				h.ID().String(), info.Product, info.Application, info.ApplicationVersion,
				info.Environment, info.PromotionLevel, info.HostName, h.FullyQualifiedUserName(),
				info.Caption, info.StatusName, formatTime(info.StartTime), end,
				counts.Messages, counts.Critical, counts.Errors, counts.Warnings,
			},
		},
		{
			SQL: `INSERT INTO files (path, session_id, sequence, file_id, size, mod_time, is_last, status, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, '')
			ON CONFLICT(path) DO UPDATE SET
				session_id = excluded.session_id, sequence = excluded.sequence,
				file_id = excluded.file_id, size = excluded.size, mod_time = excluded.mod_time,
				is_last = excluded.is_last, status = excluded.status, error = ''`,
			Args: []any{
				path, h.ID().String(), frag.Sequence, frag.FileID.String(),
				st.Size(), formatTime(st.ModTime()), frag.IsLastFile, FileOK,
			},
		},
	}
}

func corruptStmt(path string, st os.FileInfo, cause error) writerq.Stmt {
	return writerq.Stmt{
		SQL: `INSERT INTO files (path, size, mod_time, status, error) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET
				session_id = '', size = excluded.size, mod_time = excluded.mod_time,
				status = excluded.status, error = excluded.error`,
		Args: []any{path, st.Size(), formatTime(st.ModTime()), FileCorrupt, cause.Error()},
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

const sessionColumns = `s.id, s.product, s.application, s.version, s.environment, s.promotion_level,
	s.host_name, s.user_name, s.caption, s.status, s.start_time, s.end_time,
	s.messages, s.critical, s.errors, s.warnings,
	(SELECT COUNT(*) FROM files f WHERE f.session_id = s.id)`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (SessionRecord, error) {
	var s SessionRecord
	err := row.Scan(&s.ID, &s.Product, &s.Application, &s.Version, &s.Environment, &s.PromotionLevel,
		&s.HostName, &s.UserName, &s.Caption, &s.Status, &s.StartTime, &s.EndTime,
		&s.Messages, &s.Critical, &s.Errors, &s.Warnings, &s.Files)
	return s, err
}

// Sessions returns indexed sessions, newest first. A limit of zero or
// less returns all of them.
func (r *Repository) Sessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions s ORDER BY s.start_time DESC, s.id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("repository: sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: sessions scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Session returns one session by id. Returns ErrNotFound if it is not
// indexed.
func (r *Repository) Session(ctx context.Context, id string) (*SessionRecord, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions s WHERE s.id = ?", id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repository: session: %w", err)
	}
	return &s, nil
}

// Files returns the indexed files of a session in sequence order.
func (r *Repository) Files(ctx context.Context, id string) ([]FileRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT path, session_id, sequence, file_id, size, mod_time, is_last, status, error
		FROM files WHERE session_id = ? ORDER BY sequence`, id)
	if err != nil {
		return nil, fmt.Errorf("repository: files: %w", err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		var f FileRecord
		if err := rows.Scan(&f.Path, &f.SessionID, &f.Sequence, &f.FileID, &f.Size,
			&f.ModTime, &f.IsLast, &f.Status, &f.Error); err != nil {
			return nil, fmt.Errorf("repository: files scan: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Remove deletes a session's files and its index rows. Returns ErrNotFound
// if the session is not indexed.
func (r *Repository) Remove(ctx context.Context, owner *filelock.Owner, id string) (int, error) {
	l, err := r.lock(ctx, owner, RepositoryLock, "remove")
	if err != nil {
		return 0, err
	}
	defer l.Close()

	if _, err := r.Session(ctx, id); err != nil {
		return 0, err
	}
	files, err := r.Files(ctx, id)
	if err != nil {
		return 0, err
	}
	return r.removeLocked(ctx, id, files)
}

// removeLocked deletes files and the session's rows. The caller holds the
// repository lock.
func (r *Repository) removeLocked(ctx context.Context, id string, files []FileRecord) (int, error) {
	removed := 0
	for _, f := range files {
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("repository: remove %s: %w", f.Path, err)
		}
		removed++
	}
	err := r.q.SubmitAll(ctx,
		writerq.Stmt{SQL: "DELETE FROM files WHERE session_id = ?", Args: []any{id}},
		writerq.Stmt{SQL: "DELETE FROM sessions WHERE id = ?", Args: []any{id}},
	)
	if err != nil {
		return removed, fmt.Errorf("repository: remove: %w", err)
	}
	r.opts.log.Info("session removed", zap.String("session", id), zap.Int("files", removed))
	return removed, nil
}

// Stats counts indexed sessions and files.
func (r *Repository) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := r.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM sessions),
		(SELECT COUNT(*) FROM files),
		(SELECT COUNT(*) FROM files WHERE status = ?)`, FileCorrupt).Scan(&s.Sessions, &s.Files, &s.Corrupt)
	if err != nil {
		return s, fmt.Errorf("repository: stats: %w", err)
	}
	return s, nil
}
