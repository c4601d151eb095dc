// Package writerq funnels index writes through one goroutine that commits
// them in batched SQLite transactions.
package writerq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Default configuration constants.
const (
	DefaultQueueSize     = 256                   // channel capacity, back-pressure limit
	DefaultFlushInterval = 20 * time.Millisecond // how long a partial batch may wait
	DefaultMaxBatch      = 64                    // max submissions per transaction
	MaxCrashes           = 3                     // panics tolerated before the writer gives up
)

var (
	// ErrClosed is returned by submissions after Close.
	ErrClosed = errors.New("writerq: queue closed")
	// ErrFailed is returned once the writer has panicked MaxCrashes times.
	ErrFailed = errors.New("writerq: writer stopped after repeated panics")
)

// Stmt is one SQL statement with its arguments.
type Stmt struct {
	SQL  string
	Args []any
}

// op is one submission. Its statements commit or roll back together.
type op struct {
	stmts  []Stmt
	result chan error
}

// Queue serializes database writes through a single goroutine.
type Queue struct {
	db         *sql.DB
	ops        chan op
	stop       chan struct{}
	done       chan struct{}
	maxBatch   int
	flushEvery time.Duration
	log        *zap.Logger
	crashes    atomic.Int32

	mu     sync.RWMutex
	closed bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxBatch caps how many submissions share one transaction.
func WithMaxBatch(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxBatch = n
		}
	}
}

// WithFlushInterval sets how long a partial batch waits for company.
func WithFlushInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.flushEvery = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

// New starts the writer goroutine for db. Use Close to shut it down.
func New(db *sql.DB, opts ...Option) *Queue {
	q := &Queue{
		db:         db,
		ops:        make(chan op, DefaultQueueSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		maxBatch:   DefaultMaxBatch,
		flushEvery: DefaultFlushInterval,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	go q.writerLoop()
	return q
}

// Submit runs one statement and blocks until its batch commits.
func (q *Queue) Submit(ctx context.Context, sqlStr string, args ...any) error {
	return q.SubmitAll(ctx, Stmt{SQL: sqlStr, Args: args})
}

// SubmitAll runs stmts as a unit: either all of them commit or none do.
// A failing unit does not affect others sharing its transaction. The call
// blocks while the queue is full.
func (q *Queue) SubmitAll(ctx context.Context, stmts ...Stmt) error {
	if len(stmts) == 0 {
		return nil
	}
	if q.crashes.Load() >= MaxCrashes {
		return ErrFailed
	}
	o := op{stmts: stmts, result: make(chan error, 1)}

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		q.mu.RUnlock()
		return ctx.Err()
	case q.ops <- o:
	}
	q.mu.RUnlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-o.result:
		return err
	}
}

// Close stops accepting work, commits what is queued and waits for the
// writer to finish. It is safe to call multiple times.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return nil
	}
	q.closed = true
	close(q.stop)
	q.mu.Unlock()

	<-q.done
	return nil
}

func (q *Queue) writerLoop() {
	defer close(q.done)

	ticker := time.NewTicker(q.flushEvery)
	defer ticker.Stop()

	batch := make([]op, 0, q.maxBatch)
	flush := func() {
		if len(batch) > 0 {
			q.safeExecuteBatch(batch)
			batch = batch[:0]
		}
	}

	for {
		select {
		case o := <-q.ops:
			batch = append(batch, o)
			if len(batch) >= q.maxBatch {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-q.stop:
			for {
				select {
				case o := <-q.ops:
					batch = append(batch, o)
					if len(batch) >= q.maxBatch {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// safeExecuteBatch fails the batch instead of the process when executing
// it panics.
func (q *Queue) safeExecuteBatch(batch []op) {
	if q.crashes.Load() >= MaxCrashes {
		fail(batch, ErrFailed)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			n := q.crashes.Add(1)
			q.log.Error("index writer panicked", zap.Any("panic", r), zap.Int32("crashes", n))
			fail(batch, fmt.Errorf("writerq: batch aborted: %v", r))
		}
	}()
	q.executeBatch(batch)
}

// executeBatch runs every submission inside one transaction, each behind
// its own savepoint.
func (q *Queue) executeBatch(batch []op) {
	tx, err := q.db.Begin()
	if err != nil {
		fail(batch, fmt.Errorf("writerq: begin: %w", err))
		return
	}

	results := make([]error, len(batch))
	for i := range batch {
		results[i] = execUnit(tx, batch[i].stmts)
	}

	commitErr := tx.Commit()
	if commitErr != nil {
		q.log.Warn("index commit failed", zap.Error(commitErr), zap.Int("ops", len(batch)))
	}
	for i := range batch {
		if results[i] == nil {
			results[i] = commitErr
		}
		batch[i].result <- results[i]
	}
}

func execUnit(tx *sql.Tx, stmts []Stmt) error {
	if _, err := tx.Exec("SAVEPOINT writerq_unit"); err != nil {
		return err
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s.SQL, s.Args...); err != nil {
			_, _ = tx.Exec("ROLLBACK TO writerq_unit")
			_, _ = tx.Exec("RELEASE writerq_unit")
			return err
		}
	}
	_, err := tx.Exec("RELEASE writerq_unit")
	return err
}

func fail(batch []op, err error) {
	for i := range batch {
		select {
		case batch[i].result <- err:
		default:
		}
	}
}
