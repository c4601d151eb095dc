package writerq

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	_, err = db.Exec("CREATE TABLE items (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT UNIQUE)")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func count(t *testing.T, db *sql.DB, where string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM items "+where, args...).Scan(&n))
	return n
}

func TestSubmitSingleOp(t *testing.T) {
	db := openTestDB(t)
	q := New(db)
	defer q.Close()

	err := q.Submit(context.Background(), "INSERT INTO items (name) VALUES (?)", "alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, count(t, db, "WHERE name = ?", "alpha"))
}

func TestSubmitConcurrent(t *testing.T) {
	db := openTestDB(t)
	q := New(db, WithMaxBatch(8))
	defer q.Close()

	const n = 50
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = q.Submit(context.Background(), "INSERT INTO items (name) VALUES (?)", i)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "submit %d failed", i)
	}
	assert.Equal(t, n, count(t, db, ""))
}

func TestSubmitAllIsAtomic(t *testing.T) {
	db := openTestDB(t)
	q := New(db, WithFlushInterval(50*time.Millisecond))
	defer q.Close()

	require.NoError(t, q.Submit(context.Background(), "INSERT INTO items (name) VALUES (?)", "taken"))

	var wg sync.WaitGroup
	var good, bad error
	wg.Add(2)
	go func() {
		defer wg.Done()
		bad = q.SubmitAll(context.Background(),
			Stmt{SQL: "INSERT INTO items (name) VALUES (?)", Args: []any{"first"}},
			Stmt{SQL: "INSERT INTO items (name) VALUES (?)", Args: []any{"taken"}},
		)
	}()
	go func() {
		defer wg.Done()
		good = q.Submit(context.Background(), "INSERT INTO items (name) VALUES (?)", "neighbour")
	}()
	wg.Wait()

	assert.Error(t, bad, "unique constraint")
	assert.NoError(t, good)
	assert.Equal(t, 0, count(t, db, "WHERE name = ?", "first"), "failed unit rolled back")
	assert.Equal(t, 1, count(t, db, "WHERE name = ?", "neighbour"), "sibling unit committed")
}

func TestSubmitAllEmpty(t *testing.T) {
	q := New(openTestDB(t))
	defer q.Close()
	assert.NoError(t, q.SubmitAll(context.Background()))
}

func TestSubmitContextCancelled(t *testing.T) {
	db := openTestDB(t)
	q := New(db)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := q.Submit(ctx, "INSERT INTO items (name) VALUES (?)", "never")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCloseFlushes(t *testing.T) {
	db := openTestDB(t)
	q := New(db)

	require.NoError(t, q.Submit(context.Background(), "INSERT INTO items (name) VALUES (?)", "flushed"))
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	assert.Equal(t, 1, count(t, db, "WHERE name = ?", "flushed"))
}

func TestSubmitAfterClose(t *testing.T) {
	q := New(openTestDB(t))
	require.NoError(t, q.Close())

	err := q.Submit(context.Background(), "INSERT INTO items (name) VALUES (?)", "late")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBadStatementReported(t *testing.T) {
	q := New(openTestDB(t))
	defer q.Close()

	err := q.Submit(context.Background(), "INSERT INTO missing_table VALUES (1)")
	assert.Error(t, err)
}

func TestBackpressureDoesNotDeadlock(t *testing.T) {
	db := openTestDB(t)
	q := New(db)
	defer q.Close()

	const n = 1000
	done := make(chan struct{})

	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = q.Submit(context.Background(), "INSERT INTO items (name) VALUES (?)", i)
			}()
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("deadlock: 1000 ops did not complete within 10s")
	}
	assert.Equal(t, n, count(t, db, ""))
}
