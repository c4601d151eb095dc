package filelock

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyndonlyu/loupe/internal/metrics"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(opts...)
	t.Cleanup(func() { m.Close() })
	return m
}

func queueLen(m *Manager, dir, name string) int {
	_, key, _ := resolve(dir, name)
	m.mu.Lock()
	p := m.proxies[key]
	m.mu.Unlock()
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func TestLockAndClose(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t)
	owner := m.RegisterOwner("writer")

	l, err := m.Lock(context.Background(), owner, "test", dir, "index", time.Second, false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "index.lock"), l.Path())
	assert.Equal(t, "index", l.Name())
	assert.Equal(t, "test", l.Requester())
	assert.Same(t, owner, l.Owner())
	assert.False(t, l.IsSecondary())
	assert.Same(t, l, l.Primary())
	assert.True(t, l.Deadline().After(time.Now().AddDate(100, 0, 0)))
	assert.FileExists(t, l.Path())

	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "close is idempotent")
}

func TestReentrantLockIsSecondary(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t)
	owner := m.RegisterOwner("writer")

	primary, err := m.Lock(context.Background(), owner, nil, dir, "index", time.Second, false)
	require.NoError(t, err)

	start := time.Now()
	secondary, err := m.Lock(context.Background(), owner, nil, dir, "index", 0, false)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.True(t, secondary.IsSecondary())
	assert.Same(t, primary, secondary.Primary())

	require.NoError(t, secondary.Close())

	// The primary still excludes everyone else.
	other := m.RegisterOwner("reader")
	ok, err := m.QueryAvailable(other, dir, "index")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, primary.Close())
	ok, err = m.QueryAvailable(other, dir, "index")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestZeroTimeoutFailsFast(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t)

	held, err := m.Lock(context.Background(), m.RegisterOwner("a"), nil, dir, "index", time.Second, false)
	require.NoError(t, err)
	defer held.Close()

	start := time.Now()
	_, err = m.Lock(context.Background(), m.RegisterOwner("b"), nil, dir, "index", 0, false)
	assert.ErrorIs(t, err, ErrLocked)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestZeroTimeoutAgainstOtherProcess(t *testing.T) {
	dir := t.TempDir()
	mA := newTestManager(t)
	mB := newTestManager(t)

	held, err := mA.Lock(context.Background(), mA.RegisterOwner("a"), nil, dir, "index", time.Second, false)
	require.NoError(t, err)
	defer held.Close()

	start := time.Now()
	_, err = mB.Lock(context.Background(), mB.RegisterOwner("b"), nil, dir, "index", 0, false)
	assert.ErrorIs(t, err, ErrLocked)
	assert.Contains(t, err.Error(), "holder PID")
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestTimeoutWaitsThenFails(t *testing.T) {
	dir := t.TempDir()
	mA := newTestManager(t)
	mB := newTestManager(t)

	held, err := mA.Lock(context.Background(), mA.RegisterOwner("a"), nil, dir, "index", time.Second, false)
	require.NoError(t, err)
	defer held.Close()

	start := time.Now()
	_, err = mB.Lock(context.Background(), mB.RegisterOwner("b"), nil, dir, "index", 100*time.Millisecond, false)
	assert.ErrorIs(t, err, ErrLocked)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestContextCancelEndsWait(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t)

	held, err := m.Lock(context.Background(), m.RegisterOwner("a"), nil, dir, "index", time.Second, false)
	require.NoError(t, err)
	defer held.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, m.RegisterOwner("b"), nil, dir, "index", 10*time.Second, false)
	assert.ErrorIs(t, err, ErrLocked)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, queueLen(m, dir, "index"), "expired request leaves the queue")
}

func TestFIFOOrderWithinProcess(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t)

	first, err := m.Lock(context.Background(), m.RegisterOwner("holder"), nil, dir, "index", time.Second, false)
	require.NoError(t, err)

	const waiters = 5
	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := range waiters {
		owner := m.RegisterOwner("waiter")
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := m.Lock(context.Background(), owner, i, dir, "index", 5*time.Second, false)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, l.Requester().(int))
			mu.Unlock()
			l.Close()
		}()
		require.Eventually(t, func() bool { return queueLen(m, dir, "index") == i+1 },
			time.Second, time.Millisecond)
	}

	require.NoError(t, first.Close())
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestMutualExclusion(t *testing.T) {
	dir := t.TempDir()
	managers := []*Manager{
		newTestManager(t, WithPollInterval(time.Millisecond), WithBackoff(5*time.Millisecond)),
		newTestManager(t, WithPollInterval(time.Millisecond), WithBackoff(5*time.Millisecond)),
	}

	var inside, maxInside, total atomic.Int32
	var wg sync.WaitGroup
	for w := range 6 {
		m := managers[w%2]
		owner := m.RegisterOwner("worker")
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				l, err := m.Lock(context.Background(), owner, nil, dir, "index", 10*time.Second, false)
				if !assert.NoError(t, err) {
					return
				}
				n := inside.Add(1)
				for {
					cur := maxInside.Load()
					if n <= cur || maxInside.CompareAndSwap(cur, n) {
						break
					}
				}
				total.Add(1)
				time.Sleep(100 * time.Microsecond)
				inside.Add(-1)
				assert.NoError(t, l.Close())
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, int32(60), total.Load())
}

func TestReleaseYieldsToWaitingProcess(t *testing.T) {
	dir := t.TempDir()
	mA := newTestManager(t, WithBackoff(300*time.Millisecond))
	mB := newTestManager(t, WithPollInterval(5*time.Millisecond))
	ownerA := mA.RegisterOwner("a")
	ownerB := mB.RegisterOwner("b")

	lA, err := mA.Lock(context.Background(), ownerA, nil, dir, "index", time.Second, false)
	require.NoError(t, err)

	var seq atomic.Int32
	bGranted := make(chan int32, 1)
	go func() {
		l, err := mB.Lock(context.Background(), ownerB, nil, dir, "index", 5*time.Second, false)
		if !assert.NoError(t, err) {
			bGranted <- -1
			return
		}
		bGranted <- seq.Add(1)
		time.Sleep(20 * time.Millisecond)
		l.Close()
	}()

	require.Eventually(t, func() bool {
		st, err := Inspect(dir, "index")
		return err == nil && st.Held && st.Waiting
	}, time.Second, 5*time.Millisecond, "waiting process announces itself")

	require.NoError(t, lA.Close())
	lA2, err := mA.Lock(context.Background(), ownerA, nil, dir, "index", 5*time.Second, false)
	require.NoError(t, err)
	aSeq := seq.Add(1)
	defer lA2.Close()

	assert.Equal(t, int32(1), <-bGranted, "the other process goes first")
	assert.Equal(t, int32(2), aSeq)
}

func TestIdleRetainedLockIsHandedOver(t *testing.T) {
	dir := t.TempDir()
	mA := newTestManager(t, WithIdleCheck(10*time.Millisecond))
	mB := newTestManager(t)

	l, err := mA.Lock(context.Background(), mA.RegisterOwner("a"), nil, dir, "index", time.Second, false)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	st, err := Inspect(dir, "index")
	require.NoError(t, err)
	assert.True(t, st.Held, "idle proxy keeps the OS lock")
	assert.Equal(t, 1, mA.proxyCount())

	got, err := mB.Lock(context.Background(), mB.RegisterOwner("b"), nil, dir, "index", 2*time.Second, false)
	require.NoError(t, err)
	require.NoError(t, got.Close())
}

func TestIdleLockReleasedWithoutDemand(t *testing.T) {
	dir := t.TempDir()
	mA := newTestManager(t)
	mB := newTestManager(t)
	other := mB.RegisterOwner("b")

	l, err := mA.Lock(context.Background(), mA.RegisterOwner("a"), nil, dir, "index", time.Second, false)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Fail-fast checks from another process never register as demand.
	ok, err := mB.QueryAvailable(other, dir, "index")
	require.NoError(t, err)
	assert.False(t, ok, "lock is still retained right after close")

	assert.Eventually(t, func() bool {
		ok, err := mB.QueryAvailable(other, dir, "index")
		return err == nil && ok
	}, DefaultIdleRelease+time.Second, 50*time.Millisecond)

	st, err := Inspect(dir, "index")
	require.NoError(t, err)
	assert.False(t, st.Held)
}

func TestIdleReleaseDisabledKeepsLock(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, WithIdleCheck(5*time.Millisecond), WithIdleRelease(0))

	l, err := m.Lock(context.Background(), m.RegisterOwner("a"), nil, dir, "index", time.Second, false)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	time.Sleep(50 * time.Millisecond)
	st, err := Inspect(dir, "index")
	require.NoError(t, err)
	assert.True(t, st.Held)
}

func TestQueryAvailableDoesNotKeepLock(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t)

	ok, err := m.QueryAvailable(m.RegisterOwner("a"), dir, "index")
	require.NoError(t, err)
	require.True(t, ok)

	st, err := Inspect(dir, "index")
	require.NoError(t, err)
	assert.False(t, st.Held)
}

func TestInheritedTurnRewritesMeta(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t)
	first := m.RegisterOwner("first")
	second := m.RegisterOwner("second")

	l, err := m.Lock(context.Background(), first, nil, dir, "index", time.Second, false)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = m.Lock(context.Background(), second, nil, dir, "index", time.Second, false)
	require.NoError(t, err)
	defer l.Close()

	meta, err := ReadMeta(l.Path())
	require.NoError(t, err)
	assert.Equal(t, second.String(), meta.Owner)
}

func TestWithoutRetentionProxyIsDisposed(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, WithRetainIdle(false))

	l, err := m.Lock(context.Background(), m.RegisterOwner("a"), nil, dir, "index", time.Second, false)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	assert.Equal(t, 0, m.proxyCount())
	assert.FileExists(t, filepath.Join(dir, "index.lock"))
	st, err := Inspect(dir, "index")
	require.NoError(t, err)
	assert.False(t, st.Held)
}

func TestDeleteOnClose(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t)

	l, err := m.Lock(context.Background(), m.RegisterOwner("a"), nil, dir, "scratch", time.Second, true)
	require.NoError(t, err)
	path := l.Path()
	assert.FileExists(t, path)
	require.NoError(t, l.Close())

	assert.Equal(t, 0, m.proxyCount())
	assert.NoFileExists(t, path)
	assert.NoFileExists(t, path+".meta")

	// The name can be taken again afterwards.
	l, err = m.Lock(context.Background(), m.RegisterOwner("b"), nil, dir, "scratch", time.Second, true)
	require.NoError(t, err)
	require.NoError(t, l.Close())
}

func TestTryLockSkipsUnlinkedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.lock")

	held, err := tryLock(path, true)
	require.NoError(t, err)
	require.NotNil(t, held)
	require.NoError(t, held.release(true))

	again, err := tryLock(path, true)
	require.NoError(t, err)
	require.NotNil(t, again)
	defer again.release(false)
	same, err := stillAt(again.f, path)
	require.NoError(t, err)
	assert.True(t, same)
}

func TestWrongOwnerPanics(t *testing.T) {
	m := newTestManager(t)
	a := m.RegisterOwner("a")
	b := m.RegisterOwner("b")

	l := newLock(a, nil, time.Second, time.Now())
	assert.PanicsWithValue(t, ErrWrongOwner, func() {
		l.awaitTurn(context.Background(), b, time.Now)
	})
	assert.PanicsWithValue(t, ErrWrongOwner, func() {
		l.setQueued(b)
	})

	foreign := NewManager().RegisterOwner("elsewhere")
	assert.PanicsWithValue(t, ErrWrongOwner, func() {
		m.Lock(context.Background(), foreign, nil, t.TempDir(), "index", 0, false)
	})
}

func TestWaitOnExpiredPanics(t *testing.T) {
	m := newTestManager(t)
	a := m.RegisterOwner("a")

	l := newLock(a, nil, time.Second, time.Now())
	l.expire()
	assert.True(t, l.Deadline().IsZero())
	assert.PanicsWithValue(t, ErrExpired, func() {
		l.awaitTurn(context.Background(), a, time.Now)
	})
}

func TestWaitAfterManagerCloseIsNotAFault(t *testing.T) {
	dir := t.TempDir()
	m := NewManager()

	_, err := m.Lock(context.Background(), m.RegisterOwner("a"), nil, dir, "index", time.Second, false)
	require.NoError(t, err)

	lockPath, key, err := resolve(dir, "index")
	require.NoError(t, err)
	p, err := m.proxyFor(key, filepath.Dir(lockPath), "index", lockPath)
	require.NoError(t, err)

	owner := m.RegisterOwner("b")
	l := newLock(owner, nil, time.Second, time.Now())
	secondary, err := p.enqueue(l, owner, false)
	require.NoError(t, err)
	require.False(t, secondary)

	// Close lands between queueing and waiting.
	require.NoError(t, m.Close())
	assert.NotPanics(t, func() {
		assert.False(t, l.awaitTurn(context.Background(), owner, time.Now))
	})
}

func TestOwnerRelease(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t)
	owner := m.RegisterOwner("batch")

	_, err := m.Lock(context.Background(), owner, nil, dir, "index", time.Second, false)
	require.NoError(t, err)
	_, err = m.Lock(context.Background(), owner, nil, dir, "index", time.Second, false)
	require.NoError(t, err)
	_, err = m.Lock(context.Background(), owner, nil, dir, "repository", time.Second, false)
	require.NoError(t, err)
	assert.Len(t, m.Held(), 2)

	require.NoError(t, owner.Release())
	assert.Empty(t, m.Held())

	_, err = m.Lock(context.Background(), owner, nil, dir, "index", time.Second, false)
	assert.ErrorIs(t, err, ErrOwnerReleased)
}

func TestHeld(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t)
	owner := m.RegisterOwner("scanner")

	l, err := m.Lock(context.Background(), owner, nil, dir, "index", time.Second, false)
	require.NoError(t, err)
	defer l.Close()

	held := m.Held()
	require.Len(t, held, 1)
	assert.Equal(t, l.Path(), held[0].Path)
	assert.Equal(t, "index", held[0].Name)
	assert.Equal(t, owner.String(), held[0].Owner)
	assert.Equal(t, os.Getpid(), held[0].PID)
	assert.NotEmpty(t, held[0].AcquiredAt)
}

func TestManagerCloseFailsWaiters(t *testing.T) {
	dir := t.TempDir()
	m := NewManager()

	_, err := m.Lock(context.Background(), m.RegisterOwner("a"), nil, dir, "index", time.Second, false)
	require.NoError(t, err)

	errc := make(chan error, 1)
	waiter := m.RegisterOwner("b")
	go func() {
		_, err := m.Lock(context.Background(), waiter, nil, dir, "index", 10*time.Second, false)
		errc <- err
	}()
	require.Eventually(t, func() bool { return queueLen(m, dir, "index") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, m.Close())
	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrManagerClosed) || errors.Is(err, ErrLocked), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by Close")
	}

	_, err = m.Lock(context.Background(), m.RegisterOwner("c"), nil, dir, "index", 0, false)
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestInvalidLockName(t *testing.T) {
	m := newTestManager(t)
	owner := m.RegisterOwner("a")
	for _, name := range []string{"", "a/b", `a\b`} {
		_, err := m.Lock(context.Background(), owner, nil, t.TempDir(), name, 0, false)
		assert.Error(t, err, name)
	}
}

func TestMetricsRecorded(t *testing.T) {
	dir := t.TempDir()
	reg := prometheus.NewRegistry()
	m := newTestManager(t, WithMetrics(metrics.NewLockMetrics(reg)))

	l, err := m.Lock(context.Background(), m.RegisterOwner("a"), nil, dir, "index", time.Second, false)
	require.NoError(t, err)
	_, err = m.Lock(context.Background(), m.RegisterOwner("b"), nil, dir, "index", 0, false)
	require.ErrorIs(t, err, ErrLocked)
	require.NoError(t, l.Close())

	snap, err := metrics.Snapshot(reg)
	require.NoError(t, err)
	outcomes := map[string]float64{}
	for _, s := range snap {
		if s.Name == "loupe_lock_acquires_total" {
			outcomes[s.Labels["outcome"]] = s.Value
		}
	}
	assert.Equal(t, float64(1), outcomes[metrics.OutcomeGranted])
	assert.Equal(t, float64(1), outcomes[metrics.OutcomeTimeout])
}

func TestMetaWrittenOnGrant(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t)
	owner := m.RegisterOwner("writer")

	l, err := m.Lock(context.Background(), owner, nil, dir, "index", time.Second, false)
	require.NoError(t, err)
	defer l.Close()

	meta, err := ReadMeta(l.Path())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), meta.PID)
	assert.Equal(t, owner.String(), meta.Owner)
	assert.Equal(t, LockVersion, meta.Version)
	assert.NotEmpty(t, meta.Timestamp)
	assert.False(t, IsStale(l.Path()))

	st, err := Inspect(dir, "index")
	require.NoError(t, err)
	assert.True(t, st.Held)
	require.NotNil(t, st.Meta)
	assert.Equal(t, os.Getpid(), st.Meta.PID)
	assert.False(t, st.Stale)
}

func TestStaleLockDetection(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "stale.lock")

	// A PID that almost certainly does not exist.
	data, err := json.Marshal(Meta{
		PID:       999999999,
		Timestamp: "2024-01-01T00:00:00Z",
		Version:   LockVersion,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(metaPath(lockPath), data, 0o644))

	assert.True(t, IsStale(lockPath), "lock with non-existent PID should be stale")
	assert.True(t, IsStale(filepath.Join(dir, "missing.lock")))
}

func TestInspectMissingLock(t *testing.T) {
	dir := t.TempDir()
	st, err := Inspect(dir, "index")
	require.NoError(t, err)
	assert.False(t, st.Held)
	assert.NoFileExists(t, filepath.Join(dir, "index.lock"))
}
