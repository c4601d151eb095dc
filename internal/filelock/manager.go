package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lyndonlyu/loupe/internal/metrics"
)

// Defaults for Manager options.
const (
	DefaultPollInterval = 15 * time.Millisecond
	DefaultBackoff      = 100 * time.Millisecond
	DefaultIdleCheck    = 250 * time.Millisecond
	DefaultIdleRelease  = time.Second
)

type options struct {
	pollInterval time.Duration
	backoff      time.Duration
	idleCheck    time.Duration
	idleRelease  time.Duration
	retainIdle   bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithPollInterval sets how often a waiting request retries the OS lock.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.opts.pollInterval = d
		}
	}
}

// WithBackoff sets how long local requests stay away from an OS lock that
// was just handed to another process.
func WithBackoff(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.opts.backoff = d
		}
	}
}

// WithIdleCheck sets how often an idle proxy that keeps its OS lock looks
// for waiting processes. Zero disables the check.
func WithIdleCheck(d time.Duration) Option {
	return func(m *Manager) { m.opts.idleCheck = d }
}

// WithIdleRelease bounds how long an idle proxy keeps the OS lock with no
// local demand. Zero keeps it until another process asks.
func WithIdleRelease(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.opts.idleRelease = d
		}
	}
}

// WithRetainIdle controls whether a proxy keeps the OS lock after its last
// local request closes. Retaining makes the next local Lock cheap.
func WithRetainIdle(retain bool) Option {
	return func(m *Manager) { m.opts.retainIdle = retain }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(lm metrics.LockMetrics) Option {
	return func(m *Manager) {
		if lm != nil {
			m.metrics = lm
		}
	}
}

// WithClock replaces time.Now for deadline and back-off arithmetic.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager owns the proxies for every lock file this process uses. Two
// Managers in one process behave like two processes.
type Manager struct {
	opts    options
	log     *zap.Logger
	metrics metrics.LockMetrics
	now     func() time.Time
	held    atomic.Int64

	mu        sync.Mutex
	proxies   map[string]*proxy
	owners    map[uint64]*Owner
	nextOwner uint64
	closed    bool
}

// NewManager returns a Manager with no locks.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		opts: options{
			pollInterval: DefaultPollInterval,
			backoff:      DefaultBackoff,
			idleCheck:    DefaultIdleCheck,
			idleRelease:  DefaultIdleRelease,
			retainIdle:   true,
		},
		log:     zap.NewNop(),
		metrics: metrics.NewNoopLockMetrics(),
		now:     time.Now,
		proxies: make(map[string]*proxy),
		owners:  make(map[uint64]*Owner),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// RegisterOwner creates an Owner for one goroutine's worth of locking.
func (m *Manager) RegisterOwner(name string) *Owner {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextOwner++
	o := &Owner{id: m.nextOwner, name: name, manager: m, locks: make(map[*Lock]struct{})}
	m.owners[o.id] = o
	return o
}

func (m *Manager) forgetOwner(o *Owner) {
	m.mu.Lock()
	delete(m.owners, o.id)
	m.mu.Unlock()
}

// Lock obtains the lock named lockName in indexPath for owner.
//
// If owner already holds it the call returns a secondary lock at once. A
// zero or negative timeout makes a single attempt. Otherwise the call
// waits in FIFO order behind other local requests and polls the OS lock
// until timeout elapses or ctx ends, then fails with ErrLocked.
//
// With deleteOnClose the lock file is removed when the last local user
// releases it.
func (m *Manager) Lock(ctx context.Context, owner *Owner, requester any, indexPath, lockName string, timeout time.Duration, deleteOnClose bool) (*Lock, error) {
	if owner == nil || owner.manager != m {
		panic(ErrWrongOwner)
	}
	if lockName == "" || strings.ContainsAny(lockName, `/\`) {
		return nil, fmt.Errorf("filelock: invalid lock name %q", lockName)
	}
	lockPath, key, err := resolve(indexPath, lockName)
	if err != nil {
		return nil, err
	}

	start := m.now()
	l := newLock(owner, requester, timeout, start)
	if err := owner.track(l); err != nil {
		return nil, err
	}

	var p *proxy
	for {
		p, err = m.proxyFor(key, filepath.Dir(lockPath), lockName, lockPath)
		if err != nil {
			owner.untrack(l)
			return nil, err
		}
		secondary, err := p.enqueue(l, owner, deleteOnClose)
		if errors.Is(err, errProxyClosed) {
			continue
		}
		if err != nil {
			l.expire()
			owner.untrack(l)
			m.metrics.ObserveAcquire(lockName, metrics.OutcomeTimeout, m.now().Sub(start))
			return nil, m.lockedErr(ctx, lockPath)
		}
		if secondary {
			m.metrics.ObserveAcquire(lockName, metrics.OutcomeSecondary, 0)
			return l, nil
		}
		break
	}

	fail := func(outcome string, err error) (*Lock, error) {
		p.abandon(l)
		owner.untrack(l)
		m.metrics.ObserveAcquire(lockName, outcome, m.now().Sub(start))
		if m.isClosed() {
			return nil, ErrManagerClosed
		}
		return nil, err
	}

	if !l.awaitTurn(ctx, owner, m.now) {
		return fail(metrics.OutcomeTimeout, m.lockedErr(ctx, lockPath))
	}
	ok, err := p.acquire(ctx, l)
	if err != nil {
		return fail(metrics.OutcomeError, fmt.Errorf("filelock: acquire %s: %w", lockPath, err))
	}
	if !ok || !p.grant(l) {
		return fail(metrics.OutcomeTimeout, m.lockedErr(ctx, lockPath))
	}

	m.metrics.SetHeld(int(m.held.Add(1)))
	m.metrics.ObserveAcquire(lockName, metrics.OutcomeGranted, m.now().Sub(start))
	m.log.Debug("lock granted",
		zap.String("lock", lockPath),
		zap.Stringer("owner", owner),
		zap.Duration("waited", m.now().Sub(start)))
	return l, nil
}

// QueryAvailable reports whether owner could take the lock right now. The
// lock is not kept.
func (m *Manager) QueryAvailable(owner *Owner, indexPath, lockName string) (bool, error) {
	l, err := m.Lock(context.Background(), owner, nil, indexPath, lockName, 0, false)
	if errors.Is(err, ErrLocked) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	p := l.proxy
	err = l.Close()
	p.dropIdle()
	return true, err
}

// Held returns the primary locks this Manager currently grants.
func (m *Manager) Held() []LockInfo {
	m.mu.Lock()
	proxies := make([]*proxy, 0, len(m.proxies))
	for _, p := range m.proxies {
		proxies = append(proxies, p)
	}
	m.mu.Unlock()

	infos := make([]LockInfo, 0, len(proxies))
	for _, p := range proxies {
		p.mu.Lock()
		cur, waiting := p.current, len(p.queue)
		p.mu.Unlock()
		if cur == nil {
			continue
		}
		cur.mu.Lock()
		granted, at := cur.state == stateGranted, cur.granted
		cur.mu.Unlock()
		if !granted {
			continue
		}
		infos = append(infos, LockInfo{
			Path:       p.lockPath,
			Name:       p.lockName,
			Owner:      cur.owner.String(),
			PID:        os.Getpid(),
			AcquiredAt: at.UTC().Format(time.RFC3339Nano),
			Waiting:    waiting,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos
}

// Close releases every OS lock and owner. Requests still waiting fail with
// ErrManagerClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	proxies := m.proxies
	m.proxies = make(map[string]*proxy)
	owners := make([]*Owner, 0, len(m.owners))
	for _, o := range m.owners {
		owners = append(owners, o)
	}
	m.mu.Unlock()

	var errs []error
	for _, p := range proxies {
		if err := p.shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, o := range owners {
		if err := o.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) proxyFor(key, indexPath, lockName, lockPath string) (*proxy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if p, ok := m.proxies[key]; ok {
		return p, nil
	}
	p := newProxy(m, key, indexPath, lockName, lockPath)
	m.proxies[key] = p
	return p, nil
}

// removeProxy drops p from the map unless a newer proxy already replaced
// it.
func (m *Manager) removeProxy(p *proxy) {
	m.mu.Lock()
	if m.proxies[p.key] == p {
		delete(m.proxies, p.key)
	}
	m.mu.Unlock()
}

func (m *Manager) proxyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.proxies)
}

func (m *Manager) releaseHeld() {
	m.metrics.SetHeld(int(m.held.Add(-1)))
}

func (m *Manager) lockedErr(ctx context.Context, lockPath string) error {
	holderPID := 0
	if meta, err := ReadMeta(lockPath); err == nil {
		holderPID = meta.PID
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s (holder PID: %d): %w", ErrLocked, lockPath, holderPID, err)
	}
	return fmt.Errorf("%w: %s (holder PID: %d)", ErrLocked, lockPath, holderPID)
}

// resolve returns the lock file path and the key identifying it within
// the process.
func resolve(indexPath, lockName string) (lockPath, key string, err error) {
	dir, err := filepath.Abs(indexPath)
	if err != nil {
		return "", "", fmt.Errorf("filelock: resolve %s: %w", indexPath, err)
	}
	lockPath = filepath.Join(dir, lockName+".lock")
	key = lockPath
	if runtime.GOOS == "windows" {
		key = strings.ToLower(key)
	}
	return lockPath, key, nil
}
