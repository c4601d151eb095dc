package filelock

import (
	"context"
	"math"
	"sync"
	"time"
)

type lockState int

const (
	stateCreated lockState = iota
	stateQueued
	stateWaiting
	stateGranted
	stateExpired
	stateClosed
)

var (
	grantedDeadline = time.Unix(math.MaxInt64>>1, 0)
	expiredDeadline = time.Time{}
)

// holding says whether a granted Lock owns the OS lock itself or rides on
// another Lock held by the same Owner.
type holding interface {
	primary() *Lock
}

type primaryHolding struct{ lock *Lock }

func (h primaryHolding) primary() *Lock { return h.lock }

type secondaryHolding struct{ of *Lock }

func (h secondaryHolding) primary() *Lock { return h.of }

// Lock is one request for a named repository lock. Manager.Lock returns it
// once granted; Close gives it back.
type Lock struct {
	owner     *Owner
	requester any
	proxy     *proxy
	wait      bool
	created   time.Time

	turn     chan struct{}
	turnOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once

	mu       sync.Mutex
	state    lockState
	deadline time.Time
	granted  time.Time
	holding  holding
	revoked  bool
}

func newLock(owner *Owner, requester any, timeout time.Duration, now time.Time) *Lock {
	l := &Lock{
		owner:     owner,
		requester: requester,
		wait:      timeout > 0,
		created:   now,
		turn:      make(chan struct{}),
		done:      make(chan struct{}),
		state:     stateCreated,
		deadline:  now,
	}
	if timeout > 0 {
		l.deadline = now.Add(timeout)
	}
	return l
}

// Path returns the lock file that backs this lock.
func (l *Lock) Path() string { return l.proxy.lockPath }

// Name returns the lock name within its index directory.
func (l *Lock) Name() string { return l.proxy.lockName }

// IndexPath returns the directory holding the lock file.
func (l *Lock) IndexPath() string { return l.proxy.indexPath }

// Owner returns the owner that requested the lock.
func (l *Lock) Owner() *Owner { return l.owner }

// Requester returns the opaque value passed to Manager.Lock.
func (l *Lock) Requester() any { return l.requester }

// Deadline is the time by which the request had to be granted. It reads as
// far in the future once granted and as the zero time once expired.
func (l *Lock) Deadline() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deadline
}

// IsSecondary reports whether the lock rides on another lock held by the
// same owner.
func (l *Lock) IsSecondary() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.holding.(secondaryHolding)
	return ok
}

// Primary returns the lock that actually holds the OS lock.
func (l *Lock) Primary() *Lock {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holding == nil {
		return nil
	}
	return l.holding.primary()
}

// Close releases the lock. Closing a secondary lock has no effect on the
// primary. Close is idempotent.
func (l *Lock) Close() error {
	l.mu.Lock()
	prev := l.state
	if prev == stateClosed {
		l.mu.Unlock()
		return nil
	}
	l.state = stateClosed
	_, secondary := l.holding.(secondaryHolding)
	l.mu.Unlock()

	l.finish()
	l.owner.untrack(l)
	switch {
	case secondary:
		return nil
	case prev == stateGranted:
		return l.proxy.release(l)
	case prev == stateQueued, prev == stateWaiting:
		l.proxy.abandon(l)
	}
	return nil
}

func (l *Lock) isGranted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateGranted
}

// setQueued records that l joined a queue. Only the creating owner may
// queue it, and a request closed before queueing stays out.
func (l *Lock) setQueued(owner *Owner) bool {
	if owner != l.owner {
		panic(ErrWrongOwner)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stateCreated {
		return false
	}
	l.state = stateQueued
	return true
}

// grant completes a live request. It fails once the request has been
// closed or has expired.
func (l *Lock) grant(h holding, at time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case stateCreated, stateQueued, stateWaiting:
	default:
		return false
	}
	l.state = stateGranted
	l.deadline = grantedDeadline
	l.granted = at
	l.holding = h
	return true
}

// expire marks a request that will never be granted. Closed requests stay
// closed.
func (l *Lock) expire() {
	l.mu.Lock()
	if l.state != stateClosed {
		l.state = stateExpired
	}
	l.deadline = expiredDeadline
	l.mu.Unlock()
	l.finish()
}

// revoke expires a queued request on behalf of a closing Manager. Unlike a
// caller-side expiry, waiting on it afterwards is not a fault.
func (l *Lock) revoke() {
	l.mu.Lock()
	l.revoked = true
	l.mu.Unlock()
	l.expire()
}

func (l *Lock) giveTurn() { l.turnOnce.Do(func() { close(l.turn) }) }

func (l *Lock) finish() { l.doneOnce.Do(func() { close(l.done) }) }

// awaitTurn blocks until the proxy makes this request current, the deadline
// passes, ctx ends, or the request is closed. Only the creating owner may
// wait, and never on an expired request.
func (l *Lock) awaitTurn(ctx context.Context, owner *Owner, now func() time.Time) bool {
	if owner != l.owner {
		panic(ErrWrongOwner)
	}
	l.mu.Lock()
	if l.revoked {
		l.mu.Unlock()
		return false
	}
	if l.state == stateExpired || l.state == stateClosed {
		l.mu.Unlock()
		panic(ErrExpired)
	}
	l.state = stateWaiting
	deadline := l.deadline
	l.mu.Unlock()

	for {
		select {
		case <-l.turn:
			return true
		case <-l.done:
			return false
		default:
		}
		if !l.wait {
			return false
		}
		remaining := deadline.Sub(now())
		if remaining <= 0 {
			return false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-l.turn:
			timer.Stop()
			return true
		case <-l.done:
			timer.Stop()
			return false
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// sleep pauses for at most d, never past the deadline. It returns false when
// the request can no longer wait.
func (l *Lock) sleep(ctx context.Context, d time.Duration, now func() time.Time) bool {
	if !l.wait {
		return false
	}
	l.mu.Lock()
	remaining := l.deadline.Sub(now())
	l.mu.Unlock()
	if remaining <= 0 {
		return false
	}
	timer := time.NewTimer(min(d, remaining))
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-l.done:
		return false
	case <-ctx.Done():
		return false
	}
}
