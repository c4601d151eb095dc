package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

var errProxyClosed = errors.New("filelock: proxy closed")

// proxy is the single in-process representative of one lock file. It
// queues requests in arrival order and owns the OS lock on their behalf.
//
// Only the current turn touches file and request outside mu.
type proxy struct {
	m         *Manager
	key       string
	indexPath string
	lockName  string
	lockPath  string
	reqPath   string
	log       *zap.Logger

	mu              sync.Mutex
	queue           []*Lock
	current         *Lock
	file            *osLock
	request         *osLock
	minTimeNextTurn time.Time
	disposeOnClose  bool
	deleteOnClose   bool
	closed          bool
	idleTimer       *time.Timer
	idleSince       time.Time
}

func newProxy(m *Manager, key, indexPath, lockName, lockPath string) *proxy {
	return &proxy{
		m:              m,
		key:            key,
		indexPath:      indexPath,
		lockName:       lockName,
		lockPath:       lockPath,
		reqPath:        lockPath + ".req",
		log:            m.log.With(zap.String("lock", lockPath)),
		disposeOnClose: !m.opts.retainIdle,
	}
}

// enqueue adds l to the queue. When the current turn is a granted lock of
// the same owner, l is granted as its secondary instead and nothing is
// queued. A request that may not wait is refused while anyone else is
// ahead of it.
func (p *proxy) enqueue(l *Lock, owner *Owner, deleteOnClose bool) (secondary bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, errProxyClosed
	}
	l.proxy = p

	if cur := p.current; cur != nil && cur.owner == l.owner && cur.isGranted() {
		if !l.grant(secondaryHolding{of: cur}, p.m.now()) {
			return false, ErrLocked
		}
		return true, nil
	}
	if !l.wait && (p.current != nil || len(p.queue) > 0) {
		return false, ErrLocked
	}

	if !l.setQueued(owner) {
		return false, ErrLocked
	}
	if deleteOnClose {
		p.deleteOnClose = true
		p.disposeOnClose = true
	}
	p.queue = append(p.queue, l)
	p.advanceLocked()
	return false, nil
}

// advanceLocked hands the turn to the head of the queue if nobody has it.
func (p *proxy) advanceLocked() {
	if p.current != nil || len(p.queue) == 0 {
		return
	}
	next := p.queue[0]
	p.queue = p.queue[1:]
	p.current = next
	p.stopIdleLocked()
	next.giveTurn()
}

// acquire obtains the OS lock for the current turn l. It reports false when
// l's deadline passes first.
func (p *proxy) acquire(ctx context.Context, l *Lock) (bool, error) {
	if err := os.MkdirAll(p.indexPath, 0o755); err != nil {
		return false, fmt.Errorf("mkdir for lock: %w", err)
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return false, ErrManagerClosed
		}
		if p.file != nil {
			req := p.request
			p.request = nil
			p.mu.Unlock()
			if err := writeMeta(p.lockPath, l.owner.String(), p.m.now()); err != nil {
				p.log.Warn("lock metadata not written", zap.Error(err))
			}
			if err := req.release(false); err != nil {
				p.log.Debug("request signal release failed", zap.Error(err))
			}
			return true, nil
		}
		backoff := p.minTimeNextTurn.Sub(p.m.now())
		p.mu.Unlock()

		if backoff > 0 {
			if !l.sleep(ctx, backoff, p.m.now) {
				return false, nil
			}
			continue
		}

		f, err := tryLock(p.lockPath, true)
		if err != nil {
			return false, err
		}
		if f != nil {
			if err := writeMeta(p.lockPath, l.owner.String(), p.m.now()); err != nil {
				p.log.Warn("lock metadata not written", zap.Error(err))
			}
			p.mu.Lock()
			p.file = f
			req := p.request
			p.request = nil
			p.mu.Unlock()
			if err := req.release(false); err != nil {
				p.log.Debug("request signal release failed", zap.Error(err))
			}
			return true, nil
		}

		p.signalWaiting()
		if !l.sleep(ctx, p.m.opts.pollInterval, p.m.now) {
			return false, nil
		}
	}
}

// signalWaiting takes a shared lock on the request file so the holder in
// another process knows someone is waiting.
func (p *proxy) signalWaiting() {
	p.mu.Lock()
	have := p.request != nil
	p.mu.Unlock()
	if have {
		return
	}
	req, err := tryLock(p.reqPath, false)
	if err != nil {
		p.log.Debug("request signal failed", zap.Error(err))
		return
	}
	if req == nil {
		// A holder is probing right now; the next poll retries.
		return
	}
	p.mu.Lock()
	p.request = req
	p.mu.Unlock()
}

// grant marks l as the primary holder. It fails if l stopped being the
// current turn or was closed while acquiring.
func (p *proxy) grant(l *Lock) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != l || p.file == nil {
		return false
	}
	return l.grant(primaryHolding{lock: l}, p.m.now())
}

// abandon withdraws a request that will not be granted.
func (p *proxy) abandon(l *Lock) {
	l.expire()
	p.mu.Lock()
	p.queue = slices.DeleteFunc(p.queue, func(q *Lock) bool { return q == l })
	if p.current == l {
		p.mu.Unlock()
		if err := p.endTurn(l); err != nil {
			p.log.Warn("ending abandoned turn", zap.Error(err))
		}
		return
	}
	disposing := p.disposeIfIdleLocked()
	p.mu.Unlock()
	if disposing {
		p.m.removeProxy(p)
	}
}

// release ends the turn of a granted primary lock.
func (p *proxy) release(l *Lock) error {
	p.m.releaseHeld()
	return p.endTurn(l)
}

// endTurn passes the proxy on after the current turn l. If another process
// is waiting for the OS lock it is given up and local requests back off
// until minTimeNextTurn, so turns alternate between processes.
func (p *proxy) endTurn(l *Lock) error {
	p.mu.Lock()
	if p.current != l {
		p.mu.Unlock()
		return nil
	}
	file := p.file
	p.mu.Unlock()

	// The probe runs while l is still current, so no local request can
	// slip in between the check and the hand-off.
	pending := false
	if file != nil {
		var err error
		pending, err = otherWaiting(p.reqPath)
		if err != nil {
			p.log.Debug("waiting probe failed", zap.Error(err))
		}
	}

	var yielded, disposed *osLock
	p.mu.Lock()
	req := p.request
	p.request = nil
	if pending && p.file != nil {
		yielded, p.file = p.file, nil
		p.minTimeNextTurn = p.m.now().Add(p.m.opts.backoff)
		p.m.metrics.RecordBackoff(p.lockName)
	}
	p.current = nil
	p.advanceLocked()
	disposing := p.disposeIfIdleLocked()
	if disposing {
		disposed, p.file = p.file, nil
	} else if p.current == nil && p.file != nil {
		p.idleSince = p.m.now()
		p.scheduleIdleCheckLocked()
	}
	remove := disposing && p.deleteOnClose
	p.mu.Unlock()

	if pending {
		p.log.Debug("yielding to waiting process")
	}

	var errs []error
	if err := req.release(false); err != nil {
		errs = append(errs, err)
	}
	if err := yielded.release(false); err != nil {
		errs = append(errs, err)
	}
	if disposing {
		if remove {
			removeSidecars(p.lockPath)
		}
		if err := disposed.release(remove); err != nil {
			errs = append(errs, err)
		}
		p.m.removeProxy(p)
		p.log.Debug("proxy disposed", zap.Bool("deleted", remove))
	}
	return errors.Join(errs...)
}

// disposeIfIdleLocked closes an idle proxy that is not meant to outlive its
// last request.
func (p *proxy) disposeIfIdleLocked() bool {
	if p.closed || p.current != nil || len(p.queue) > 0 || !p.disposeOnClose {
		return false
	}
	p.closed = true
	p.stopIdleLocked()
	return true
}

func (p *proxy) scheduleIdleCheckLocked() {
	if p.idleTimer != nil {
		return
	}
	every := p.m.opts.idleCheck
	if rel := p.m.opts.idleRelease; rel > 0 {
		if left := rel - p.m.now().Sub(p.idleSince); every <= 0 || left < every {
			every = max(left, time.Millisecond)
		}
	}
	if every <= 0 {
		return
	}
	p.idleTimer = time.AfterFunc(every, p.idleCheck)
}

func (p *proxy) stopIdleLocked() {
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}

// idleCheck runs while the proxy keeps the OS lock with no local demand. It
// lets the lock go once another process asks for it or the proxy has been
// idle for idleRelease.
func (p *proxy) idleCheck() {
	p.mu.Lock()
	p.idleTimer = nil
	if p.closed || p.current != nil || len(p.queue) > 0 || p.file == nil {
		p.mu.Unlock()
		return
	}
	// Take the handle so a turn starting meanwhile cannot inherit it.
	file := p.file
	p.file = nil
	rel := p.m.opts.idleRelease
	expired := rel > 0 && p.m.now().Sub(p.idleSince) >= rel
	p.mu.Unlock()

	var pending bool
	var err error
	if !expired {
		pending, err = otherWaiting(p.reqPath)
		if err != nil {
			p.log.Debug("idle probe failed", zap.Error(err))
		}
	}

	p.mu.Lock()
	// A local turn that started during the probe may have signalled the
	// request file itself; it takes the handle and yields when it ends.
	if !p.closed && (p.current != nil || (!expired && !pending && err == nil)) {
		p.file = file
		if p.current == nil && len(p.queue) == 0 {
			p.scheduleIdleCheckLocked()
		}
		p.mu.Unlock()
		return
	}
	if pending {
		p.minTimeNextTurn = p.m.now().Add(p.m.opts.backoff)
		p.m.metrics.RecordBackoff(p.lockName)
	}
	p.mu.Unlock()
	if expired {
		p.log.Debug("idle lock released")
	}
	if err := file.release(false); err != nil {
		p.log.Warn("idle release failed", zap.Error(err))
	}
}

// dropIdle lets go of an OS lock kept with no local demand.
func (p *proxy) dropIdle() {
	p.mu.Lock()
	if p.closed || p.current != nil || len(p.queue) > 0 || p.file == nil {
		p.mu.Unlock()
		return
	}
	file := p.file
	p.file = nil
	p.stopIdleLocked()
	p.mu.Unlock()
	if err := file.release(false); err != nil {
		p.log.Warn("idle release failed", zap.Error(err))
	}
}

// shutdown releases the OS lock and fails every queued request. Locks
// already granted stay valid objects but no longer exclude other processes.
func (p *proxy) shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.stopIdleLocked()
	queued := p.queue
	p.queue = nil
	file, req := p.file, p.request
	p.file, p.request = nil, nil
	remove := p.deleteOnClose && p.current == nil
	p.mu.Unlock()

	for _, l := range queued {
		l.revoke()
	}
	if remove {
		removeSidecars(p.lockPath)
	}
	return errors.Join(req.release(false), file.release(remove))
}

func removeSidecars(lockPath string) {
	_ = os.Remove(metaPath(lockPath))
	_ = os.Remove(lockPath + ".req")
}
