package filelock

import (
	"fmt"
	"sync"
)

// Owner identifies a logical thread of control. Locks are reentrant per
// Owner: a second request on a lock the Owner already holds returns at once
// as a secondary lock.
//
// An Owner is not safe for use by more than one goroutine at a time.
type Owner struct {
	id      uint64
	name    string
	manager *Manager

	mu       sync.Mutex
	locks    map[*Lock]struct{}
	released bool
}

// Name returns the label given at registration.
func (o *Owner) Name() string { return o.name }

func (o *Owner) String() string { return fmt.Sprintf("%s#%d", o.name, o.id) }

func (o *Owner) track(l *Lock) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return ErrOwnerReleased
	}
	o.locks[l] = struct{}{}
	return nil
}

func (o *Owner) untrack(l *Lock) {
	o.mu.Lock()
	delete(o.locks, l)
	o.mu.Unlock()
}

// Release closes every lock the owner still holds and deregisters it.
// Further Lock calls with this owner fail with ErrOwnerReleased.
func (o *Owner) Release() error {
	o.mu.Lock()
	if o.released {
		o.mu.Unlock()
		return nil
	}
	o.released = true
	open := make([]*Lock, 0, len(o.locks))
	for l := range o.locks {
		open = append(open, l)
	}
	o.mu.Unlock()

	// Secondaries first so primaries are closed last.
	var firstErr error
	for _, secondaryPass := range []bool{true, false} {
		for _, l := range open {
			if l.IsSecondary() != secondaryPass {
				continue
			}
			if err := l.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	o.manager.forgetOwner(o)
	return firstErr
}
