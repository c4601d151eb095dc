// Package filelock serializes access to shared repository files across
// goroutines and processes.
//
// Every lock is identified by an index directory and a name, and is backed
// by an OS lock on <index>/<name>.lock. Within one process a Manager keeps a
// single proxy per lock file and hands it out in FIFO order. An owner that
// already holds a lock gets a secondary lock that costs nothing, so nested
// code paths never block on themselves. Between processes the OS lock
// decides, and a holder that sees another process waiting gives the lock up
// for a short back-off window instead of passing it straight to the next
// local waiter.
package filelock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// LockVersion is the current version of the lock metadata format.
const LockVersion = 2

// Sentinel errors returned by lock operations.
var (
	// ErrLocked is returned when the lock could not be obtained before the
	// timeout expired.
	ErrLocked = errors.New("filelock: lock is held elsewhere")
	// ErrOwnerReleased is returned when a released Owner requests a lock.
	ErrOwnerReleased = errors.New("filelock: owner has been released")
	// ErrManagerClosed is returned by a Manager after Close.
	ErrManagerClosed = errors.New("filelock: manager is closed")

	// ErrWrongOwner is the panic value when a request is queued or awaited
	// by an owner other than the one that created it.
	ErrWrongOwner = errors.New("filelock: request used by a different owner")
	// ErrExpired is the panic value when an expired request is awaited.
	ErrExpired = errors.New("filelock: request has expired")
)

// LockInfo is a JSON-serializable snapshot of a held lock.
type LockInfo struct {
	Path       string `json:"path"`
	Name       string `json:"name"`
	Owner      string `json:"owner"`
	PID        int    `json:"pid"`
	AcquiredAt string `json:"acquired_at"`
	Waiting    int    `json:"waiting"`
}

// Meta is the on-disk metadata written next to a held lock file.
type Meta struct {
	PID       int    `json:"pid"`
	Owner     string `json:"owner"`
	Host      string `json:"host,omitempty"`
	Timestamp string `json:"timestamp"`
	Version   int    `json:"lock_version"`
}

func metaPath(lockPath string) string { return lockPath + ".meta" }

func writeMeta(lockPath, owner string, at time.Time) error {
	host, _ := os.Hostname()
	data, err := json.Marshal(Meta{
		PID:       os.Getpid(),
		Owner:     owner,
		Host:      host,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		Version:   LockVersion,
	})
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	if err := os.WriteFile(metaPath(lockPath), data, 0o644); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

// ReadMeta reads and parses the metadata file associated with lockPath.
func ReadMeta(lockPath string) (Meta, error) {
	data, err := os.ReadFile(metaPath(lockPath))
	if err != nil {
		return Meta{}, fmt.Errorf("read meta: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// IsStale reports whether the metadata at lockPath names a process that no
// longer exists. Missing or unreadable metadata counts as stale.
//
// The OS releases a dead process's lock on its own; a stale record only
// means the metadata outlived its writer.
func IsStale(lockPath string) bool {
	meta, err := ReadMeta(lockPath)
	if err != nil {
		return true
	}
	return !processAlive(meta.PID)
}

// Status describes a lock file as seen from outside any Manager.
type Status struct {
	Path    string `json:"path"`
	Held    bool   `json:"held"`
	Waiting bool   `json:"waiting"`
	Stale   bool   `json:"stale"`
	Meta    *Meta  `json:"meta,omitempty"`
}

// Inspect reports whether the named lock is held right now. It never blocks
// and does not create the lock file.
func Inspect(indexPath, lockName string) (Status, error) {
	lockPath, _, err := resolve(indexPath, lockName)
	if err != nil {
		return Status{}, err
	}
	st := Status{Path: lockPath}
	if _, err := os.Stat(lockPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return st, nil
		}
		return st, fmt.Errorf("filelock: inspect: %w", err)
	}

	probe, err := tryLock(lockPath, true)
	if err != nil {
		return st, fmt.Errorf("filelock: inspect: %w", err)
	}
	if probe != nil {
		return st, probe.release(false)
	}

	st.Held = true
	if meta, err := ReadMeta(lockPath); err == nil {
		st.Meta = &meta
		st.Stale = !processAlive(meta.PID)
	}
	if _, err := os.Stat(lockPath + ".req"); err == nil {
		st.Waiting, _ = otherWaiting(lockPath + ".req")
	}
	return st, nil
}
