package filelock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// reopenAttempts bounds how often tryLock chases a lock file that was
// deleted and recreated under it.
const reopenAttempts = 3

// osLock is an open file carrying an OS lock.
type osLock struct {
	path string
	f    *os.File
}

// tryLock opens path and attempts a non-blocking lock on it. A nil lock
// with a nil error means another holder has it.
//
// A holder that deletes its lock file on close unlinks it while still
// locked, so a lock obtained on a file that no longer sits at path is
// worthless and the open is retried.
func tryLock(path string, exclusive bool) (*osLock, error) {
	for range reopenAttempts {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		ok, err := lockFile(f, exclusive)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if !ok {
			f.Close()
			return nil, nil
		}

		same, err := stillAt(f, path)
		if same {
			return &osLock{path: path, f: f}, nil
		}
		unlockFile(f)
		f.Close()
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
	}
	return nil, nil
}

func stillAt(f *os.File, path string) (bool, error) {
	held, err := f.Stat()
	if err != nil {
		return false, err
	}
	onDisk, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return os.SameFile(held, onDisk), nil
}

// release drops the lock and closes the file. With remove set the file is
// unlinked first, while the lock still excludes other holders.
func (l *osLock) release(remove bool) error {
	if l == nil {
		return nil
	}
	var errs []error
	if remove {
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := unlockFile(l.f); err != nil {
		errs = append(errs, fmt.Errorf("unlock %s: %w", l.path, err))
	}
	if err := l.f.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// otherWaiting reports whether some other holder has a shared lock on the
// request file at path, which is how waiting processes announce themselves.
func otherWaiting(path string) (bool, error) {
	probe, err := tryLock(path, true)
	if err != nil {
		return false, err
	}
	if probe == nil {
		return true, nil
	}
	return false, probe.release(false)
}
