package install

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/go-ps"
)

// ErrLocked is returned when another live session owns the device.
var ErrLocked = errors.New("device is owned by another session")

const (
	// lockDirPermissions is used for the lock directory.
	lockDirPermissions = 0o750
	// lockFilePermissions is used for lock files.
	lockFilePermissions = 0o600
	// lockAttempts allows one retry after removing a stale lock.
	lockAttempts = 2
)

// Locker grants exclusive ownership of a device to one session.
type Locker interface {
	// Lock acquires deviceID and returns the function that releases it.
	Lock(deviceID string) (func() error, error)
}

// FileLocker keeps one lock file per device holding the owner's PID.
// A lock whose owner process no longer exists is stale and is taken over.
type FileLocker struct {
	// dir holds the lock files.
	dir string
	// alive reports whether a process with pid is running.
	alive func(pid int) bool
}

// NewFileLocker returns a locker keeping its files in dir.
func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{dir: dir, alive: processAlive}
}

// Lock implements Locker.
func (l *FileLocker) Lock(deviceID string) (func() error, error) {
	if err := os.MkdirAll(l.dir, lockDirPermissions); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	path := filepath.Join(l.dir, sanitizeID(deviceID)+".lock")

	for range lockAttempts {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, lockFilePermissions)
		if err == nil {
			_, err = file.WriteString(strconv.Itoa(os.Getpid()))
			if closeErr := file.Close(); err == nil {
				err = closeErr
			}

			if err != nil {
				_ = os.Remove(path)

				return nil, fmt.Errorf("write lock file: %w", err)
			}

			return func() error { return os.Remove(path) }, nil
		}

		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		owner, live := l.owner(path)
		if live {
			return nil, fmt.Errorf("%w: %s is locked by process %d", ErrLocked, deviceID, owner)
		}

		if err = os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrLocked, deviceID)
}

// owner reads the PID in a lock file and reports whether that process is alive.
func (l *FileLocker) owner(path string) (int, bool) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(contents)))
	if err != nil {
		return 0, false
	}

	return pid, l.alive(pid)
}

func processAlive(pid int) bool {
	process, err := ps.FindProcess(pid)

	return err == nil && process != nil
}

// sanitizeID makes a device id safe to use in file names.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
