// Package lockfile guarantees that a single Sophia process owns a state directory.
//
// The lock is an flock(2) on a file inside the directory, so the kernel drops
// it when the process exits, cleanly or not.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "sophia.lock"

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Owner describes the process recorded in a lock file.
type Owner struct {
	PID     int
	Command string
	Started time.Time
}

// AcquireLock takes the exclusive lock of stateDir, creating the directory if
// needed. When another process holds it, the error is a *LockError.
func AcquireLock(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, LockFileName)

	// No O_TRUNC: the current owner's record must survive a failed attempt.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		lockErr := &LockError{LockPath: path, Cause: err}
		if owner, rerr := ReadOwner(path); rerr == nil {
			lockErr.Owner = &owner
		}
		slog.Error("Lockfile.AcquireLock: state directory already locked", "lock_path", path, "error", err)
		return nil, lockErr
	}

	owner := Owner{PID: os.Getpid(), Command: filepath.Base(os.Args[0]), Started: time.Now().UTC()}
	if err := writeOwner(file, owner); err != nil {
		unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", path, err)
	}

	slog.Info("Lockfile.AcquireLock: state directory locked", "lock_path", path, "pid", owner.PID)
	return &Lock{file: file, path: path}, nil
}

func writeOwner(file *os.File, o Owner) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	content := fmt.Sprintf("pid=%d\ncommand=%s\nstarted=%s\n", o.PID, o.Command, o.Started.Format(time.RFC3339))
	if _, err := file.WriteAt([]byte(content), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Lockfile.writeOwner: sync failed", "error", err)
	}
	return nil
}

// ReadOwner parses the owner record of a lock file.
func ReadOwner(path string) (Owner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Owner{}, err
	}
	var o Owner
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			o.PID, _ = strconv.Atoi(value)
		case "command":
			o.Command = value
		case "started":
			o.Started, _ = time.Parse(time.RFC3339, value)
		}
	}
	if o.PID <= 0 {
		return Owner{}, errors.New("lock file holds no process information")
	}
	return o, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var errs []error
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	l.file = nil
	if len(errs) > 0 {
		slog.Warn("Lockfile.Release: released with errors", "lock_path", l.path, "error", errors.Join(errs...))
		return nil
	}
	slog.Info("Lockfile.Release: state directory unlocked", "lock_path", l.path)
	return nil
}

// LockError reports that another process holds the state directory.
type LockError struct {
	LockPath string
	Owner    *Owner
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another Sophia instance is already running with this state directory (lock file %s)", e.LockPath)
	if e.Owner != nil {
		state := "running"
		if !processAlive(e.Owner.PID) {
			state = "not running"
		}
		fmt.Fprintf(&b, "; holder: pid %d (%s)", e.Owner.PID, state)
		if e.Owner.Command != "" {
			fmt.Fprintf(&b, ", command %s", e.Owner.Command)
		}
		if !e.Owner.Started.IsZero() {
			fmt.Fprintf(&b, ", started %s", e.Owner.Started.Format(time.RFC3339))
		}
	}
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// processAlive checks pid with signal 0.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
