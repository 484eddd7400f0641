// Package lockfile guards a BookingPipe state directory so that only one process runs the lock
// sweeper and the outbox sender against it. The flock is dropped by the kernel when the process
// exits, so a crash never leaves the directory locked.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the lock file created in the state directory.
const LockFileName = "bookingpipe.lock"

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes an exclusive lock on stateDir, creating it if needed. When another process
// holds the lock the error is a *LockError describing the owner.
func AcquireLock(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("lockfile.AcquireLock: acquiring", "lock_path", lockPath)

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", stateDir, err)
	}
	// O_TRUNC would wipe the owner's info before we know whether we get the lock.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		owner := describeOwner(lockPath)
		slog.Error("lockfile.AcquireLock: state directory in use", "lock_path", lockPath, "owner", owner, "error", err)
		return nil, &LockError{LockPath: lockPath, Owner: owner, Cause: err}
	}

	info := formatLockInfo(os.Getpid(), time.Now().UTC())
	if err := writeLockInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("write lock file %s: %w", lockPath, err)
	}

	slog.Info("lockfile.AcquireLock: acquired", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath}, nil
}

func writeLockInfo(file *os.File, info string) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(info), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.writeLockInfo: sync failed", "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the lock file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("lockfile.Release: unlock failed", "lock_path", l.path, "error", err)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("lockfile.Release: close failed", "lock_path", l.path, "error", err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Error("lockfile.Release: remove failed", "lock_path", l.path, "error", err)
	}
	l.file = nil
	slog.Info("lockfile.Release: released", "lock_path", l.path)
	return nil
}

// LockError reports a state directory held by another process.
type LockError struct {
	LockPath string
	Owner    string
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another BookingPipe instance is using this state directory (lock file %s)", e.LockPath)
	if e.Owner != "" {
		fmt.Fprintf(&b, "; owner: %s", e.Owner)
	}
	fmt.Fprintf(&b, "; if no other instance is running, remove the stale lock with: rm %s", e.LockPath)
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func formatLockInfo(pid int, started time.Time) string {
	return fmt.Sprintf("pid=%d\nstarted=%s\n", pid, started.Format(time.RFC3339))
}

// parseLockInfo reads key=value lines.
func parseLockInfo(content string) map[string]string {
	info := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok && k != "" {
			info[k] = v
		}
	}
	return info
}

func describeOwner(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unknown"
	}
	info := parseLockInfo(string(data))
	pid, err := strconv.Atoi(info["pid"])
	if err != nil || pid <= 0 {
		return "unknown"
	}
	state := "running"
	if !isProcessRunning(pid) {
		state = "not running, stale lock"
	}
	if started := info["started"]; started != "" {
		return fmt.Sprintf("PID %d (%s) since %s", pid, state, started)
	}
	return fmt.Sprintf("PID %d (%s)", pid, state)
}

// isProcessRunning sends signal 0, which only checks that pid exists.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
