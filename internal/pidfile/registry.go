// Package pidfile tracks pool-client ownership through PID files so a
// restarted manager can reap clients a crashed predecessor left behind.
package pidfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Registry manages PID files under a single directory. One file per
// client, named client_<id>.pid, containing the owning process id.
type Registry struct {
	dir    string
	logger *slog.Logger
}

// NewRegistry creates a registry rooted at dir. The directory is created
// lazily on first Register.
func NewRegistry(dir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{dir: dir, logger: logger}
}

// Dir returns the registry root.
func (r *Registry) Dir() string { return r.dir }

func (r *Registry) path(clientID int) string {
	return filepath.Join(r.dir, fmt.Sprintf("client_%d.pid", clientID))
}

// Register records that clientID is owned by pid.
func (r *Registry) Register(clientID, pid int) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}
	path := r.path(clientID)
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	r.logger.Debug("registered client pid", "client_id", clientID, "pid", pid)
	return nil
}

// Unregister removes the PID file for clientID without signalling anyone.
// Used when the client failed to come up inside this process.
func (r *Registry) Unregister(clientID int) error {
	err := os.Remove(r.path(clientID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// Terminate reads the PID file at path, SIGTERMs the recorded process and
// removes the file. A process that no longer exists is not an error: the
// point is to converge on zero orphans. With throwOnError false, failures
// are logged and swallowed.
func (r *Registry) Terminate(path string, throwOnError bool) error {
	err := r.terminate(path)
	if err != nil {
		if throwOnError {
			return err
		}
		r.logger.Warn("pid file cleanup failed", "path", path, "error", err)
	}
	return nil
}

func (r *Registry) terminate(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("parse pid file %s: %w", path, err)
	}

	// FindProcess never fails on unix; Signal tells us whether the
	// process is still around.
	proc, err := os.FindProcess(pid)
	if err == nil {
		err = proc.Signal(syscall.SIGTERM)
	}
	if err != nil && !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	r.logger.Info("terminated orphaned client", "pid", pid, "path", path)
	return nil
}

// TerminateAll sweeps every *.pid file in the registry directory. This is
// the crash-recovery pass a fresh manager runs before connecting, and the
// shutdown pass a stopping manager runs last. Subdirectories are skipped.
func (r *Registry) TerminateAll(throwOnError bool) error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if throwOnError {
			return fmt.Errorf("read pid directory: %w", err)
		}
		r.logger.Warn("pid directory unreadable", "dir", r.dir, "error", err)
		return nil
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pid") {
			continue
		}
		if err := r.Terminate(filepath.Join(r.dir, entry.Name()), throwOnError); err != nil {
			return err
		}
	}
	return nil
}
