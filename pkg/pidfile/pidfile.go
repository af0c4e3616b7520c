// Package pidfile guards against multiple daemon instances through a
// PID file.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDFile represents a PID file for daemon process management.
type PIDFile struct {
	path string
	pid  int
}

// New creates a new PIDFile instance for the current process.
func New(path string) *PIDFile {
	return &PIDFile{path: path, pid: os.Getpid()}
}

// CheckRunning reports whether another live instance owns the PID
// file, and its PID if so. A stale file (dead process) reports not
// running.
func (p *PIDFile) CheckRunning() (bool, int, error) {
	existing, err := p.read()
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	if existing == p.pid {
		return false, existing, nil
	}
	return processAlive(existing), existing, nil
}

// Create writes the PID file, replacing a stale one if its owner is
// no longer running.
func (p *PIDFile) Create() error {
	if existing, err := p.read(); err == nil {
		if processAlive(existing) && existing != p.pid {
			return fmt.Errorf("daemon already running with PID %d", existing)
		}
		if err := os.Remove(p.path); err != nil {
			return fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(fmt.Sprintf("%d\n", p.pid)), 0o644); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}
	return nil
}

// Remove removes the PID file if this process owns it.
func (p *PIDFile) Remove() error {
	existing, err := p.read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return os.Remove(p.path)
	}
	if existing != p.pid {
		return fmt.Errorf("PID file contains different PID (%d vs %d), not removing", existing, p.pid)
	}
	return os.Remove(p.path)
}

// ForceRemove removes the PID file regardless of ownership.
func (p *PIDFile) ForceRemove() error {
	err := os.Remove(p.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (p *PIDFile) read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed PID file %s: %w", p.path, err)
	}
	return pid, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 only checks for existence.
	return proc.Signal(syscall.Signal(0)) == nil
}
