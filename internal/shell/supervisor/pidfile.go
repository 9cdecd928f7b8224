package supervisor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

var (
	// ErrPIDFileLocked is returned when another stackd holds the PID record.
	ErrPIDFileLocked = errors.New("pid file locked by another supervisor")
	// ErrNotRunning is returned when no live process holds the PID record.
	ErrNotRunning = errors.New("no supervisor holds the pid file")
)

// PIDFile is the on-disk PID record of one supervised process. The file
// stays open and flock'ed while the process runs, so a second stackd for
// the same namespace cannot claim it and a crashed stackd leaves no stale
// lock behind.
type PIDFile struct {
	path string
	f    *os.File
}

// NewPIDFile returns a handle for path. Nothing is created until Write.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// Path returns the record location.
func (p *PIDFile) Path() string {
	return p.path
}

// Write locks the record and stores pid in it.
func (p *PIDFile) Write(pid int) error {
	if p.f == nil {
		if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
			return fmt.Errorf("create pid dir: %w", err)
		}
		f, err := os.OpenFile(p.path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return fmt.Errorf("open pid file: %w", err)
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			if errors.Is(err, unix.EWOULDBLOCK) {
				return fmt.Errorf("%s: %w", p.path, ErrPIDFileLocked)
			}
			return fmt.Errorf("lock pid file: %w", err)
		}
		p.f = f
	}

	if err := p.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate pid file: %w", err)
	}
	if _, err := p.f.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return p.f.Sync()
}

// Remove deletes the record and releases the lock. Removing a record that
// was never written is a no-op.
func (p *PIDFile) Remove() error {
	if p.f == nil {
		return nil
	}
	err := os.Remove(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		err = nil
	}
	unix.Flock(int(p.f.Fd()), unix.LOCK_UN)
	p.f.Close()
	p.f = nil
	return err
}

// ReadPID reads the PID stored at path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	return pid, nil
}

// HolderPID returns the PID stored at path if the process that wrote it
// still holds the lock. A record whose lock is free is left over from a
// crash: it is removed and ErrNotRunning returned, so the recorded PID,
// possibly reused by an unrelated process, is never signalled.
func HolderPID(path string) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%s: %w", path, ErrNotRunning)
	}
	if err != nil {
		return 0, fmt.Errorf("open pid file: %w", err)
	}
	defer f.Close()

	err = unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB)
	switch {
	case errors.Is(err, unix.EWOULDBLOCK):
		return ReadPID(path)
	case err != nil:
		return 0, fmt.Errorf("test pid file lock: %w", err)
	}

	// Still locked by us, so no supervisor can claim the record mid-removal.
	rmErr := os.Remove(path)
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	if rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		return 0, fmt.Errorf("remove stale pid file: %w", rmErr)
	}
	return 0, fmt.Errorf("%s: stale record removed: %w", path, ErrNotRunning)
}
