package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrPIDFileLocked is returned when another process holds the pidfile.
var ErrPIDFileLocked = errors.New("pidfile is locked by another process")

// pidFile is held under an exclusive advisory lock for the life of the
// daemon, so a second instance fails fast instead of fighting over the
// socket.
type pidFile struct {
	path string
	f    *os.File
}

func openPIDFile(path string) (*pidFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening pidfile: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", path, ErrPIDFileLocked)
		}
		return nil, fmt.Errorf("locking pidfile: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncating pidfile: %w", err)
	}
	return &pidFile{path: path, f: f}, nil
}

func (p *pidFile) Write(pid int) error {
	if _, err := p.f.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0); err != nil {
		return fmt.Errorf("writing pidfile: %w", err)
	}
	return nil
}

// Remove unlinks the pidfile and then drops the lock.
func (p *pidFile) Remove() error {
	rmErr := os.Remove(p.path)
	if errors.Is(rmErr, os.ErrNotExist) {
		rmErr = nil
	}
	if err := p.f.Close(); err != nil && rmErr == nil {
		return fmt.Errorf("closing pidfile: %w", err)
	}
	if rmErr != nil {
		return fmt.Errorf("removing pidfile: %w", rmErr)
	}
	return nil
}
