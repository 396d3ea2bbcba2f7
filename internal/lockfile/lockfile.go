package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyLocked indicates the state directory is in use by another widgetchat process.
var ErrAlreadyLocked = errors.New("lock already held")

// Holder is what the owning process writes into the lock file.
type Holder struct {
	PID  int
	Mode string
}

// HeldError is returned when the lock belongs to someone else. It matches ErrAlreadyLocked.
type HeldError struct {
	Path   string
	Holder Holder
}

func (e *HeldError) Error() string {
	if e.Holder.PID > 0 {
		return fmt.Sprintf("%s: %v (pid %d, %s)", e.Path, ErrAlreadyLocked, e.Holder.PID, e.Holder.Mode)
	}
	return fmt.Sprintf("%s: %v", e.Path, ErrAlreadyLocked)
}

func (e *HeldError) Unwrap() error { return ErrAlreadyLocked }

type Lock struct {
	path string
	f    *os.File
}

// Acquire takes an exclusive, non-blocking lock on path, creating its
// directory if needed. mode ("chat", "serve") is recorded for the error
// another process sees.
func Acquire(path string, mode string) (*Lock, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrAlreadyLocked) {
			h, _ := ReadHolder(path)
			return nil, &HeldError{Path: path, Holder: h}
		}
		return nil, err
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n%s\n", os.Getpid(), strings.TrimSpace(mode))
	_ = f.Sync()

	return &Lock{path: path, f: f}, nil
}

// ReadHolder parses the lock file contents. It does not check whether the lock is held.
func ReadHolder(path string) (Holder, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Holder{}, err
	}
	lines := strings.SplitN(strings.TrimSpace(string(b)), "\n", 2)
	var h Holder
	if len(lines) > 0 {
		h.PID, _ = strconv.Atoi(strings.TrimSpace(lines[0]))
	}
	if len(lines) > 1 {
		h.Mode = strings.TrimSpace(lines[1])
	}
	return h, nil
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
