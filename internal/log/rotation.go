package log

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Limits of the CLI log file.
const (
	MaxFileSize    = 10 << 20
	MaxFileBackups = 3
)

// RotatingFile is the writer behind -logfile. A write that would take the
// file past its limit first moves it to path.1, shifting older copies up to
// path.3; the oldest falls off. A record is never split across files.
type RotatingFile struct {
	mu    sync.Mutex
	path  string
	limit int64
	out   *os.File
	n     int64
}

// OpenRotatingFile opens path for appending, creating its directory.
func OpenRotatingFile(path string) (*RotatingFile, error) {
	return openRotating(path, MaxFileSize)
}

func openRotating(path string, limit int64) (*RotatingFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("log: %w", err)
	}
	rf := &RotatingFile{path: path, limit: limit}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

// open starts appending to path. The file is owner-only: it can hold
// message bodies.
func (rf *RotatingFile) open() error {
	f, err := os.OpenFile(rf.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("log: %w", err)
	}
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("log: %w", err)
	}
	rf.out, rf.n = f, end
	return nil
}

// Write implements io.Writer.
func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.out == nil {
		return 0, os.ErrClosed
	}
	if rf.n > 0 && rf.n+int64(len(p)) > rf.limit {
		if err := rf.shift(); err != nil {
			return 0, err
		}
	}
	n, err := rf.out.Write(p)
	rf.n += int64(n)
	return n, err
}

// shift renames path.i to path.i+1 from the oldest down, then path to
// path.1, and reopens. Called with mu held.
func (rf *RotatingFile) shift() error {
	err := rf.out.Close()
	rf.out = nil
	if err != nil {
		return fmt.Errorf("log: rotate: %w", err)
	}

	names := []string{rf.path}
	for i := 1; i <= MaxFileBackups; i++ {
		names = append(names, rf.path+"."+strconv.Itoa(i))
	}
	for i := len(names) - 1; i > 0; i-- {
		if err := os.Rename(names[i-1], names[i]); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("log: rotate: %w", err)
		}
	}
	return rf.open()
}

// Close implements io.Closer. A second Close is a no-op and writes after
// Close fail with os.ErrClosed.
func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	f := rf.out
	rf.out = nil
	if f == nil {
		return nil
	}
	return f.Close()
}
