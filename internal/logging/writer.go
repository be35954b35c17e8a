package logging

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultMaxSize is the size at which a LogWriter rotates.
const DefaultMaxSize = 10 * 1024 * 1024

// LogWriter is an append-only file that rotates once it would grow past
// its maximum size. The rotated file keeps a timestamp suffix.
type LogWriter struct {
	file        *os.File
	mu          sync.Mutex
	basePath    string
	maxSize     int64
	currentSize int64
	now         func() time.Time
}

// NewLogWriter opens (or creates) path for appending.
func NewLogWriter(path string) (*LogWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}

	var currentSize int64
	if stat, err := file.Stat(); err == nil {
		currentSize = stat.Size()
	}

	return &LogWriter{
		file:        file,
		basePath:    path,
		maxSize:     DefaultMaxSize,
		currentSize: currentSize,
		now:         time.Now,
	}, nil
}

// Write appends p, rotating first if p would exceed the maximum size.
func (lw *LogWriter) Write(p []byte) (n int, err error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.maxSize > 0 && lw.currentSize > 0 && lw.currentSize+int64(len(p)) > lw.maxSize {
		// A failed rotation keeps writing to the current file.
		_ = lw.rotate()
	}

	n, err = lw.file.Write(p)
	lw.currentSize += int64(n)
	return n, err
}

func (lw *LogWriter) rotate() error {
	rotatedPath := lw.basePath + "." + lw.now().Format("20060102-150405.000")
	if err := os.Rename(lw.basePath, rotatedPath); err != nil {
		return err
	}
	file, err := os.OpenFile(lw.basePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	lw.file.Close()
	lw.file = file
	lw.currentSize = 0
	return nil
}

// Close closes the log file.
func (lw *LogWriter) Close() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.file.Close()
}

// SetMaxSize sets the maximum log file size before rotation. Zero
// disables rotation.
func (lw *LogWriter) SetMaxSize(size int64) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.maxSize = size
}

// SessionLogs keeps one LogWriter per session, recording everything the
// session's program prints.
type SessionLogs struct {
	writers map[string]*LogWriter
	mu      sync.Mutex
	baseDir string
	maxSize int64
}

// NewSessionLogs writes logs under baseDir.
func NewSessionLogs(baseDir string, maxSize int64) *SessionLogs {
	return &SessionLogs{
		writers: make(map[string]*LogWriter),
		baseDir: baseDir,
		maxSize: maxSize,
	}
}

// Writer gets or creates the writer for session name.
func (sl *SessionLogs) Writer(name string) (*LogWriter, error) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if writer, exists := sl.writers[name]; exists {
		return writer, nil
	}
	writer, err := NewLogWriter(filepath.Join(sl.baseDir, "session-"+logFileName(name)+".log"))
	if err != nil {
		return nil, err
	}
	if sl.maxSize > 0 {
		writer.SetMaxSize(sl.maxSize)
	}
	sl.writers[name] = writer
	return writer, nil
}

// Remove closes and forgets the writer of session name.
func (sl *SessionLogs) Remove(name string) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	writer, exists := sl.writers[name]
	if !exists {
		return nil
	}
	delete(sl.writers, name)
	return writer.Close()
}

// Close closes all log writers.
func (sl *SessionLogs) Close() error {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	var lastErr error
	for name, writer := range sl.writers {
		if err := writer.Close(); err != nil {
			lastErr = err
		}
		delete(sl.writers, name)
	}
	return lastErr
}

// logFileName keeps names made of letters, digits, '-' and '_' as they
// are. Any other name keeps its safe characters and gains '~' plus a hash
// of the full name; no kept name contains '~', so distinct sessions never
// share a file.
func logFileName(name string) string {
	const maxLen = 50
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	safe := b.String()
	if safe == name && name != "" && len(name) <= maxLen {
		return name
	}
	if len(safe) > maxLen {
		safe = safe[:maxLen]
	}
	h := fnv.New32a()
	h.Write([]byte(name))
	return fmt.Sprintf("%s~%08x", safe, h.Sum32())
}
