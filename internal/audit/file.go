package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultMaxSize is the size at which the audit file is rotated.
const DefaultMaxSize int64 = 10 << 20

// ErrSymlink is returned when the audit path is a symbolic link.
var ErrSymlink = errors.New("audit log path is a symlink")

// FileLogger writes audit events as append-only JSONL.
// Each event is a single JSON line followed by a newline. When the file
// grows past maxSize it is renamed to <path>.1 and a fresh file is started.
type FileLogger struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	size    int64
	maxSize int64
	logger  *slog.Logger
	now     func() time.Time
}

// NewFileLogger opens (or creates) the audit log in append-only mode with
// 0600 permissions. A symlinked path is refused.
func NewFileLogger(path string, maxSize int64, logger *slog.Logger) (*FileLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	l := &FileLogger{path: path, maxSize: maxSize, logger: logger, now: time.Now}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLogger) open() error {
	if fi, err := os.Lstat(l.path); err == nil && fi.Mode()&fs.ModeSymlink != 0 {
		return fmt.Errorf("%w: %s", ErrSymlink, l.path)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening audit log %s: %w", l.path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = f
	l.size = fi.Size()
	return nil
}

// Record serializes the event and appends it. Marshal happens outside the
// lock; only rotation and the file write are serialized.
func (l *FileLogger) Record(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	if l.size > 0 && l.size+int64(len(data)) > l.maxSize {
		if err := l.rotateLocked(); err != nil {
			l.mu.Unlock()
			return err
		}
	}
	n, writeErr := l.file.Write(data)
	l.size += int64(n)
	l.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit event: %w", writeErr)
	}

	l.logger.DebugContext(ctx, "audit event logged",
		slog.String("kind", string(event.Kind)),
		slog.String("provider", event.Provider),
		slog.String("credential", event.Credential),
		slog.String("status", event.Status),
		slog.String("decision", event.Decision),
	)
	return nil
}

func (l *FileLogger) rotateLocked() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("closing audit log for rotation: %w", err)
	}
	if err := os.Rename(l.path, l.path+".1"); err != nil {
		return fmt.Errorf("rotating audit log: %w", err)
	}
	if err := l.open(); err != nil {
		return err
	}
	l.logger.Info("audit log rotated", slog.String("path", l.path))
	return nil
}

// Close closes the underlying file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
