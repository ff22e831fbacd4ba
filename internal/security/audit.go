package security

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"quackrelay/internal/domain"
)

// maxLogBytes is the rotation threshold. The compliance log records
// auth failures and denied access, not message traffic, so one rollover
// file of history is plenty.
const maxLogBytes = 64 << 20

// FileAuditLogger is the domain.SecurityAuditLogger: one JSON object
// per line, appended to a 0600 file. When the file crosses the size
// threshold it is rotated to <path>.1, replacing any previous rollover.
type FileAuditLogger struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	written int64
}

// NewFileAuditLogger opens (or creates) the log at path.
func NewFileAuditLogger(path string) (*FileAuditLogger, error) {
	f, size, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("security audit log: %w", err)
	}
	return &FileAuditLogger{path: path, file: f, written: size}, nil
}

func openAppend(path string) (*os.File, int64, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// Log appends event as one JSON line and mirrors it onto the active
// OTel span, if any, as a span event.
func (a *FileAuditLogger) Log(ctx context.Context, event domain.SecurityEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(event)
	if err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}
	line = append(line, '\n')

	a.mu.Lock()
	if a.written+int64(len(line)) > maxLogBytes {
		a.rotate()
	}
	if a.file == nil {
		a.mu.Unlock()
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, "log file unavailable after rotation")
	}
	_, err = a.file.Write(line)
	if err == nil {
		a.written += int64(len(line))
	}
	a.mu.Unlock()
	if err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		attrs := []attribute.KeyValue{
			attribute.String("audit.actor", event.Actor),
			attribute.String("audit.outcome", event.Outcome),
		}
		for k, v := range event.Detail {
			attrs = append(attrs, attribute.String("audit."+k, v))
		}
		span.AddEvent("audit."+string(event.Type), trace.WithAttributes(attrs...))
	}
	return nil
}

// rotate is called with the mutex held. Rotation failures fall through
// to appending on the full file: losing rotation is better than losing
// the event.
func (a *FileAuditLogger) rotate() {
	if err := a.file.Close(); err != nil {
		return
	}
	_ = os.Rename(a.path, a.path+".1")
	f, size, err := openAppend(a.path)
	if err != nil {
		a.file, a.written = nil, 0
		return
	}
	a.file, a.written = f, size
}

// Close releases the log file.
func (a *FileAuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	return a.file.Close()
}
