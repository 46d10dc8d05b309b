// Package audit writes append-only structured event logs for tool
// execution outcomes, authorization decisions, and connection registry
// events. One JSON record per line; files rotate by UTC calendar day.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opsfabric/fabric/internal/tools"
)

// Record kinds.
const (
	KindAudit      = "AUDIT"
	KindAuthz      = "AUTHZ"
	KindConnection = "CONNECTION"
)

const (
	// maxOutputBytes caps the output field before writing.
	maxOutputBytes = 500

	fileMode = 0o640
	dirMode  = 0o750
)

// ExecutionEntry records the final outcome of one dispatch.
type ExecutionEntry struct {
	Timestamp       time.Time    `json:"timestamp"`
	Kind            string       `json:"kind"`
	ToolName        string       `json:"tool_name"`
	Role            string       `json:"role"`
	Authorized      bool         `json:"authorized"`
	Status          tools.Status `json:"status"`
	ExecutionTimeMS int64        `json:"execution_time_ms"`
	Output          string       `json:"output"`
	Error           string       `json:"error,omitempty"`
	DeviceID        string       `json:"device_id,omitempty"`
	UserID          string       `json:"user_id,omitempty"`
}

// AuthzEntry records one authorization decision.
type AuthzEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	ToolName  string    `json:"tool_name"`
	Role      string    `json:"role"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason"`
}

// ConnectionEntry records a registry event: register, replace, unregister,
// or auth_failed.
type ConnectionEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Event     string    `json:"event"`
	DeviceID  string    `json:"device_id"`
	Remote    string    `json:"remote,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// sink owns one rotated log file. Writes are serialized by the mutex.
type sink struct {
	mu     sync.Mutex
	dir    string
	prefix string
	day    string
	file   *os.File
}

func (s *sink) write(record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	day := time.Now().UTC().Format("20060102")
	if s.file == nil || day != s.day {
		if s.file != nil {
			s.file.Close()
		}
		path := filepath.Join(s.dir, fmt.Sprintf("%s_%s.log", s.prefix, day))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, fileMode)
		if err != nil {
			return err
		}
		s.file = f
		s.day = day
	}

	_, err = s.file.Write(append(data, '\n'))
	return err
}

func (s *sink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Log is the set of audit sinks for one process.
type Log struct {
	execution  *sink
	authz      *sink
	connection *sink
	logger     *slog.Logger
}

// New creates the audit log directory and sinks. Files are created lazily
// on first write.
func New(dir string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &Log{
		execution:  &sink{dir: dir, prefix: "audit"},
		authz:      &sink{dir: dir, prefix: "authorization"},
		connection: &sink{dir: dir, prefix: "connection"},
		logger:     logger.With("component", "audit"),
	}, nil
}

// RecordExecution appends a tool execution outcome. The output field is
// capped before writing; a failed write is logged, never propagated.
func (l *Log) RecordExecution(e ExecutionEntry) {
	e.Kind = KindAudit
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if len(e.Output) > maxOutputBytes {
		e.Output = e.Output[:maxOutputBytes]
	}
	if err := l.execution.write(e); err != nil {
		l.logger.Error("audit write failed", "kind", KindAudit, "error", err)
	}
}

// RecordAuthz appends an authorization decision.
func (l *Log) RecordAuthz(e AuthzEntry) {
	e.Kind = KindAuthz
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := l.authz.write(e); err != nil {
		l.logger.Error("audit write failed", "kind", KindAuthz, "error", err)
	}
}

// RecordConnection appends a connection registry event.
func (l *Log) RecordConnection(e ConnectionEntry) {
	e.Kind = KindConnection
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := l.connection.write(e); err != nil {
		l.logger.Error("audit write failed", "kind", KindConnection, "error", err)
	}
}

// Close flushes and closes all sinks.
func (l *Log) Close() error {
	var firstErr error
	for _, s := range []*sink{l.execution, l.authz, l.connection} {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
