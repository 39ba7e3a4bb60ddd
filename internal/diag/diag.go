// Package diag records diagnostic events: pipeline failures, profile
// defaulting, and invariant violations. Records are appended to a local
// JSON-lines file and, per room, published on the transport's reliable data
// channel so listeners' clients can render a caption. No diagnostic message
// is required for correct audio routing.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/polyglossa/pkg/transport"
)

// Diagnostic kinds.
const (
	KindPipelineFailed     = "pipeline_failed"
	KindProfileDefaulted   = "profile_defaulted"
	KindInvariantViolation = "invariant_violation"
)

// Record is a single diagnostic event.
type Record struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	Room     string    `json:"room"`
	Listener string    `json:"listener,omitempty"`
	Speaker  string    `json:"speaker,omitempty"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// New builds a Record with a fresh trace id and the current UTC time.
func New(kind, room, listener, speaker, reason string) Record {
	return Record{
		ID:       uuid.NewString(),
		Kind:     kind,
		Room:     room,
		Listener: listener,
		Speaker:  speaker,
		Reason:   reason,
		At:       time.Now().UTC(),
	}
}

// Sink consumes diagnostic records.
type Sink interface {
	Emit(ctx context.Context, rec Record) error
}

// Compile-time interface checks.
var (
	_ Sink = (*FileLog)(nil)
	_ Sink = (*Publisher)(nil)
	_ Sink = (Fanout)(nil)
	_ Sink = (*Recorder)(nil)
	_ Sink = Nop{}
)

// FileLog persists records as JSON lines in a local file.
// Thread-safe for concurrent use.
type FileLog struct {
	mu   sync.Mutex
	path string
}

// NewFileLog creates a FileLog that writes to the given path.
// The file is created on first emit if it does not exist.
func NewFileLog(path string) *FileLog {
	return &FileLog{path: path}
}

// Emit appends rec to the file.
func (l *FileLog) Emit(_ context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("diag: marshal: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("diag: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("diag: write: %w", err)
	}
	return nil
}

// Publisher sends each record as JSON over the room's reliable data channel.
type Publisher struct {
	Room transport.Room
}

// Emit publishes rec on the data channel.
func (p *Publisher) Emit(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("diag: marshal: %w", err)
	}
	if err := p.Room.PublishData(ctx, data); err != nil {
		return fmt.Errorf("diag: publish: %w", err)
	}
	return nil
}

// Fanout emits each record to every sink in order and joins any errors.
// A failing sink does not stop the others.
type Fanout []Sink

// Emit delivers rec to every member sink.
func (f Fanout) Emit(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range f {
		if err := s.Emit(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder is a test sink that stores every emitted record.
type Recorder struct {
	mu      sync.Mutex
	records []Record

	// EmitErr, when non-nil, is returned by Emit after recording.
	EmitErr error
}

// Emit stores rec.
func (r *Recorder) Emit(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return r.EmitErr
}

// Records returns a copy of everything emitted so far.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Nop discards all records.
type Nop struct{}

// Emit discards rec.
func (Nop) Emit(context.Context, Record) error { return nil }
