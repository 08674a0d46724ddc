package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/choraleia/inkos/pkg/db"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Entry is one diagnostic record destined for the event_log table.
type Entry struct {
	TS      time.Time
	Level   string
	Code    string
	Module  string
	Message string
	Explain string
	Data    map[string]any
}

// Recorder is the event sink injected into every component. Record never
// fails the caller; delivery problems are only logged.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Discard is a Recorder that drops everything.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(context.Context, Entry) {}

// LogRecorder persists entries to event_log, mirrors them to slog and emits
// a LogRecordedEvent.
type LogRecorder struct {
	db      *gorm.DB
	emitter *Emitter
	logger  *slog.Logger
}

// NewLogRecorder creates the durable sink.
func NewLogRecorder(database *gorm.DB, emitter *Emitter, logger *slog.Logger) *LogRecorder {
	return &LogRecorder{db: database, emitter: emitter, logger: logger}
}

// Record implements Recorder. Inside a Defer scope the entry is buffered
// until the scope is flushed.
func (r *LogRecorder) Record(ctx context.Context, e Entry) {
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	if buf := deferredFrom(ctx); buf != nil && buf.add(e) {
		return
	}
	r.write(ctx, e)
}

func (r *LogRecorder) write(ctx context.Context, e Entry) {
	r.logger.Log(ctx, slogLevel(e.Level), e.Message,
		"code", e.Code, "module", e.Module, "explain", e.Explain, "data", e.Data)

	row := db.EventLog{
		ID:      uuid.NewString(),
		TS:      e.TS.UTC(),
		Level:   e.Level,
		Code:    e.Code,
		Module:  e.Module,
		Message: e.Message,
		Explain: e.Explain,
	}
	if len(e.Data) > 0 {
		if b, err := json.Marshal(e.Data); err == nil {
			row.Data = datatypes.JSON(b)
		}
	}
	if err := r.db.WithContext(context.WithoutCancel(ctx)).Create(&row).Error; err != nil {
		r.logger.Warn("failed to persist event log entry", "code", e.Code, "module", e.Module, "error", err)
		return
	}
	r.emitter.Emit(LogRecordedEvent{Level: e.Level, Code: e.Code, Module: e.Module})
}

// EventFilter narrows List.
type EventFilter struct {
	Module string
	Level  string
	Limit  int
}

// List returns the newest entries first.
func (r *LogRecorder) List(ctx context.Context, f EventFilter) ([]db.EventLog, error) {
	q := r.db.WithContext(ctx).Model(&db.EventLog{})
	if f.Module != "" {
		q = q.Where("module = ?", f.Module)
	}
	if f.Level != "" {
		q = q.Where("level = ?", f.Level)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []db.EventLog
	if err := q.Order("ts DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func slogLevel(level string) slog.Level {
	switch level {
	case db.LevelDebug:
		return slog.LevelDebug
	case db.LevelWarn:
		return slog.LevelWarn
	case db.LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ---- Deferred delivery ----

type deferKey struct{}

type deferred struct {
	mu      sync.Mutex
	entries []Entry
	done    bool
}

// add buffers e. It reports false once the scope has been flushed.
func (d *deferred) add(e Entry) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return false
	}
	d.entries = append(d.entries, e)
	return true
}

func (d *deferred) open() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.done
}

func deferredFrom(ctx context.Context) *deferred {
	d, _ := ctx.Value(deferKey{}).(*deferred)
	return d
}

// Defer opens a buffering scope for work that runs inside a store
// transaction. Entries recorded with the returned context are held until
// flush: flush(true) hands them to rec, flush(false) drops them because the
// work they describe was rolled back. Entries recorded after flush are
// written immediately. Nested scopes share the outermost buffer and get a
// no-op flush.
func Defer(ctx context.Context, rec Recorder) (context.Context, func(committed bool)) {
	if d := deferredFrom(ctx); d != nil && d.open() {
		return ctx, func(bool) {}
	}
	buf := &deferred{}
	parent := ctx
	return context.WithValue(ctx, deferKey{}, buf), func(committed bool) {
		buf.mu.Lock()
		entries := buf.entries
		buf.entries = nil
		buf.done = true
		buf.mu.Unlock()
		if !committed {
			return
		}
		for _, e := range entries {
			rec.Record(context.WithoutCancel(parent), e)
		}
	}
}
