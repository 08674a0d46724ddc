package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/choraleia/inkos/pkg/db"
	"github.com/choraleia/inkos/pkg/event"
	"github.com/choraleia/inkos/pkg/utils"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const jobsModule = "jobs"

// JobHandler executes one kind of job. The returned value is stored as the
// job's JSON result.
type JobHandler interface {
	Kind() string
	Run(ctx context.Context, job *db.Job) (any, error)
}

// unknownJob handles every kind nobody registered.
type unknownJob struct {
	kind string
}

func (u unknownJob) Kind() string { return u.kind }

func (u unknownJob) Run(context.Context, *db.Job) (any, error) {
	return nil, newError(ErrUnknownJobKind, CodeUnknownJobKind, "No handler is registered for this job kind.",
		fmt.Errorf("unknown job kind: %s", u.kind))
}

// JobFilter narrows List.
type JobFilter struct {
	State string
	Kind  string
	Limit int
}

// JobQueue is the durable job list. Rows move queued -> running ->
// succeeded|failed and are never deleted.
type JobQueue struct {
	db       *gorm.DB
	mu       sync.RWMutex
	handlers map[string]JobHandler
	recorder event.Recorder
	emitter  *event.Emitter
	metrics  *Metrics
	logger   *slog.Logger
}

// NewJobQueue creates a job queue with no handlers.
func NewJobQueue(database *gorm.DB, recorder event.Recorder, emitter *event.Emitter, metrics *Metrics) *JobQueue {
	return &JobQueue{
		db:       database,
		handlers: make(map[string]JobHandler),
		recorder: recorder,
		emitter:  emitter,
		metrics:  metrics,
		logger:   utils.GetLogger(),
	}
}

// Register adds a handler, replacing any previous one for the same kind.
func (q *JobQueue) Register(h JobHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[h.Kind()] = h
}

// Kinds lists the registered job kinds.
func (q *JobQueue) Kinds() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]string, 0, len(q.handlers))
	for k := range q.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (q *JobQueue) handlerFor(kind string) JobHandler {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if h, ok := q.handlers[kind]; ok {
		return h
	}
	return unknownJob{kind: kind}
}

// Enqueue inserts a queued job. A nil runAt makes it due immediately.
func (q *JobQueue) Enqueue(ctx context.Context, kind string, payload any, runAt *time.Time) (*db.Job, error) {
	if kind == "" {
		return nil, invalidArgument("job kind is required")
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, invalidArgument("job payload is not JSON serializable: %v", err)
	}
	now := time.Now().UTC()
	job := db.Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		State:     db.JobQueued,
		Payload:   raw,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if runAt != nil {
		t := runAt.UTC()
		job.RunAt = &t
	}
	if err := q.db.WithContext(ctx).Create(&job).Error; err != nil {
		return nil, storeFailure(err, "enqueue job")
	}
	q.logger.Debug("Job queued", "id", job.ID, "kind", kind, "runAt", job.RunAt)
	q.emitter.Emit(event.JobQueuedEvent{JobID: job.ID, Kind: kind})
	return &job, nil
}

// FetchDue returns queued jobs whose run_at is unset or not after now:
// unscheduled jobs first, then by run_at, then in creation order.
func (q *JobQueue) FetchDue(ctx context.Context, now time.Time) ([]db.Job, error) {
	var jobs []db.Job
	err := q.db.WithContext(ctx).
		Where("state = ? AND (run_at IS NULL OR run_at <= ?)", db.JobQueued, now.UTC()).
		Order("CASE WHEN run_at IS NULL THEN 0 ELSE 1 END, run_at ASC, created_at ASC, id ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, storeFailure(err, "fetch due jobs")
	}
	return jobs, nil
}

// Run claims a queued job, executes its handler and records exactly one
// terminal state. Handler failures and panics end up on the job row; the
// returned error is reserved for jobs that could not be claimed or stored.
func (q *JobQueue) Run(ctx context.Context, job *db.Job) (*db.Job, error) {
	start := time.Now().UTC()
	res := q.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ? AND state = ?", job.ID, db.JobQueued).
		Updates(map[string]any{"state": db.JobRunning, "started_at": start, "updated_at": start})
	if res.Error != nil {
		return nil, storeFailure(res.Error, "claim job")
	}
	if res.RowsAffected == 0 {
		return nil, newError(ErrJobNotQueued, CodeJobNotQueued, "The job is no longer queued.",
			fmt.Errorf("job %s", job.ID))
	}
	job.State = db.JobRunning
	job.StartedAt = &start

	handler := q.handlerFor(job.Kind)
	value, runErr := q.invoke(ctx, handler, job)

	var result datatypes.JSON
	if runErr == nil {
		raw, err := json.Marshal(value)
		if err != nil {
			runErr = fmt.Errorf("encode job result: %w", err)
		} else {
			result = raw
		}
	}

	finished := time.Now().UTC()
	updates := map[string]any{"finished_at": finished, "updated_at": finished}
	state := db.JobSucceeded
	if runErr != nil {
		state = db.JobFailed
		updates["error"] = runErr.Error()
	} else {
		updates["result"] = result
	}
	updates["state"] = state
	// The job must still be running; a sweep may have failed it meanwhile.
	res = q.db.WithContext(context.WithoutCancel(ctx)).Model(&db.Job{}).
		Where("id = ? AND state = ?", job.ID, db.JobRunning).
		Updates(updates)
	if res.Error != nil {
		return nil, storeFailure(res.Error, "finish job")
	}

	took := finished.Sub(start)
	q.metrics.job(job.Kind, state, took)
	if runErr != nil {
		q.logger.Error("Job failed", "id", job.ID, "kind", job.Kind, "error", runErr)
		q.recorder.Record(ctx, event.Entry{
			Level:   db.LevelError,
			Code:    "JOB-500",
			Module:  jobsModule,
			Message: "Background job failed",
			Explain: "The failure is stored on the job record.",
			Data:    map[string]any{"job_id": job.ID, "kind": job.Kind, "error": runErr.Error()},
		})
	} else {
		q.logger.Info("Job succeeded", "id", job.ID, "kind", job.Kind, "took", took)
	}
	q.emitter.Emit(event.JobCompletedEvent{JobID: job.ID, Kind: job.Kind, Success: runErr == nil})

	return q.Get(context.WithoutCancel(ctx), job.ID)
}

func (q *JobQueue) invoke(ctx context.Context, h JobHandler, job *db.Job) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Job handler panicked", "id", job.ID, "kind", job.Kind, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return h.Run(ctx, job)
}

// Get returns a job by id.
func (q *JobQueue) Get(ctx context.Context, id string) (*db.Job, error) {
	var job db.Job
	if err := q.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if isRecordNotFound(err) {
			return nil, newError(ErrNotFound, CodeJobNotFound, "The job does not exist.", fmt.Errorf("job %s", id))
		}
		return nil, storeFailure(err, "load job")
	}
	return &job, nil
}

// List returns jobs newest first.
func (q *JobQueue) List(ctx context.Context, f JobFilter) ([]db.Job, error) {
	tx := q.db.WithContext(ctx).Model(&db.Job{})
	if f.State != "" {
		tx = tx.Where("state = ?", f.State)
	}
	if f.Kind != "" {
		tx = tx.Where("kind = ?", f.Kind)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var jobs []db.Job
	if err := tx.Order("created_at DESC").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, storeFailure(err, "list jobs")
	}
	return jobs, nil
}

// FindQueued returns a queued job of kind with run_at in [from, to), if any.
func (q *JobQueue) FindQueued(ctx context.Context, kind string, from, to time.Time) (*db.Job, error) {
	var jobs []db.Job
	err := q.db.WithContext(ctx).
		Where("kind = ? AND state = ? AND run_at >= ? AND run_at < ?", kind, db.JobQueued, from.UTC(), to.UTC()).
		Limit(1).
		Find(&jobs).Error
	if err != nil {
		return nil, storeFailure(err, "find queued job")
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// RecoverAbandoned fails jobs left running by a previous process whose
// start is older than olderThan. With requeue set, a fresh queued copy of
// each is enqueued so the work still happens.
func (q *JobQueue) RecoverAbandoned(ctx context.Context, olderThan time.Duration, requeue bool) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var stale []db.Job
	err := q.db.WithContext(ctx).
		Where("state = ? AND (started_at IS NULL OR started_at <= ?)", db.JobRunning, cutoff).
		Order("created_at ASC").
		Find(&stale).Error
	if err != nil {
		return 0, storeFailure(err, "find abandoned jobs")
	}

	recovered := 0
	for _, job := range stale {
		now := time.Now().UTC()
		res := q.db.WithContext(ctx).Model(&db.Job{}).
			Where("id = ? AND state = ?", job.ID, db.JobRunning).
			Updates(map[string]any{
				"state":       db.JobFailed,
				"error":       "abandoned: process exited while the job was running",
				"finished_at": now,
				"updated_at":  now,
			})
		if res.Error != nil {
			return recovered, storeFailure(res.Error, "fail abandoned job")
		}
		if res.RowsAffected == 0 {
			continue
		}
		recovered++

		data := map[string]any{"job_id": job.ID, "kind": job.Kind}
		if requeue {
			retry, err := q.Enqueue(ctx, job.Kind, json.RawMessage(job.Payload), nil)
			if err != nil {
				return recovered, err
			}
			data["requeued_as"] = retry.ID
		}
		q.recorder.Record(ctx, event.Entry{
			Level:   db.LevelWarn,
			Code:    "JOB-410",
			Module:  jobsModule,
			Message: "Abandoned job recovered",
			Explain: "The job was running when the process stopped.",
			Data:    data,
		})
	}
	return recovered, nil
}

func marshalPayload(payload any) (datatypes.JSON, error) {
	switch p := payload.(type) {
	case nil:
		return datatypes.JSON("{}"), nil
	case datatypes.JSON:
		if len(p) == 0 {
			return datatypes.JSON("{}"), nil
		}
		return p, nil
	case json.RawMessage:
		if len(p) == 0 {
			return datatypes.JSON("{}"), nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("invalid JSON")
		}
		return datatypes.JSON(p), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
