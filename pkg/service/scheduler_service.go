package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/choraleia/inkos/pkg/db"
	"github.com/choraleia/inkos/pkg/event"
	"github.com/choraleia/inkos/pkg/utils"
	"github.com/robfig/cron/v3"
)

const (
	schedulerModule = "jobs.scheduler"
	defaultNightly  = "0 2 * * *"
)

// SchedulerOptions configure the dispatch loop.
type SchedulerOptions struct {
	Tick             time.Duration
	Nightly          string // cron expression; UTC unless it carries CRON_TZ/TZ
	NightlyKind      string
	AbandonedAfter   time.Duration
	RequeueAbandoned bool
}

// Scheduler drives the job queue. One loop waits for a wake signal or the
// tick and hands due jobs to the worker pool, which runs them one after
// another. Every tick also keeps the next nightly digest job queued.
type Scheduler struct {
	queue    *JobQueue
	pool     *TaskService
	recorder event.Recorder
	logger   *slog.Logger
	opts     SchedulerOptions
	nightly  cron.Schedule
	now      func() time.Time

	wake        chan struct{}
	ensureMu    sync.Mutex
	dispatching atomic.Bool
	pending     atomic.Bool
	tickPending atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewScheduler parses the nightly expression and builds a stopped scheduler.
func NewScheduler(queue *JobQueue, pool *TaskService, recorder event.Recorder, opts SchedulerOptions) (*Scheduler, error) {
	if opts.Tick <= 0 {
		opts.Tick = time.Minute
	}
	if opts.NightlyKind == "" {
		opts.NightlyKind = DailyDigestKind
	}
	expr := strings.TrimSpace(opts.Nightly)
	if expr == "" {
		expr = defaultNightly
	}
	if !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		expr = "CRON_TZ=UTC " + expr
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, invalidArgument("invalid nightly schedule %q: %v", opts.Nightly, err)
	}
	return &Scheduler{
		queue:    queue,
		pool:     pool,
		recorder: recorder,
		logger:   utils.GetLogger(),
		opts:     opts,
		nightly:  schedule,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}, nil
}

// Start recovers jobs abandoned by a previous process, primes the nightly
// job and launches the loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return errors.New("scheduler already started")
	}

	recovered, err := s.queue.RecoverAbandoned(ctx, s.opts.AbandonedAfter, s.opts.RequeueAbandoned)
	if err != nil {
		return err
	}
	if recovered > 0 {
		s.logger.Warn("Recovered abandoned jobs", "count", recovered, "requeued", s.opts.RequeueAbandoned)
	}
	if _, _, err := s.EnsureNightlySchedule(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx)
	s.Wake()

	s.logger.Info("Scheduler started", "tick", s.opts.Tick, "nightlyKind", s.opts.NightlyKind)
	return nil
}

// Stop ends the loop and waits for dispatched work to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.done == nil || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.cancel()
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.pool.Shutdown(ctx)
}

// Wake signals that work is available. It never blocks.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			s.dispatch(ctx, false)
		case <-ticker.C:
			s.dispatch(ctx, true)
		}
	}
}

// dispatch hands a drain pass to the pool. Only one pass is in flight;
// wakes that arrive meanwhile make it go around once more.
func (s *Scheduler) dispatch(ctx context.Context, tick bool) {
	if tick {
		s.tickPending.Store(true)
	}
	s.pending.Store(true)
	if !s.dispatching.CompareAndSwap(false, true) {
		return
	}

	_, err := s.pool.Enqueue(TaskDispatchJobs, "Dispatch due jobs", func(_ context.Context, setNote func(string)) error {
		for {
			s.pending.Store(false)
			s.runDue(ctx, s.tickPending.Swap(false), setNote)
			s.dispatching.Store(false)
			if !s.pending.Load() || !s.dispatching.CompareAndSwap(false, true) {
				return nil
			}
		}
	})
	if err != nil {
		s.dispatching.Store(false)
		s.logger.Warn("Could not dispatch due jobs", "error", err)
	}
}

// runDue runs every due job sequentially. Failures are logged and never
// stop the pass.
func (s *Scheduler) runDue(ctx context.Context, tick bool, setNote func(string)) {
	jobCtx := context.WithoutCancel(ctx)
	jobs, err := s.queue.FetchDue(jobCtx, s.now())
	if err != nil {
		s.logger.Error("Failed to fetch due jobs", "error", err)
	}
	for i := range jobs {
		job := &jobs[i]
		setNote(fmt.Sprintf("%s %s", job.Kind, job.ID))
		if _, err := s.queue.Run(jobCtx, job); err != nil {
			if errors.Is(err, ErrJobNotQueued) {
				s.logger.Debug("Job already claimed", "id", job.ID)
				continue
			}
			s.logger.Error("Job execution failed", "id", job.ID, "kind", job.Kind, "error", err)
		}
	}
	if tick {
		if _, _, err := s.EnsureNightlySchedule(jobCtx); err != nil {
			s.logger.Error("Failed to ensure nightly digest schedule", "error", err)
		}
	}
}

// NextNightly returns the first nightly slot strictly after t.
func (s *Scheduler) NextNightly(t time.Time) time.Time {
	return s.nightly.Next(t).UTC()
}

// EnsureNightlySchedule makes sure a queued digest job exists for the next
// nightly slot. The payload names the day before the run. It reports
// whether a job was created.
func (s *Scheduler) EnsureNightlySchedule(ctx context.Context) (*db.Job, bool, error) {
	s.ensureMu.Lock()
	defer s.ensureMu.Unlock()

	next := s.NextNightly(s.now())
	existing, err := s.queue.FindQueued(ctx, s.opts.NightlyKind, next, next.Add(time.Second))
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	payload := DigestPayload{Date: next.AddDate(0, 0, -1).Format(time.DateOnly)}
	job, err := s.queue.Enqueue(ctx, s.opts.NightlyKind, payload, &next)
	if err != nil {
		return nil, false, err
	}
	s.logger.Info("Scheduled nightly digest job", "id", job.ID, "runAt", next, "date", payload.Date)
	s.recorder.Record(ctx, event.Entry{
		Level:   db.LevelInfo,
		Code:    "JOB-200",
		Module:  schedulerModule,
		Message: "Scheduled nightly digest job",
		Explain: "Will summarise the previous day at the nightly slot.",
		Data:    map[string]any{"job_id": job.ID, "run_at": next, "date": payload.Date},
	})
	return job, true, nil
}

// RunNow enqueues a job and runs it in the calling goroutine, then re-primes
// the nightly schedule.
func (s *Scheduler) RunNow(ctx context.Context, kind string, payload any) (*db.Job, error) {
	job, err := s.queue.Enqueue(ctx, kind, payload, nil)
	if err != nil {
		return nil, err
	}
	done, err := s.queue.Run(ctx, job)
	if errors.Is(err, ErrJobNotQueued) {
		// The loop claimed it first; wait for its outcome.
		done, err = s.awaitJob(ctx, job.ID)
	}
	if err != nil {
		return nil, err
	}
	if _, _, err := s.EnsureNightlySchedule(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("Failed to re-prime nightly digest schedule", "error", err)
	}
	return done, nil
}

func (s *Scheduler) awaitJob(ctx context.Context, id string) (*db.Job, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		job, err := s.queue.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.State == db.JobSucceeded || job.State == db.JobFailed {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Enqueue queues a job and wakes the loop when it is due now.
func (s *Scheduler) Enqueue(ctx context.Context, kind string, payload any, runAt *time.Time) (*db.Job, error) {
	job, err := s.queue.Enqueue(ctx, kind, payload, runAt)
	if err != nil {
		return nil, err
	}
	if runAt == nil || !runAt.After(s.now()) {
		s.Wake()
	}
	return job, nil
}
