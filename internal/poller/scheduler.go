package poller

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Reasons passed to the skip hook when a tick does not dispatch the job.
const (
	SkipInFlight = "in_flight"
	SkipPaused   = "paused"
)

// Job is one poll attempt. It receives the scheduler's run context, which is
// cancelled by [Scheduler.Stop].
type Job func(ctx context.Context)

// Scheduler runs a single [Job] immediately on start and then on every tick
// of a fixed interval.
//
// At most one job runs at a time. A tick that fires while the previous job
// is still running is dropped, not queued. Jobs run on their own goroutine so
// the ticker keeps its cadence against a slow endpoint.
//
// A Scheduler is single-use: Start after Stop is a no-op. All methods are
// safe for concurrent use.
type Scheduler struct {
	interval time.Duration
	job      Job
	logger   *slog.Logger
	onSkip   func(reason string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	started     bool
	stopped     bool
	inFlight    bool
	pausedUntil time.Time

	// wake tells the loop that the pause deadline changed
	wake chan struct{}
}

// NewScheduler creates a new [Scheduler]. onSkip may be nil.
//
// The scheduler must be started with [Scheduler.Start] and stopped with
// [Scheduler.Stop].
func NewScheduler(interval time.Duration, job Job, onSkip func(reason string), logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		interval: interval,
		job:      job,
		logger:   logger,
		onSkip:   onSkip,
		wake:     make(chan struct{}, 1),
	}
}

// Start begins the tick loop in a background goroutine.
//
// The job is dispatched immediately (unless paused), then on every tick.
// If ctx is nil, context.Background() is used. Start is idempotent, and a
// no-op once Stop has been called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true

	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.loop(runCtx)
	}()
}

func (s *Scheduler) loop(ctx context.Context) {
	s.dispatch(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var resume *time.Timer
	var resumeC <-chan time.Time
	arm := func() {
		if resume != nil {
			resume.Stop()
			resume, resumeC = nil, nil
		}
		until := s.PausedUntil()
		if until.IsZero() {
			return
		}
		resume = time.NewTimer(time.Until(until))
		resumeC = resume.C
	}
	arm()
	defer func() {
		if resume != nil {
			resume.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatch(ctx)
		case <-s.wake:
			arm()
			if resumeC == nil {
				// explicit resume: poll now rather than wait for the next tick
				s.dispatch(ctx)
			}
		case <-resumeC:
			resume, resumeC = nil, nil
			s.dispatch(ctx)
		}
	}
}

// dispatch starts the job unless paused, stopped, or already running.
// The in-flight flag is checked and set under one lock acquisition.
func (s *Scheduler) dispatch(ctx context.Context) {
	s.mu.Lock()
	if s.stopped || ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	if !s.pausedUntil.IsZero() {
		if time.Now().Before(s.pausedUntil) {
			s.mu.Unlock()
			s.skip(SkipPaused)
			return
		}
		s.pausedUntil = time.Time{}
	}
	if s.inFlight {
		s.mu.Unlock()
		s.skip(SkipInFlight)
		return
	}
	s.inFlight = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.inFlight = false
			s.mu.Unlock()
		}()
		s.safeRun(ctx)
	}()
}

// safeRun calls the job with panic recovery. A panic is logged with a
// correlation id and the loop keeps running.
func (s *Scheduler) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("poll job panic",
				"correlation_id", uuid.NewString(),
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	s.job(ctx)
}

func (s *Scheduler) skip(reason string) {
	s.logger.Debug("tick skipped", "reason", reason)
	if s.onSkip != nil {
		s.onSkip(reason)
	}
}

// PauseUntil suspends dispatching until t. A job already running is not
// affected. When t passes the job is dispatched immediately. A zero t is
// the same as [Scheduler.Resume].
func (s *Scheduler) PauseUntil(t time.Time) {
	s.mu.Lock()
	s.pausedUntil = t
	s.mu.Unlock()
	s.notify()
}

// Resume clears any pause. If the scheduler was paused the job is
// dispatched right away.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	wasPaused := !s.pausedUntil.IsZero()
	s.pausedUntil = time.Time{}
	s.mu.Unlock()
	if wasPaused {
		s.notify()
	}
}

// Kick asks the loop to dispatch the job now instead of waiting for the
// next tick. It has no effect while paused, and the in-flight guard still
// applies.
func (s *Scheduler) Kick() {
	s.notify()
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// PausedUntil returns the current pause deadline, or the zero time.
func (s *Scheduler) PausedUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pausedUntil
}

// InFlight reports whether a job is currently running.
func (s *Scheduler) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Stop cancels the run context and waits for the tick loop to exit.
//
// Stop does not wait for a running job: jobs are expected to honour the
// context, and one that does not is simply abandoned. Stop is idempotent
// and safe to call before Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		if s.cancel != nil {
			s.cancel()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
}
