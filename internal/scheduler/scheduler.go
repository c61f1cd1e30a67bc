package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aiserve/gpuorchestrator/internal/config"
	"github.com/aiserve/gpuorchestrator/internal/logging"
	"github.com/aiserve/gpuorchestrator/internal/models"
	"github.com/aiserve/gpuorchestrator/internal/runner"
	"github.com/aiserve/gpuorchestrator/internal/store"
)

// candidateBatch bounds how many queued jobs one tick considers.
const candidateBatch = 256

// Scheduler is the single dispatch loop: it wakes every tick (or on a
// submit signal), orders the queue by effective priority with aging, and
// hands candidates to the runner while global capacity remains. Each
// dispatch claims the job in the in-flight set so a job still QUEUED in
// the store cannot be handed off twice, and so dispatched-but-unclaimed
// work counts against capacity.
type Scheduler struct {
	store  store.Store
	runner *runner.Runner
	cfg    config.SchedulerConfig
	wakeCh chan struct{}
	now    func() time.Time

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
}

func New(st store.Store, run *runner.Runner, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:    st,
		runner:   run,
		cfg:      cfg,
		wakeCh:   make(chan struct{}, 1),
		now:      time.Now,
		inFlight: make(map[uuid.UUID]struct{}),
	}
}

// SetNow injects a clock for tests.
func (s *Scheduler) SetNow(now func() time.Time) { s.now = now }

// Wake nudges the loop without waiting for the next tick. Non-blocking;
// coalesces with a pending wake.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	logging.Info("scheduler started", map[string]interface{}{
		"tick":                s.cfg.TickInterval.String(),
		"max_concurrent_jobs": s.cfg.MaxConcurrentJobs,
	})

	for {
		select {
		case <-ctx.Done():
			logging.Info("scheduler stopped", nil)
			return
		case <-ticker.C:
		case <-s.wakeCh:
		}
		if err := s.Tick(ctx); err != nil {
			logging.Error("scheduler tick failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

// Tick performs one dispatch pass. Exported so tests can drive the loop
// synchronously.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.pruneInFlight(ctx)

	active, err := s.store.CountJobsInStatus(ctx, models.JobStatusAssigned, models.JobStatusRunning)
	if err != nil {
		return err
	}
	// in-flight jobs are dispatched but still QUEUED in the store, so the
	// active count has not picked them up yet
	capacity := s.cfg.MaxConcurrentJobs - active - s.inFlightCount()
	if capacity <= 0 {
		return nil
	}

	now := s.now().UTC()
	candidates, err := s.store.ListRunnable(ctx, now, s.candidateLimit())
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	ordered := s.order(candidates, now)
	for _, job := range s.applyFairness(ordered) {
		if capacity <= 0 {
			break
		}
		if !s.claim(job.ID) {
			continue
		}
		s.dispatch(ctx, job.ID)
		capacity--
	}
	return nil
}

// candidateLimit keeps the scan window ahead of the backpressure high
// water mark, so an aged low-priority job near the back of the raw
// priority order is never truncated out of the batch aging should rescue.
func (s *Scheduler) candidateLimit() int {
	limit := candidateBatch
	if hw := s.cfg.QueueHighWater * 2; hw > limit {
		limit = hw
	}
	return limit
}

// claim marks a job as handed off. False means another dispatch holds it.
func (s *Scheduler) claim(jobID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.inFlight[jobID]; held {
		return false
	}
	s.inFlight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) release(jobID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, jobID)
}

func (s *Scheduler) inFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// pruneInFlight drops claims whose jobs have left QUEUED: once a job is
// ASSIGNED or RUNNING the active count covers it, and a claim kept
// alongside would double-book capacity for the rest of its run.
func (s *Scheduler) pruneInFlight(ctx context.Context) {
	s.mu.Lock()
	ids := make([]uuid.UUID, 0, len(s.inFlight))
	for id := range s.inFlight {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		job, err := s.store.GetJob(ctx, id)
		if err != nil || job.Status != models.JobStatusQueued {
			s.release(id)
		}
	}
}

// order sorts by (effective priority asc, created_at asc). Aging is baked
// into the effective priority: one step per window waited, floor 1.
func (s *Scheduler) order(jobs []*models.Job, now time.Time) []*models.Job {
	sort.SliceStable(jobs, func(i, j int) bool {
		pi := jobs[i].EffectivePriority(now, s.cfg.AgingWindow)
		pj := jobs[j].EffectivePriority(now, s.cfg.AgingWindow)
		if pi != pj {
			return pi < pj
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// applyFairness bounds consecutive dispatches per user: after burst jobs
// in a row the user's remaining candidates are deferred behind everyone
// else's, so one bulk submitter cannot starve the queue.
func (s *Scheduler) applyFairness(jobs []*models.Job) []*models.Job {
	burst := s.cfg.FairnessBurst
	if burst <= 0 || len(jobs) <= burst {
		return jobs
	}

	var out, deferred []*models.Job
	var lastUser uuid.UUID
	consecutive := 0
	for _, job := range jobs {
		if job.UserID == lastUser {
			if consecutive >= burst {
				deferred = append(deferred, job)
				continue
			}
			consecutive++
		} else {
			lastUser = job.UserID
			consecutive = 1
		}
		out = append(out, job)
	}
	return append(out, deferred...)
}

// dispatch is the non-blocking hand-off: the runner owns its goroutine.
// The claim is released when the runner returns; while it runs, prune
// retires the claim as soon as the job leaves QUEUED.
func (s *Scheduler) dispatch(ctx context.Context, jobID uuid.UUID) {
	logging.Debug("dispatching job", map[string]interface{}{
		"job_id": jobID.String(),
	})
	go func() {
		defer s.release(jobID)
		s.runner.Execute(ctx, jobID)
	}()
}
