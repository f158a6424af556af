package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/manthysbr/ocrkernel/internal/core/domain"
	"github.com/manthysbr/ocrkernel/internal/core/ports"
	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxConcurrentJobs = 2
	defaultShutdownGrace     = 10 * time.Second
)

// jobEntry is the scheduler's bookkeeping for a queued or running job.
// record and cancelRequested are guarded by JobScheduler.mu.
type jobEntry struct {
	record          domain.JobRecord
	cancelRequested bool

	// Commands to the supervisor; the process handle never leaves it.
	terminate chan struct{}
	kill      chan struct{}
	termOnce  sync.Once
	killOnce  sync.Once
}

func newJobEntry(desc domain.JobDescriptor) *jobEntry {
	return &jobEntry{
		record: domain.JobRecord{
			Descriptor: desc,
			State:      domain.JobStateQueued,
			Log:        []string{},
		},
		terminate: make(chan struct{}),
		kill:      make(chan struct{}),
	}
}

func (e *jobEntry) requestTerminate() { e.termOnce.Do(func() { close(e.terminate) }) }
func (e *jobEntry) requestKill()      { e.killOnce.Do(func() { close(e.kill) }) }

// JobScheduler admits OCR jobs, dispatches them in FIFO order within a fixed
// concurrency limit, and owns every job state transition.
type JobScheduler struct {
	logger    *slog.Logger
	runner    ports.ProcessRunner
	bus       *EventBus
	results   *ResultStore
	semaphore *semaphore.Weighted
	limit     int64
	grace     time.Duration
	now       func() time.Time

	mu      sync.Mutex
	queue   []domain.JobID
	jobs    map[domain.JobID]*jobEntry // queued and running only
	seq     uint64
	started bool
	closed  bool

	wake        chan struct{}
	stop        chan struct{}
	supervisors sync.WaitGroup
}

func NewJobScheduler(
	logger *slog.Logger,
	cfg domain.SchedulerConfig,
	runner ports.ProcessRunner,
	bus *EventBus,
	results *ResultStore,
) *JobScheduler {
	limit := cfg.MaxConcurrentJobs
	if limit <= 0 {
		limit = defaultMaxConcurrentJobs
	}
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}

	return &JobScheduler{
		logger:    logger,
		runner:    runner,
		bus:       bus,
		results:   results,
		semaphore: semaphore.NewWeighted(limit),
		limit:     limit,
		grace:     grace,
		now:       func() time.Time { return time.Now().UTC() },
		jobs:      make(map[domain.JobID]*jobEntry),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// Submit validates the request and enqueues it. It never waits for a slot.
func (s *JobScheduler) Submit(ctx context.Context, req domain.JobRequest) (domain.JobID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := req.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", domain.ErrSchedulerClosed
	}

	s.seq++
	id := domain.JobID(uuid.New().String())
	entry := newJobEntry(domain.NewJobDescriptor(id, s.seq, req, s.now()))
	s.jobs[id] = entry
	s.queue = append(s.queue, id)
	s.publishState(entry, "")

	select {
	case s.wake <- struct{}{}:
	default:
	}

	s.logger.Info("job submitted", "job_id", id, "input", entry.record.Descriptor.InputPath, "queued", len(s.queue))
	return id, nil
}

// Cancel removes a queued job or asks the supervisor of a running job to stop it.
// A running job becomes CANCELLED only after its process has exited.
func (s *JobScheduler) Cancel(id domain.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.jobs[id]
	if !ok {
		if s.results.Has(id) {
			return fmt.Errorf("cancel %s: %w", id, domain.ErrAlreadyTerminal)
		}
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}

	switch entry.record.State {
	case domain.JobStateQueued:
		s.removeQueuedLocked(id)
		s.finishLocked(entry, domain.JobStateCancelled, nil)
		s.logger.Info("queued job cancelled", "job_id", id)
	case domain.JobStateRunning:
		if !entry.cancelRequested {
			s.logger.Info("cancellation requested", "job_id", id)
		}
		entry.cancelRequested = true
		entry.requestTerminate()
	}
	return nil
}

// Start launches the dispatch loop. Jobs submitted before Start stay queued.
func (s *JobScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("starting job scheduler", "max_concurrent_jobs", s.limit)
	go s.dispatchLoop(ctx)
}

func (s *JobScheduler) dispatchLoop(ctx context.Context) {
	// Process lifetimes are governed by Cancel and Shutdown, not by ctx.
	runCtx := context.WithoutCancel(ctx)

	for {
		if err := s.semaphore.Acquire(ctx, 1); err != nil {
			s.logger.Info("stopping scheduler", "reason", err)
			return
		}

		entry, ok := s.nextQueued(ctx)
		if !ok {
			s.semaphore.Release(1)
			s.logger.Info("stopping scheduler")
			return
		}

		go s.supervise(runCtx, entry)
	}
}

// nextQueued blocks until the oldest queued job can be moved to RUNNING.
func (s *JobScheduler) nextQueued(ctx context.Context) (*jobEntry, bool) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, false
		}
		if len(s.queue) > 0 {
			id := s.queue[0]
			s.queue[0] = ""
			s.queue = s.queue[1:]

			entry := s.jobs[id]
			startedAt := s.now()
			entry.record.State = domain.JobStateRunning
			entry.record.StartedAt = &startedAt
			s.supervisors.Add(1)
			s.publishState(entry, "")
			s.mu.Unlock()
			return entry, true
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.stop:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Shutdown stops admission, cancels queued jobs and terminates running ones.
// Jobs still running after the grace timeout (or ctx expiry) are killed, and
// Shutdown returns once every job is terminal.
func (s *JobScheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.stop)
	}

	queued := s.queue
	s.queue = nil
	for _, id := range queued {
		if entry, ok := s.jobs[id]; ok {
			s.finishLocked(entry, domain.JobStateCancelled, nil)
		}
	}

	running := 0
	for _, entry := range s.jobs {
		if entry.record.State == domain.JobStateRunning {
			entry.cancelRequested = true
			entry.requestTerminate()
			running++
		}
	}
	s.mu.Unlock()

	s.logger.Info("shutting down scheduler", "cancelled_queued", len(queued), "terminating", running)

	done := make(chan struct{})
	go func() {
		s.supervisors.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.grace)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	s.mu.Lock()
	remaining := 0
	for _, entry := range s.jobs {
		entry.requestKill()
		remaining++
	}
	s.mu.Unlock()

	s.logger.Warn("shutdown grace elapsed, force killing jobs", "remaining", remaining)
	<-done
	return nil
}

// Get returns a snapshot of a live or finished job.
func (s *JobScheduler) Get(id domain.JobID) (domain.JobRecord, error) {
	s.mu.Lock()
	if entry, ok := s.jobs[id]; ok {
		rec := entry.record.Clone()
		s.mu.Unlock()
		return rec, nil
	}
	s.mu.Unlock()
	return s.results.Get(id)
}

// JobWatch is a job snapshot plus, for a live job, the events that follow it.
// Seq is the sequence number of the last event the snapshot reflects; every
// event on Events has a larger one.
type JobWatch struct {
	Record domain.JobRecord
	Seq    uint64
	Events <-chan Event // nil when the job is already terminal
	Stop   func()
}

// Watch snapshots a job and subscribes to its events in one step. Every event
// of a job is published under s.mu, so nothing is both in the snapshot and on
// the channel, and nothing falls between them.
func (s *JobScheduler) Watch(id domain.JobID) (JobWatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.jobs[id]; ok {
		ch, unsub := s.bus.Subscribe(id)
		return JobWatch{
			Record: entry.record.Clone(),
			Seq:    s.bus.LastSeq(id),
			Events: ch,
			Stop:   unsub,
		}, nil
	}

	rec, err := s.results.Get(id)
	if err != nil {
		return JobWatch{}, err
	}
	return JobWatch{Record: rec, Stop: func() {}}, nil
}

// List returns live and finished jobs in submission order.
func (s *JobScheduler) List() []domain.JobRecord {
	s.mu.Lock()
	out := make([]domain.JobRecord, 0, len(s.jobs))
	for _, entry := range s.jobs {
		out = append(out, entry.record.Clone())
	}
	out = append(out, s.results.List()...)
	s.mu.Unlock()

	SortBySubmission(out)
	return out
}

// Purge drops a finished job from the result store.
func (s *JobScheduler) Purge(id domain.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, live := s.jobs[id]; live {
		return fmt.Errorf("purge %s: %w", id, domain.ErrJobNotTerminal)
	}
	return s.results.Purge(id)
}

type SchedulerStats struct {
	Queued  int   `json:"queued"`
	Running int   `json:"running"`
	Limit   int64 `json:"limit"`
}

func (s *JobScheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStats{
		Queued:  len(s.queue),
		Running: len(s.jobs) - len(s.queue),
		Limit:   s.limit,
	}
}

func (s *JobScheduler) removeQueuedLocked(id domain.JobID) {
	for i, queued := range s.queue {
		if queued == id {
			s.queue = append(s.queue[:i:i], s.queue[i+1:]...)
			return
		}
	}
}

// finishLocked performs the terminal transition: the snapshot reaches the
// result store before the job leaves the live set, so lookups always find it.
func (s *JobScheduler) finishLocked(entry *jobEntry, state domain.JobState, failure *domain.JobFailure) {
	id := entry.record.ID()
	if !domain.CanTransition(entry.record.State, state) {
		s.logger.Error("illegal job transition", "job_id", id, "from", entry.record.State, "to", state)
		return
	}

	endedAt := s.now()
	entry.record.State = state
	entry.record.Failure = failure
	entry.record.EndedAt = &endedAt

	snapshot := entry.record.Clone()
	if err := s.results.Append(snapshot); err != nil {
		s.logger.Error("failed to record job result", "job_id", id, "error", err)
	}
	delete(s.jobs, id)

	reason := ""
	if failure != nil {
		reason = failure.String()
	}
	s.publishState(entry, reason)
	s.bus.Publish(Event{
		JobID:  id,
		Type:   EventTypeCompleted,
		State:  state,
		Data:   reason,
		Record: &snapshot,
	})
}

func (s *JobScheduler) publishState(entry *jobEntry, data string) {
	s.bus.Publish(Event{
		JobID: entry.record.ID(),
		Type:  EventTypeStateChanged,
		State: entry.record.State,
		Data:  data,
	})
}
