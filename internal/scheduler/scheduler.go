package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalebavincent/dl-torrent/internal/backend"
	"github.com/kalebavincent/dl-torrent/internal/geo"
	"github.com/kalebavincent/dl-torrent/internal/model"
	"github.com/kalebavincent/dl-torrent/internal/postproc"
	"github.com/kalebavincent/dl-torrent/internal/retry"
	"github.com/kalebavincent/dl-torrent/internal/tracker"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrNoResource  = errors.New("resource descriptor required")
)

// Options carries scheduler tuning. Timing values are explicit so tests
// can run with deterministic virtual time.
type Options struct {
	DownloadDir        string
	PoolSizes          map[model.ResourceKind]int
	PollInterval       time.Duration
	RetryPolicy        retry.Policy
	CheckpointInterval time.Duration
	Retention          time.Duration
	MinFreeBytes       int64
	GeoPolicy          geo.Policy
	Trackers           []string
}

// SubmitSpec is one download request from the submission interface.
type SubmitSpec struct {
	Resource     string
	Mirrors      []string
	OutputPath   string
	Kind         model.ResourceKind // empty: inferred from the descriptor
	Priority     int
	TargetFormat string
}

// Scheduler owns the job table and commits every state transition. All
// mutations flow through its event loop; workers and the API only send
// events or read snapshots. The read lock exists solely so queries can
// copy jobs while the loop is the single writer.
type Scheduler struct {
	opts      Options
	adapters  map[model.ResourceKind]backend.Adapter
	selector  *geo.Selector
	processor postproc.Processor
	progress  *tracker.Tracker
	store     *tracker.CheckpointStore
	logger    *log.Logger

	mu   sync.RWMutex
	jobs map[string]*model.Job

	nextSeq uint64
	queues  map[model.ResourceKind][]*model.Job
	inUse   map[model.ResourceKind]int
	cancels map[string]context.CancelFunc
	resumed []resumedJob

	events  chan event
	stop    chan struct{}
	stopped chan struct{}
	wg      sync.WaitGroup

	// injectable for deterministic tests
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	diskFree func(dir string) (int64, error)
}

type resumedJob struct {
	job    *model.Job
	handle backend.Handle
}

type eventKind int

const (
	evSubmit eventKind = iota
	evCancel
	evTransition
	evRetry
	evHousekeeping
)

type event struct {
	kind eventKind

	job *model.Job // evSubmit

	jobID     string
	to        model.JobState
	reason    string
	failure   model.FailureClass
	finalPath string

	reply     chan error
	submitted chan model.Job // evSubmit: the registered job, seq assigned
}

func New(
	adapters []backend.Adapter,
	selector *geo.Selector,
	processor postproc.Processor,
	progress *tracker.Tracker,
	store *tracker.CheckpointStore,
	opts Options,
	logger *log.Logger,
) *Scheduler {
	byKind := make(map[model.ResourceKind]backend.Adapter, len(adapters))
	for _, a := range adapters {
		byKind[a.Kind()] = a
	}
	if processor == nil {
		processor = postproc.Noop{}
	}
	s := &Scheduler{
		opts:      opts,
		adapters:  byKind,
		selector:  selector,
		processor: processor,
		progress:  progress,
		store:     store,
		logger:    logger,
		jobs:      make(map[string]*model.Job),
		queues:    make(map[model.ResourceKind][]*model.Job),
		inUse:     make(map[model.ResourceKind]int),
		cancels:   make(map[string]context.CancelFunc),
		events:    make(chan event, 64),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
		now:       time.Now,
		diskFree:  diskFree,
	}
	s.sleep = func(ctx context.Context, d time.Duration) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
	return s
}

// Restore rebuilds jobs from a checkpoint. Must be called before Start.
// Active BitTorrent jobs re-attach to the engine session when it still
// exists; everything else re-enters the pending queue.
func (s *Scheduler) Restore(ctx context.Context, records []tracker.CheckpointRecord) {
	for _, r := range records {
		job := &model.Job{
			ID:           r.ID,
			Resource:     r.Resource,
			Mirrors:      r.Mirrors,
			Kind:         r.Kind,
			OutputPath:   r.OutputPath,
			TargetFormat: r.TargetFormat,
			Priority:     r.Priority,
			State:        model.StatePending,
			Retries:      r.Retries,
			Seq:          r.Seq,
			CreatedAt:    r.CreatedAt,
		}
		if r.Seq >= s.nextSeq {
			s.nextSeq = r.Seq + 1
		}

		if r.State == model.StateActive {
			if resumer, ok := s.adapters[r.Kind].(backend.SessionResumer); ok {
				h, found, err := resumer.Resume(ctx, r.Resource, r.OutputPath)
				if err == nil && found {
					job.State = model.StateActive
					s.jobs[job.ID] = job
					s.resumed = append(s.resumed, resumedJob{job: job, handle: h})
					if s.logger != nil {
						s.logger.Printf("job %s: re-attached to engine session", job.ID)
					}
					continue
				}
			}
		}

		s.jobs[job.ID] = job
		s.enqueue(job)
	}
}

// Start launches the event loop and workers for re-attached sessions.
func (s *Scheduler) Start() {
	for _, r := range s.resumed {
		s.inUse[r.job.Kind]++
		ctx, cancel := context.WithCancel(context.Background())
		s.cancels[r.job.ID] = cancel
		s.wg.Add(1)
		go s.runJob(ctx, jobRef{
			id:           r.job.ID,
			resource:     r.job.Resource,
			mirrors:      r.job.Mirrors,
			kind:         r.job.Kind,
			outputPath:   r.job.OutputPath,
			targetFormat: r.job.TargetFormat,
			retries:      r.job.Retries,
			handle:       r.handle,
		})
	}
	s.resumed = nil

	go s.loop()
}

// Close stops the loop after cancelling outstanding workers.
func (s *Scheduler) Close() {
	close(s.stop)
	<-s.stopped
}

func (s *Scheduler) loop() {
	defer close(s.stopped)

	interval := s.opts.CheckpointInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.dispatch()

	for {
		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-ticker.C:
			s.handle(event{kind: evHousekeeping})
		case <-s.stop:
			s.shutdown()
			return
		}
	}
}

// shutdown cancels outstanding workers and keeps committing their
// final transitions until every worker has exited.
func (s *Scheduler) shutdown() {
	s.mu.RLock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.RUnlock()

	workersDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(workersDone)
	}()

	for {
		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-workersDone:
			for {
				select {
				case ev := <-s.events:
					s.handle(ev)
				default:
					s.checkpoint()
					return
				}
			}
		}
	}
}

func (s *Scheduler) handle(ev event) {
	switch ev.kind {
	case evSubmit:
		s.mu.Lock()
		ev.job.Seq = s.nextSeq
		s.nextSeq++
		s.jobs[ev.job.ID] = ev.job
		registered := *ev.job
		s.mu.Unlock()
		s.enqueue(ev.job)
		ev.submitted <- registered
		s.dispatch()
		s.checkpoint()

	case evCancel:
		ev.reply <- s.cancelJob(ev.jobID)

	case evTransition:
		s.commit(ev.jobID, ev.to, ev.reason, ev.failure, ev.finalPath)

	case evRetry:
		s.mu.Lock()
		if job, ok := s.jobs[ev.jobID]; ok {
			job.Retries++
			job.LastError = ev.reason
		}
		s.mu.Unlock()
		s.checkpoint()

	case evHousekeeping:
		s.sweep()
		s.checkpoint()
	}
}

func (s *Scheduler) cancelJob(id string) error {
	s.mu.RLock()
	job, ok := s.jobs[id]
	var state model.JobState
	if ok {
		state = job.State
	}
	cancel := s.cancels[id]
	s.mu.RUnlock()

	if !ok {
		return ErrJobNotFound
	}
	switch {
	case state.IsTerminal():
		// Cancelling a terminal job is a no-op.
		return nil
	case state == model.StatePending:
		s.removeQueued(id)
		s.commit(id, model.StateCancelled, "cancelled before start", model.FailureNone, "")
		return nil
	default:
		if cancel != nil {
			cancel()
		}
		return nil
	}
}

// commit is the only place job states change.
func (s *Scheduler) commit(id string, to model.JobState, reason string, failure model.FailureClass, finalPath string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if job.State.IsTerminal() || !model.ValidTransition(job.State, to) {
		if s.logger != nil && !job.State.IsTerminal() {
			s.logger.Printf("job %s: dropped invalid transition %s -> %s", id, job.State, to)
		}
		s.mu.Unlock()
		return
	}

	job.State = to
	if reason != "" {
		job.LastError = reason
	}
	if to == model.StateFailed && job.LastError == "" {
		job.LastError = "unknown failure"
	}
	job.FailureClass = failure
	if finalPath != "" {
		job.FinalPath = finalPath
	}

	kind := job.Kind
	terminal := to.IsTerminal()
	if terminal {
		job.FinishedAt = s.now()
	}
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Printf("job %s: -> %s", id, to)
	}

	if terminal {
		s.mu.Lock()
		// Only dispatched jobs hold a slot; a job cancelled while
		// still queued must not release one.
		if cancel, ok := s.cancels[id]; ok {
			cancel()
			delete(s.cancels, id)
			s.inUse[kind]--
		}
		s.mu.Unlock()
		s.dispatch()
		s.checkpoint()
	}
}

// enqueue inserts a pending job keeping the queue ordered by priority
// (higher first) and submission sequence within a priority level.
func (s *Scheduler) enqueue(job *model.Job) {
	s.mu.Lock()
	q := append(s.queues[job.Kind], job)
	sort.SliceStable(q, func(a, b int) bool {
		if q[a].Priority != q[b].Priority {
			return q[a].Priority > q[b].Priority
		}
		return q[a].Seq < q[b].Seq
	})
	s.queues[job.Kind] = q
	s.mu.Unlock()
}

func (s *Scheduler) removeQueued(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind, q := range s.queues {
		for i, job := range q {
			if job.ID == id {
				s.queues[kind] = append(q[:i:i], q[i+1:]...)
				return
			}
		}
	}
}

// dispatch assigns queued jobs to free slots, one bounded pool per
// backend kind.
func (s *Scheduler) dispatch() {
	for {
		ref, ok := s.popDispatchable()
		if !ok {
			return
		}
		s.commit(ref.id, model.StateResolving, "", model.FailureNone, "")
	}
}

// popDispatchable pops the next admissible job, reserves its slot, and
// launches its worker.
func (s *Scheduler) popDispatchable() (jobRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for kind, q := range s.queues {
		if len(q) == 0 || s.inUse[kind] >= s.opts.PoolSizes[kind] {
			continue
		}
		job := q[0]
		s.queues[kind] = q[1:]
		s.inUse[kind]++

		ctx, cancel := context.WithCancel(context.Background())
		s.cancels[job.ID] = cancel

		ref := jobRef{
			id:           job.ID,
			resource:     job.Resource,
			mirrors:      job.Mirrors,
			kind:         job.Kind,
			outputPath:   job.OutputPath,
			targetFormat: job.TargetFormat,
			retries:      job.Retries,
		}
		s.wg.Add(1)
		go s.runJob(ctx, ref)
		return ref, true
	}
	return jobRef{}, false
}

// sweep archives terminal jobs past the retention window, mirroring the
// periodic archive cleanup of the download service this grew out of.
func (s *Scheduler) sweep() {
	if s.opts.Retention <= 0 {
		return
	}
	cutoff := s.now().Add(-s.opts.Retention)

	s.mu.Lock()
	var swept []string
	for id, job := range s.jobs {
		if job.State.IsTerminal() && !job.FinishedAt.IsZero() && job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			swept = append(swept, id)
		}
	}
	s.mu.Unlock()

	for _, id := range swept {
		s.progress.Drop(id)
	}
	if len(swept) > 0 && s.logger != nil {
		s.logger.Printf("archived %d finished jobs", len(swept))
	}
}

func (s *Scheduler) checkpoint() {
	if s.store == nil {
		return
	}
	s.mu.RLock()
	var records []tracker.CheckpointRecord
	for _, job := range s.jobs {
		if !job.State.IsTerminal() {
			records = append(records, tracker.RecordOf(*job))
		}
	}
	s.mu.RUnlock()

	if err := s.store.Save(records); err != nil && s.logger != nil {
		s.logger.Printf("checkpoint save: %v", err)
	}
}

// Submit admits a new job and returns it in pending state.
func (s *Scheduler) Submit(spec SubmitSpec) (model.Job, error) {
	if spec.Resource == "" {
		return model.Job{}, ErrNoResource
	}
	kind := spec.Kind
	if kind == "" {
		kind = model.InferKind(spec.Resource)
	}
	if _, ok := s.adapters[kind]; !ok {
		return model.Job{}, fmt.Errorf("%w: no backend for kind %q", backend.ErrUnsupportedResource, kind)
	}

	id := uuid.New().String()
	outputPath := spec.OutputPath
	if outputPath == "" {
		outputPath = s.defaultOutputPath(id, spec.Resource, kind)
	}

	job := &model.Job{
		ID:           id,
		Resource:     spec.Resource,
		Mirrors:      spec.Mirrors,
		Kind:         kind,
		OutputPath:   outputPath,
		TargetFormat: spec.TargetFormat,
		Priority:     spec.Priority,
		State:        model.StatePending,
		CreatedAt:    s.now(),
	}

	// The loop replies with its own copy: the job may already be
	// dispatching by the time the reply arrives.
	submitted := make(chan model.Job, 1)
	select {
	case s.events <- event{kind: evSubmit, job: job, submitted: submitted}:
	case <-s.stop:
		return model.Job{}, errors.New("scheduler stopped")
	}
	return <-submitted, nil
}

// Cancel requests cooperative cancellation of a job.
func (s *Scheduler) Cancel(id string) error {
	reply := make(chan error, 1)
	select {
	case s.events <- event{kind: evCancel, jobID: id, reply: reply}:
	case <-s.stop:
		return errors.New("scheduler stopped")
	}
	return <-reply
}

// Job returns a copy of the job and its latest progress snapshot.
func (s *Scheduler) Job(id string) (model.Job, *model.ProgressSnapshot, error) {
	s.mu.RLock()
	job, ok := s.jobs[id]
	var copied model.Job
	if ok {
		copied = *job
	}
	s.mu.RUnlock()

	if !ok {
		return model.Job{}, nil, ErrJobNotFound
	}
	if snap, ok := s.progress.Latest(id); ok {
		return copied, &snap, nil
	}
	return copied, nil, nil
}

// Jobs lists all known jobs ordered by submission sequence.
func (s *Scheduler) Jobs() []model.Job {
	s.mu.RLock()
	out := make([]model.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].Seq < out[b].Seq })
	return out
}

// Stats summarizes jobs per state and slot usage per backend kind.
type Stats struct {
	States map[model.JobState]int     `json:"states"`
	Slots  map[model.ResourceKind]int `json:"slots_in_use"`
	Queued map[model.ResourceKind]int `json:"queued"`
}

func (s *Scheduler) Stats() Stats {
	st := Stats{
		States: make(map[model.JobState]int),
		Slots:  make(map[model.ResourceKind]int),
		Queued: make(map[model.ResourceKind]int),
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.jobs {
		st.States[job.State]++
	}
	for kind, n := range s.inUse {
		st.Slots[kind] = n
	}
	for kind, q := range s.queues {
		st.Queued[kind] = len(q)
	}
	return st
}

func (s *Scheduler) defaultOutputPath(id, resource string, kind model.ResourceKind) string {
	if kind == model.KindBitTorrent {
		return filepath.Join(s.opts.DownloadDir, id)
	}
	name := "download"
	if u, err := url.Parse(resource); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			name = base
		}
	}
	return filepath.Join(s.opts.DownloadDir, id, name)
}
