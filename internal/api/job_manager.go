package api

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/slidemap/server/internal/jobstore"
)

// ErrManagerStopped is returned by Submit after Stop.
var ErrManagerStopped = errors.New("job manager stopped")

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int    // Max concurrent heatmap jobs (default 1)
	SQLitePath    string // Path to SQLite database
	RetentionDays int    // Days to keep finished jobs (default 7)
	CleanupPeriod time.Duration
	QueueSize     int // default 100
}

// Executor runs one job. Progress and results go through store; the job
// status is set by the manager from the returned error.
type Executor func(ctx context.Context, store *jobstore.Store, jobID string) error

// JobManager runs heatmap jobs on a bounded worker pool with SQLite persistence.
type JobManager struct {
	cfg      JobManagerConfig
	store    *jobstore.Store
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  bool

	// Executor is called to run the actual scan.
	Executor Executor
}

// NewJobManager creates a new job manager with SQLite persistence.
func NewJobManager(cfg JobManagerConfig) (*JobManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}

	store, err := jobstore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	jm := &JobManager{
		cfg:     cfg,
		store:   store,
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
	return jm, nil
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *jobstore.Store {
	return jm.store
}

// Start recovers state left by a previous process, then starts the worker
// goroutines and the cleanup ticker.
func (jm *JobManager) Start() {
	// Jobs that were running when the process died cannot be resumed.
	if n, err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		log.Printf("[JobManager] failed to mark running jobs as failed: %v", err)
	} else if n > 0 {
		log.Printf("[JobManager] marked %d interrupted jobs as failed", n)
	}

	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		log.Printf("[JobManager] failed to list queued jobs: %v", err)
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				log.Printf("[JobManager] re-queued job %s", job.ID)
			default:
				log.Printf("[JobManager] queue full, cannot re-queue job %s", job.ID)
				jm.setStatus(job.ID, jobstore.JobStatusFailed, "job queue is full; try again later")
			}
		}
	}

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	go jm.cleaner()
}

// Stop cancels running jobs, waits for the workers and closes the store.
// Jobs still queued stay queued and are picked up by the next Start.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		jm.mu.Lock()
		jm.stopped = true
		close(jm.stopCh)
		close(jm.queue)
		for _, cancel := range jm.running {
			cancel()
		}
		jm.mu.Unlock()

		jm.wg.Wait()
		jm.store.Close()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		select {
		case <-jm.stopCh:
			return
		default:
		}
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	job, err := jm.store.GetJob(jobID)
	if err != nil {
		log.Printf("[JobManager] failed to load job %s: %v", jobID, err)
		return
	}
	// Cancelled or deleted while waiting in the queue.
	if job == nil || job.Status != jobstore.JobStatusQueued {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	if jm.stopped {
		jm.mu.Unlock()
		return
	}
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	if err := jm.store.UpdateJobStarted(jobID); err != nil {
		log.Printf("[JobManager] failed to update job %s as started: %v", jobID, err)
		return
	}
	log.Printf("[JobManager] job %s started: slide=%s mode=%s level=%d",
		jobID, job.Params.SlideID, job.Params.Mode, job.Params.Level)

	start := time.Now()
	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, jobID)
	}

	jm.mu.Lock()
	stopping := jm.stopped
	jm.mu.Unlock()

	switch {
	case ctx.Err() != nil && stopping:
		jm.setStatus(jobID, jobstore.JobStatusFailed, "server stopped")
	case ctx.Err() != nil:
		jm.setStatus(jobID, jobstore.JobStatusCancelled, "cancelled by user")
	case execErr != nil:
		jm.setStatus(jobID, jobstore.JobStatusFailed, execErr.Error())
	default:
		jm.setStatus(jobID, jobstore.JobStatusCompleted, "")
	}
	log.Printf("[JobManager] job %s finished in %s (err=%v)", jobID, time.Since(start).Round(time.Millisecond), execErr)
}

func (jm *JobManager) setStatus(jobID string, status jobstore.JobStatus, msg string) {
	if err := jm.store.UpdateJobStatus(jobID, status, msg); err != nil {
		log.Printf("[JobManager] failed to set job %s to %s: %v", jobID, status, err)
	}
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	paths, err := jm.store.DeleteExpiredJobs(jm.cfg.RetentionDays)
	if err != nil {
		log.Printf("[JobManager] cleanup error: %v", err)
		return
	}
	for _, p := range paths {
		removeResult(p)
	}
	if len(paths) > 0 {
		log.Printf("[JobManager] cleaned up %d expired jobs", len(paths))
	}
}

// Submit creates a new job and enqueues it for execution.
func (jm *JobManager) Submit(params jobstore.JobParams) (*jobstore.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if jm.stopped {
		return nil, ErrManagerStopped
	}

	job := &jobstore.Job{
		ID:        uuid.NewString(),
		SlideID:   params.SlideID,
		Status:    jobstore.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}
	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}

	select {
	case jm.queue <- job.ID:
	default:
		// Queue full; mark as failed immediately
		job.Status = jobstore.JobStatusFailed
		job.Error = "job queue is full; try again later"
		jm.setStatus(job.ID, job.Status, job.Error)
	}

	return job, nil
}

// Get returns a job by ID.
func (jm *JobManager) Get(id string) *jobstore.Job {
	job, err := jm.store.GetJob(id)
	if err != nil {
		log.Printf("[JobManager] error getting job %s: %v", id, err)
		return nil
	}
	return job
}

// List returns the jobs of a slide, or all jobs for an empty slide id.
func (jm *JobManager) List(slideID string) ([]*jobstore.Job, error) {
	return jm.store.ListJobs(slideID)
}

// Cancel attempts to cancel a queued or running job. Running scans stop at
// the next row boundary.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	// If not running, try to mark as cancelled in DB
	job, err := jm.store.GetJob(id)
	if err != nil || job == nil {
		return false
	}
	if job.Status == jobstore.JobStatusQueued {
		jm.setStatus(id, jobstore.JobStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

// Delete deletes a finished job and its result file.
func (jm *JobManager) Delete(id string) error {
	job, err := jm.store.GetJob(id)
	if err != nil || job == nil {
		return err
	}
	if err := jm.store.DeleteJob(id); err != nil {
		return err
	}
	removeResult(job.ResultPath)
	return nil
}

func removeResult(path string) {
	if path == "" {
		return
	}
	// TileDB results are directories.
	if err := os.RemoveAll(path); err != nil {
		log.Printf("[JobManager] failed to remove result %s: %v", path, err)
	}
}
