package batch

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/faceid/internal/models"
	"github.com/your-org/faceid/internal/observability"
	"github.com/your-org/faceid/internal/recognition"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// janitorInterval is how often terminal jobs are checked against the TTL.
const janitorInterval = 15 * time.Minute

// Item is one image in a batch request. ID is caller-supplied correlation;
// results are recorded in completion order, not input order.
type Item struct {
	ID    string
	Image []byte
}

// ItemResult is one successfully processed image.
type ItemResult struct {
	ID           string             `json:"id"`
	Match        *recognition.Match `json:"match"`
	Backend      string             `json:"backend"`
	ProcessingMs int64              `json:"processing_ms"`
}

// ItemError is one failed image.
type ItemError struct {
	ID           string `json:"id"`
	Error        string `json:"error"`
	ProcessingMs int64  `json:"processing_ms"`
}

// JobView is the externally visible state of a job.
type JobView struct {
	ID           string       `json:"id"`
	Status       Status       `json:"status"`
	Total        int          `json:"total"`
	Processed    int          `json:"processed"`
	Progress     int          `json:"progress"`
	Results      []ItemResult `json:"results,omitempty"`
	Errors       []ItemError  `json:"errors,omitempty"`
	GlobalError  string       `json:"global_error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	ProcessingMs int64        `json:"processing_ms"`
}

type job struct {
	mu sync.Mutex

	id          string
	status      Status
	items       []Item
	results     []ItemResult
	errors      []ItemError
	globalError string
	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time
}

func (j *job) view(full bool) JobView {
	j.mu.Lock()
	defer j.mu.Unlock()

	processed := len(j.results) + len(j.errors)
	v := JobView{
		ID:          j.id,
		Status:      j.status,
		Total:       len(j.items),
		Processed:   processed,
		CreatedAt:   j.createdAt,
		StartedAt:   j.startedAt,
		CompletedAt: j.completedAt,
		GlobalError: j.globalError,
	}
	if len(j.items) > 0 {
		v.Progress = int(math.Round(float64(processed) / float64(len(j.items)) * 100))
	}
	if j.startedAt != nil {
		end := time.Now()
		if j.completedAt != nil {
			end = *j.completedAt
		}
		v.ProcessingMs = end.Sub(*j.startedAt).Milliseconds()
	}
	if full {
		v.Results = append([]ItemResult(nil), j.results...)
		v.Errors = append([]ItemError(nil), j.errors...)
	}
	return v
}

// UserLister supplies the active-user snapshot taken at job start for the
// coordinator's linear-fallback path.
type UserLister interface {
	ListActive(ctx context.Context) ([]models.User, error)
}

// Identifier is the slice of the coordinator the engine consumes.
type Identifier interface {
	Identify(ctx context.Context, imageData []byte, opts recognition.IdentifyOptions) (*recognition.IdentifyResult, error)
}

// Engine runs batch identification jobs on a bounded in-process worker pool.
// Jobs live in an in-memory registry and are evicted after a TTL once
// terminal. There is no per-item cancellation: a started job runs to
// completion or engine stop.
type Engine struct {
	identifier  Identifier
	users       UserLister
	maxBatch    int
	concurrency int
	jobTTL      time.Duration

	mu   sync.RWMutex
	jobs map[string]*job

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

func NewEngine(identifier Identifier, users UserLister, maxBatch, concurrency int, jobTTL time.Duration) *Engine {
	e := &Engine{
		identifier:  identifier,
		users:       users,
		maxBatch:    maxBatch,
		concurrency: concurrency,
		jobTTL:      jobTTL,
		jobs:        make(map[string]*job),
		stopped:     make(chan struct{}),
	}
	go e.janitor()
	return e
}

// CreateJob validates and registers a job, then starts processing it in the
// background. The returned view is the pending summary.
func (e *Engine) CreateJob(items []Item) (JobView, error) {
	if len(items) < 1 || len(items) > e.maxBatch {
		return JobView{}, fmt.Errorf("batch size %d out of range 1..%d", len(items), e.maxBatch)
	}

	j := &job{
		id:        uuid.NewString(),
		status:    StatusPending,
		items:     items,
		createdAt: time.Now().UTC(),
	}
	e.mu.Lock()
	e.jobs[j.id] = j
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(j)

	return j.view(false), nil
}

func (e *Engine) run(j *job) {
	defer e.wg.Done()

	ctx := context.Background()

	// One store read per job; every worker shares the snapshot.
	snapshot, err := e.users.ListActive(ctx)
	if err != nil {
		j.mu.Lock()
		j.status = StatusFailed
		j.globalError = fmt.Sprintf("load active users: %v", err)
		now := time.Now().UTC()
		j.completedAt = &now
		j.mu.Unlock()
		observability.BatchJobsTotal.WithLabelValues(string(StatusFailed)).Inc()
		slog.Error("batch job failed before processing", "job_id", j.id, "error", err)
		return
	}

	started := time.Now().UTC()
	j.mu.Lock()
	j.status = StatusProcessing
	j.startedAt = &started
	j.mu.Unlock()

	var cursor atomic.Int64
	var workers sync.WaitGroup
	n := e.concurrency
	if n > len(j.items) {
		n = len(j.items)
	}
	for w := 0; w < n; w++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for {
				i := int(cursor.Add(1)) - 1
				if i >= len(j.items) {
					return
				}
				e.processItem(ctx, j, j.items[i], snapshot)
			}
		}()
	}
	workers.Wait()

	now := time.Now().UTC()
	j.mu.Lock()
	j.status = StatusCompleted
	j.completedAt = &now
	j.mu.Unlock()
	observability.BatchJobsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	slog.Info("batch job completed",
		"job_id", j.id, "total", len(j.items), "duration", now.Sub(started))
}

func (e *Engine) processItem(ctx context.Context, j *job, item Item, snapshot []models.User) {
	start := time.Now()
	result, err := e.identifier.Identify(ctx, item.Image, recognition.IdentifyOptions{
		Fallback: snapshot,
		Mode:     "batch",
	})
	elapsed := time.Since(start).Milliseconds()

	j.mu.Lock()
	if err != nil {
		j.errors = append(j.errors, ItemError{
			ID:           item.ID,
			Error:        err.Error(),
			ProcessingMs: elapsed,
		})
	} else {
		j.results = append(j.results, ItemResult{
			ID:           item.ID,
			Match:        result.Match,
			Backend:      result.Backend,
			ProcessingMs: result.ProcessingMs,
		})
	}
	j.mu.Unlock()

	status := "success"
	if err != nil {
		status = "error"
	}
	observability.BatchImagesTotal.WithLabelValues(status).Inc()
}

// GetJob returns the full job view, or false if unknown.
func (e *Engine) GetJob(id string) (JobView, bool) {
	e.mu.RLock()
	j, ok := e.jobs[id]
	e.mu.RUnlock()
	if !ok {
		return JobView{}, false
	}
	return j.view(true), true
}

// ListJobs returns up to limit job summaries, newest first.
func (e *Engine) ListJobs(limit int) []JobView {
	e.mu.RLock()
	views := make([]JobView, 0, len(e.jobs))
	for _, j := range e.jobs {
		views = append(views, j.view(false))
	}
	e.mu.RUnlock()

	sort.Slice(views, func(i, k int) bool {
		return views[i].CreatedAt.After(views[k].CreatedAt)
	})
	if limit > 0 && len(views) > limit {
		views = views[:limit]
	}
	return views
}

func (e *Engine) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopped:
			return
		case <-ticker.C:
			e.evictExpired(time.Now())
		}
	}
}

func (e *Engine) evictExpired(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, j := range e.jobs {
		j.mu.Lock()
		terminal := j.status == StatusCompleted || j.status == StatusFailed
		done := j.completedAt
		j.mu.Unlock()
		if terminal && done != nil && now.Sub(*done) > e.jobTTL {
			delete(e.jobs, id)
			slog.Debug("evicted expired batch job", "job_id", id)
		}
	}
}

// Stop halts the janitor and waits for running jobs to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopped) })
	e.wg.Wait()
}
