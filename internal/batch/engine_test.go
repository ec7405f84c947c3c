package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/your-org/faceid/internal/models"
	"github.com/your-org/faceid/internal/recognition"
)

// fakeIdentifier matches image bytes against a canned table.
type fakeIdentifier struct {
	matches map[string]*recognition.Match
	fail    map[string]error
}

func (f *fakeIdentifier) Identify(_ context.Context, imageData []byte, opts recognition.IdentifyOptions) (*recognition.IdentifyResult, error) {
	if err, ok := f.fail[string(imageData)]; ok {
		return nil, err
	}
	return &recognition.IdentifyResult{
		Match:   f.matches[string(imageData)],
		Backend: "hnsw",
	}, nil
}

type fakeLister struct {
	users []models.User
	err   error
}

func (f *fakeLister) ListActive(context.Context) ([]models.User, error) {
	return f.users, f.err
}

func waitTerminal(t *testing.T, e *Engine, id string) JobView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := e.GetJob(id)
		if !ok {
			t.Fatalf("job %s disappeared", id)
		}
		if job.Status == StatusCompleted || job.Status == StatusFailed {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal status", id)
	return JobView{}
}

func TestBatchOfThree(t *testing.T) {
	identifier := &fakeIdentifier{
		matches: map[string]*recognition.Match{
			"image-a": {UserID: 1, ExternalID: "A", Distance: 0.05, Similarity: 95},
			"image-b": nil, // valid image, nothing enrolled
		},
		fail: map[string]error{
			"garbage": errors.New("invalid image"),
		},
	}
	e := NewEngine(identifier, &fakeLister{}, 50, 4, time.Hour)
	defer e.Stop()

	job, err := e.CreateJob([]Item{
		{ID: "x", Image: []byte("image-a")},
		{ID: "y", Image: []byte("image-b")},
		{ID: "z", Image: []byte("garbage")},
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if job.Status != StatusPending && job.Status != StatusProcessing {
		t.Fatalf("initial status = %q", job.Status)
	}
	if job.Total != 3 {
		t.Fatalf("total = %d, want 3", job.Total)
	}

	done := waitTerminal(t, e, job.ID)
	if done.Status != StatusCompleted {
		t.Fatalf("status = %q, want completed (global error %q)", done.Status, done.GlobalError)
	}
	if done.Processed != 3 {
		t.Errorf("processed = %d, want 3", done.Processed)
	}
	if done.Progress != 100 {
		t.Errorf("progress = %d, want 100", done.Progress)
	}
	if len(done.Results)+len(done.Errors) != done.Processed {
		t.Errorf("results+errors = %d, processed = %d",
			len(done.Results)+len(done.Errors), done.Processed)
	}
	if len(done.Errors) != 1 || done.Errors[0].ID != "z" {
		t.Errorf("errors = %+v, want one for item z", done.Errors)
	}

	var matched, unmatched int
	for _, r := range done.Results {
		switch {
		case r.Match != nil && r.ID == "x" && r.Match.ExternalID == "A":
			matched++
		case r.Match == nil && r.ID == "y":
			unmatched++
		default:
			t.Errorf("unexpected result %+v", r)
		}
	}
	if matched != 1 || unmatched != 1 {
		t.Errorf("matched=%d unmatched=%d, want 1 and 1", matched, unmatched)
	}
}

func TestBatchSizeValidation(t *testing.T) {
	e := NewEngine(&fakeIdentifier{}, &fakeLister{}, 2, 4, time.Hour)
	defer e.Stop()

	if _, err := e.CreateJob(nil); err == nil {
		t.Error("empty batch accepted")
	}
	items := []Item{{Image: []byte("a")}, {Image: []byte("b")}, {Image: []byte("c")}}
	if _, err := e.CreateJob(items); err == nil {
		t.Error("oversized batch accepted")
	}
}

func TestBatchFailsWhenSnapshotUnavailable(t *testing.T) {
	e := NewEngine(&fakeIdentifier{}, &fakeLister{err: errors.New("store down")}, 50, 4, time.Hour)
	defer e.Stop()

	job, err := e.CreateJob([]Item{{ID: "x", Image: []byte("a")}})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	done := waitTerminal(t, e, job.ID)
	if done.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", done.Status)
	}
	if done.GlobalError == "" {
		t.Error("global error not set")
	}
}

func TestListJobsNewestFirst(t *testing.T) {
	e := NewEngine(&fakeIdentifier{}, &fakeLister{}, 50, 4, time.Hour)
	defer e.Stop()

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := e.CreateJob([]Item{{Image: []byte("a")}})
		if err != nil {
			t.Fatalf("create job %d: %v", i, err)
		}
		ids = append(ids, job.ID)
		time.Sleep(5 * time.Millisecond) // distinct createdAt
	}
	for _, id := range ids {
		waitTerminal(t, e, id)
	}

	jobs := e.ListJobs(2)
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}
	if jobs[0].ID != ids[2] || jobs[1].ID != ids[1] {
		t.Errorf("jobs not newest-first: %s, %s", jobs[0].ID, jobs[1].ID)
	}
	// Summary form carries no per-item payloads.
	if jobs[0].Results != nil || jobs[0].Errors != nil {
		t.Error("list view should not include results or errors")
	}
}

func TestEvictExpired(t *testing.T) {
	e := NewEngine(&fakeIdentifier{}, &fakeLister{}, 50, 4, time.Hour)
	defer e.Stop()

	job, err := e.CreateJob([]Item{{Image: []byte("a")}})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	waitTerminal(t, e, job.ID)

	// Still within TTL.
	e.evictExpired(time.Now())
	if _, ok := e.GetJob(job.ID); !ok {
		t.Fatal("job evicted before its TTL")
	}

	e.evictExpired(time.Now().Add(2 * time.Hour))
	if _, ok := e.GetJob(job.ID); ok {
		t.Fatal("terminal job not evicted after TTL")
	}
}

func TestGetUnknownJob(t *testing.T) {
	e := NewEngine(&fakeIdentifier{}, &fakeLister{}, 50, 4, time.Hour)
	defer e.Stop()

	if _, ok := e.GetJob("nope"); ok {
		t.Fatal("unknown job id resolved")
	}
}
