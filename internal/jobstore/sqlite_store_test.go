package jobstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/slidemap/server/internal/heatmap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "db", "jobs.sqlite"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createJob(t *testing.T, s *Store, id, slide string, created time.Time) *Job {
	t.Helper()
	job := &Job{
		ID:        id,
		SlideID:   slide,
		Status:    JobStatusQueued,
		Params:    JobParams{SlideID: slide, Mode: ModeTruth, Level: 16},
		CreatedAt: created,
	}
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func TestStore_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	createJob(t, s, "j1", "scan2", time.Now())

	got, err := s.GetJob("j1")
	if err != nil || got == nil {
		t.Fatalf("GetJob: %v %v", got, err)
	}
	if got.Status != JobStatusQueued || got.Params.Mode != ModeTruth || got.Params.Level != 16 {
		t.Errorf("unexpected job %+v", got)
	}
	if got.Stats != nil || got.StartedAt != nil {
		t.Errorf("new job must not have stats or start time")
	}

	if err := s.UpdateJobStarted("j1"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateJobProgress("j1", 3, 10); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateJobProgress("j1", 2, 10); err != nil {
		t.Fatal(err)
	}
	stats := &heatmap.Stats{Level: 16, Visited: 40, InRegion: 12, TissuePassed: 12, Labeled: 11,
		Skipped: map[heatmap.SkipCause]int{heatmap.SkipLabelError: 1},
		Failures: []heatmap.Failure{{Key: "16_3_3", Cause: heatmap.SkipLabelError, Error: "boom"}}}
	if err := s.UpdateJobResult("j1", stats, "/out/scan2_truth_16.json"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateJobStatus("j1", JobStatusCompleted, ""); err != nil {
		t.Fatal(err)
	}

	got, _ = s.GetJob("j1")
	if got.Status != JobStatusCompleted || got.StartedAt == nil || got.FinishedAt == nil {
		t.Errorf("unexpected finished job %+v", got)
	}
	if got.Progress.Done != 3 || got.Progress.Total != 10 {
		t.Errorf("unexpected progress %+v", got.Progress)
	}
	if got.ResultPath != "/out/scan2_truth_16.json" {
		t.Errorf("unexpected result path %q", got.ResultPath)
	}
	if got.Stats == nil || got.Stats.Labeled != 11 || got.Stats.Skipped[heatmap.SkipLabelError] != 1 || got.Stats.Failures[0].Key != "16_3_3" {
		t.Errorf("unexpected stats %+v", got.Stats)
	}

	if err := s.DeleteJob("j1"); err != nil {
		t.Fatal(err)
	}
	if got, err := s.GetJob("j1"); err != nil || got != nil {
		t.Errorf("expected deleted job, got %v %v", got, err)
	}
}

func TestStore_ListJobs(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Add(-time.Hour)
	createJob(t, s, "a", "scan1", base)
	createJob(t, s, "b", "scan2", base.Add(time.Minute))
	createJob(t, s, "c", "scan1", base.Add(2*time.Minute))

	jobs, err := s.ListJobs("scan1")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 || jobs[0].ID != "c" || jobs[1].ID != "a" {
		t.Errorf("unexpected scan1 jobs %v", ids(jobs))
	}
	all, _ := s.ListJobs("")
	if len(all) != 3 {
		t.Errorf("expected 3 jobs, got %v", ids(all))
	}

	queued, _ := s.ListQueuedJobs()
	if len(queued) != 3 || queued[0].ID != "a" {
		t.Errorf("expected oldest queued first, got %v", ids(queued))
	}
}

func TestStore_Recovery(t *testing.T) {
	s := newTestStore(t)
	createJob(t, s, "running", "scan1", time.Now())
	createJob(t, s, "queued", "scan1", time.Now())
	if err := s.UpdateJobStarted("running"); err != nil {
		t.Fatal(err)
	}

	n, err := s.MarkRunningAsFailed("server restarted")
	if err != nil || n != 1 {
		t.Fatalf("MarkRunningAsFailed = %d, %v", n, err)
	}
	got, _ := s.GetJob("running")
	if got.Status != JobStatusFailed || got.Error != "server restarted" || got.FinishedAt == nil {
		t.Errorf("unexpected recovered job %+v", got)
	}
	queued, _ := s.ListQueuedJobs()
	if len(queued) != 1 || queued[0].ID != "queued" {
		t.Errorf("expected queued job untouched, got %v", ids(queued))
	}
}

func TestStore_DeleteExpiredJobs(t *testing.T) {
	s := newTestStore(t)
	createJob(t, s, "old", "scan1", time.Now())
	createJob(t, s, "open", "scan1", time.Now())
	if err := s.UpdateJobResult("old", nil, "/out/old.json"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateJobStatus("old", JobStatusCompleted, ""); err != nil {
		t.Fatal(err)
	}

	// Nothing is older than a day yet.
	paths, err := s.DeleteExpiredJobs(1)
	if err != nil || len(paths) != 0 {
		t.Fatalf("unexpected expiry %v %v", paths, err)
	}

	// A negative retention moves the cutoff into the future.
	paths, err = s.DeleteExpiredJobs(-1)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || paths[0] != "/out/old.json" {
		t.Errorf("unexpected expired paths %v", paths)
	}
	if got, _ := s.GetJob("old"); got != nil {
		t.Error("expected expired job deleted")
	}
	if got, _ := s.GetJob("open"); got == nil {
		t.Error("unfinished job must survive expiry")
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode("predict"); err != nil || m != ModePredict {
		t.Errorf("ParseMode(predict) = %v %v", m, err)
	}
	if _, err := ParseMode("xai"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func ids(jobs []*Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
