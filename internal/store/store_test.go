package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"call-insights-go/internal/db"
	"call-insights-go/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	return New(gdb)
}

func createProcessing(t *testing.T, s *Store, total int) *types.Job {
	t.Helper()
	ctx := context.Background()
	job := &types.Job{Filename: "call.mp3", AudioRef: "uploads/call.mp3"}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	claimed, err := s.ClaimPending(ctx, "w1", time.Now())
	if err != nil || claimed == nil {
		t.Fatalf("ClaimPending: %v %v", claimed, err)
	}
	if total > 0 {
		if err := s.UpdateProcessing(ctx, job.ID, map[string]interface{}{"total_competitors": total}); err != nil {
			t.Fatalf("set total: %v", err)
		}
	}
	return claimed
}

func TestCreateJob_AssignsIDAndPending(t *testing.T) {
	s := newTestStore(t)
	job := &types.Job{Filename: "a.mp3"}
	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.ID == "" {
		t.Error("expected generated id")
	}
	got, err := s.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != types.StatusPending {
		t.Errorf("Status = %s, want PENDING", got.Status)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetJob(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.Snapshot(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Snapshot err = %v, want ErrNotFound", err)
	}
}

func TestListAndCountJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.CreateJob(ctx, &types.Job{Filename: fmt.Sprintf("c%d.mp3", i)}); err != nil {
			t.Fatal(err)
		}
	}
	jobs, err := s.ListJobs(ctx, 1, 2)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("len = %d, want 2", len(jobs))
	}
	n, err := s.CountJobs(ctx, "")
	if err != nil || n != 5 {
		t.Errorf("CountJobs = %d, %v; want 5", n, err)
	}
	n, err = s.CountJobs(ctx, types.StatusCompleted)
	if err != nil || n != 0 {
		t.Errorf("CountJobs(COMPLETED) = %d, %v; want 0", n, err)
	}
}

func TestSetProgress_NeverRegresses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := createProcessing(t, s, 0)

	steps := []int{10, 40, 25, 50, 5}
	want := []int{10, 40, 40, 50, 50}
	for i, pct := range steps {
		if err := s.SetProgress(ctx, job.ID, types.StepTranscribing, pct); err != nil {
			t.Fatalf("SetProgress(%d): %v", pct, err)
		}
		got, _ := s.GetJob(ctx, job.ID)
		if got.ProgressPercentage != want[i] {
			t.Errorf("after %d: progress = %d, want %d", pct, got.ProgressPercentage, want[i])
		}
	}
}

func TestTerminalJobRejectsWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := createProcessing(t, s, 0)

	if err := s.FailJob(ctx, job.ID, "transcription: boom", time.Now()); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var ce *ConflictError
	if err := s.SetProgress(ctx, job.ID, types.StepAnalyzing, 90); !errors.As(err, &ce) {
		t.Fatalf("SetProgress after fail: %v, want ConflictError", err)
	}
	if ce.Status != types.StatusFailed {
		t.Errorf("conflict status = %s", ce.Status)
	}
	if err := s.CompleteJob(ctx, job.ID, time.Now()); !errors.As(err, &ce) {
		t.Errorf("CompleteJob after fail: %v, want ConflictError", err)
	}
	if _, err := s.SettleUnit(ctx, job.ID, Outcome{Competitor: "Acme", Result: types.Document{"a": 1}}); !errors.As(err, &ce) {
		t.Errorf("SettleUnit after fail: %v, want ConflictError", err)
	}

	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != types.StatusFailed || got.ErrorMessage != "transcription: boom" || got.CompletedAt == nil {
		t.Errorf("job = %+v", got)
	}
}

func TestTransition_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateProcessing(context.Background(), "nope", map[string]interface{}{"current_step": "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCompleteJob_RequiresAllSettled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := createProcessing(t, s, 2)

	var ce *ConflictError
	if err := s.CompleteJob(ctx, job.ID, time.Now()); !errors.As(err, &ce) || ce.Status != types.StatusProcessing {
		t.Fatalf("CompleteJob with 0/2: %v", err)
	}
	for _, name := range []string{"Acme", "Globex"} {
		if _, err := s.SettleUnit(ctx, job.ID, Outcome{Competitor: name, Result: types.Document{"overall_sentiment": "positive"}}); err != nil {
			t.Fatalf("SettleUnit(%s): %v", name, err)
		}
	}
	if err := s.CompleteJob(ctx, job.ID, time.Now()); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != types.StatusCompleted || got.ProgressPercentage != 100 {
		t.Errorf("job = %s %d", got.Status, got.ProgressPercentage)
	}
}

func TestSettleUnit_ConcurrentIncrements(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	const n = 50
	job := createProcessing(t, s, n)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out := Outcome{Competitor: fmt.Sprintf("Competitor %02d", i), Result: types.Document{"i": i}}
			if i%7 == 0 {
				out = Outcome{Competitor: out.Competitor, Err: errors.New("analysis down"), Attempts: 4}
			}
			if _, err := s.SettleUnit(ctx, job.ID, out); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("SettleUnit: %v", err)
	}

	snap, err := s.Snapshot(ctx, job.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.CompletedCompetitors != n {
		t.Errorf("completed = %d, want %d", snap.CompletedCompetitors, n)
	}
	if got := len(snap.SentimentResults) + len(snap.SentimentFailures); got != n {
		t.Errorf("rows = %d, want %d", got, n)
	}
	if len(snap.SentimentFailures) != 8 {
		t.Errorf("failures = %d, want 8", len(snap.SentimentFailures))
	}
	if snap.ProgressPercentage != types.ProgressAnalyzeEnd {
		t.Errorf("progress = %d, want %d", snap.ProgressPercentage, types.ProgressAnalyzeEnd)
	}
}

func TestSettleUnit_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := createProcessing(t, s, 3)

	out := Outcome{Competitor: "Acme", Result: types.Document{"overall_sentiment": "negative"}}
	first, err := s.SettleUnit(ctx, job.ID, out)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.SettleUnit(ctx, job.ID, out)
	if err != nil {
		t.Fatal(err)
	}
	if first.CompletedCompetitors != 1 || second.CompletedCompetitors != 1 {
		t.Errorf("completed = %d then %d, want 1 both times", first.CompletedCompetitors, second.CompletedCompetitors)
	}
	if first.ProgressPercentage != types.SentimentProgress(1, 3) {
		t.Errorf("progress = %d", first.ProgressPercentage)
	}
}

func TestSettledCompetitorsAndReconcile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := createProcessing(t, s, 3)

	s.SettleUnit(ctx, job.ID, Outcome{Competitor: "Acme", Result: types.Document{"x": 1}})
	s.SettleUnit(ctx, job.ID, Outcome{Competitor: "Globex", Err: errors.New("400")})

	// Simulate a counter that was lost.
	if err := s.UpdateProcessing(ctx, job.ID, map[string]interface{}{"completed_competitors": 0}); err != nil {
		t.Fatal(err)
	}
	settled, err := s.SettledCompetitors(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !settled["Acme"] || !settled["Globex"] || settled["Initech"] {
		t.Errorf("settled = %v", settled)
	}
	n, err := s.ReconcileCompleted(ctx, job.ID)
	if err != nil || n != 2 {
		t.Fatalf("ReconcileCompleted = %d, %v", n, err)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.CompletedCompetitors != 2 {
		t.Errorf("completed = %d, want 2", got.CompletedCompetitors)
	}
}

func TestResults_Filter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := createProcessing(t, s, 2)
	s.SettleUnit(ctx, job.ID, Outcome{Competitor: "Acme", Result: types.Document{"overall_sentiment": "positive"}})
	s.SettleUnit(ctx, job.ID, Outcome{Competitor: "Globex", Result: types.Document{"overall_sentiment": "neutral"}})

	all, err := s.Results(ctx, ResultFilter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("Results = %d, %v", len(all), err)
	}
	acme, _ := s.Results(ctx, ResultFilter{Competitor: "acme"})
	if len(acme) != 1 || acme[0].CompetitorName != "Acme" {
		t.Errorf("acme = %+v", acme)
	}
	done, _ := s.Results(ctx, ResultFilter{CompletedOnly: true})
	if len(done) != 0 {
		t.Errorf("completed-only before completion = %d, want 0", len(done))
	}
	if err := s.CompleteJob(ctx, job.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	done, _ = s.Results(ctx, ResultFilter{CompletedOnly: true})
	if len(done) != 2 {
		t.Errorf("completed-only = %d, want 2", len(done))
	}
	if n, _ := s.CountCompleted(ctx); n != 1 {
		t.Errorf("CountCompleted = %d", n)
	}
}
