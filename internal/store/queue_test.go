package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"call-insights-go/internal/types"
)

func TestClaimPending_EmptyQueue(t *testing.T) {
	s := newTestStore(t)
	job, err := s.ClaimPending(context.Background(), "w1", time.Now())
	if err != nil || job != nil {
		t.Errorf("ClaimPending = %v, %v; want nil, nil", job, err)
	}
}

func TestClaimPending_EachJobOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	const jobs = 10
	for i := 0; i < jobs; i++ {
		if err := s.CreateJob(ctx, &types.Job{Filename: "c.mp3"}); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	seen := map[string]string{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				job, err := s.ClaimPending(ctx, worker, time.Now())
				if err != nil {
					t.Errorf("ClaimPending: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if prev, dup := seen[job.ID]; dup {
					t.Errorf("job %s claimed by %s and %s", job.ID, prev, worker)
				}
				seen[job.ID] = worker
				mu.Unlock()
			}
		}(string(rune('a' + w)))
	}
	wg.Wait()
	if len(seen) != jobs {
		t.Errorf("claimed %d jobs, want %d", len(seen), jobs)
	}
}

func TestClaim_SetsOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.CreateJob(ctx, &types.Job{Filename: "c.mp3"})
	job, err := s.ClaimPending(ctx, "w1", time.Now())
	if err != nil || job == nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if job.Status != types.StatusProcessing || job.WorkerID != "w1" || job.Attempts != 1 || job.HeartbeatAt == nil {
		t.Errorf("claimed job = %+v", job)
	}
}

func TestReleaseStaleThenClaimOrphaned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.CreateJob(ctx, &types.Job{Filename: "c.mp3"})
	start := time.Now()
	job, _ := s.ClaimPending(ctx, "w1", start)

	if orphan, _ := s.ClaimOrphaned(ctx, "w2", start); orphan != nil {
		t.Fatalf("owned job returned as orphan: %+v", orphan)
	}

	n, err := s.ReleaseStale(ctx, start.Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("ReleaseStale = %d, %v; want 1", n, err)
	}
	if ok, _ := s.Heartbeat(ctx, job.ID, "w1", time.Now()); ok {
		t.Error("heartbeat should fail once ownership is lost")
	}

	orphan, err := s.ClaimOrphaned(ctx, "w2", time.Now())
	if err != nil || orphan == nil {
		t.Fatalf("ClaimOrphaned = %v, %v", orphan, err)
	}
	if orphan.ID != job.ID || orphan.WorkerID != "w2" || orphan.Attempts != 2 {
		t.Errorf("orphan = %+v", orphan)
	}
}

func TestHeartbeatKeepsLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.CreateJob(ctx, &types.Job{Filename: "c.mp3"})
	start := time.Now()
	job, _ := s.ClaimPending(ctx, "w1", start)

	later := start.Add(2 * time.Minute)
	if ok, err := s.Heartbeat(ctx, job.ID, "w1", later); !ok || err != nil {
		t.Fatalf("Heartbeat = %v, %v", ok, err)
	}
	n, _ := s.ReleaseStale(ctx, start.Add(time.Minute))
	if n != 0 {
		t.Errorf("released %d jobs with fresh heartbeat", n)
	}
}

func TestRelease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.CreateJob(ctx, &types.Job{Filename: "c.mp3"})
	job, _ := s.ClaimPending(ctx, "w1", time.Now())
	if err := s.Release(ctx, job.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.WorkerID != "" || got.Status != types.StatusProcessing {
		t.Errorf("released job = %+v", got)
	}
}

func TestOwned_FencesWritesOnWorker(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := createProcessing(t, s, 1)
	w1, w2 := s.Owned("w1"), s.Owned("w2")

	if err := w1.SetProgress(ctx, job.ID, types.StepTranscribing, 20); err != nil {
		t.Fatalf("owner SetProgress: %v", err)
	}
	if err := w2.SetProgress(ctx, job.ID, types.StepTranscribing, 30); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("non-owner SetProgress = %v, want ErrLeaseLost", err)
	}

	if _, err := s.ReleaseStale(ctx, time.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if claimed, err := s.ClaimOrphaned(ctx, "w2", time.Now()); err != nil || claimed == nil {
		t.Fatalf("ClaimOrphaned = %v, %v", claimed, err)
	}

	if err := w1.FailJob(ctx, job.ID, "stale", time.Now()); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("stale FailJob = %v, want ErrLeaseLost", err)
	}
	if _, err := w1.SettleUnit(ctx, job.ID, Outcome{Competitor: "Acme", Result: types.Document{"a": 1}}); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("stale SettleUnit = %v, want ErrLeaseLost", err)
	}
	if err := w1.CompleteJob(ctx, job.ID, time.Now()); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("stale CompleteJob = %v, want ErrLeaseLost", err)
	}
	settled, err := s.SettledCompetitors(ctx, job.ID)
	if err != nil || len(settled) != 0 {
		t.Errorf("settled after stale write = %v, %v", settled, err)
	}

	if _, err := w2.SettleUnit(ctx, job.ID, Outcome{Competitor: "Acme", Result: types.Document{"a": 1}}); err != nil {
		t.Fatalf("owner SettleUnit: %v", err)
	}
	if err := w2.CompleteJob(ctx, job.ID, time.Now()); err != nil {
		t.Fatalf("owner CompleteJob: %v", err)
	}
	// Terminal jobs report a conflict, not a lost lease.
	var ce *ConflictError
	if err := w1.FailJob(ctx, job.ID, "late", time.Now()); !errors.As(err, &ce) || ce.Status != types.StatusCompleted {
		t.Errorf("FailJob on completed = %v", err)
	}
}
