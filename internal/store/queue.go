package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"call-insights-go/internal/types"

	"gorm.io/gorm"
)

// ClaimPending moves the oldest PENDING job to PROCESSING and assigns it to
// workerID. It returns nil when the queue is empty.
func (s *Store) ClaimPending(ctx context.Context, workerID string, now time.Time) (*types.Job, error) {
	return s.claim(ctx, workerID, now,
		func(q *gorm.DB) *gorm.DB { return q.Where("status = ?", types.StatusPending) },
		map[string]interface{}{
			"status":       types.StatusProcessing,
			"current_step": types.StepQueued,
		})
}

// ClaimOrphaned assigns a PROCESSING job with no owner to workerID so it can
// be resumed. It returns nil when there is none.
func (s *Store) ClaimOrphaned(ctx context.Context, workerID string, now time.Time) (*types.Job, error) {
	return s.claim(ctx, workerID, now,
		func(q *gorm.DB) *gorm.DB {
			return q.Where("status = ? AND worker_id = ?", types.StatusProcessing, "")
		},
		map[string]interface{}{})
}

func (s *Store) claim(ctx context.Context, workerID string, now time.Time, scope func(*gorm.DB) *gorm.DB, set map[string]interface{}) (*types.Job, error) {
	db := s.db.WithContext(ctx)
	for {
		var candidate types.Job
		err := scope(db.Model(&types.Job{})).Order("created_at ASC").Select("id", "status", "worker_id").First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("store: find claimable job: %w", err)
		}

		updates := map[string]interface{}{
			"worker_id":    workerID,
			"heartbeat_at": now,
			"attempts":     gorm.Expr("attempts + 1"),
		}
		for k, v := range set {
			updates[k] = v
		}
		res := db.Model(&types.Job{}).
			Where("id = ? AND status = ? AND worker_id = ?", candidate.ID, candidate.Status, candidate.WorkerID).
			Updates(updates)
		if res.Error != nil {
			return nil, fmt.Errorf("store: claim %s: %w", candidate.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			// Another worker took it; look again.
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return s.GetJob(ctx, candidate.ID)
	}
}

// Heartbeat refreshes the lease of a job owned by workerID. It returns false
// when the job is no longer owned by that worker or has finished.
func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&types.Job{}).
		Where("id = ? AND worker_id = ? AND status = ?", jobID, workerID, types.StatusProcessing).
		UpdateColumn("heartbeat_at", now)
	if res.Error != nil {
		return false, fmt.Errorf("store: heartbeat %s: %w", jobID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Release drops workerID's ownership of a PROCESSING job so another worker
// can resume it.
func (s *Store) Release(ctx context.Context, jobID, workerID string) error {
	res := s.db.WithContext(ctx).Model(&types.Job{}).
		Where("id = ? AND worker_id = ? AND status = ?", jobID, workerID, types.StatusProcessing).
		UpdateColumn("worker_id", "")
	if res.Error != nil {
		return fmt.Errorf("store: release %s: %w", jobID, res.Error)
	}
	return nil
}

// ReleaseStale orphans every PROCESSING job whose heartbeat is older than
// cutoff and returns how many were released.
func (s *Store) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&types.Job{}).
		Where("status = ? AND worker_id <> ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)", types.StatusProcessing, "", cutoff).
		UpdateColumn("worker_id", "")
	if res.Error != nil {
		return 0, fmt.Errorf("store: release stale jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
