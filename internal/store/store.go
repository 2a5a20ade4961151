// Package store persists jobs and sentiment results. Every job write is a
// compare-and-set against the persisted row so concurrent writers never lose
// updates and terminal rows are never modified.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"call-insights-go/internal/types"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("store: job not found")

// ErrLeaseLost is returned by a write made through Owned once another worker
// holds the job or the lease was released.
var ErrLeaseLost = errors.New("store: lease lost")

// ConflictError is returned when a guarded write did not match the persisted
// status of the job.
type ConflictError struct {
	JobID  string
	Status types.JobStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("store: job %s is %s", e.JobID, e.Status)
}

type Store struct {
	db *gorm.DB
	// owner, when set, fences every pipeline write on worker_id.
	owner string
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Owned returns a view of the store whose job writes only apply while
// workerID holds the job's lease.
func (s *Store) Owned(workerID string) *Store {
	return &Store{db: s.db, owner: workerID}
}

// fence restricts q to rows leased by the owner.
func (s *Store) fence(q *gorm.DB) *gorm.DB {
	if s.owner == "" {
		return q
	}
	return q.Where("worker_id = ?", s.owner)
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *gorm.DB { return s.db }

// CreateJob inserts a new job, assigning an id when empty.
func (s *Store) CreateJob(ctx context.Context, job *types.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = types.StatusPending
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("store: create job: %w", err)
	}
	return nil
}

// GetJob loads the job row without its results.
func (s *Store) GetJob(ctx context.Context, id string) (*types.Job, error) {
	var job types.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job %s: %w", id, err)
	}
	return &job, nil
}

// Snapshot loads the job with its sentiment results and failures.
func (s *Store) Snapshot(ctx context.Context, id string) (*types.Job, error) {
	var job types.Job
	err := s.db.WithContext(ctx).
		Preload("SentimentResults", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		Preload("SentimentFailures", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: snapshot %s: %w", id, err)
	}
	return &job, nil
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, skip, limit int) ([]types.Job, error) {
	var jobs []types.Job
	if err := s.db.WithContext(ctx).Order("created_at DESC").Offset(skip).Limit(limit).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	return jobs, nil
}

// CountJobs returns the number of jobs, optionally restricted to one status.
func (s *Store) CountJobs(ctx context.Context, status types.JobStatus) (int64, error) {
	q := s.db.WithContext(ctx).Model(&types.Job{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("store: count jobs: %w", err)
	}
	return n, nil
}

// Transition applies updates only while the job is in one of the from
// statuses.
func (s *Store) Transition(ctx context.Context, id string, from []types.JobStatus, updates map[string]interface{}) error {
	db := s.db.WithContext(ctx)
	res := s.fence(db.Model(&types.Job{}).Where("id = ? AND status IN ?", id, from)).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("store: update job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return s.explain(db, id)
	}
	return nil
}

// SetProgress records the current step and raises progress_percentage to pct
// unless it is already higher.
func (s *Store) SetProgress(ctx context.Context, id, step string, pct int) error {
	return s.Transition(ctx, id, []types.JobStatus{types.StatusProcessing}, map[string]interface{}{
		"current_step":        step,
		"progress_percentage": monotonic(pct),
	})
}

// CompleteJob moves a PROCESSING job to COMPLETED. It refuses when some
// competitors have not settled yet.
func (s *Store) CompleteJob(ctx context.Context, id string, at time.Time) error {
	db := s.db.WithContext(ctx)
	res := s.fence(db.Model(&types.Job{}).
		Where("id = ? AND status = ? AND completed_competitors = total_competitors", id, types.StatusProcessing)).
		Updates(map[string]interface{}{
			"status":              types.StatusCompleted,
			"current_step":        types.StepCompleted,
			"progress_percentage": types.ProgressDone,
			"completed_at":        at,
			"worker_id":           "",
		})
	if res.Error != nil {
		return fmt.Errorf("store: complete job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return s.explain(db, id)
	}
	return nil
}

// FailJob moves a PROCESSING job to FAILED with msg.
func (s *Store) FailJob(ctx context.Context, id, msg string, at time.Time) error {
	return s.Transition(ctx, id, []types.JobStatus{types.StatusProcessing}, map[string]interface{}{
		"status":        types.StatusFailed,
		"current_step":  types.StepFailed,
		"error_message": msg,
		"completed_at":  at,
		"worker_id":     "",
	})
}

// monotonic keeps progress_percentage non-decreasing.
func monotonic(pct int) interface{} {
	return gorm.Expr("CASE WHEN progress_percentage < ? THEN ? ELSE progress_percentage END", pct, pct)
}

// explain turns a zero-row guarded update into ErrNotFound, ErrLeaseLost or
// a ConflictError.
func (s *Store) explain(db *gorm.DB, id string) error {
	var job types.Job
	err := db.Select("id", "status", "worker_id").First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: reload job %s: %w", id, err)
	}
	return s.check(&job)
}

// check reports why a loaded job rejects a guarded write.
func (s *Store) check(job *types.Job) error {
	if job.Status == types.StatusProcessing && s.owner != "" && job.WorkerID != s.owner {
		return leaseLost(job.ID, s.owner, job.WorkerID)
	}
	return &ConflictError{JobID: job.ID, Status: job.Status}
}

func leaseLost(id, owner, holder string) error {
	if holder == "" {
		return fmt.Errorf("%w: job %s was released from %s", ErrLeaseLost, id, owner)
	}
	return fmt.Errorf("%w: job %s is held by %s, not %s", ErrLeaseLost, id, holder, owner)
}

// UpdateProcessing writes fields only while the job is PROCESSING.
func (s *Store) UpdateProcessing(ctx context.Context, id string, fields map[string]interface{}) error {
	return s.Transition(ctx, id, []types.JobStatus{types.StatusProcessing}, fields)
}
