package store

import (
	"context"
	"errors"
	"fmt"

	"call-insights-go/internal/types"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// errLostRace is returned inside a settlement transaction when another writer
// moved completed_competitors first; the whole transaction is retried.
var errLostRace = errors.New("store: completed_competitors changed concurrently")

// Outcome is the settled result of one competitor analysis.
type Outcome struct {
	Competitor string
	Result     types.Document // nil when the unit failed
	Err        error
	Attempts   int
}

func (o Outcome) failed() bool { return o.Result == nil }

// SettleUnit records the outcome of one competitor and increments
// completed_competitors in the same transaction. Settling an already settled
// competitor is a no-op. The returned job reflects the new counters.
func (s *Store) SettleUnit(ctx context.Context, jobID string, out Outcome) (*types.Job, error) {
	for {
		var job types.Job
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return err
			}
			if job.Status != types.StatusProcessing || (s.owner != "" && job.WorkerID != s.owner) {
				return s.check(&job)
			}

			settled, err := isSettled(tx, jobID, out.Competitor)
			if err != nil {
				return err
			}
			if settled {
				return nil
			}
			if job.CompletedCompetitors >= job.TotalCompetitors {
				return fmt.Errorf("store: job %s already has %d of %d competitors settled", jobID, job.CompletedCompetitors, job.TotalCompetitors)
			}

			if out.failed() {
				msg := ""
				if out.Err != nil {
					msg = out.Err.Error()
				}
				row := types.SentimentFailure{
					ID:             uuid.New().String(),
					JobID:          jobID,
					CompetitorName: out.Competitor,
					ErrorMessage:   msg,
					Attempts:       out.Attempts,
				}
				if err := tx.Create(&row).Error; err != nil {
					return fmt.Errorf("insert failure row: %w", err)
				}
			} else {
				row := types.SentimentResult{
					ID:             uuid.New().String(),
					JobID:          jobID,
					CompetitorName: out.Competitor,
					ResultJSON:     out.Result,
				}
				if err := tx.Create(&row).Error; err != nil {
					return fmt.Errorf("insert result row: %w", err)
				}
			}

			next := job.CompletedCompetitors + 1
			pct := types.SentimentProgress(next, job.TotalCompetitors)
			res := s.fence(tx.Model(&types.Job{}).
				Where("id = ? AND status = ? AND completed_competitors = ?", jobID, types.StatusProcessing, job.CompletedCompetitors)).
				Updates(map[string]interface{}{
					"completed_competitors": next,
					"current_step":          types.StepAnalyzing,
					"progress_percentage":   monotonic(pct),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errLostRace
			}
			job.CompletedCompetitors = next
			if job.ProgressPercentage < pct {
				job.ProgressPercentage = pct
			}
			return nil
		})
		if errors.Is(err, errLostRace) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			var ce *ConflictError
			if errors.As(err, &ce) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrLeaseLost) {
				return nil, err
			}
			return nil, fmt.Errorf("store: settle %s/%s: %w", jobID, out.Competitor, err)
		}
		return &job, nil
	}
}

func isSettled(tx *gorm.DB, jobID, competitor string) (bool, error) {
	var n int64
	if err := tx.Model(&types.SentimentResult{}).Where("job_id = ? AND competitor_name = ?", jobID, competitor).Count(&n).Error; err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if err := tx.Model(&types.SentimentFailure{}).Where("job_id = ? AND competitor_name = ?", jobID, competitor).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// SettledCompetitors returns every competitor that already has a result or a
// failure row for the job.
func (s *Store) SettledCompetitors(ctx context.Context, jobID string) (map[string]bool, error) {
	db := s.db.WithContext(ctx)
	var done []string
	if err := db.Model(&types.SentimentResult{}).Where("job_id = ?", jobID).Pluck("competitor_name", &done).Error; err != nil {
		return nil, fmt.Errorf("store: settled results %s: %w", jobID, err)
	}
	var failed []string
	if err := db.Model(&types.SentimentFailure{}).Where("job_id = ?", jobID).Pluck("competitor_name", &failed).Error; err != nil {
		return nil, fmt.Errorf("store: settled failures %s: %w", jobID, err)
	}
	out := make(map[string]bool, len(done)+len(failed))
	for _, name := range done {
		out[name] = true
	}
	for _, name := range failed {
		out[name] = true
	}
	return out, nil
}

// ReconcileCompleted sets completed_competitors to the number of settled rows.
// It repairs a counter left behind by a crash between stages.
func (s *Store) ReconcileCompleted(ctx context.Context, jobID string) (int, error) {
	settled, err := s.SettledCompetitors(ctx, jobID)
	if err != nil {
		return 0, err
	}
	n := len(settled)
	err = s.UpdateProcessing(ctx, jobID, map[string]interface{}{"completed_competitors": n})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ResultFilter narrows Results.
type ResultFilter struct {
	Competitor string
	// CompletedOnly restricts rows to jobs in COMPLETED status.
	CompletedOnly bool
}

// Results returns sentiment results oldest first.
func (s *Store) Results(ctx context.Context, f ResultFilter) ([]types.SentimentResult, error) {
	q := s.db.WithContext(ctx).Model(&types.SentimentResult{})
	if f.Competitor != "" {
		q = q.Where("LOWER(competitor_name) = LOWER(?)", f.Competitor)
	}
	if f.CompletedOnly {
		q = q.Where("job_id IN (?)", s.db.Model(&types.Job{}).Select("id").Where("status = ?", types.StatusCompleted))
	}
	var rows []types.SentimentResult
	if err := q.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: results: %w", err)
	}
	return rows, nil
}

// CountCompleted returns the number of COMPLETED jobs.
func (s *Store) CountCompleted(ctx context.Context) (int64, error) {
	return s.CountJobs(ctx, types.StatusCompleted)
}
