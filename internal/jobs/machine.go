// Package jobs owns every change to a job's lifecycle. Status moves only
// PENDING -> PROCESSING -> COMPLETED|FAILED and terminal jobs are never
// written again.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"call-insights-go/internal/notify"
	"call-insights-go/internal/retry"
	"call-insights-go/internal/store"
	"call-insights-go/internal/types"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = store.ErrNotFound
	// ErrTerminal is returned by any write against a COMPLETED or FAILED job.
	ErrTerminal = errors.New("jobs: job already finished")
	// ErrNotProcessing is returned by pipeline writes against a job that has
	// not been claimed yet.
	ErrNotProcessing = errors.New("jobs: job is not processing")
	// ErrIncomplete is returned by Complete while competitors are unsettled.
	ErrIncomplete = errors.New("jobs: competitors still pending")
	// ErrLeaseLost is returned by writes through Owned once the worker no
	// longer holds the job.
	ErrLeaseLost = store.ErrLeaseLost
)

// Channel names one side of a stereo recording.
type Channel string

const (
	Left  Channel = "left"
	Right Channel = "right"
)

// Machine is the single writer of job state.
type Machine struct {
	store    *store.Store
	notifier notify.Notifier
	log      *logrus.Entry
	now      func() time.Time
}

func NewMachine(st *store.Store, n notify.Notifier, log *logrus.Entry) *Machine {
	if n == nil {
		n = notify.Nop{}
	}
	return &Machine{
		store:    st,
		notifier: n,
		log:      log.WithField("component", "jobs"),
		now:      time.Now,
	}
}

// Owned returns a machine whose pipeline writes apply only while workerID
// holds the job. An empty workerID returns m unchanged.
func (m *Machine) Owned(workerID string) *Machine {
	if workerID == "" {
		return m
	}
	c := *m
	c.store = m.store.Owned(workerID)
	c.log = m.log.WithField("worker", workerID)
	return &c
}

// Submit records a new PENDING job for audioRef and returns its id.
func (m *Machine) Submit(ctx context.Context, audioRef, filename string) (string, error) {
	if strings.TrimSpace(audioRef) == "" {
		return "", fmt.Errorf("jobs: audio reference is required")
	}
	if filename == "" {
		filename = audioRef
	}
	job := &types.Job{
		Filename:    filename,
		AudioRef:    audioRef,
		Status:      types.StatusPending,
		CurrentStep: types.StepQueued,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return "", err
	}
	m.log.WithFields(logrus.Fields{"job_id": job.ID, "filename": filename}).Info("job submitted")
	return job.ID, nil
}

// Get returns the job with its results and failures.
func (m *Machine) Get(ctx context.Context, id string) (*types.Job, error) {
	return m.store.Snapshot(ctx, id)
}

// Claim assigns a job to workerID. Orphaned PROCESSING jobs are resumed before
// new PENDING jobs are started. It returns nil when there is nothing to do.
func (m *Machine) Claim(ctx context.Context, workerID string) (*types.Job, error) {
	job, err := m.store.ClaimOrphaned(ctx, workerID, m.now())
	if err != nil {
		return nil, err
	}
	if job != nil {
		m.log.WithFields(logrus.Fields{"job_id": job.ID, "worker": workerID, "attempt": job.Attempts}).Info("resuming orphaned job")
		return job, nil
	}
	job, err = m.store.ClaimPending(ctx, workerID, m.now())
	if err != nil || job == nil {
		return nil, err
	}
	m.log.WithFields(logrus.Fields{"job_id": job.ID, "worker": workerID}).Info("job claimed")
	return job, nil
}

// Heartbeat extends workerID's lease. It reports false once the lease is lost.
func (m *Machine) Heartbeat(ctx context.Context, id, workerID string) (bool, error) {
	return m.store.Heartbeat(ctx, id, workerID, m.now())
}

// Release gives up workerID's lease so the job is resumed elsewhere.
func (m *Machine) Release(ctx context.Context, id, workerID string) error {
	return m.store.Release(ctx, id, workerID)
}

// Progress records the current step and raises progress to pct.
func (m *Machine) Progress(ctx context.Context, id, step string, pct int) error {
	return m.mapErr(m.store.SetProgress(ctx, id, step, pct))
}

// RecordChannels stores the split channel URLs.
func (m *Machine) RecordChannels(ctx context.Context, id, leftURL, rightURL string) error {
	err := m.store.UpdateProcessing(ctx, id, map[string]interface{}{
		"left_channel_url":  leftURL,
		"right_channel_url": rightURL,
	})
	if err != nil {
		return m.mapErr(err)
	}
	return m.Progress(ctx, id, types.StepSplitting, types.ProgressSplit)
}

// RecordTranscript stores where a channel transcript was saved. done is the
// number of channels finished including this one.
func (m *Machine) RecordTranscript(ctx context.Context, id string, ch Channel, path string, done int) error {
	var column string
	switch ch {
	case Left:
		column = "left_transcript_path"
	case Right:
		column = "right_transcript_path"
	default:
		return fmt.Errorf("jobs: unknown channel %q", ch)
	}
	if err := m.store.UpdateProcessing(ctx, id, map[string]interface{}{column: path}); err != nil {
		return m.mapErr(err)
	}
	return m.Progress(ctx, id, types.StepTranscribing, types.TranscriptionProgress(done))
}

// RecordCompetitors stores the detected competitor names and sets the total
// that sentiment units count against. Names are trimmed and deduplicated
// case-insensitively, keeping the first spelling.
func (m *Machine) RecordCompetitors(ctx context.Context, id string, names []string) ([]string, error) {
	unique := Dedupe(names)
	err := m.store.UpdateProcessing(ctx, id, map[string]interface{}{
		"competitors_found":     types.StringList(unique),
		"competitors_detected":  true,
		"total_competitors":     len(unique),
		"completed_competitors": 0,
	})
	if err != nil {
		return nil, m.mapErr(err)
	}
	return unique, nil
}

// Dedupe trims names and drops empty and case-insensitive duplicates.
func Dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		key := strings.ToLower(n)
		if n == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, n)
	}
	return out
}

// UnitSucceeded persists the sentiment result for competitor and counts it.
func (m *Machine) UnitSucceeded(ctx context.Context, id, competitor string, result types.Document) (*types.Job, error) {
	if result == nil {
		result = types.Document{}
	}
	job, err := m.store.SettleUnit(ctx, id, store.Outcome{Competitor: competitor, Result: result, Attempts: 1})
	if err != nil {
		return nil, m.mapErr(err)
	}
	return job, nil
}

// UnitFailed records that competitor could not be analyzed, counts it as
// settled and notifies. The job itself keeps running.
func (m *Machine) UnitFailed(ctx context.Context, id, competitor string, cause error) (*types.Job, error) {
	attempts := retry.Attempts(cause)
	job, err := m.store.SettleUnit(ctx, id, store.Outcome{Competitor: competitor, Err: cause, Attempts: attempts})
	if err != nil {
		return nil, m.mapErr(err)
	}
	m.log.WithFields(logrus.Fields{
		"job_id":     id,
		"competitor": competitor,
		"attempts":   attempts,
		"error":      errString(cause),
	}).Warn("sentiment unit failed")
	m.notifier.Notify(ctx, notify.Event{
		Kind:     notify.KindUnitFailed,
		JobID:    id,
		Filename: job.Filename,
		Stage:    "sentiment: " + competitor,
		Error:    errString(cause),
		At:       m.now(),
		Details: map[string]string{
			"attempts":  strconv.Itoa(attempts),
			"completed": strconv.Itoa(job.CompletedCompetitors),
			"total":     strconv.Itoa(job.TotalCompetitors),
		},
	})
	return job, nil
}

// Complete finishes a job whose competitors have all settled.
func (m *Machine) Complete(ctx context.Context, id string) error {
	if err := m.store.CompleteJob(ctx, id, m.now()); err != nil {
		var ce *store.ConflictError
		if errors.As(err, &ce) && ce.Status == types.StatusProcessing {
			return fmt.Errorf("%w: job %s", ErrIncomplete, id)
		}
		return m.mapErr(err)
	}
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{
		"job_id":      id,
		"competitors": job.TotalCompetitors,
	}).Info("job completed")
	m.notifier.Notify(ctx, notify.Event{
		Kind:     notify.KindJobCompleted,
		JobID:    id,
		Filename: job.Filename,
		At:       m.now(),
		Details: map[string]string{
			"completed": strconv.Itoa(job.CompletedCompetitors),
			"total":     strconv.Itoa(job.TotalCompetitors),
		},
	})
	return nil
}

// Fail marks the job FAILED with cause as its error message and notifies.
func (m *Machine) Fail(ctx context.Context, id string, cause error) error {
	msg := errString(cause)
	if err := m.store.FailJob(ctx, id, msg, m.now()); err != nil {
		return m.mapErr(err)
	}
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"job_id": id, "error": msg}).Error("job failed")
	m.notifier.Notify(ctx, notify.Event{
		Kind:     notify.KindJobFailed,
		JobID:    id,
		Filename: job.Filename,
		Stage:    stageOf(cause),
		Error:    msg,
		At:       m.now(),
	})
	return nil
}

// Settled lists competitors that already have an outcome.
func (m *Machine) Settled(ctx context.Context, id string) (map[string]bool, error) {
	return m.store.SettledCompetitors(ctx, id)
}

// Reconcile repairs completed_competitors from the persisted outcomes.
func (m *Machine) Reconcile(ctx context.Context, id string) (int, error) {
	n, err := m.store.ReconcileCompleted(ctx, id)
	return n, m.mapErr(err)
}

func (m *Machine) mapErr(err error) error {
	if err == nil {
		return nil
	}
	var ce *store.ConflictError
	if errors.As(err, &ce) {
		if ce.Status.IsTerminal() {
			return fmt.Errorf("%w: job %s is %s", ErrTerminal, ce.JobID, ce.Status)
		}
		return fmt.Errorf("%w: job %s is %s", ErrNotProcessing, ce.JobID, ce.Status)
	}
	return err
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// stager is implemented by errors that know which stage produced them.
type stager interface {
	StageName() string
}

func stageOf(err error) string {
	var s stager
	if errors.As(err, &s) {
		return s.StageName()
	}
	return ""
}

// ReleaseStale orphans every PROCESSING job whose last heartbeat is older
// than lease, so another worker picks it up.
func (m *Machine) ReleaseStale(ctx context.Context, lease time.Duration) (int64, error) {
	n, err := m.store.ReleaseStale(ctx, m.now().Add(-lease))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.WithField("released", n).Warn("released jobs with expired leases")
	}
	return n, nil
}
