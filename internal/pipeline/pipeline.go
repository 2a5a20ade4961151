// Package pipeline runs one job through split, transcription, competitor
// detection and per-competitor sentiment analysis. Every stage output is
// persisted before the next stage starts, so a job interrupted at any point
// resumes from its last recorded stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"call-insights-go/internal/jobs"
	"call-insights-go/internal/retry"
	"call-insights-go/internal/types"

	"github.com/sirupsen/logrus"
)

// Authenticator hands out a fresh bearer token per call.
type Authenticator interface {
	Token(ctx context.Context) (string, error)
}

// Splitter separates a stereo recording into left and right channel URLs.
type Splitter interface {
	Split(ctx context.Context, audioRef, filename string) (left, right string, err error)
}

// Transcriber turns one channel into a transcript document.
type Transcriber interface {
	Transcribe(ctx context.Context, channelURL, token string) (types.Document, error)
}

// DocumentStore persists transcripts by path.
type DocumentStore interface {
	Put(ctx context.Context, path string, doc types.Document) error
	Get(ctx context.Context, path string) (types.Document, error)
}

// Detector lists the competitors mentioned in text.
type Detector interface {
	Detect(ctx context.Context, text string) ([]string, error)
}

// Analyzer scores the sentiment towards one competitor.
type Analyzer interface {
	Analyze(ctx context.Context, competitor string, transcript types.Document) (types.Document, error)
}

// StageError is a failure that ends a job. Its message is stored on the job.
type StageError struct {
	Stage string
	Unit  string
	Err   error
}

func (e *StageError) Error() string {
	if e.Unit != "" {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Unit, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageName is the stage plus unit, e.g. "transcription: left channel".
func (e *StageError) StageName() string {
	if e.Unit != "" {
		return e.Stage + ": " + e.Unit
	}
	return e.Stage
}

// Deps are the external collaborators.
type Deps struct {
	Auth        Authenticator
	Splitter    Splitter
	Transcriber Transcriber
	Store       DocumentStore
	Detector    Detector
	Analyzer    Analyzer
}

type Options struct {
	Retry retry.Policy
	// SentimentConcurrency caps parallel sentiment calls per job.
	SentimentConcurrency int
}

// Runner executes jobs. It is safe for concurrent use by several workers.
type Runner struct {
	machine *jobs.Machine
	deps    Deps
	opts    Options
	log     *logrus.Entry
}

func NewRunner(m *jobs.Machine, deps Deps, opts Options, log *logrus.Entry) *Runner {
	if opts.SentimentConcurrency < 1 {
		opts.SentimentConcurrency = 8
	}
	return &Runner{
		machine: m,
		deps:    deps,
		opts:    opts,
		log:     log.WithField("component", "pipeline"),
	}
}

// Run drives a claimed job to COMPLETED or FAILED. It returns nil once the
// job is terminal. A non-nil error means the job was left PROCESSING
// (shutdown, lost database, lost lease) and should be resumed later.
// Every write is fenced on the worker that claimed the job.
func (r *Runner) Run(ctx context.Context, job *types.Job) (err error) {
	r = r.owned(job.WorkerID)
	log := r.log.WithField("job_id", job.ID)
	defer func() {
		if p := recover(); p != nil {
			log.WithField("stack", string(debug.Stack())).Error("pipeline panicked")
			err = r.fail(ctx, job.ID, &StageError{Stage: "pipeline", Err: fmt.Errorf("unexpected panic: %v", p)})
		}
	}()

	if job.Status != types.StatusProcessing {
		return fmt.Errorf("pipeline: job %s is %s, not claimed", job.ID, job.Status)
	}
	log.WithField("step", job.CurrentStep).Info("pipeline started")

	if err := r.split(ctx, job); err != nil {
		return r.fail(ctx, job.ID, err)
	}
	if err := r.transcribe(ctx, job); err != nil {
		return r.fail(ctx, job.ID, err)
	}
	names, tr, err := r.detect(ctx, job)
	if err != nil {
		return r.fail(ctx, job.ID, err)
	}
	if len(names) == 0 {
		log.Info("no competitors found")
		return r.complete(ctx, job.ID)
	}
	if err := r.analyze(ctx, job, tr, names); err != nil {
		return r.fail(ctx, job.ID, err)
	}
	return r.complete(ctx, job.ID)
}

// owned returns a copy of r whose job writes apply only while workerID holds
// the lease.
func (r *Runner) owned(workerID string) *Runner {
	c := *r
	c.machine = r.machine.Owned(workerID)
	return &c
}

func (r *Runner) complete(ctx context.Context, id string) error {
	err := r.machine.Complete(ctx, id)
	if errors.Is(err, jobs.ErrTerminal) {
		return nil
	}
	return err
}

// fail records err on the job unless the run was interrupted, in which case
// the job stays PROCESSING for resumption.
func (r *Runner) fail(ctx context.Context, id string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, jobs.ErrTerminal) {
		return nil
	}
	var se *StageError
	if !errors.As(err, &se) {
		// Bookkeeping failures (database writes) leave the job for resumption.
		return err
	}
	if ferr := r.machine.Fail(ctx, id, err); ferr != nil && !errors.Is(ferr, jobs.ErrTerminal) {
		return fmt.Errorf("pipeline: record failure: %w", ferr)
	}
	return nil
}

// policy returns the retry policy with attempt logging for one call site.
func (r *Runner) policy(log *logrus.Entry) retry.Policy {
	p := r.opts.Retry
	p.OnRetry = func(a retry.Attempt) {
		log.WithFields(logrus.Fields{
			"attempt": a.Number,
			"delay":   a.Delay.String(),
			"error":   a.Err.Error(),
		}).Warn("attempt failed, retrying")
	}
	return p
}
