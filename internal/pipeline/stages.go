package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"

	"call-insights-go/internal/jobs"
	"call-insights-go/internal/retry"
	"call-insights-go/internal/sentiment"
	"call-insights-go/internal/storage"
	"call-insights-go/internal/types"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// transcripts holds both channel documents once loaded.
type transcripts struct {
	left, right types.Document
}

func (r *Runner) split(ctx context.Context, job *types.Job) error {
	if job.LeftChannelURL != "" && job.RightChannelURL != "" {
		return nil
	}
	if err := r.machine.Progress(ctx, job.ID, types.StepSplitting, 0); err != nil {
		return err
	}
	log := r.log.WithFields(logrus.Fields{"job_id": job.ID, "stage": "split"})
	type channels struct{ left, right string }
	res, err := retry.Do(ctx, r.policy(log), func(ctx context.Context) (channels, error) {
		l, rr, err := r.deps.Splitter.Split(ctx, job.AudioRef, job.Filename)
		return channels{l, rr}, err
	})
	if err != nil {
		return &StageError{Stage: "split", Err: err}
	}
	if err := r.machine.RecordChannels(ctx, job.ID, res.left, res.right); err != nil {
		return err
	}
	job.LeftChannelURL, job.RightChannelURL = res.left, res.right
	return nil
}

// transcribe runs both channels concurrently and waits for both. Channels
// whose transcript path is already recorded are skipped.
func (r *Runner) transcribe(ctx context.Context, job *types.Job) error {
	type channelJob struct {
		ch   jobs.Channel
		url  string
		path *string
	}
	work := []channelJob{
		{jobs.Left, job.LeftChannelURL, &job.LeftTranscriptPath},
		{jobs.Right, job.RightChannelURL, &job.RightTranscriptPath},
	}

	var done int32
	for _, w := range work {
		if *w.path != "" {
			done++
		}
	}
	if done == int32(len(work)) {
		return nil
	}
	if err := r.machine.Progress(ctx, job.ID, types.StepTranscribing, types.TranscriptionProgress(int(done))); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range work {
		if *w.path != "" {
			continue
		}
		g.Go(guard(func() error {
			unit := string(w.ch) + " channel"
			log := r.log.WithFields(logrus.Fields{"job_id": job.ID, "stage": "transcription", "channel": w.ch})
			doc, err := retry.Do(gctx, r.policy(log), func(ctx context.Context) (types.Document, error) {
				token, err := r.deps.Auth.Token(ctx)
				if err != nil {
					return nil, err
				}
				return r.deps.Transcriber.Transcribe(ctx, w.url, token)
			})
			if err != nil {
				return &StageError{Stage: "transcription", Unit: unit, Err: err}
			}

			path := storage.TranscriptPath(job.ID, string(w.ch))
			err = retry.Call(gctx, r.policy(log), func(ctx context.Context) error {
				return r.deps.Store.Put(ctx, path, doc)
			})
			if err != nil {
				return &StageError{Stage: "transcription", Unit: "store " + string(w.ch) + " transcript", Err: err}
			}

			n := atomic.AddInt32(&done, 1)
			if err := r.machine.RecordTranscript(gctx, job.ID, w.ch, path, int(n)); err != nil {
				return err
			}
			*w.path = path
			log.WithField("path", path).Info("transcript stored")
			return nil
		}))
	}
	return g.Wait()
}

// load downloads both transcripts by their recorded paths.
func (r *Runner) load(ctx context.Context, job *types.Job, stage string) (*transcripts, error) {
	log := r.log.WithFields(logrus.Fields{"job_id": job.ID, "stage": stage})
	get := func(path, side string) (types.Document, error) {
		doc, err := retry.Do(ctx, r.policy(log), func(ctx context.Context) (types.Document, error) {
			return r.deps.Store.Get(ctx, path)
		})
		if err != nil {
			return nil, &StageError{Stage: stage, Unit: "load " + side + " transcript", Err: err}
		}
		return doc, nil
	}
	left, err := get(job.LeftTranscriptPath, "left")
	if err != nil {
		return nil, err
	}
	right, err := get(job.RightTranscriptPath, "right")
	if err != nil {
		return nil, err
	}
	return &transcripts{left: left, right: right}, nil
}

// detect finds competitors in the combined transcript, unless an earlier run
// already recorded them. It returns the transcripts it read, or nil when
// detection was skipped.
func (r *Runner) detect(ctx context.Context, job *types.Job) ([]string, *transcripts, error) {
	if job.CompetitorsDetected {
		return job.CompetitorsFound, nil, nil
	}
	if err := r.machine.Progress(ctx, job.ID, types.StepDetecting, types.ProgressDetectStart); err != nil {
		return nil, nil, err
	}
	// Read back what was stored so detection sees the persisted transcripts.
	tr, err := r.load(ctx, job, "detection")
	if err != nil {
		return nil, nil, err
	}

	log := r.log.WithFields(logrus.Fields{"job_id": job.ID, "stage": "detection"})
	text := sentiment.CombinedText(tr.left, tr.right)
	names, err := retry.Do(ctx, r.policy(log), func(ctx context.Context) ([]string, error) {
		return r.deps.Detector.Detect(ctx, text)
	})
	if err != nil {
		return nil, nil, &StageError{Stage: "detection", Err: err}
	}
	unique, err := r.machine.RecordCompetitors(ctx, job.ID, names)
	if err != nil {
		return nil, nil, err
	}
	job.CompetitorsFound = unique
	job.CompetitorsDetected = true
	job.TotalCompetitors = len(unique)
	log.WithField("competitors", unique).Info("competitors detected")
	return unique, tr, nil
}

// analyze runs one sentiment unit per unsettled competitor on a bounded pool.
// Unit failures are recorded per competitor and never fail the job.
func (r *Runner) analyze(ctx context.Context, job *types.Job, tr *transcripts, names []string) error {
	if err := r.machine.Progress(ctx, job.ID, types.StepAnalyzing, types.ProgressAnalyzeStart); err != nil {
		return err
	}
	if _, err := r.machine.Reconcile(ctx, job.ID); err != nil {
		return err
	}
	settled, err := r.machine.Settled(ctx, job.ID)
	if err != nil {
		return err
	}
	pending := make([]string, 0, len(names))
	for _, n := range names {
		if !settled[n] {
			pending = append(pending, n)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	if tr == nil {
		loaded, err := r.load(ctx, job, "sentiment")
		if err != nil {
			return err
		}
		tr = loaded
	}
	transcript := sentiment.BuildContext(sentiment.Meta{JobID: job.ID, Filename: job.Filename}, tr.left, tr.right)

	limit := r.opts.SentimentConcurrency
	if len(pending) < limit {
		limit = len(pending)
	}
	// A settlement error (lost lease, database) stops the remaining units.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, name := range pending {
		g.Go(guard(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			log := r.log.WithFields(logrus.Fields{"job_id": job.ID, "stage": "sentiment", "competitor": name})
			result, err := retry.Do(gctx, r.policy(log), func(ctx context.Context) (types.Document, error) {
				return r.deps.Analyzer.Analyze(ctx, name, transcript)
			})
			if gctx.Err() != nil {
				// Interrupted: leave the unit unsettled for the next run.
				return gctx.Err()
			}
			if err != nil {
				_, err = r.machine.UnitFailed(gctx, job.ID, name, err)
				return err
			}
			_, err = r.machine.UnitSucceeded(gctx, job.ID, name, result)
			return err
		}))
	}
	return g.Wait()
}

// guard turns a panic inside a worker goroutine into a job-ending error.
func guard(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = &StageError{Stage: "pipeline", Err: fmt.Errorf("unexpected panic: %v", p)}
			}
		}()
		return fn()
	}
}
