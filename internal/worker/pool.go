// Package worker runs claimed jobs on a fixed number of goroutines and
// keeps their leases alive while they run.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"call-insights-go/internal/jobs"
	"call-insights-go/internal/pipeline"
	"call-insights-go/internal/types"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Runner drives one claimed job to a terminal state.
type Runner interface {
	Run(ctx context.Context, job *types.Job) error
}

type Options struct {
	Workers      int
	PollInterval time.Duration
	// LeaseTimeout is how long a job may go without a heartbeat before the
	// reaper hands it to another worker. Heartbeats are sent every third of it.
	LeaseTimeout time.Duration
	// MaxAttempts fails a job that has been claimed this many times without
	// finishing. Zero disables the limit.
	MaxAttempts int
	// Name prefixes worker ids; defaults to the hostname.
	Name string
}

// Pool claims jobs through the machine and hands them to the runner.
type Pool struct {
	machine *jobs.Machine
	runner  Runner
	opts    Options
	log     *logrus.Entry
	wake    chan struct{}
}

func NewPool(m *jobs.Machine, r Runner, opts Options, log *logrus.Entry) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 5 * time.Minute
	}
	if opts.Name == "" {
		opts.Name, _ = os.Hostname()
		if opts.Name == "" {
			opts.Name = "worker"
		}
	}
	return &Pool{
		machine: m,
		runner:  r,
		opts:    opts,
		log:     log.WithField("component", "worker"),
		wake:    make(chan struct{}, opts.Workers),
	}
}

// Wake nudges idle workers to look for work now instead of at the next poll.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled and every in-flight job has stopped.
func (p *Pool) Run(ctx context.Context) {
	prefix := fmt.Sprintf("%s-%s", p.opts.Name, uuid.NewString()[:8])
	p.log.WithFields(logrus.Fields{"workers": p.opts.Workers, "pool": prefix}).Info("worker pool started")

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.loop(ctx, id)
		}(fmt.Sprintf("%s-%d", prefix, i))
	}
	wg.Wait()
	p.log.Info("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	log := p.log.WithField("worker", workerID)
	// Wait before claiming again after handing a job back unfinished.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.opts.PollInterval
	bo.MaxInterval = p.opts.LeaseTimeout
	bo.MaxElapsedTime = 0
	bo.Reset()
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.machine.Claim(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Error("claim failed")
		}
		if job == nil {
			if !p.idle(ctx) {
				return
			}
			continue
		}
		if !p.process(ctx, workerID, job) {
			bo.Reset()
			continue
		}
		if !sleep(ctx, bo.NextBackOff()) {
			return
		}
	}
}

// sleep waits for d. It reports false when ctx is done first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// idle waits for a wake-up or the poll interval. It reports false when ctx
// is done.
func (p *Pool) idle(ctx context.Context) bool {
	t := time.NewTimer(p.opts.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-p.wake:
		return true
	case <-t.C:
		return true
	}
}

// process runs one claimed job. It reports whether the job was handed back
// unfinished.
func (p *Pool) process(ctx context.Context, workerID string, job *types.Job) bool {
	log := p.log.WithFields(logrus.Fields{"worker": workerID, "job_id": job.ID, "attempt": job.Attempts})

	if p.opts.MaxAttempts > 0 && job.Attempts > p.opts.MaxAttempts {
		cause := &pipeline.StageError{Stage: "worker", Err: fmt.Errorf("gave up after %d attempts", job.Attempts-1)}
		err := p.machine.Owned(workerID).Fail(ctx, job.ID, cause)
		if err != nil && !errors.Is(err, jobs.ErrTerminal) {
			log.WithError(err).Error("failed to abandon job")
		}
		return false
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.heartbeat(runCtx, cancel, workerID, job.ID, log)
	}()

	start := time.Now()
	err := p.runner.Run(runCtx, job)
	cancel()
	<-done

	if err == nil {
		log.WithField("duration_ms", time.Since(start).Milliseconds()).Info("job finished")
		return false
	}
	if errors.Is(err, jobs.ErrLeaseLost) {
		log.WithError(err).Warn("job taken over by another worker")
		return false
	}
	log.WithError(err).Warn("job interrupted; releasing for resume")
	rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer rcancel()
	if err := p.machine.Release(rctx, job.ID, workerID); err != nil {
		log.WithError(err).Error("release failed")
	}
	return true
}

// heartbeat extends the lease until ctx ends. Losing the lease, or failing to
// renew it for a whole LeaseTimeout, cancels the run so two workers never
// drive the same job.
func (p *Pool) heartbeat(ctx context.Context, cancel context.CancelFunc, workerID, jobID string, log *logrus.Entry) {
	t := time.NewTicker(p.opts.LeaseTimeout / 3)
	defer t.Stop()
	renewed := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ok, err := p.machine.Heartbeat(ctx, jobID, workerID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.WithError(err).Warn("heartbeat failed")
				if time.Since(renewed) >= p.opts.LeaseTimeout {
					log.Warn("lease expired without a heartbeat; stopping job")
					cancel()
					return
				}
				continue
			}
			renewed = time.Now()
			if !ok {
				log.Warn("lease lost; stopping job")
				cancel()
				return
			}
		}
	}
}
