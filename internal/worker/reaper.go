package worker

import (
	"context"
	"fmt"
	"time"

	"call-insights-go/internal/jobs"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Reaper periodically releases jobs whose worker stopped heartbeating.
type Reaper struct {
	machine *jobs.Machine
	lease   time.Duration
	cron    *cron.Cron
	log     *logrus.Entry
	wake    func()
}

// NewReaper schedules a sweep using a cron spec ("@every 30s", "*/1 * * * *").
// wake, when set, is called after a sweep released at least one job.
func NewReaper(m *jobs.Machine, lease time.Duration, spec string, wake func(), log *logrus.Entry) (*Reaper, error) {
	r := &Reaper{
		machine: m,
		lease:   lease,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:     log.WithField("component", "reaper"),
		wake:    wake,
	}
	if _, err := r.cron.AddFunc(spec, func() { r.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("reaper: schedule %q: %w", spec, err)
	}
	return r, nil
}

// Sweep releases stale jobs once and returns how many it released.
func (r *Reaper) Sweep(ctx context.Context) int64 {
	n, err := r.machine.ReleaseStale(ctx, r.lease)
	if err != nil {
		r.log.WithError(err).Error("sweep failed")
		return 0
	}
	if n > 0 && r.wake != nil {
		r.wake()
	}
	return n
}

func (r *Reaper) Start() { r.cron.Start() }

// Stop halts scheduling and waits for a running sweep.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}
