package notify

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogChannel writes events to the service log. It is always configured so
// failures stay visible when no external channel is set up.
type LogChannel struct {
	log *logrus.Entry
}

func NewLogChannel(log *logrus.Entry) *LogChannel {
	return &LogChannel{log: log}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(_ context.Context, ev Event) error {
	entry := c.log.WithFields(logrus.Fields{
		"kind":     ev.Kind,
		"job_id":   ev.JobID,
		"filename": ev.Filename,
		"stage":    ev.Stage,
	})
	for k, v := range ev.Details {
		entry = entry.WithField(k, v)
	}
	switch ev.Kind {
	case KindJobFailed:
		entry.WithField("error", ev.Error).Error(ev.Title())
	case KindUnitFailed:
		entry.WithField("error", ev.Error).Warn(ev.Title())
	default:
		entry.Info(ev.Title())
	}
	return nil
}
