// Package notify delivers job and unit failure events to operators. Delivery
// is fire-and-forget: channel errors and panics are logged and never reach
// the caller.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Kind identifies what happened.
type Kind string

const (
	KindJobFailed    Kind = "job_failed"
	KindUnitFailed   Kind = "unit_failed"
	KindJobCompleted Kind = "job_completed"
)

// Event is a single notification.
type Event struct {
	Kind     Kind
	JobID    string
	Filename string
	// Stage names the pipeline stage or unit, e.g. "sentiment: Acme".
	Stage string
	Error string
	At    time.Time
	// Details carries free-form counters such as completed/total.
	Details map[string]string
}

// Title is a short human-readable headline for the event.
func (e Event) Title() string {
	switch e.Kind {
	case KindJobFailed:
		return fmt.Sprintf("Job Failed: %s", e.Filename)
	case KindUnitFailed:
		return fmt.Sprintf("Task Failed: %s", e.Stage)
	case KindJobCompleted:
		return fmt.Sprintf("Job Completed: %s", e.Filename)
	}
	return string(e.Kind)
}

// Notifier accepts events without blocking the caller on delivery.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Channel is one delivery target.
type Channel interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Dispatcher fans each event out to its channels on background goroutines.
type Dispatcher struct {
	channels []Channel
	log      *logrus.Entry
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewDispatcher returns a Dispatcher delivering to channels.
func NewDispatcher(log *logrus.Entry, channels ...Channel) *Dispatcher {
	return &Dispatcher{
		channels: channels,
		log:      log.WithField("component", "notify"),
		timeout:  10 * time.Second,
	}
}

// Channels returns the names of the configured channels.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for _, c := range d.channels {
		names = append(names, c.Name())
	}
	return names
}

// Notify queues ev for every channel and returns immediately. Delivery
// outlives ctx cancellation but is bounded by the dispatcher timeout.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	base := context.WithoutCancel(ctx)
	for _, ch := range d.channels {
		d.wg.Add(1)
		go d.deliver(base, ch, ev)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, ev Event) {
	defer d.wg.Done()
	log := d.log.WithFields(logrus.Fields{
		"channel": ch.Name(),
		"kind":    ev.Kind,
		"job_id":  ev.JobID,
	})
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("notification channel panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := ch.Send(ctx, ev); err != nil {
		log.WithError(err).Warn("notification delivery failed")
		return
	}
	log.Debug("notification delivered")
}

// Wait blocks until all in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
