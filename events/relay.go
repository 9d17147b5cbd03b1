package events

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Outbox is the transactional event buffer the relay drains.
type Outbox interface {
	PendingEvents(ctx context.Context, limit int) ([]Event, error)
	// AckEvents drops every event with Seq <= upTo.
	AckEvents(ctx context.Context, upTo uint64) error
}

// Relay moves outbox events to a sink. An event is acknowledged only after
// the sink accepted it, so a crash between the two redelivers it.
type Relay struct {
	Outbox    Outbox
	Sink      Sink
	Interval  time.Duration
	BatchSize int
	Logger    logrus.FieldLogger
}

// Flush publishes pending events until the outbox is empty and returns how
// many were delivered.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	if r.Outbox == nil || r.Sink == nil {
		return 0, errors.New("relay requires an outbox and a sink")
	}
	batch := r.BatchSize
	if batch <= 0 {
		batch = 256
	}

	delivered := 0
	for {
		pending, err := r.Outbox.PendingEvents(ctx, batch)
		if err != nil {
			return delivered, err
		}
		if len(pending) == 0 {
			return delivered, nil
		}
		if err := r.Sink.Publish(ctx, pending); err != nil {
			return delivered, err
		}
		if err := r.Outbox.AckEvents(ctx, pending[len(pending)-1].Seq); err != nil {
			return delivered, err
		}
		delivered += len(pending)
		if len(pending) < batch {
			return delivered, nil
		}
	}
}

// Run flushes on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Flush(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger().WithError(err).WithField("delivered", n).Warn("event relay flush failed")
				continue
			}
			if n > 0 {
				r.logger().WithField("delivered", n).Debug("events relayed")
			}
		}
	}
}

func (r *Relay) logger() logrus.FieldLogger {
	if r.Logger == nil {
		return logrus.StandardLogger()
	}
	return r.Logger
}
