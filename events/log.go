package events

import (
	"context"

	"github.com/sirupsen/logrus"
)

type logSink struct {
	logger logrus.FieldLogger
}

func NewLogSink(logger logrus.FieldLogger) Sink {
	return &logSink{logger: logger}
}

func (s *logSink) Publish(_ context.Context, events []Event) error {
	for _, e := range events {
		s.logger.WithFields(logrus.Fields{
			"key":         e.Key,
			"seq":         e.Seq,
			"kind":        e.Kind,
			"position_id": e.PositionID,
			"account":     e.Account,
			"amount":      e.Amount,
		}).Info("event")
	}
	return nil
}
