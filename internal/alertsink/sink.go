// Package alertsink narrows the out-of-scope alert console (spec.md §1)
// to the one interface the Replicator actually needs: something to call
// when a RED report commits.
package alertsink

import (
	"context"

	"go.uber.org/zap"

	"riskreplica/internal/model"
)

// AlertSink is notified of committed RED writes. Grounded on SPEC_FULL.md's
// instruction to treat the real alert console as a narrow external
// collaborator.
type AlertSink interface {
	Notify(ctx context.Context, report model.RiskReport) error
}

// LoggingSink is the shipped stand-in for the out-of-scope alert console:
// it logs a warning with the report's identifying fields. A real paging
// integration only needs to implement AlertSink to replace it.
type LoggingSink struct {
	logger *zap.Logger
}

// NewLoggingSink creates a LoggingSink writing through logger.
func NewLoggingSink(logger *zap.Logger) *LoggingSink {
	return &LoggingSink{logger: logger}
}

func (s *LoggingSink) Notify(ctx context.Context, report model.RiskReport) error {
	s.logger.Warn("RED risk report alert",
		zap.String("patient_id", report.PatientID),
		zap.Int64("timestamp", report.Timestamp),
		zap.Float64("probability", report.Probability),
	)
	return nil
}
