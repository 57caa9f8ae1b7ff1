package scoring

import (
	"context"
	"time"

	"github.com/andresmejia3/straightface/internal/challenge"
)

// Report describes a finished attempt.
type Report struct {
	AttemptID  string
	Variant    string
	Outcome    challenge.Outcome
	Final      challenge.Score
	Progress   float64
	StartedAt  time.Time
	FinishedAt time.Time
}

// Reporter receives terminal outcomes and session failures, e.g. to journal them. A
// reporter error never changes the outcome.
type Reporter interface {
	ReportOutcome(ctx context.Context, r Report) error
	ReportSessionFailure(ctx context.Context, attemptID, variant string, err error) error
}

type nopReporter struct{}

func (nopReporter) ReportOutcome(context.Context, Report) error { return nil }

func (nopReporter) ReportSessionFailure(context.Context, string, string, error) error { return nil }
