package challenge

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/andresmejia3/straightface/internal/rule"
	"github.com/andresmejia3/straightface/internal/signal"
)

// ErrStopped is returned by Start once the engine has been stopped.
var ErrStopped = errors.New("challenge stopped")

// Detection is what the engine drives beneath it. *detector.Detector implements it.
type Detection interface {
	rule.FeatureSource
	StartDetection(ctx context.Context) error
	StopDetection()
}

// Challenge is the capability set the scoring loop and the presentation layer depend on.
// It does not expose which rule is active.
type Challenge interface {
	Start(ctx context.Context) error
	Stop()
	Scores() <-chan Score
	Presence() <-chan bool

	Score() Score
	FacePresent() bool
	// Evaluate applies the latest violation. Called once per tick while a face is present.
	Evaluate() Score
	// Penalize applies one decrement regardless of violations.
	Penalize() Score
}

// Engine is the single owner of an attempt's Score. All mutations happen under mu.
type Engine struct {
	detection Detection
	evaluator *rule.Evaluator
	rules     Rules
	logger    *slog.Logger

	mu          sync.Mutex
	score       Score
	violation   bool
	facePresent bool
	started     bool
	stopped     bool

	scores   *signal.Slot[Score]
	presence *signal.Slot[bool]
}

// Option configures an Engine.
type Option func(*Engine)

// WithRules overrides DefaultRules.
func WithRules(r Rules) Option {
	return func(e *Engine) { e.rules = r }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an engine for kind on top of detection. The score starts at its initial
// value and stays there until Start.
func New(kind rule.Kind, detection Detection, opts ...Option) *Engine {
	e := &Engine{
		detection: detection,
		rules:     DefaultRules,
		logger:    slog.New(slog.DiscardHandler),
		scores:    signal.NewSlot[Score](),
		presence:  signal.NewSlot[bool](),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.score = newScore(e.rules)

	e.evaluator = rule.NewEvaluator(kind, detection)
	e.evaluator.OnViolation(e.observeViolation)
	e.evaluator.OnPresence(e.observePresence)
	return e
}

// Kind returns the active rule.
func (e *Engine) Kind() rule.Kind { return e.evaluator.Kind() }

// Start resets the score and begins detection. It is idempotent. An error means the
// attempt cannot run: the capture session failed or the engine was stopped.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.score = newScore(e.rules)
	e.violation = false
	e.facePresent = false
	e.scores.Publish(e.score)
	e.mu.Unlock()

	e.logger.Debug("challenge starting", "rule", e.Kind().String(), "score", e.rules.Initial)
	// Detection may wait on camera permission; never hold mu across it.
	return e.detection.StartDetection(ctx)
}

// Stop detaches the evaluator, then detection and the capture session beneath it. It is
// idempotent and the score does not change after it returns.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	e.evaluator.Detach()
	e.detection.StopDetection()
	e.scores.Close()
	e.presence.Close()
}

// Scores streams score snapshots, latest value wins. Closed by Stop.
func (e *Engine) Scores() <-chan Score { return e.scores.C() }

// Presence streams de-duplicated face presence, latest value wins. Closed by Stop.
func (e *Engine) Presence() <-chan bool { return e.presence.C() }

// Score returns the current snapshot.
func (e *Engine) Score() Score {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.score
}

// FacePresent returns the latest presence signal. No face is assumed until detection says
// otherwise.
func (e *Engine) FacePresent() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.facePresent
}

// Evaluate applies one decrement if the latest feature set was a violation.
func (e *Engine) Evaluate() Score {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.frozenLocked() {
		return e.score
	}
	if e.violation {
		e.score = e.score.penalize()
	} else {
		e.score.LoseEffect = false
	}
	e.publishLocked()
	return e.score
}

// Penalize applies one decrement unconditionally, for time-based penalties.
func (e *Engine) Penalize() Score {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.frozenLocked() {
		return e.score
	}
	e.score = e.score.penalize()
	e.publishLocked()
	return e.score
}

func (e *Engine) observeViolation(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.frozenLocked() {
		return
	}
	e.violation = v
	if !v && e.score.LoseEffect {
		e.score.LoseEffect = false
		e.publishLocked()
	}
}

func (e *Engine) observePresence(present bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.facePresent = present
	e.presence.Publish(present)
}

// frozenLocked reports whether the score may no longer change.
func (e *Engine) frozenLocked() bool {
	return e.stopped || !e.started || e.score.GameOver
}

func (e *Engine) publishLocked() {
	e.scores.Publish(e.score)
	if e.score.GameOver {
		e.logger.Info("score exhausted", "rule", e.Kind().String())
	}
}
