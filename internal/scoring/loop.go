// Package scoring drives an attempt in time: a fixed-period tick applies the no-face penalty,
// evaluates violations, watches the content for completion and settles the outcome.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/andresmejia3/straightface/internal/challenge"
	"github.com/andresmejia3/straightface/internal/signal"
)

const (
	DefaultPeriod        = 500 * time.Millisecond
	DefaultGrace         = 3 * time.Second
	DefaultReportTimeout = 5 * time.Second
)

// ErrStopped is returned by Start once the loop has been stopped.
var ErrStopped = errors.New("scoring loop stopped")

// Ticker is the tick source. *time.Ticker satisfies it through NewTicker.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// NewTicker wraps time.NewTicker.
func NewTicker(d time.Duration) Ticker { return timeTicker{time.NewTicker(d)} }

// Update is what the presentation layer renders after each tick.
type Update struct {
	Ticks            int             `json:"ticks"`
	Score            challenge.Score `json:"score"`
	FacePresent      bool            `json:"facePresent"`
	SearchingForFace bool            `json:"searchingForFace"`
	WithoutFace      time.Duration   `json:"-"`
	Progress         float64         `json:"progress"`
	Elapsed          time.Duration   `json:"-"`

	// Durations go over the wire in seconds.
	WithoutFaceSeconds float64 `json:"withoutFaceSeconds"`
	ElapsedSeconds     float64 `json:"elapsedSeconds"`
}

// Loop is the orchestrator of one attempt. All tick state is owned by the run goroutine.
type Loop struct {
	engine    challenge.Challenge
	content   Content
	period    time.Duration
	grace     time.Duration
	newTicker func(time.Duration) Ticker
	reporter  Reporter
	timeout   time.Duration
	logger    *slog.Logger
	attemptID string
	variant   string

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
	latest    Update
	result    challenge.Outcome

	quit     chan struct{}
	wg       sync.WaitGroup
	outcome  chan challenge.Outcome
	done     chan struct{}
	doneOnce sync.Once
	updates  *signal.Slot[Update]

	// owned by run
	ticks       int
	withoutFace time.Duration
	searching   bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithPeriod sets the tick period T.
func WithPeriod(d time.Duration) Option { return func(l *Loop) { l.period = d } }

// WithGrace sets how long a face may be missing before a penalty, G.
func WithGrace(d time.Duration) Option { return func(l *Loop) { l.grace = d } }

// WithTicker replaces the tick source.
func WithTicker(fn func(time.Duration) Ticker) Option { return func(l *Loop) { l.newTicker = fn } }

// WithReporter sets where terminal outcomes go.
func WithReporter(r Reporter) Option {
	return func(l *Loop) {
		if r != nil {
			l.reporter = r
		}
	}
}

// WithReportTimeout bounds a single report call.
func WithReportTimeout(d time.Duration) Option { return func(l *Loop) { l.timeout = d } }

// WithLogger sets the loop logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Loop) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// WithAttempt labels reports and logs.
func WithAttempt(id, variant string) Option {
	return func(l *Loop) {
		l.attemptID = id
		l.variant = variant
	}
}

// New creates a loop over engine and content. Nothing runs until Start.
func New(engine challenge.Challenge, content Content, opts ...Option) *Loop {
	l := &Loop{
		engine:    engine,
		content:   content,
		period:    DefaultPeriod,
		grace:     DefaultGrace,
		newTicker: NewTicker,
		reporter:  nopReporter{},
		timeout:   DefaultReportTimeout,
		logger:    slog.New(slog.DiscardHandler),
		quit:      make(chan struct{}),
		outcome:   make(chan challenge.Outcome, 1),
		done:      make(chan struct{}),
		updates:   signal.NewSlot[Update](),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Validate rejects timing that could never penalize.
func (l *Loop) Validate() error {
	if l.period <= 0 {
		return fmt.Errorf("tick period must be positive, got %s", l.period)
	}
	if l.grace < l.period {
		return fmt.Errorf("grace window %s is shorter than the tick period %s", l.grace, l.period)
	}
	return nil
}

// Start brings up the challenge, starts the content and begins ticking. A capture failure
// is returned and reported once; the attempt is then over without an outcome.
func (l *Loop) Start(ctx context.Context) error {
	if err := l.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	if l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = true
	l.mu.Unlock()

	if err := l.engine.Start(ctx); err != nil {
		l.engine.Stop()
		l.mu.Lock()
		stopped := l.stopped
		l.mu.Unlock()
		defer l.finish()
		// A Stop or a cancelled caller during bring-up is not a session failure.
		switch {
		case stopped:
			return ErrStopped
		case errors.Is(err, context.Canceled):
			return fmt.Errorf("challenge start cancelled: %w", err)
		}
		l.reportSessionFailure(err)
		return fmt.Errorf("failed to start challenge: %w", err)
	}

	l.mu.Lock()
	if l.stopped {
		// Stop already tore the engine down.
		l.mu.Unlock()
		return ErrStopped
	}
	l.startedAt = time.Now()
	l.wg.Add(1)
	l.mu.Unlock()

	l.content.Start()
	l.publish(l.engine.Score())
	go l.run(l.newTicker(l.period))
	l.logger.Info("challenge started", "attempt", l.attemptID, "variant", l.variant)
	return nil
}

// Stop cancels the tick source, waits for the run goroutine, then stops the challenge and
// everything beneath it. It is idempotent and safe before Start.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	close(l.quit)
	l.mu.Unlock()

	l.wg.Wait()
	l.engine.Stop()
	l.content.Stop()
	l.finish()
}

// Outcome delivers the terminal outcome at most once. It is closed when the loop ends,
// with or without an outcome.
func (l *Loop) Outcome() <-chan challenge.Outcome { return l.outcome }

// Done is closed once the loop has ended.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Updates streams per-tick updates, latest value wins. Closed when the loop ends.
func (l *Loop) Updates() <-chan Update { return l.updates.C() }

// Latest returns the most recent update.
func (l *Loop) Latest() Update {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest
}

// Result returns the outcome so far, InProgress until the attempt settles.
func (l *Loop) Result() challenge.Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.result
}

func (l *Loop) run(ticker Ticker) {
	defer l.wg.Done()

	out := l.loop(ticker)
	// The tick source goes first so no tick can land on a stopped engine.
	ticker.Stop()
	if !out.Terminal() {
		return
	}

	l.engine.Stop()
	l.content.Stop()
	l.settle(out)
}

func (l *Loop) loop(ticker Ticker) challenge.Outcome {
	for {
		select {
		case <-l.quit:
			return challenge.Outcome{}
		case <-ticker.C():
			if out := l.tick(); out.Terminal() {
				return out
			}
		case <-l.content.Done():
			return l.complete(l.engine.Score())
		}
	}
}

// tick applies one period of scoring.
func (l *Loop) tick() challenge.Outcome {
	l.ticks++
	score := l.engine.Score()
	if score.Current <= 0 {
		return challenge.Failed()
	}

	if !l.engine.FacePresent() {
		l.withoutFace += l.period
		if l.withoutFace >= l.grace {
			score = l.engine.Penalize()
			l.searching = true
			l.withoutFace = 0
			l.logger.Debug("no face penalty", "attempt", l.attemptID, "score", score.Current)
		}
	} else {
		l.withoutFace = 0
		l.searching = false
		score = l.engine.Evaluate()
	}
	l.publish(score)

	select {
	case <-l.content.Done():
		return l.complete(score)
	default:
		return challenge.Outcome{}
	}
}

func (l *Loop) complete(score challenge.Score) challenge.Outcome {
	if score.Current > 0 {
		return challenge.Succeeded(score.Current)
	}
	return challenge.Failed()
}

func (l *Loop) publish(score challenge.Score) {
	u := Update{
		Ticks:            l.ticks,
		Score:            score,
		FacePresent:      l.engine.FacePresent(),
		SearchingForFace: l.searching,
		WithoutFace:      l.withoutFace,
		Progress:         l.content.Progress(),
		Elapsed:          l.content.Elapsed(),
	}
	u.WithoutFaceSeconds = u.WithoutFace.Seconds()
	u.ElapsedSeconds = u.Elapsed.Seconds()
	l.mu.Lock()
	l.latest = u
	l.mu.Unlock()
	l.updates.Publish(u)
}

// settle records out, delivers it once and reports it.
func (l *Loop) settle(out challenge.Outcome) {
	final := l.engine.Score()

	l.mu.Lock()
	l.result = out
	startedAt := l.startedAt
	l.mu.Unlock()

	l.outcome <- out
	// Score exhaustion is an outcome, not an error.
	l.logger.Info("challenge finished", "attempt", l.attemptID, "outcome", out.String(), "score", final.Current)

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	err := l.reporter.ReportOutcome(ctx, Report{
		AttemptID:  l.attemptID,
		Variant:    l.variant,
		Outcome:    out,
		Final:      final,
		Progress:   l.content.Progress(),
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	})
	if err != nil {
		l.logger.Warn("failed to report outcome", "attempt", l.attemptID, "error", err)
	}
	l.finish()
}

func (l *Loop) reportSessionFailure(err error) {
	l.logger.Warn("capture session failed", "attempt", l.attemptID, "error", err)
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if rerr := l.reporter.ReportSessionFailure(ctx, l.attemptID, l.variant, err); rerr != nil {
		l.logger.Warn("failed to report session failure", "attempt", l.attemptID, "error", rerr)
	}
}

func (l *Loop) finish() {
	l.doneOnce.Do(func() {
		close(l.outcome)
		l.updates.Close()
		close(l.done)
	})
}
