package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/andresmejia3/straightface/internal/challenge"
	"github.com/andresmejia3/straightface/internal/rule"
	"github.com/andresmejia3/straightface/internal/scoring"
	"github.com/google/uuid"
)

var (
	// ErrBusy means another attempt still holds the camera.
	ErrBusy = errors.New("an attempt is already running")
	// ErrNotFound means no attempt has the given id.
	ErrNotFound = errors.New("attempt not found")
)

// Factory builds the scoring loop for a new attempt. The loop is started by the manager.
type Factory func(id string, kind rule.Kind) (*scoring.Loop, error)

// Attempt is one challenge run owned by the manager.
type Attempt struct {
	ID      string
	Variant rule.Kind
	Created time.Time

	loop     *scoring.Loop
	started  chan struct{}
	finished chan struct{}

	mu      sync.Mutex
	seq     int
	latest  scoring.Update
	outcome *challenge.Outcome
	err     error
	done    bool
	ended   time.Time
	changed chan struct{}
}

// snapshot is a consistent view of an attempt; changed closes on the next change.
type snapshot struct {
	seq     int
	update  scoring.Update
	outcome *challenge.Outcome
	err     error
	done    bool
	changed <-chan struct{}
}

func newAttempt(id string, kind rule.Kind, loop *scoring.Loop) *Attempt {
	return &Attempt{
		ID:       id,
		Variant:  kind,
		Created:  time.Now(),
		loop:     loop,
		started:  make(chan struct{}),
		finished: make(chan struct{}),
		changed:  make(chan struct{}),
	}
}

// Finished is closed once the attempt has ended for any reason.
func (a *Attempt) Finished() <-chan struct{} { return a.finished }

func (a *Attempt) snapshot() snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return snapshot{seq: a.seq, update: a.latest, outcome: a.outcome, err: a.err, done: a.done, changed: a.changed}
}

// update applies fn under the lock and wakes every watcher.
func (a *Attempt) update(fn func()) {
	a.mu.Lock()
	fn()
	close(a.changed)
	a.changed = make(chan struct{})
	a.mu.Unlock()
}

func (a *Attempt) run(ctx context.Context, logger *slog.Logger) {
	switch err := a.loop.Start(ctx); {
	case errors.Is(err, scoring.ErrStopped):
		// Stopped during bring-up; the stream ends as stopped, not failed.
		logger.Debug("attempt stopped before it started", "attempt", a.ID)
	case err != nil:
		logger.Warn("attempt failed to start", "attempt", a.ID, "error", err)
		a.update(func() { a.err = err })
	}
	close(a.started)

	// Fan the single-consumer loop streams out to any number of watchers.
	updates, outcome := a.loop.Updates(), a.loop.Outcome()
	for updates != nil || outcome != nil {
		select {
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			a.update(func() {
				a.seq++
				a.latest = u
			})
		case o, ok := <-outcome:
			if !ok {
				outcome = nil
				continue
			}
			a.update(func() { a.outcome = &o })
		}
	}
	a.update(func() {
		a.done = true
		a.ended = time.Now()
	})
	close(a.finished)
}

// expired reports whether the attempt ended more than retention ago.
func (a *Attempt) expired(now time.Time, retention time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done && now.Sub(a.ended) > retention
}

// Manager owns the attempts of a server. One attempt runs at a time, since they share the
// camera.
type Manager struct {
	factory   Factory
	logger    *slog.Logger
	retention time.Duration
	now       func() time.Time

	mu       sync.Mutex
	attempts map[string]*Attempt
	active   *Attempt
}

// DefaultRetention is how long a finished attempt stays readable.
const DefaultRetention = 10 * time.Minute

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRetention sets how long finished attempts are kept for late watchers.
func WithRetention(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d >= 0 {
			m.retention = d
		}
	}
}

// NewManager returns a manager that builds attempts with factory.
func NewManager(factory Factory, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &Manager{
		factory:   factory,
		logger:    logger,
		retention: DefaultRetention,
		now:       time.Now,
		attempts:  make(map[string]*Attempt),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// pruneLocked forgets attempts that finished more than the retention period ago.
func (m *Manager) pruneLocked() {
	now := m.now()
	for id, a := range m.attempts {
		if a == m.active || !a.expired(now, m.retention) {
			continue
		}
		delete(m.attempts, id)
		m.logger.Debug("attempt pruned", "attempt", id)
	}
}

// Len returns the number of attempts still held.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attempts)
}

// Create builds and starts a new attempt. Bring-up continues in the background; its
// failure is reported through the attempt's events.
func (m *Manager) Create(kind rule.Kind) (*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	if m.active != nil {
		select {
		case <-m.active.finished:
		default:
			return nil, ErrBusy
		}
	}

	id := uuid.New().String()
	loop, err := m.factory(id, kind)
	if err != nil {
		return nil, err
	}
	a := newAttempt(id, kind, loop)
	m.attempts[id] = a
	m.active = a
	go a.run(context.Background(), m.logger)
	m.logger.Info("attempt created", "attempt", id, "variant", kind.String())
	return a, nil
}

// Get looks an attempt up by id.
func (m *Manager) Get(id string) (*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	a, ok := m.attempts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

// Stop stops an attempt. Stopping a finished attempt is a no-op.
func (m *Manager) Stop(id string) error {
	a, err := m.Get(id)
	if err != nil {
		return err
	}
	a.loop.Stop()
	return nil
}

// StopAll stops every attempt and waits for them to finish.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := make([]*Attempt, 0, len(m.attempts))
	for _, a := range m.attempts {
		all = append(all, a)
	}
	m.mu.Unlock()

	for _, a := range all {
		a.loop.Stop()
		<-a.finished
	}
}
