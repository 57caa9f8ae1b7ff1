// Package capture owns the camera device for one challenge attempt: permission, configuration
// and the frame stream that feeds detection.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/straightface/internal/signal"
	"github.com/andresmejia3/straightface/internal/types"
)

const megabyte = 1024 * 1024

// Buffer pool to reduce GC pressure while capturing
var frameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, megabyte) },
}

// Session manages one camera device. Lifecycle calls are serialized by mu, which plays the
// role of the session queue: configuration never races with Start or Stop.
type Session struct {
	device Device
	auth   Authorizer
	logger *slog.Logger

	// ctx is cancelled by Stop and aborts pending authorization or configuration.
	ctx    context.Context
	cancel context.CancelFunc

	// state mirrors the lifecycle for lock-free reads; writes happen under mu.
	state atomic.Int32

	mu         sync.Mutex
	failure    *SessionError
	authorized bool
	configured bool
	opened     bool
	running    bool
	closed     bool

	ready     chan struct{}
	readyOnce sync.Once

	sinkMu sync.Mutex
	sink   Sink

	frames     *signal.Slot[types.Frame]
	stopReader context.CancelFunc
	wg         sync.WaitGroup

	captured  atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger used for capture diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSession creates an idle session for device, gated by auth.
func NewSession(device Device, auth Authorizer, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		device: device,
		auth:   auth,
		logger: slog.New(slog.DiscardHandler),
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state. It does not wait for a pending bring-up.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Err returns the terminal failure, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		return nil
	}
	return s.failure
}

// Ready is closed the first time configuration succeeds.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Stats returns the frame counters.
func (s *Session) Stats() Stats {
	return Stats{
		Captured:  s.captured.Load(),
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// bind derives a context that ends with either ctx or the session.
func (s *Session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// CheckAuthorization queries the permission oracle and, when undecided, requests access.
// Denial or restriction moves the session to Failed.
func (s *Session) CheckAuthorization(ctx context.Context) AuthDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkAuthorizationLocked(ctx)
}

func (s *Session) checkAuthorizationLocked(ctx context.Context) AuthDecision {
	if s.State() == Idle {
		s.setState(Authorizing)
	}

	decision := s.auth.Status()
	if decision == NotDetermined {
		ctx, cancel := s.bind(ctx)
		granted, err := s.auth.Request(ctx)
		cancel()
		switch {
		case granted:
			if err != nil {
				s.logger.Warn("camera permission granted but not remembered", "error", err)
			}
			decision = Authorized
		case err != nil:
			// Unanswered requests stay undecided; the attempt cannot go on without an answer.
			s.logger.Warn("camera permission request failed", "error", err)
			return NotDetermined
		default:
			decision = Denied
		}
	}

	switch decision {
	case Authorized:
		s.authorized = true
	case Denied:
		s.failLocked(NotAuthorized, ErrPermissionDenied)
	case Restricted:
		s.failLocked(PermissionRestricted, ErrPermissionRestricted)
	}
	return decision
}

// Configure builds the capture graph. Any failure is terminal for the attempt.
func (s *Session) Configure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configureLocked(ctx)
}

func (s *Session) configureLocked(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.failure != nil {
		return s.failure
	}
	if s.configured {
		return nil
	}

	if !s.authorized {
		switch d := s.checkAuthorizationLocked(ctx); d {
		case Authorized:
		case NotDetermined:
			if s.ctx.Err() != nil {
				return ErrSessionClosed
			}
			if err := ctx.Err(); err != nil {
				// The caller gave up waiting; the user never answered.
				return err
			}
			return &SessionError{Reason: NotAuthorized, Err: fmt.Errorf("%w: no answer to permission request", ErrPermissionDenied)}
		default:
			return s.failure
		}
	}

	s.setState(Configuring)
	openCtx, cancel := s.bind(ctx)
	err := s.device.Open(openCtx)
	cancel()
	if err != nil {
		if s.ctx.Err() != nil {
			// Stopped while configuring: not a device failure.
			_ = s.device.Close()
			return ErrSessionClosed
		}
		if ctx.Err() != nil {
			_ = s.device.Close()
			return ctx.Err()
		}
		s.failLocked(ConfigurationFailed, fmt.Errorf("%w: %w", ErrConfigurationFailed, err))
		return s.failure
	}

	s.opened = true
	s.configured = true
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Debug("capture session configured")
	return nil
}

// Open runs the full bring-up: authorization, configuration, then frame production.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.configureLocked(ctx); err != nil {
		return err
	}
	return s.startLocked()
}

// Start begins frame production. It is idempotent.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Session) startLocked() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.failure != nil {
		return s.failure
	}
	if s.running {
		return nil
	}
	if !s.configured {
		return ErrNotConfigured
	}

	readerCtx, stop := context.WithCancel(s.ctx)
	s.stopReader = stop
	s.frames = signal.NewSlot[types.Frame]()
	s.running = true
	s.setState(Running)

	s.wg.Add(2)
	go s.readFrames(readerCtx)
	go s.deliverFrames(readerCtx)
	return nil
}

// Stop halts frame production and releases the device. It is idempotent, safe before Start,
// and no sink callback runs after it returns. State keeps its last value; a stopped session
// is terminal and every further call reports ErrSessionClosed.
func (s *Session) Stop() {
	// Cancel first so a pending permission request or device open gives up the lock.
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	if s.stopReader != nil {
		s.stopReader()
	}
	if s.opened {
		// Closing the device unblocks a reader stuck in ReadFrame.
		if err := s.device.Close(); err != nil {
			s.logger.Debug("closing capture device", "error", err)
		}
	}
	s.wg.Wait()
	s.running = false
}

// Reset clears a failure so the user can retry after fixing permissions. Only Failed → Idle.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != Failed || s.closed {
		return
	}
	s.setState(Idle)
	s.failure = nil
	s.authorized = false
}

// Attach installs the output sink. It is allowed once Ready has fired; attaching earlier
// fails the session as a configuration failure.
func (s *Session) Attach(sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.failure != nil {
		return &SessionError{Reason: ConfigurationFailed, Err: ErrDetectionAttach}
	}
	if !s.configured || sink == nil {
		s.failLocked(ConfigurationFailed, ErrDetectionAttach)
		return s.failure
	}
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
	return nil
}

// Detach removes the sink. An in-flight callback finishes before Detach returns.
func (s *Session) Detach() {
	s.sinkMu.Lock()
	s.sink = nil
	s.sinkMu.Unlock()
}

func (s *Session) failLocked(reason FailureReason, err error) {
	s.setState(Failed)
	s.failure = &SessionError{Reason: reason, Err: err}
	s.logger.Warn("capture session failed", "reason", reason.String(), "error", err)
}

// readFrames pulls frames off the device into the single-slot mailbox. Frames that arrive
// while detection is still busy replace the pending one.
func (s *Session) readFrames(ctx context.Context) {
	defer s.wg.Done()
	defer s.frames.Close()

	idx := 0
	for {
		data, err := s.device.ReadFrame()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				s.logger.Warn("capture stream interrupted", "error", err)
			} else if ctx.Err() == nil {
				s.logger.Debug("capture stream ended")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		buf := frameBufferPool.Get().([]byte)
		if cap(buf) < len(data) {
			buf = make([]byte, len(data))
		}
		buf = buf[:len(data)]
		copy(buf, data)

		idx++
		s.captured.Add(1)
		old, replaced := s.frames.Publish(types.Frame{Index: idx, Data: buf, CapturedAt: time.Now()})
		if replaced {
			s.dropped.Add(1)
			frameBufferPool.Put(old.Data[:0])
		}
	}
}

// deliverFrames is the serial capture context: frame N+1 is never handed out before the
// sink returns for frame N.
func (s *Session) deliverFrames(ctx context.Context) {
	defer s.wg.Done()
	for frame := range s.frames.C() {
		if ctx.Err() == nil {
			s.sinkMu.Lock()
			if s.sink != nil {
				s.sink(frame)
				s.delivered.Add(1)
			}
			s.sinkMu.Unlock()
		}
		// Return buffer to pool once the sink is done with it
		frameBufferPool.Put(frame.Data[:0])
	}
}
