package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/straightface/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jpeg(b byte) []byte {
	return []byte{0xFF, 0xD8, b, 0xFF, 0xD9}
}

func TestSessionDeliversFramesInOrder(t *testing.T) {
	dev := newFakeDevice()
	s := NewSession(dev, StaticAuthorizer{Decision: Authorized})
	defer s.Stop()

	var mu sync.Mutex
	var got []int
	require.NoError(t, s.Configure(context.Background()))
	select {
	case <-s.Ready():
	default:
		t.Fatal("ready should be closed after configuration")
	}
	require.NoError(t, s.Attach(func(f types.Frame) {
		mu.Lock()
		got = append(got, f.Index)
		mu.Unlock()
	}))
	require.NoError(t, s.Start())
	assert.Equal(t, Running, s.State())

	// Feed frames one at a time so none is dropped.
	for i := 0; i < 5; i++ {
		dev.frames <- jpeg(byte(i))
		want := i + 1
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == want
		}, time.Second, time.Millisecond)
	}

	mu.Lock()
	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)
	mu.Unlock()
}

func TestSessionPermissionStates(t *testing.T) {
	tests := []struct {
		name       string
		auth       Authorizer
		wantDec    AuthDecision
		wantState  State
		wantReason FailureReason
		wantErr    error
	}{
		{"authorized", StaticAuthorizer{Decision: Authorized}, Authorized, Authorizing, NoFailure, nil},
		{"denied", StaticAuthorizer{Decision: Denied}, Denied, Failed, NotAuthorized, ErrPermissionDenied},
		{"restricted", StaticAuthorizer{Decision: Restricted}, Restricted, Failed, PermissionRestricted, ErrPermissionRestricted},
		{"asked and granted", StaticAuthorizer{Decision: NotDetermined, Grant: true}, Authorized, Authorizing, NoFailure, nil},
		{"asked and refused", StaticAuthorizer{Decision: NotDetermined}, Denied, Failed, NotAuthorized, ErrPermissionDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newFakeDevice()
			s := NewSession(dev, tt.auth)
			defer s.Stop()

			assert.Equal(t, tt.wantDec, s.CheckAuthorization(context.Background()))
			assert.Equal(t, tt.wantState, s.State())

			err := s.Err()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			var se *SessionError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.wantReason, se.Reason)

			// Terminal for the attempt: the device is never opened.
			assert.Error(t, s.Open(context.Background()))
			assert.Equal(t, 0, dev.openCount)
		})
	}
}

func TestSessionConfigurationFailureIsTerminal(t *testing.T) {
	dev := newFakeDevice()
	dev.openErr = errors.New("no front camera")
	s := NewSession(dev, StaticAuthorizer{Decision: Authorized})
	defer s.Stop()

	err := s.Open(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigurationFailed)
	assert.Equal(t, Failed, s.State())

	// No automatic retry and no frame production.
	assert.Error(t, s.Start())
	assert.Error(t, s.Configure(context.Background()))
	assert.Equal(t, 1, dev.openCount)

	select {
	case <-s.Ready():
		t.Fatal("ready must not fire on a failed configuration")
	default:
	}
	assert.ErrorIs(t, s.Attach(func(types.Frame) {}), ErrDetectionAttach)
}

func TestSessionAttachAfterFailureIsConfigurationFailure(t *testing.T) {
	s := NewSession(newFakeDevice(), StaticAuthorizer{Decision: Denied})
	s.CheckAuthorization(context.Background())

	err := s.Attach(func(types.Frame) {})
	assert.ErrorIs(t, err, ErrDetectionAttach)
	assert.ErrorIs(t, err, ErrConfigurationFailed)
}

func TestSessionAttachBeforeConfigurationFails(t *testing.T) {
	s := NewSession(newFakeDevice(), StaticAuthorizer{Decision: Authorized})
	defer s.Stop()

	err := s.Attach(func(types.Frame) {})
	assert.ErrorIs(t, err, ErrDetectionAttach)
	assert.Equal(t, Failed, s.State())
	assert.ErrorIs(t, s.Configure(context.Background()), ErrConfigurationFailed)
}

func TestSessionCallerCancelDuringAuthorization(t *testing.T) {
	s := NewSession(newFakeDevice(), blockingAuthorizer{})
	defer s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Open(ctx) }()
	require.Eventually(t, func() bool { return s.State() == Authorizing }, time.Second, time.Millisecond)

	cancel()
	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrPermissionDenied)
	assert.NotEqual(t, Failed, s.State(), "an unanswered prompt is not a denial")
	assert.NoError(t, s.Err())
}

func TestSessionCallerCancelDuringConfiguration(t *testing.T) {
	dev := newFakeDevice()
	dev.openBlock = make(chan struct{})
	s := NewSession(dev, StaticAuthorizer{Decision: Authorized})
	defer s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Open(ctx) }()
	require.Eventually(t, func() bool { return s.State() == Configuring }, time.Second, time.Millisecond)

	cancel()
	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrConfigurationFailed)
	assert.NoError(t, s.Err())
}

func TestSessionStopBeforeStartAndTwice(t *testing.T) {
	dev := newFakeDevice()
	s := NewSession(dev, StaticAuthorizer{Decision: Authorized})

	assert.NotPanics(t, func() {
		s.Stop()
		s.Stop()
	})
	assert.Equal(t, Idle, s.State())
	assert.ErrorIs(t, s.Open(context.Background()), ErrSessionClosed)
	assert.ErrorIs(t, s.Start(), ErrSessionClosed)
}

func TestSessionStartWithoutConfigure(t *testing.T) {
	s := NewSession(newFakeDevice(), StaticAuthorizer{Decision: Authorized})
	defer s.Stop()
	assert.ErrorIs(t, s.Start(), ErrNotConfigured)
}

func TestSessionStartIsIdempotent(t *testing.T) {
	dev := newFakeDevice()
	s := NewSession(dev, StaticAuthorizer{Decision: Authorized})
	defer s.Stop()

	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.Start())
	require.NoError(t, s.Open(context.Background()))
	assert.Equal(t, 1, dev.openCount)
}

func TestSessionStopAbortsPendingAuthorization(t *testing.T) {
	s := NewSession(newFakeDevice(), blockingAuthorizer{})

	errCh := make(chan error, 1)
	go func() { errCh <- s.Open(context.Background()) }()

	// Let Open reach the permission request.
	require.Eventually(t, func() bool { return s.State() == Authorizing }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked behind a pending permission request")
	}
	assert.ErrorIs(t, <-errCh, ErrSessionClosed)
}

func TestSessionStopAbortsPendingConfiguration(t *testing.T) {
	dev := newFakeDevice()
	dev.openBlock = make(chan struct{})
	s := NewSession(dev, StaticAuthorizer{Decision: Authorized})

	errCh := make(chan error, 1)
	go func() { errCh <- s.Open(context.Background()) }()
	require.Eventually(t, func() bool { return s.State() == Configuring }, time.Second, time.Millisecond)

	s.Stop()
	assert.ErrorIs(t, <-errCh, ErrSessionClosed)
	assert.NotEqual(t, Failed, s.State(), "a stop is not a configuration failure")
}

func TestSessionNoCallbackAfterStop(t *testing.T) {
	dev := newFakeDevice()
	s := NewSession(dev, StaticAuthorizer{Decision: Authorized})

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var calls atomic.Int32
	require.NoError(t, s.Configure(context.Background()))
	require.NoError(t, s.Attach(func(types.Frame) {
		calls.Add(1)
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}))
	require.NoError(t, s.Start())

	dev.frames <- jpeg(1)
	<-entered

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a sink callback was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-stopped

	before := calls.Load()
	dev.frames <- jpeg(2)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, calls.Load())
	assert.True(t, dev.isClosed(), "stop must release the device")
	assert.Equal(t, Running, s.State(), "stop never moves the session backwards")
	assert.ErrorIs(t, s.Start(), ErrSessionClosed)
}

func TestSessionDropsLateFrames(t *testing.T) {
	dev := newFakeDevice()
	s := NewSession(dev, StaticAuthorizer{Decision: Authorized})
	defer s.Stop()

	entered := make(chan struct{}, 1)
	gate := make(chan struct{})
	var mu sync.Mutex
	var got []int
	require.NoError(t, s.Configure(context.Background()))
	require.NoError(t, s.Attach(func(f types.Frame) {
		mu.Lock()
		got = append(got, f.Index)
		mu.Unlock()
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
	}))
	require.NoError(t, s.Start())

	dev.frames <- jpeg(0)
	<-entered

	// Detection is busy; everything below piles onto a single slot.
	for i := 1; i <= 50; i++ {
		dev.frames <- jpeg(byte(i))
	}
	require.Eventually(t, func() bool { return s.Stats().Captured == 51 }, time.Second, time.Millisecond)
	close(gate)

	require.Eventually(t, func() bool { return s.Stats().Delivered == 2 }, time.Second, time.Millisecond)
	stats := s.Stats()
	assert.Equal(t, int64(49), stats.Dropped)

	mu.Lock()
	assert.Equal(t, []int{1, 51}, got, "the newest frame wins")
	mu.Unlock()
}

func TestSessionReset(t *testing.T) {
	s := NewSession(newFakeDevice(), StaticAuthorizer{Decision: Denied})
	defer s.Stop()

	s.CheckAuthorization(context.Background())
	require.Equal(t, Failed, s.State())

	s.Reset()
	assert.Equal(t, Idle, s.State())
	assert.NoError(t, s.Err())
}

func TestConsentAuthorizer(t *testing.T) {
	dir := t.TempDir()
	consent := filepath.Join(dir, "consent", "camera")

	a := &ConsentAuthorizer{
		DevicePath:  filepath.Join(dir, "video0"),
		ConsentPath: consent,
		Prompt:      func() (bool, error) { return true, nil },
	}
	require.NoError(t, os.WriteFile(a.DevicePath, nil, 0o644))

	assert.Equal(t, NotDetermined, a.Status())

	granted, err := a.Request(context.Background())
	require.NoError(t, err)
	assert.True(t, granted)
	assert.Equal(t, Authorized, a.Status(), "the answer is remembered")

	require.NoError(t, os.WriteFile(consent, []byte("denied\n"), 0o600))
	assert.Equal(t, Denied, a.Status())
}

func TestConsentAuthorizerRecordedVideoNeedsNoPermission(t *testing.T) {
	a := &ConsentAuthorizer{}
	assert.Equal(t, Authorized, a.Status())
}

func TestConsentAuthorizerRequestHonoursContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	a := &ConsentAuthorizer{
		DevicePath:  "/dev/null",
		ConsentPath: filepath.Join(t.TempDir(), "camera"),
		Prompt: func() (bool, error) {
			<-block
			return true, nil
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Request(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
