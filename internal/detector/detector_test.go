package detector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/straightface/internal/capture"
	"github.com/andresmejia3/straightface/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource hands frames straight to the attached sink.
type fakeSource struct {
	mu           sync.Mutex
	sink         capture.Sink
	attachErr    error
	configureErr error
	configured   bool
	started      int
	stopped      int
	calls        []string

	readyOnce sync.Once
	ready     chan struct{}
	// hold keeps Ready open after Configure returns.
	hold bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{ready: make(chan struct{})}
}

func (s *fakeSource) Configure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "configure")
	if s.configureErr != nil {
		return s.configureErr
	}
	s.configured = true
	if !s.hold {
		s.readyOnce.Do(func() { close(s.ready) })
	}
	return nil
}

func (s *fakeSource) Ready() <-chan struct{} { return s.ready }

func (s *fakeSource) release() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *fakeSource) Attach(sink capture.Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "attach")
	if s.attachErr != nil {
		return s.attachErr
	}
	select {
	case <-s.ready:
	default:
		return &capture.SessionError{Reason: capture.ConfigurationFailed, Err: capture.ErrDetectionAttach}
	}
	s.sink = sink
	return nil
}

func (s *fakeSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "start")
	s.started++
	return nil
}

func (s *fakeSource) Detach() {
	s.mu.Lock()
	s.sink = nil
	s.mu.Unlock()
}

func (s *fakeSource) Stop() {
	s.mu.Lock()
	s.stopped++
	s.mu.Unlock()
}

func (s *fakeSource) push(f types.Frame) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink(f)
	}
}

type recorder struct {
	mu       sync.Mutex
	features []types.FeatureSet
	presence []bool
	order    []string
}

func (r *recorder) bind(d *Detector) {
	d.OnFeatures(func(set types.FeatureSet) {
		r.mu.Lock()
		r.features = append(r.features, set)
		r.order = append(r.order, "features")
		r.mu.Unlock()
	})
	d.OnPresence(func(p bool) {
		r.mu.Lock()
		r.presence = append(r.presence, p)
		r.order = append(r.order, "presence")
		r.mu.Unlock()
	})
}

func facesFor(n int) ExtractorFunc {
	return func(ctx context.Context, f types.Frame) (types.FeatureSet, error) {
		return types.FeatureSet{Faces: make([]types.FaceFeatures, n)}, nil
	}
}

func TestDetectorPublishesFeaturesThenPresence(t *testing.T) {
	src := newFakeSource()
	d := New(src, facesFor(2))
	rec := &recorder{}
	rec.bind(d)

	require.NoError(t, d.StartDetection(context.Background()))
	src.push(types.Frame{Index: 7})

	require.Len(t, rec.features, 1)
	assert.Equal(t, 7, rec.features[0].FrameIndex)
	assert.Len(t, rec.features[0].Faces, 2)
	assert.Equal(t, []bool{true}, rec.presence)
	assert.Equal(t, []string{"features", "presence"}, rec.order)
}

func TestDetectorNoFaceOrErrorIsAbsence(t *testing.T) {
	calls := 0
	extractor := ExtractorFunc(func(ctx context.Context, f types.Frame) (types.FeatureSet, error) {
		calls++
		if calls == 1 {
			return types.FeatureSet{}, nil
		}
		return types.FeatureSet{}, errors.New("classifier hiccup")
	})

	src := newFakeSource()
	d := New(src, extractor)
	rec := &recorder{}
	rec.bind(d)
	require.NoError(t, d.StartDetection(context.Background()))

	src.push(types.Frame{Index: 1})
	src.push(types.Frame{Index: 2})

	assert.Empty(t, rec.features, "features are suppressed without a face")
	assert.Equal(t, []bool{false, false}, rec.presence)
	assert.Equal(t, Stats{Processed: 2, Failed: 1}, d.Stats())
}

func TestDetectorStartIsIdempotent(t *testing.T) {
	src := newFakeSource()
	d := New(src, facesFor(1))

	require.NoError(t, d.StartDetection(context.Background()))
	require.NoError(t, d.StartDetection(context.Background()))
	assert.Equal(t, 1, src.started)
}

func TestDetectorAttachFailure(t *testing.T) {
	src := newFakeSource()
	src.attachErr = &capture.SessionError{Reason: capture.ConfigurationFailed, Err: capture.ErrDetectionAttach}
	d := New(src, facesFor(1))

	err := d.StartDetection(context.Background())
	assert.ErrorIs(t, err, capture.ErrDetectionAttach)
	assert.Zero(t, src.started)
}

func TestDetectorConfigureFailureSkipsAttach(t *testing.T) {
	src := newFakeSource()
	src.configureErr = capture.ErrPermissionDenied
	d := New(src, facesFor(1))

	assert.ErrorIs(t, d.StartDetection(context.Background()), capture.ErrPermissionDenied)
	assert.Equal(t, []string{"configure"}, src.calls)
}

func TestDetectorAttachesOnlyOnceReady(t *testing.T) {
	src := newFakeSource()
	src.hold = true
	d := New(src, facesFor(1))

	errCh := make(chan error, 1)
	go func() { errCh <- d.StartDetection(context.Background()) }()

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.configured
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	src.mu.Lock()
	assert.Equal(t, []string{"configure"}, src.calls, "nothing is attached before the source is ready")
	src.mu.Unlock()

	src.release()
	require.NoError(t, <-errCh)
	assert.Equal(t, []string{"configure", "attach", "start"}, src.calls)
}

func TestDetectorStopWhileWaitingForReady(t *testing.T) {
	src := newFakeSource()
	src.hold = true
	d := New(src, facesFor(1))

	errCh := make(chan error, 1)
	go func() { errCh <- d.StartDetection(context.Background()) }()
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.configured
	}, time.Second, 5*time.Millisecond)

	d.StopDetection()
	assert.ErrorIs(t, <-errCh, ErrStopped)
	assert.NotContains(t, src.calls, "attach")
}

func TestDetectorStopDetachesAndStopsSource(t *testing.T) {
	src := newFakeSource()
	d := New(src, facesFor(1))
	rec := &recorder{}
	rec.bind(d)
	require.NoError(t, d.StartDetection(context.Background()))

	d.StopDetection()
	d.StopDetection()
	assert.Equal(t, 1, src.stopped)

	src.push(types.Frame{Index: 1})
	assert.Empty(t, rec.presence)
	assert.ErrorIs(t, d.StartDetection(context.Background()), ErrStopped)
}

func TestDetectorStopBeforeStart(t *testing.T) {
	src := newFakeSource()
	d := New(src, facesFor(1))
	assert.NotPanics(t, d.StopDetection)
	assert.Equal(t, 1, src.stopped)
}

// firehose produces frames as fast as it is read until closed.
type firehose struct {
	done chan struct{}
	once sync.Once
}

func (f *firehose) Open(ctx context.Context) error { return nil }

func (f *firehose) ReadFrame() ([]byte, error) {
	select {
	case <-f.done:
		return nil, errors.New("closed")
	default:
	}
	time.Sleep(50 * time.Microsecond)
	return []byte{0xFF, 0xD8, 0x00, 0xFF, 0xD9}, nil
}

func (f *firehose) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func TestDetectorBoundedUnderHighFrameRate(t *testing.T) {
	session := capture.NewSession(&firehose{done: make(chan struct{})}, capture.StaticAuthorizer{Decision: capture.Authorized})

	var maxAge atomic.Int64
	var lastIndex atomic.Int64
	var outOfOrder atomic.Bool
	slow := ExtractorFunc(func(ctx context.Context, f types.Frame) (types.FeatureSet, error) {
		if age := int64(time.Since(f.CapturedAt)); age > maxAge.Load() {
			maxAge.Store(age)
		}
		if int64(f.Index) <= lastIndex.Load() {
			outOfOrder.Store(true)
		}
		lastIndex.Store(int64(f.Index))
		time.Sleep(5 * time.Millisecond)
		return types.FeatureSet{Faces: []types.FaceFeatures{{}}}, nil
	})

	d := New(session, slow)
	require.NoError(t, d.StartDetection(context.Background()))
	time.Sleep(300 * time.Millisecond)
	d.StopDetection()

	stats := session.Stats()
	require.Greater(t, stats.Captured, d.Stats().Processed*2, "the generator must outrun detection")
	assert.Greater(t, stats.Dropped, int64(0))

	// Everything captured was either processed, dropped, or is the one pending frame.
	pending := stats.Captured - stats.Delivered - stats.Dropped
	assert.GreaterOrEqual(t, pending, int64(0))
	assert.LessOrEqual(t, pending, int64(1))
	// A frame delivered while stopping is skipped without being classified.
	assert.InDelta(t, stats.Delivered, d.Stats().Processed, 1)

	assert.False(t, outOfOrder.Load(), "frames are processed in capture order")
	assert.Less(t, time.Duration(maxAge.Load()), 250*time.Millisecond, "the newest frame wins, so latency stays bounded")
}
