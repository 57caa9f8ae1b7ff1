// Package detector turns captured frames into face observations. It runs on the capture
// session's delivery goroutine, so frames are processed one at a time and in order; frames
// that arrive while a detection is in flight are dropped by the session, never queued.
package detector

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/straightface/internal/capture"
	"github.com/andresmejia3/straightface/internal/types"
)

// ErrStopped is returned by StartDetection after StopDetection.
var ErrStopped = errors.New("detector stopped")

// Extractor classifies the faces in one frame. frame.Data is only valid for the duration of
// the call.
type Extractor interface {
	Extract(ctx context.Context, frame types.Frame) (types.FeatureSet, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, frame types.Frame) (types.FeatureSet, error)

func (f ExtractorFunc) Extract(ctx context.Context, frame types.Frame) (types.FeatureSet, error) {
	return f(ctx, frame)
}

// Source is the capture side of detection. *capture.Session implements it.
type Source interface {
	Configure(ctx context.Context) error
	Ready() <-chan struct{}
	Attach(sink capture.Sink) error
	Start() error
	Detach()
	Stop()
}

// Stats counts detector work.
type Stats struct {
	Processed int64
	WithFaces int64
	Failed    int64
}

// Detector runs an Extractor over the frames of one Source.
type Detector struct {
	source    Source
	extractor Extractor
	logger    *slog.Logger

	// ctx bounds in-flight extraction; cancelled by StopDetection.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	started    bool
	stopped    bool
	onFeatures []func(types.FeatureSet)
	onPresence []func(bool)

	processed atomic.Int64
	withFaces atomic.Int64
	failed    atomic.Int64
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the logger for per-frame diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.logger = l
		}
	}
}

// New binds extractor to source. Nothing runs until StartDetection.
func New(source Source, extractor Extractor, opts ...Option) *Detector {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Detector{
		source:    source,
		extractor: extractor,
		logger:    slog.New(slog.DiscardHandler),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnFeatures registers an observer for frames with at least one face.
func (d *Detector) OnFeatures(fn func(types.FeatureSet)) {
	d.mu.Lock()
	d.onFeatures = append(d.onFeatures, fn)
	d.mu.Unlock()
}

// OnPresence registers an observer for the per-frame face presence signal.
func (d *Detector) OnPresence(fn func(bool)) {
	d.mu.Lock()
	d.onPresence = append(d.onPresence, fn)
	d.mu.Unlock()
}

// StartDetection configures the source, attaches once it is ready, then starts frame
// production. It is idempotent; a failed bring-up is returned once and the caller must
// not retry.
func (d *Detector) StartDetection(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrStopped
	}
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	d.mu.Unlock()

	// Configure may wait on a permission answer, so it runs without d.mu.
	if err := d.source.Configure(ctx); err != nil {
		return err
	}
	select {
	case <-d.source.Ready():
	case <-ctx.Done():
		return ctx.Err()
	case <-d.ctx.Done():
		return ErrStopped
	}
	if err := d.source.Attach(d.handleFrame); err != nil {
		return err
	}
	return d.source.Start()
}

// StopDetection detaches from the source and stops it. It is idempotent and no observer
// is called after it returns.
func (d *Detector) StopDetection() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	d.cancel()
	// Detach waits for an in-flight frame; Stop then releases the device.
	d.source.Detach()
	d.source.Stop()
}

// Stats returns the detection counters.
func (d *Detector) Stats() Stats {
	return Stats{
		Processed: d.processed.Load(),
		WithFaces: d.withFaces.Load(),
		Failed:    d.failed.Load(),
	}
}

func (d *Detector) handleFrame(frame types.Frame) {
	if d.ctx.Err() != nil {
		return
	}

	set, err := d.extractor.Extract(d.ctx, frame)
	d.processed.Add(1)
	if err != nil {
		// A frame that cannot be classified counts as no face.
		d.failed.Add(1)
		d.logger.Debug("frame classification failed", "frame", frame.Index, "error", err)
		d.publishPresence(false)
		return
	}
	if len(set.Faces) == 0 {
		d.publishPresence(false)
		return
	}

	set.FrameIndex = frame.Index
	d.withFaces.Add(1)
	d.publishFeatures(set)
	d.publishPresence(true)
}

func (d *Detector) publishFeatures(set types.FeatureSet) {
	d.mu.Lock()
	observers := d.onFeatures
	d.mu.Unlock()
	for _, fn := range observers {
		fn(set)
	}
}

func (d *Detector) publishPresence(present bool) {
	d.mu.Lock()
	observers := d.onPresence
	d.mu.Unlock()
	for _, fn := range observers {
		fn(present)
	}
}
