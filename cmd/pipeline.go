package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/straightface/internal/capture"
	"github.com/andresmejia3/straightface/internal/challenge"
	"github.com/andresmejia3/straightface/internal/config"
	"github.com/andresmejia3/straightface/internal/detector"
	"github.com/andresmejia3/straightface/internal/rule"
	"github.com/andresmejia3/straightface/internal/scoring"
	"github.com/andresmejia3/straightface/internal/utils"
	"github.com/andresmejia3/straightface/internal/worker"
	"github.com/spf13/cobra"
)

// extractor is a feature extractor that owns a process or native resources.
type extractor interface {
	detector.Extractor
	Close() error
}

// addPipelineFlags registers the capture, classifier and timing flags shared by play and serve.
func addPipelineFlags(c *cobra.Command, opts *Options) {
	c.Flags().StringVarP(&opts.Variant, "variant", "v", "smile", "Challenge variant: smile, blink")
	c.Flags().StringVarP(&opts.VideoPath, "video", "i", "", "Path to the challenge video (its length is the round length)")
	c.Flags().StringVarP(&opts.Camera, "camera", "c", "/dev/video0", "Camera device, or a recorded video when --format is empty")
	c.Flags().StringVarP(&opts.Format, "format", "f", "v4l2", "ffmpeg capture format (v4l2, avfoundation, dshow, or empty for a file)")
	c.Flags().IntVar(&opts.FPS, "fps", 15, "Capture frame rate")
	c.Flags().IntVar(&opts.Width, "width", 640, "Capture width")
	c.Flags().IntVar(&opts.Height, "height", 480, "Capture height")
	c.Flags().BoolVar(&opts.Audio, "audio", false, "Add the default audio input to the capture graph")
	c.Flags().StringVarP(&opts.Extractor, "extractor", "x", "python", "Feature extractor: python, cascade (needs a gocv build)")
	c.Flags().StringVar(&opts.Script, "script", worker.DefaultScript, "Python classifier script speaking the worker protocol (needs python3 with opencv-python)")
	c.Flags().StringVar(&opts.CascadeDir, "cascade-dir", "", "Directory holding the OpenCV Haar cascades")
	c.Flags().StringVarP(&opts.Period, "period", "p", scoring.DefaultPeriod.String(), "Scoring tick period")
	c.Flags().StringVarP(&opts.Grace, "grace-period", "g", scoring.DefaultGrace.String(), "How long your face may be missing before you lose points")
	c.Flags().StringVar(&opts.ConsentPath, "consent-file", defaultConsentPath(), "Where the camera permission answer is remembered")
	c.Flags().BoolVarP(&opts.AssumeYes, "yes", "y", false, "Grant camera permission without asking")
	c.Flags().Float64Var(&opts.Smile, "smile-threshold", worker.DefaultThresholds.Smile, "Smile probability at or above which you are smiling")
	c.Flags().Float64Var(&opts.EyeOpen, "eye-threshold", worker.DefaultThresholds.EyeOpen, "Eye-open probability below which an eye is closed")
}

// applyEnvDefaults fills pipeline flags the user did not set from STRAIGHTFACE_* variables.
// Flags always win over the environment.
func applyEnvDefaults(c *cobra.Command, opts *Options) error {
	set := func(flag string) bool { return c.Flags().Changed(flag) }

	strs := []struct {
		flag, key string
		dst       *string
	}{
		{"variant", "STRAIGHTFACE_VARIANT", &opts.Variant},
		{"camera", "STRAIGHTFACE_CAMERA", &opts.Camera},
		{"format", "STRAIGHTFACE_FORMAT", &opts.Format},
		{"extractor", "STRAIGHTFACE_EXTRACTOR", &opts.Extractor},
		{"script", "STRAIGHTFACE_SCRIPT", &opts.Script},
		{"cascade-dir", "STRAIGHTFACE_CASCADE_DIR", &opts.CascadeDir},
	}
	for _, s := range strs {
		if !set(s.flag) {
			*s.dst = config.String(s.key, *s.dst)
		}
	}

	ints := []struct {
		flag, key string
		dst       *int
	}{
		{"fps", "STRAIGHTFACE_FPS", &opts.FPS},
		{"width", "STRAIGHTFACE_WIDTH", &opts.Width},
		{"height", "STRAIGHTFACE_HEIGHT", &opts.Height},
	}
	for _, n := range ints {
		if set(n.flag) {
			continue
		}
		v, err := config.Int(n.key, *n.dst)
		if err != nil {
			return err
		}
		*n.dst = v
	}

	durations := []struct {
		flag, key string
		dst       *string
		def       time.Duration
	}{
		{"period", "STRAIGHTFACE_PERIOD", &opts.Period, scoring.DefaultPeriod},
		{"grace-period", "STRAIGHTFACE_GRACE", &opts.Grace, scoring.DefaultGrace},
	}
	for _, d := range durations {
		if set(d.flag) {
			continue
		}
		v, err := config.Duration(d.key, d.def)
		if err != nil {
			return err
		}
		*d.dst = v.String()
	}
	return nil
}

func defaultConsentPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "straightface", "camera-consent")
}

// validatePipelineFlags ensures all CLI arguments are valid before starting heavy processes.
func validatePipelineFlags(opts *Options) error {
	if _, err := rule.ParseKind(opts.Variant); err != nil {
		return err
	}
	if opts.Format == "" {
		info, err := os.Stat(opts.Camera)
		if err != nil {
			return fmt.Errorf("capture input: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("capture input %s is a directory, expected a video file", opts.Camera)
		}
	}
	if opts.FPS < 1 {
		return fmt.Errorf("invalid fps: must be >= 1, got %d", opts.FPS)
	}
	if opts.Width < 0 || opts.Height < 0 {
		return fmt.Errorf("invalid capture size %dx%d", opts.Width, opts.Height)
	}
	if opts.Extractor != "python" && opts.Extractor != "cascade" {
		return fmt.Errorf("unknown extractor %q", opts.Extractor)
	}
	for name, v := range map[string]float64{"smile-threshold": opts.Smile, "eye-threshold": opts.EyeOpen} {
		if v <= 0 || v > 1.0 {
			return fmt.Errorf("invalid %s: must be between 0.0 and 1.0, got %f", name, v)
		}
	}
	period, err := time.ParseDuration(opts.Period)
	if err != nil {
		return fmt.Errorf("invalid period format (use '500ms', '1s'): %w", err)
	}
	grace, err := time.ParseDuration(opts.Grace)
	if err != nil {
		return fmt.Errorf("invalid grace-period format (use '3s', '1500ms'): %w", err)
	}
	if period <= 0 || grace < period {
		return fmt.Errorf("grace period %s must be at least the tick period %s", grace, period)
	}
	return nil
}

func captureInput(opts Options) utils.CaptureInput {
	return utils.CaptureInput{
		Format: opts.Format,
		Path:   opts.Camera,
		FPS:    opts.FPS,
		Width:  opts.Width,
		Height: opts.Height,
		Audio:  opts.Audio,
	}
}

// authorizer gates the camera. Interactive runs ask on stdin; otherwise only --yes grants.
func authorizer(opts Options, interactive bool) capture.Authorizer {
	a := &capture.ConsentAuthorizer{ConsentPath: opts.ConsentPath}
	if opts.Format == "v4l2" {
		a.DevicePath = opts.Camera
	}
	switch {
	case opts.AssumeYes:
		a.Prompt = func() (bool, error) { return true, nil }
	case interactive:
		reader := bufio.NewReader(os.Stdin)
		a.Prompt = func() (bool, error) {
			return confirm(reader, "📷 Allow straightface to use the camera?"), nil
		}
	}
	return a
}

// newPythonExtractor starts the classifier subprocess for kind.
func newPythonExtractor(ctx context.Context, opts Options, kind rule.Kind) (extractor, error) {
	w, err := worker.NewPythonWorker(ctx, 0, opts.Script, kind.String())
	if err != nil {
		return nil, err
	}
	w.Thresholds = worker.Thresholds{Smile: opts.Smile, EyeOpen: opts.EyeOpen}
	return w, nil
}

// newLoop wires capture, detection and the engine for one attempt. The extractor is closed
// once the loop is done, so the loop must be started or stopped.
func newLoop(ctx context.Context, opts Options, kind rule.Kind, content scoring.Content, interactive bool, extra ...scoring.Option) (*scoring.Loop, error) {
	// Flags were validated already.
	period, _ := time.ParseDuration(opts.Period)
	grace, _ := time.ParseDuration(opts.Grace)

	ext, err := newExtractor(ctx, opts, kind)
	if err != nil {
		return nil, err
	}

	device := capture.NewFFmpegDevice(captureInput(opts))
	session := capture.NewSession(device, authorizer(opts, interactive), capture.WithLogger(logger))
	det := detector.New(session, ext, detector.WithLogger(logger))
	engine := challenge.New(kind, det, challenge.WithLogger(logger))

	loopOpts := []scoring.Option{
		scoring.WithPeriod(period),
		scoring.WithGrace(grace),
		scoring.WithLogger(logger),
	}
	loop := scoring.New(engine, content, append(loopOpts, extra...)...)
	if err := loop.Validate(); err != nil {
		ext.Close()
		return nil, err
	}

	go func() {
		<-loop.Done()
		if err := ext.Close(); err != nil {
			logger.Debug("extractor close", "error", err)
		}
	}()
	return loop, nil
}
