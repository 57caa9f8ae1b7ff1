//go:build gocv

package cascade

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"sync"

	"github.com/andresmejia3/straightface/internal/types"
	"gocv.io/x/gocv"
)

// Config holds cascade locations and detection parameters.
type Config struct {
	// Dir holds the three cascade files.
	Dir          string
	ScaleFactor  float64
	MinNeighbors int
	// MinFace is the smallest face side in pixels.
	MinFace int
}

// DefaultConfig returns the parameters used by the CLI.
func DefaultConfig() Config {
	return Config{
		Dir:          "/usr/share/opencv4/haarcascades",
		ScaleFactor:  1.1,
		MinNeighbors: 5,
		MinFace:      80,
	}
}

// Extractor classifies frames with OpenCV Haar cascades. It implements detector.Extractor.
type Extractor struct {
	cfg Config

	mu     sync.Mutex // classifiers are not safe for concurrent use
	face   gocv.CascadeClassifier
	smile  gocv.CascadeClassifier
	eye    gocv.CascadeClassifier
	closed bool
}

// New loads the cascades named in cfg.
func New(cfg Config) (*Extractor, error) {
	if cfg.ScaleFactor <= 1 {
		return nil, fmt.Errorf("scale factor must be > 1, got %v", cfg.ScaleFactor)
	}

	e := &Extractor{
		cfg:   cfg,
		face:  gocv.NewCascadeClassifier(),
		smile: gocv.NewCascadeClassifier(),
		eye:   gocv.NewCascadeClassifier(),
	}
	for _, c := range []struct {
		cls  *gocv.CascadeClassifier
		name string
	}{
		{&e.face, FaceCascade},
		{&e.smile, SmileCascade},
		{&e.eye, EyeCascade},
	} {
		path := filepath.Join(cfg.Dir, c.name)
		if !c.cls.Load(path) {
			e.Close()
			return nil, fmt.Errorf("failed to load cascade %s", path)
		}
	}
	return e, nil
}

// Extract decodes frame and classifies every face in it.
func (e *Extractor) Extract(ctx context.Context, frame types.Frame) (types.FeatureSet, error) {
	if err := ctx.Err(); err != nil {
		return types.FeatureSet{}, err
	}

	img, err := gocv.IMDecode(frame.Data, gocv.IMReadColor)
	if err != nil {
		return types.FeatureSet{}, fmt.Errorf("frame %d: %w", frame.Index, err)
	}
	defer img.Close()
	if img.Empty() {
		return types.FeatureSet{}, fmt.Errorf("frame %d: undecodable image", frame.Index)
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	gocv.EqualizeHist(gray, &gray)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return types.FeatureSet{}, errors.New("cascade extractor closed")
	}

	minFace := image.Pt(e.cfg.MinFace, e.cfg.MinFace)
	faces := e.face.DetectMultiScaleWithParams(gray, e.cfg.ScaleFactor, e.cfg.MinNeighbors, 0, minFace, image.Point{})

	set := types.FeatureSet{FrameIndex: frame.Index}
	for _, face := range faces {
		roi := gray.Region(face)
		smiles := e.detectIn(&e.smile, roi, lowerHalf(face), 20)
		eyes := e.detectIn(&e.eye, roi, upperHalf(face), 8)
		roi.Close()
		set.Faces = append(set.Faces, classify(face, smiles, eyes))
	}
	return set, nil
}

// detectIn runs cls over region of face and returns hits relative to the face.
func (e *Extractor) detectIn(cls *gocv.CascadeClassifier, face gocv.Mat, region image.Rectangle, minNeighbors int) []image.Rectangle {
	sub := face.Region(region)
	defer sub.Close()

	hits := cls.DetectMultiScaleWithParams(sub, e.cfg.ScaleFactor, minNeighbors, 0, image.Point{}, image.Point{})
	for i := range hits {
		hits[i] = hits[i].Add(region.Min)
	}
	return hits
}

// Close releases the classifiers. It is safe to call more than once.
func (e *Extractor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return errors.Join(e.face.Close(), e.smile.Close(), e.eye.Close())
}
