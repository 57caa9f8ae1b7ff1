package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/straightface/internal/types"
	"github.com/andresmejia3/straightface/internal/utils" // Using the SafeCommand wrapper
)

// DefaultScript is the classifier the worker runs when none is configured.
const DefaultScript = "python/worker.py"

// Thresholds turn classifier probabilities into the boolean features the rules read.
type Thresholds struct {
	Smile   float64 // smile probability at or above which a face is smiling
	EyeOpen float64 // eye-open probability below which an eye is closed
}

// DefaultThresholds match the classifier's calibration.
var DefaultThresholds = Thresholds{Smile: 0.7, EyeOpen: 0.3}

// ErrWorkerClosed is returned once a worker has been closed or abandoned mid-frame.
var ErrWorkerClosed = errors.New("python worker closed")

type PythonWorker struct {
	ID         int
	Cmd        *utils.SafeCommand
	Stdin      io.WriteCloser
	DataPipe   io.ReadCloser
	Thresholds Thresholds

	mu        sync.Mutex // one frame in flight
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewPythonWorker starts script in mode (smile or blink) bound to ctx.
func NewPythonWorker(ctx context.Context, id int, script, mode string) (*PythonWorker, error) {
	if script == "" {
		script = DefaultScript
	}
	py := utils.NewSafeCommand(ctx, "python3", "-u", script, "--mode", mode)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close() // Close write end if start fails
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:         id,
		Cmd:        py,
		Stdin:      stdin,
		DataPipe:   r,
		Thresholds: DefaultThresholds,
	}, nil
}

// Communicate sends one request and reads one response.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	// Read Result
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// ProcessFrame classifies one JPEG.
func (w *PythonWorker) ProcessFrame(data []byte) ([]types.FaceFeatures, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Load() {
		return nil, ErrWorkerClosed
	}

	resp, err := w.Communicate(data)
	if err != nil {
		if w.closed.Load() {
			return nil, ErrWorkerClosed
		}
		return nil, err
	}
	return ParseResponse(resp, w.Thresholds)
}

// Extract implements detector.Extractor. If ctx ends mid-frame the worker is closed, since
// the pipe can no longer be trusted to be on a message boundary.
func (w *PythonWorker) Extract(ctx context.Context, frame types.Frame) (types.FeatureSet, error) {
	if err := ctx.Err(); err != nil {
		return types.FeatureSet{}, err
	}

	type result struct {
		faces []types.FaceFeatures
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		faces, err := w.ProcessFrame(frame.Data)
		ch <- result{faces, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return types.FeatureSet{}, fmt.Errorf("worker %d: frame %d: %w", w.ID, frame.Index, res.err)
		}
		return types.FeatureSet{FrameIndex: frame.Index, Faces: res.faces}, nil
	case <-ctx.Done():
		w.Close()
		return types.FeatureSet{}, ctx.Err()
	}
}

// ParseResponse decodes a classifier response.
//
// Protocol: [Status:0] [NumFaces] then per face [Box 4xint32] [Smile] [LeftEyeOpen] [RightEyeOpen]
// as float32, or [Status:1] [MsgLen] [Msg] on error.
func ParseResponse(resp []byte, th Thresholds) ([]types.FaceFeatures, error) {
	buf := bytes.NewReader(resp)

	status, err := buf.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty worker response: %w", err)
	}
	if status == 1 {
		var msgLen uint32
		if err := binary.Read(buf, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(buf, msg); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	}
	if status != 0 {
		return nil, fmt.Errorf("unknown worker status %d", status)
	}

	var numFaces uint32
	if err := binary.Read(buf, binary.BigEndian, &numFaces); err != nil {
		return nil, fmt.Errorf("malformed worker response: %w", err)
	}
	// Each face is 28 bytes; reject counts the payload cannot hold.
	if int64(numFaces)*28 > int64(buf.Len()) {
		return nil, fmt.Errorf("malformed worker response: %d faces in %d bytes", numFaces, buf.Len())
	}

	faces := make([]types.FaceFeatures, 0, numFaces)
	for i := uint32(0); i < numFaces; i++ {
		var raw struct {
			Box          [4]int32
			Smile        float32
			LeftEyeOpen  float32
			RightEyeOpen float32
		}
		if err := binary.Read(buf, binary.BigEndian, &raw); err != nil {
			return nil, fmt.Errorf("malformed face %d: %w", i, err)
		}

		f := types.FaceFeatures{
			SmileProb:    clamp01(raw.Smile),
			LeftEyeOpen:  clamp01(raw.LeftEyeOpen),
			RightEyeOpen: clamp01(raw.RightEyeOpen),
		}
		for j, v := range raw.Box {
			f.Box[j] = int(v)
		}
		f.HasSmile = f.SmileProb >= th.Smile
		f.LeftEyeClosed = f.LeftEyeOpen < th.EyeOpen
		f.RightEyeClosed = f.RightEyeOpen < th.EyeOpen
		faces = append(faces, f)
	}
	return faces, nil
}

func clamp01(v float32) float64 {
	f := float64(v)
	if math.IsNaN(f) {
		return 0
	}
	return math.Max(0, math.Min(1, f))
}

// Close stops the worker and waits for it to exit. It is idempotent and does not wait for
// a frame in flight; closing the pipes fails it instead.
func (w *PythonWorker) Close() error {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		w.Stdin.Close()
		w.DataPipe.Close()
		if w.Cmd != nil {
			w.closeErr = w.Cmd.Wait()
		}
	})
	return w.closeErr
}
