package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/andresmejia3/straightface/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

type fakeFace struct {
	box                      [4]int32
	smile, leftEye, rightEye float32
}

// okResponse builds a framed success response: [Length][Status:0][NumFaces][Faces...]
func okResponse(faces ...fakeFace) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)                                        // Status OK
	binary.Write(payload, binary.BigEndian, uint32(len(faces))) // Face count
	for _, f := range faces {
		binary.Write(payload, binary.BigEndian, f.box)
		binary.Write(payload, binary.BigEndian, f.smile)
		binary.Write(payload, binary.BigEndian, f.leftEye)
		binary.Write(payload, binary.BigEndian, f.rightEye)
	}
	return payload.Bytes()
}

func frame(body []byte) *MockCloser {
	m := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(m, binary.BigEndian, uint32(len(body)))
	m.Write(body)
	return m
}

func TestProcessFrame(t *testing.T) {
	// stdinMock simulates the pipe TO Python (we write to it)
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// dataPipeMock simulates the pipe FROM Python (we read from it)
	dataPipeMock := frame(okResponse(
		fakeFace{box: [4]int32{10, 10, 20, 20}, smile: 0.9, leftEye: 0.95, rightEye: 0.9},
		fakeFace{box: [4]int32{40, 40, 60, 60}, smile: 0.1, leftEye: 0.05, rightEye: 0.8},
	))

	w := &PythonWorker{
		ID:         1,
		Stdin:      stdinMock,
		DataPipe:   dataPipeMock,
		Thresholds: DefaultThresholds,
		// Cmd is nil because we aren't testing process management, just the protocol
	}

	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF} // Fake image bytes
	faces, err := w.ProcessFrame(inputFrame)
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}

	// Verify Go sent the correct data TO Python
	sentData := stdinMock.Bytes()
	if len(sentData) != 4+len(inputFrame) {
		t.Errorf("Expected %d bytes sent, got %d", 4+len(inputFrame), len(sentData))
	}
	if got := binary.BigEndian.Uint32(sentData[:4]); got != uint32(len(inputFrame)) {
		t.Errorf("Expected length header %d, got %d", len(inputFrame), got)
	}

	if len(faces) != 2 {
		t.Fatalf("Expected 2 faces, got %d", len(faces))
	}
	if faces[0].Box != [4]int{10, 10, 20, 20} {
		t.Errorf("Unexpected box %v", faces[0].Box)
	}
	// Use epsilon for float comparison
	if math.Abs(faces[0].SmileProb-0.9) > 1e-6 {
		t.Errorf("Expected smile approx 0.9, got %f", faces[0].SmileProb)
	}
	if !faces[0].HasSmile || faces[0].LeftEyeClosed || faces[0].RightEyeClosed {
		t.Errorf("Face 0 should be smiling with open eyes: %+v", faces[0])
	}
	if faces[1].HasSmile || !faces[1].LeftEyeClosed || faces[1].RightEyeClosed {
		t.Errorf("Face 1 should have only its left eye closed: %+v", faces[1])
	}
}

func TestProcessFrame_NoFaces(t *testing.T) {
	w := &PythonWorker{
		ID:         1,
		Stdin:      &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe:   frame(okResponse()),
		Thresholds: DefaultThresholds,
	}

	faces, err := w.ProcessFrame([]byte("frame"))
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}
	if len(faces) != 0 {
		t.Errorf("Expected no faces, got %d", len(faces))
	}
}

func TestProcessFrame_Error(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(1) // Status ERROR

	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)

	w := &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: frame(payload.Bytes()),
	}

	_, err := w.ProcessFrame([]byte("frame"))

	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestParseResponse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		resp []byte
	}{
		{"empty", nil},
		{"unknown status", []byte{7}},
		{"truncated count", []byte{0, 0, 0}},
		{"count exceeds payload", append([]byte{0, 0, 0, 0, 3}, make([]byte, 28)...)},
		{"truncated error", []byte{1, 0, 0, 0, 10, 'x'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseResponse(tt.resp, DefaultThresholds); err == nil {
				t.Errorf("ParseResponse(%v) succeeded, want error", tt.resp)
			}
		})
	}
}

func TestParseResponse_ClampsProbabilities(t *testing.T) {
	resp := okResponse(fakeFace{smile: 1.7, leftEye: float32(math.NaN()), rightEye: -0.2})
	faces, err := ParseResponse(resp, DefaultThresholds)
	if err != nil {
		t.Fatal(err)
	}
	f := faces[0]
	if f.SmileProb != 1 || f.LeftEyeOpen != 0 || f.RightEyeOpen != 0 {
		t.Errorf("Probabilities not clamped: %+v", f)
	}
}

// blockingPipe never answers, like a worker stuck on a frame.
type blockingPipe struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newBlockingPipe() *blockingPipe {
	r, w := io.Pipe()
	return &blockingPipe{r: r, w: w}
}

func (p *blockingPipe) Read(b []byte) (int, error) { return p.r.Read(b) }
func (p *blockingPipe) Close() error {
	p.w.Close()
	return p.r.Close()
}

func TestExtract_ContextCancelClosesWorker(t *testing.T) {
	w := &PythonWorker{
		ID:       1,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: newBlockingPipe(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := w.Extract(ctx, types.Frame{Index: 3, Data: []byte("frame")})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline error, got %v", err)
	}

	// The abandoned frame left the pipe mid-message, so the worker refuses further work.
	if _, err := w.ProcessFrame([]byte("next")); !errors.Is(err, ErrWorkerClosed) {
		t.Errorf("Expected ErrWorkerClosed, got %v", err)
	}
}

func TestExtract(t *testing.T) {
	w := &PythonWorker{
		ID:         1,
		Stdin:      &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe:   frame(okResponse(fakeFace{smile: 0.2, leftEye: 0.9, rightEye: 0.9})),
		Thresholds: DefaultThresholds,
	}

	set, err := w.Extract(context.Background(), types.Frame{Index: 9, Data: []byte("frame")})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if set.FrameIndex != 9 || len(set.Faces) != 1 {
		t.Errorf("Unexpected feature set %+v", set)
	}
}
