package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/andresmejia3/straightface/internal/utils"
)

// FFmpegDevice captures frames by running ffmpeg and splitting its MJPEG output.
type FFmpegDevice struct {
	Input utils.CaptureInput

	mu      sync.Mutex
	cmd     *utils.SafeCommand
	stdout  io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	closed  bool
}

// NewFFmpegDevice returns an unopened device for in.
func NewFFmpegDevice(in utils.CaptureInput) *FFmpegDevice {
	return &FFmpegDevice{Input: in}
}

// Open checks the input and starts the decoder process.
func (d *FFmpegDevice) Open(ctx context.Context) error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg not found: %w", err)
	}
	if d.Input.IsFile() || d.Input.Format == "v4l2" {
		info, err := os.Stat(d.Input.Path)
		if err != nil {
			return fmt.Errorf("no usable capture input: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("capture input %s is a directory", d.Input.Path)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("device closed")
	}

	// The process lives until Close, not until the configuration context ends.
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := utils.NewFFmpegCaptureCmd(procCtx, d.Input)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	d.cmd = cmd
	d.stdout = stdout
	d.scanner = scanner
	d.cancel = cancel
	return nil
}

// ReadFrame returns the next JPEG. The slice aliases the scanner buffer.
func (d *FFmpegDevice) ReadFrame() ([]byte, error) {
	d.mu.Lock()
	scanner := d.scanner
	d.mu.Unlock()
	if scanner == nil {
		return nil, errors.New("device not open")
	}

	if scanner.Scan() {
		return scanner.Bytes(), nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("frame scanner failed: %w", err)
	}
	return nil, io.EOF
}

// Close kills the decoder and waits for it, surfacing ffmpeg's own logs on failure.
func (d *FFmpegDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.cmd == nil {
		return nil
	}

	d.cancel()
	// Ensure pipe is closed to prevent leaks/zombies
	d.stdout.Close()
	err := d.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && !exitErr.Exited() {
		// Killed by the cancel above
		return nil
	}
	if err != nil && d.cmd.Stderr.Len() > 0 {
		return fmt.Errorf("ffmpeg exited: %w: %s", err, d.cmd.Stderr.String())
	}
	return err
}
