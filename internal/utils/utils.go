package utils

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (ffmpeg / Python logs)
// This ensures we don't lose critical crash information if a child process dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command bound to ctx and attaches a buffer to its Stderr pipe.
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box and dumps child process logs if a SafeCommand is provided.
// Unlike a hard exit it leaves the decision to the caller, so deferred cleanup still runs.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 STRAIGHTFACE ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	if s != nil && s.Stderr != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nCHILD PROCESS LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// --- 2. Video Engine (Shared by capture & content clock) ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// CaptureInput describes where ffmpeg should read frames from.
type CaptureInput struct {
	// Format is the ffmpeg demuxer (v4l2, avfoundation, dshow). Empty means Path is a file.
	Format string
	Path   string
	FPS    int
	Width  int
	Height int
	// Audio adds the default audio input to the capture graph (avfoundation style "video:audio").
	Audio bool
}

// IsFile reports whether the input is a recorded video rather than a live device.
func (in CaptureInput) IsFile() bool {
	return in.Format == ""
}

// CaptureArgs builds the ffmpeg argument list that decodes the input to MJPEG on stdout.
func CaptureArgs(in CaptureInput) []string {
	// -hide_banner and -loglevel error prevent memory bloat in the stderr buffer
	args := []string{"-hide_banner", "-loglevel", "error"}
	if in.IsFile() {
		// Read files at native rate so a recording behaves like a live camera
		args = append(args, "-re")
	} else {
		args = append(args, "-f", in.Format)
		if in.FPS > 0 {
			args = append(args, "-framerate", strconv.Itoa(in.FPS))
		}
		if in.Width > 0 && in.Height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", in.Width, in.Height))
		}
	}

	src := in.Path
	if in.Audio && !in.IsFile() {
		src += ":default"
	}
	args = append(args, "-i", src, "-an")

	if in.IsFile() && in.FPS > 0 {
		args = append(args, "-vf", fmt.Sprintf("fps=%d", in.FPS))
	}
	// Using -vcodec mjpeg ensures we get JPEGs Go can split
	return append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
}

// NewFFmpegCaptureCmd creates the decoder process for a capture input.
func NewFFmpegCaptureCmd(ctx context.Context, in CaptureInput) *SafeCommand {
	return NewSafeCommand(ctx, "ffmpeg", CaptureArgs(in)...)
}

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// GetVideoDuration asks ffprobe for the container duration of a video file.
func GetVideoDuration(ctx context.Context, path string) (time.Duration, error) {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return 0, fmt.Errorf("ffprobe not found: %w", err)
	}

	cmd := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-show_entries", "format=duration", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseDuration(out)
}

func parseDuration(out []byte) (time.Duration, error) {
	var res struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		return 0, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	secs, err := strconv.ParseFloat(res.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration parse error: %w", err)
	}
	if secs <= 0 {
		return 0, fmt.Errorf("video reports non-positive duration %q", res.Format.Duration)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// GenerateContentID creates a deterministic hash for the challenge video
// based on its path, size, and modification time.
func GenerateContentID(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	input := fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:]), nil
}
