package postproc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kalebavincent/dl-torrent/internal/model"
)

// ProcessError is a post-processing failure. It is surfaced distinctly
// from transfer failures: the transferred file stays on disk.
type ProcessError struct {
	Message string
	Stderr  string
	Err     error
}

func (e *ProcessError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("postprocess: %s: %s", e.Message, e.Stderr)
	}
	return "postprocess: " + e.Message
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Processor transforms a completed download into the desired format.
type Processor interface {
	// NeedsProcessing reports whether the file requires transformation
	// to reach the target format.
	NeedsProcessing(inputPath, targetFormat string) bool

	// Process produces the transformed file next to the input. The
	// input file is left untouched.
	Process(ctx context.Context, inputPath, targetFormat string) (model.PostProcessResult, error)
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// FFmpeg remuxes media containers with an ffmpeg-compatible binary.
// Streams are copied, not transcoded.
type FFmpeg struct {
	path   string
	runner commandRunner
}

func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{path: path, runner: execRunner{}}
}

func (f *FFmpeg) NeedsProcessing(inputPath, targetFormat string) bool {
	if targetFormat == "" {
		return false
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(inputPath)), ".")
	return ext != strings.ToLower(targetFormat)
}

func (f *FFmpeg) Process(ctx context.Context, inputPath, targetFormat string) (model.PostProcessResult, error) {
	outPath := strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + "." + targetFormat

	_, stderr, err := f.runner.Run(ctx, f.path,
		"-y", "-i", inputPath, "-c", "copy", outPath)
	if err != nil {
		perr := &ProcessError{
			Message: fmt.Sprintf("remux to %s failed", targetFormat),
			Stderr:  lastLine(stderr),
			Err:     err,
		}
		return model.PostProcessResult{Success: false, Message: perr.Error()}, perr
	}

	return model.PostProcessResult{Success: true, OutputPath: outPath}, nil
}

// Noop applies no transformation; used when no ffmpeg tool is
// configured.
type Noop struct{}

func (Noop) NeedsProcessing(string, string) bool { return false }

func (Noop) Process(_ context.Context, inputPath, _ string) (model.PostProcessResult, error) {
	return model.PostProcessResult{Success: true, OutputPath: inputPath}, nil
}

// IsProcessError reports whether err belongs to the post-processing
// failure class.
func IsProcessError(err error) bool {
	var pe *ProcessError
	return errors.As(err, &pe)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
