// Package encoder turns the simulation's frame dumps into an H.264 video.
package encoder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"fluidsim/internal/pkg/errors"
	"fluidsim/internal/pkg/logger"
	"fluidsim/internal/pkg/proc"
)

// OutputName is the file Encode writes next to the frames directory.
const OutputName = "output.mp4"

var framePattern = regexp.MustCompile(`^frame_\d{5}\.ppm$`)

// ListFrames returns the frame files in dir in encoding order. Gaps in the
// index are kept as they are.
func ListFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var frames []string
	for _, e := range entries {
		if e.Type().IsRegular() && framePattern.MatchString(e.Name()) {
			frames = append(frames, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(frames)
	return frames, nil
}

// FFmpeg encodes with an ffmpeg binary.
type FFmpeg struct {
	Binary  string
	Preset  string
	CRF     int
	Timeout time.Duration
	Runner  proc.Runner
	Log     *logger.Logger
}

// New fills unset fields with the defaults used in production.
func New(f FFmpeg) *FFmpeg {
	if f.Binary == "" {
		f.Binary = "ffmpeg"
	}
	if f.Preset == "" {
		f.Preset = "fast"
	}
	if f.CRF == 0 {
		f.CRF = 22
	}
	if f.Timeout <= 0 {
		f.Timeout = 2 * time.Minute
	}
	if f.Runner == nil {
		f.Runner = proc.Exec{}
	}
	if f.Log == nil {
		f.Log = logger.NewDefault()
	}
	f.Log = f.Log.WithComponent("encoder")
	return &f
}

// Args returns the ffmpeg argument list for one encode.
func (f *FFmpeg) Args(framesDir string, fps int, output string) []string {
	return []string{
		"-y",
		"-framerate", strconv.Itoa(fps),
		"-pattern_type", "glob",
		"-i", filepath.Join(framesDir, "frame_*.ppm"),
		"-c:v", "libx264",
		"-preset", f.Preset,
		"-crf", strconv.Itoa(f.CRF),
		"-pix_fmt", "yuv420p",
		output,
	}
}

// Encode writes <parent of framesDir>/output.mp4 and returns its path.
func (f *FFmpeg) Encode(ctx context.Context, framesDir string, fps int) (string, error) {
	const op = "encoder.encode"

	log := f.Log.FromContext(ctx)
	output := filepath.Join(filepath.Dir(framesDir), OutputName)
	_ = os.Remove(output)

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	res, err := f.Runner.Run(ctx, proc.Command{
		Name: f.Binary,
		Args: f.Args(framesDir, fps, output),
		Dir:  filepath.Dir(framesDir),
	})
	if err != nil {
		log.Output("ffmpeg", "stderr", res.Stderr)
		var ee *proc.ExitError
		switch {
		case errors.Is(err, proc.ErrTimeout):
			return "", encodeError(op, nil, "FFmpeg timed out after %s", f.Timeout)
		case errors.As(err, &ee):
			return "", encodeError(op, nil, "FFmpeg failed: %s", errors.Tail(res.Stderr, 500))
		default:
			return "", encodeError(op, err, "FFmpeg failed")
		}
	}

	st, err := os.Stat(output)
	if err != nil || st.Size() == 0 {
		return "", encodeError(op, nil, "FFmpeg produced no output: %s", errors.Tail(res.Stderr, 500))
	}

	log.Info("video encoded",
		"size_mb", fmt.Sprintf("%.1f", float64(st.Size())/1024/1024),
		"duration_ms", res.Duration.Milliseconds(),
	)
	return output, nil
}

func encodeError(op string, cause error, format string, args ...any) *errors.Error {
	e := errors.Newf(errors.CodeEncode, format, args...)
	e.Op = op
	e.Err = cause
	return e
}
