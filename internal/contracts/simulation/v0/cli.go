// Package v0 is the command line contract of the simulation executable.
//
//   - flags: --wind=<float> --viz=<int> --collision=<int> --duration=<int>
//     --output=<dir> --model=<path>
//   - output: frame_NNNNN.ppm files written to --output
//   - stdout: lines carrying Cd=<float> readings
//   - exit code 0 on success
package v0

import (
	"fmt"
	"strconv"
)

// FrameGlob matches the frame files the executable writes.
const FrameGlob = "frame_*.ppm"

// Invocation holds one run's parameters.
type Invocation struct {
	WindSpeed     float64
	VizMode       int
	CollisionMode int
	Duration      int
	OutputDir     string
	ModelPath     string
}

// Args renders the invocation as the executable's flag list.
func (in Invocation) Args() []string {
	return []string{
		"--wind=" + strconv.FormatFloat(in.WindSpeed, 'f', -1, 64),
		fmt.Sprintf("--viz=%d", in.VizMode),
		fmt.Sprintf("--collision=%d", in.CollisionMode),
		fmt.Sprintf("--duration=%d", in.Duration),
		"--output=" + in.OutputDir,
		"--model=" + in.ModelPath,
	}
}
