// Package metric extracts the drag coefficient the simulation prints inline
// with its regular output.
package metric

import (
	"bytes"
	"math"
	"strconv"
	"strings"
	"sync"
)

// Marker precedes every reading in the simulation output, e.g. "Cd=0.3125".
const Marker = "Cd="

// Window is how many trailing readings are averaged.
const Window = 5

// ParseLine returns the reading carried by line, if any. Only the first
// whitespace-delimited field after the marker is considered. NaN and
// infinities count as malformed.
func ParseLine(line string) (float64, bool) {
	i := strings.Index(line, Marker)
	if i < 0 {
		return 0, false
	}
	fields := strings.Fields(line[i+len(Marker):])
	if len(fields) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Extract parses every line and stabilizes the series with Window.
func Extract(lines []string) *float64 {
	var values []float64
	for _, l := range lines {
		if v, ok := ParseLine(l); ok {
			values = append(values, v)
		}
	}
	return Stabilize(values, Window)
}

// Stabilize returns the mean of the last min(window, len(values)) values, or
// nil when there are none. A nil result means "no metric", not zero.
func Stabilize(values []float64, window int) *float64 {
	if len(values) == 0 {
		return nil
	}
	if window <= 0 || window > len(values) {
		window = len(values)
	}
	tail := values[len(values)-window:]

	var sum float64
	for _, v := range tail {
		sum += v
	}
	mean := sum / float64(len(tail))
	return &mean
}

// Scanner collects readings from a byte stream as it is written. It is meant
// to sit behind a process's stdout so parsing happens while the program runs.
// Only the last Window readings are retained.
type Scanner struct {
	mu      sync.Mutex
	partial []byte
	values  []float64
	count   int
}

func NewScanner() *Scanner {
	return &Scanner{}
}

func (s *Scanner) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := p
	if len(s.partial) > 0 {
		data = append(s.partial, p...)
		s.partial = nil
	}

	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		s.observe(data[:i])
		data = data[i+1:]
	}
	if len(data) > 0 {
		// Bound a pathological line with no newline.
		if len(data) > 64*1024 {
			data = data[len(data)-64*1024:]
		}
		s.partial = append([]byte(nil), data...)
	}
	return len(p), nil
}

func (s *Scanner) observe(line []byte) {
	v, ok := ParseLine(string(bytes.TrimRight(line, "\r")))
	if !ok {
		return
	}
	s.count++
	s.values = append(s.values, v)
	if len(s.values) > Window {
		s.values = s.values[len(s.values)-Window:]
	}
}

// Flush parses a trailing line that was not newline terminated.
func (s *Scanner) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.partial) > 0 {
		s.observe(s.partial)
		s.partial = nil
	}
}

// Count is the number of readings seen so far.
func (s *Scanner) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Value is the stabilized reading, nil when none was seen.
func (s *Scanner) Value() *float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stabilize(s.values, Window)
}
