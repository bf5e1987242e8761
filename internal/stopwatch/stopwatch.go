// Package stopwatch times lifecycle stages the way the original tool's
// stopwatch.c/.h timed `prepare`/`protect`/`init`, so the driver can log
// how long each stage took.
package stopwatch

import "time"

// Stopwatch measures elapsed wall-clock time between Start and Stop.
type Stopwatch struct {
	start time.Time
	end   time.Time
}

// Start begins timing.
func (s *Stopwatch) Start() {
	s.start = time.Now()
	s.end = time.Time{}
}

// Stop ends timing and returns the elapsed duration.
func (s *Stopwatch) Stop() time.Duration {
	s.end = time.Now()
	return s.end.Sub(s.start)
}

// Seconds returns elapsed time in seconds, stopping the watch if it
// hasn't been stopped yet.
func (s *Stopwatch) Seconds() float64 {
	if s.end.IsZero() {
		s.Stop()
	}
	return s.end.Sub(s.start).Seconds()
}

// New returns a Stopwatch already started.
func New() *Stopwatch {
	sw := &Stopwatch{}
	sw.Start()
	return sw
}
