package phone

import "sync/atomic"

// Stats counts normalization attempts and outcomes. It is an injected
// collector rather than a package-level global so tests and multiple
// normalizers can keep independent tallies. The counters are advisory and
// never gate correctness.
//
// All methods are nil-safe so a Normalizer without a collector stays cheap.
type Stats struct {
	attempted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// Attempted increments the attempted counter.
func (s *Stats) Attempted() {
	if s != nil {
		s.attempted.Add(1)
	}
}

// Succeeded increments the succeeded counter.
func (s *Stats) Succeeded() {
	if s != nil {
		s.succeeded.Add(1)
	}
}

// Failed increments the failed counter.
func (s *Stats) Failed() {
	if s != nil {
		s.failed.Add(1)
	}
}

// Snapshot returns the current attempted/succeeded/failed counts.
func (s *Stats) Snapshot() (attempted, succeeded, failed int64) {
	if s == nil {
		return 0, 0, 0
	}
	return s.attempted.Load(), s.succeeded.Load(), s.failed.Load()
}
