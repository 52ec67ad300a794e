package manifest

import (
	"hash/fnv"
	"sync"
	"time"
)

// TelemetrySnapshot is one observation window of a service's runtime
// behavior. The enrichment pipeline consumes it to decide manifest changes.
type TelemetrySnapshot struct {
	Service                string    `json:"service"`
	WindowStartUtc         time.Time `json:"windowStartUtc"`
	WindowEndUtc           time.Time `json:"windowEndUtc"`
	CPUUtilization         float64   `json:"cpuUtilization"`
	MemoryUtilization      float64   `json:"memoryUtilization"`
	P95LatencyMillis       float64   `json:"p95LatencyMillis"`
	ErrorRate              float64   `json:"errorRate"`
	RequestsPerMinute      float64   `json:"requestsPerMinute"`
	CostPerMillionRequests float64   `json:"costPerMillionRequests"`
}

// TelemetryProvider supplies snapshots for manifest refresh decisions.
// The synthetic implementation below can be swapped for a real metrics
// backend without touching the refresher.
type TelemetryProvider interface {
	Snapshot(service string) TelemetrySnapshot
}

// SyntheticTelemetry derives deterministic per-service snapshots from the
// service name and caches them for the configured TTL.
type SyntheticTelemetry struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[string]cachedSnapshot
}

type cachedSnapshot struct {
	snapshot TelemetrySnapshot
	takenAt  time.Time
}

// NewSyntheticTelemetry creates a provider with the given cache TTL
// (default 5 minutes when ttl <= 0).
func NewSyntheticTelemetry(ttl time.Duration) *SyntheticTelemetry {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SyntheticTelemetry{
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cachedSnapshot),
	}
}

// SetClock overrides the time source for tests.
func (s *SyntheticTelemetry) SetClock(now func() time.Time) {
	s.now = now
}

// Snapshot returns the cached snapshot when fresh, else computes a new one.
func (s *SyntheticTelemetry) Snapshot(service string) TelemetrySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry, ok := s.cache[service]; ok && now.Sub(entry.takenAt) < s.ttl {
		return entry.snapshot
	}

	snap := synthesize(service, now)
	s.cache[service] = cachedSnapshot{snapshot: snap, takenAt: now}
	return snap
}

// synthesize derives bounded metrics from an FNV-1a hash of the name so
// repeated calls for the same service agree.
func synthesize(service string, now time.Time) TelemetrySnapshot {
	h := fnv.New32a()
	h.Write([]byte(service))
	seed := h.Sum32()

	inRange := func(shift uint32, lo, hi float64) float64 {
		frac := float64((seed>>shift)%97) / 96.0
		return lo + frac*(hi-lo)
	}

	return TelemetrySnapshot{
		Service:                service,
		WindowStartUtc:         now.Add(-15 * time.Minute).UTC(),
		WindowEndUtc:           now.UTC(),
		CPUUtilization:         round2(inRange(0, 0.30, 0.92)),
		MemoryUtilization:      round2(inRange(3, 0.25, 0.88)),
		P95LatencyMillis:       float64(80 + seed>>6%821),
		ErrorRate:              round4(0.001 + float64(seed>>9%80)/1000.0),
		RequestsPerMinute:      float64(40 + seed>>12%2361),
		CostPerMillionRequests: round2(inRange(15, 8, 26)),
	}
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

func round4(v float64) float64 {
	return float64(int(v*10000+0.5)) / 10000
}
