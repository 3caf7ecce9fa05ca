package authcore

import (
	"sync/atomic"
	"time"
)

// MetricID indexes one Engine counter or histogram.
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginRateLimited
	MetricLoginLockTripped
	MetricTwoFactorRequired
	MetricTwoFactorSuccess
	MetricTwoFactorFailure
	MetricTwoFactorAttemptsExceeded
	MetricTOTPReplay
	MetricTwoFactorCodeSent
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricRefreshReuseDetected
	MetricLogout
	MetricSessionRevoked
	MetricAuthorizeSuccess
	MetricAuthorizeDenied
	MetricPasswordChangeSuccess
	MetricPasswordChangeFailure
	MetricRoleChange
	MetricRateLimitDegraded
	MetricEmailSendFailure
	MetricBackendUnavailable
	MetricAuthorizeLatency
	metricIDCount
)

// authorizeLatencyBounds are the inclusive upper bounds of the Authorize
// latency buckets. One overflow bucket follows.
var authorizeLatencyBounds = [...]time.Duration{
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
}

const histBucketCount = len(authorizeLatencyBounds) + 1

// counter sits alone on its cache line so hot counters do not contend.
type counter struct {
	n atomic.Uint64
	_ [56]byte
}

// Metrics holds one counter per MetricID and the Authorize latency
// histogram. A disabled Metrics ignores every update.
type Metrics struct {
	enabled bool
	latency bool

	counters [metricIDCount]counter
	authzLat [histBucketCount]atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy. Histogram buckets are
// non-cumulative with upper bounds 5, 10, 25, 50, 100, 250, 500 ms and +Inf.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled: cfg.Enabled,
		latency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool { return m != nil && m.enabled }

func (m *Metrics) LatencyEnabled() bool { return m != nil && m.latency }

func (m *Metrics) Inc(id MetricID) {
	if !m.Enabled() || id >= metricIDCount {
		return
	}
	m.counters[id].n.Add(1)
}

// Observe records an Authorize duration. Other ids carry no histogram and
// are ignored.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if !m.LatencyEnabled() || id != MetricAuthorizeLatency {
		return
	}
	m.authzLat[latencyBucket(d)].Add(1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return m.counters[id].n.Load()
}

// Snapshot copies every counter. MetricAuthorizeLatency appears only under
// Histograms, and only when latency recording is on.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Counters:   map[MetricID]uint64{},
		Histograms: map[MetricID][]uint64{},
	}
	if !m.Enabled() {
		return snap
	}

	for id := range metricIDCount {
		if id == MetricAuthorizeLatency {
			continue
		}
		snap.Counters[id] = m.counters[id].n.Load()
	}
	if m.latency {
		buckets := make([]uint64, histBucketCount)
		for i := range buckets {
			buckets[i] = m.authzLat[i].Load()
		}
		snap.Histograms[MetricAuthorizeLatency] = buckets
	}
	return snap
}

// latencyBucket compares at millisecond resolution, so 5.9ms lands in the
// 5ms bucket.
func latencyBucket(d time.Duration) int {
	d = d.Truncate(time.Millisecond)
	for i, bound := range authorizeLatencyBounds {
		if d <= bound {
			return i
		}
	}
	return len(authorizeLatencyBounds)
}
