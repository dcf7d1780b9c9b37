package authcore

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one engine counter.
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginRateLimited
	MetricLoginLocked
	MetricLoginUnverified
	MetricAccountLocked
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricRefreshReuseDetected
	MetricRefreshMembershipRevoked
	MetricSessionCreated
	MetricSessionRevoked
	MetricLogoutAll
	MetricOrgBound
	MetricOrgBindRejected
	MetricMFASetupStarted
	MetricMFAEnabled
	MetricMFADisabled
	MetricMFALoginRequired
	MetricMFALoginSuccess
	MetricMFALoginFailure
	MetricMFAAttemptsExceeded
	MetricTOTPReplayRejected
	MetricBackupCodeUsed
	MetricBackupCodeFailed
	MetricBackupCodeRegenerated
	MetricPasswordResetRequest
	MetricPasswordResetRateLimited
	MetricPasswordResetConfirmSuccess
	MetricPasswordResetConfirmFailure
	MetricValidateLatency
	metricIDCount
)

var metricNames = [metricIDCount]string{
	MetricLoginSuccess:                "login_success_total",
	MetricLoginFailure:                "login_failure_total",
	MetricLoginRateLimited:            "login_rate_limited_total",
	MetricLoginLocked:                 "login_locked_total",
	MetricLoginUnverified:             "login_unverified_total",
	MetricAccountLocked:               "account_locked_total",
	MetricRefreshSuccess:              "refresh_success_total",
	MetricRefreshFailure:              "refresh_failure_total",
	MetricRefreshReuseDetected:        "refresh_reuse_detected_total",
	MetricRefreshMembershipRevoked:    "refresh_membership_revoked_total",
	MetricSessionCreated:              "session_created_total",
	MetricSessionRevoked:              "session_revoked_total",
	MetricLogoutAll:                   "logout_all_total",
	MetricOrgBound:                    "org_bound_total",
	MetricOrgBindRejected:             "org_bind_rejected_total",
	MetricMFASetupStarted:             "mfa_setup_started_total",
	MetricMFAEnabled:                  "mfa_enabled_total",
	MetricMFADisabled:                 "mfa_disabled_total",
	MetricMFALoginRequired:            "mfa_login_required_total",
	MetricMFALoginSuccess:             "mfa_login_success_total",
	MetricMFALoginFailure:             "mfa_login_failure_total",
	MetricMFAAttemptsExceeded:         "mfa_attempts_exceeded_total",
	MetricTOTPReplayRejected:          "totp_replay_rejected_total",
	MetricBackupCodeUsed:              "backup_code_used_total",
	MetricBackupCodeFailed:            "backup_code_failed_total",
	MetricBackupCodeRegenerated:       "backup_code_regenerated_total",
	MetricPasswordResetRequest:        "password_reset_request_total",
	MetricPasswordResetRateLimited:    "password_reset_rate_limited_total",
	MetricPasswordResetConfirmSuccess: "password_reset_confirm_success_total",
	MetricPasswordResetConfirmFailure: "password_reset_confirm_failure_total",
	MetricValidateLatency:             "validate_latency",
}

// Name returns the exporter-facing metric name.
func (id MetricID) Name() string {
	if id >= metricIDCount {
		return ""
	}
	return metricNames[id]
}

// MetricIDs lists every counter in declaration order.
func MetricIDs() []MetricID {
	out := make([]MetricID, 0, int(metricIDCount))
	for id := MetricID(0); id < metricIDCount; id++ {
		out = append(out, id)
	}
	return out
}

// HistogramBounds are the upper bounds, in milliseconds, of the latency
// buckets. The last bucket is unbounded.
var HistogramBounds = [...]float64{5, 10, 25, 50, 100, 250, 500}

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free in-process counters.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d in the latency histogram. Only MetricValidateLatency
// carries a histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricValidateLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		if id == MetricValidateLatency {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricValidateLatency].buckets[i])
		}
		s.Histograms[MetricValidateLatency] = buckets
	}

	return s
}

func bucketIndex(d time.Duration) int {
	ms := float64(d.Milliseconds())
	for i, bound := range HistogramBounds {
		if ms <= bound {
			return i
		}
	}
	return histBucketCount - 1
}
