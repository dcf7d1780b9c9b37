package internaldefs

import (
	"strconv"

	"github.com/MrEthical07/authcore"
)

// Namespace prefixes every exported metric name.
const Namespace = "authcore"

type CounterDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

type HistogramDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

var help = map[authcore.MetricID]string{
	authcore.MetricLoginSuccess:                "Successful credential validations.",
	authcore.MetricLoginFailure:                "Failed credential validations.",
	authcore.MetricLoginRateLimited:            "Login attempts rejected by the rate limiter.",
	authcore.MetricLoginLocked:                 "Login attempts against a locked account.",
	authcore.MetricLoginUnverified:             "Login attempts against an unverified email.",
	authcore.MetricAccountLocked:               "Accounts locked after repeated failures.",
	authcore.MetricRefreshSuccess:              "Successful refresh rotations.",
	authcore.MetricRefreshFailure:              "Failed refresh attempts.",
	authcore.MetricRefreshReuseDetected:        "Refresh token reuse detections.",
	authcore.MetricRefreshMembershipRevoked:    "Sessions revoked on refresh because the membership was removed.",
	authcore.MetricSessionCreated:              "Created sessions.",
	authcore.MetricSessionRevoked:              "Single-session revocations.",
	authcore.MetricLogoutAll:                   "Revoke-all operations.",
	authcore.MetricOrgBound:                    "Sessions bound or switched to an organization.",
	authcore.MetricOrgBindRejected:             "Organization binds rejected for missing membership.",
	authcore.MetricMFASetupStarted:             "MFA setups started.",
	authcore.MetricMFAEnabled:                  "MFA enrollments confirmed.",
	authcore.MetricMFADisabled:                 "MFA enrollments disabled.",
	authcore.MetricMFALoginRequired:            "Logins that required an MFA step.",
	authcore.MetricMFALoginSuccess:             "Completed MFA logins.",
	authcore.MetricMFALoginFailure:             "Failed MFA login codes.",
	authcore.MetricMFAAttemptsExceeded:         "MFA challenges destroyed after the attempt cap.",
	authcore.MetricTOTPReplayRejected:          "TOTP codes rejected as replays.",
	authcore.MetricBackupCodeUsed:              "Consumed backup codes.",
	authcore.MetricBackupCodeFailed:            "Rejected backup codes.",
	authcore.MetricBackupCodeRegenerated:       "Backup code regenerations.",
	authcore.MetricPasswordResetRequest:        "Password reset requests.",
	authcore.MetricPasswordResetRateLimited:    "Password reset requests rejected by the rate limiter.",
	authcore.MetricPasswordResetConfirmSuccess: "Completed password resets.",
	authcore.MetricPasswordResetConfirmFailure: "Rejected password reset confirmations.",
	authcore.MetricValidateLatency:             "Access token validation latency.",
}

// CounterDefs lists every engine counter in declaration order.
var CounterDefs = buildCounterDefs()

var HistogramDefs = []HistogramDef{
	{ID: authcore.MetricValidateLatency, Name: Namespace + "_validate_latency_seconds", Help: help[authcore.MetricValidateLatency]},
}

func buildCounterDefs() []CounterDef {
	ids := authcore.MetricIDs()
	out := make([]CounterDef, 0, len(ids))
	for _, id := range ids {
		if id == authcore.MetricValidateLatency {
			continue
		}
		out = append(out, CounterDef{ID: id, Name: Namespace + "_" + id.Name(), Help: help[id]})
	}
	return out
}

// BucketCount is the number of latency buckets including +Inf.
const BucketCount = len(authcore.HistogramBounds) + 1

// UpperBoundsSeconds converts the engine's millisecond bounds to seconds.
func UpperBoundsSeconds() []float64 {
	out := make([]float64, len(authcore.HistogramBounds))
	for i, ms := range authcore.HistogramBounds {
		out[i] = ms / 1000
	}
	return out
}

// BoundSuffixes name the OTel bucket gauges, e.g. "0_005" and "inf".
func BoundSuffixes() []string {
	out := make([]string, 0, BucketCount)
	for _, s := range UpperBoundsSeconds() {
		b := []byte(strconv.FormatFloat(s, 'f', -1, 64))
		for i := range b {
			if b[i] == '.' {
				b[i] = '_'
			}
		}
		out = append(out, string(b))
	}
	return append(out, "inf")
}

// NormalizeBuckets copies raw into a fixed-size array, padding with zeros.
func NormalizeBuckets(raw []uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

func CumulativeBuckets(raw [BucketCount]uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
