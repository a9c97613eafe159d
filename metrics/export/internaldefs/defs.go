package internaldefs

import (
	goRotate "github.com/MrEthical07/goRotate"
)

// CounterDef maps an engine counter to its exported name.
type CounterDef struct {
	ID   goRotate.MetricID
	Name string
	Help string
}

// HistogramDef maps an engine histogram to its exported name.
type HistogramDef struct {
	ID   goRotate.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in render order.
var CounterDefs = []CounterDef{
	{ID: goRotate.MetricLoginSuccess, Name: "gorotate_login_success_total", Help: "Families created by login."},
	{ID: goRotate.MetricLoginFailure, Name: "gorotate_login_failure_total", Help: "Rejected or failed logins."},
	{ID: goRotate.MetricRefreshSuccess, Name: "gorotate_refresh_success_total", Help: "Refresh tokens rotated."},
	{ID: goRotate.MetricRefreshFailure, Name: "gorotate_refresh_failure_total", Help: "Refresh attempts that did not rotate."},
	{ID: goRotate.MetricRefreshReplayDetected, Name: "gorotate_refresh_replay_detected_total", Help: "Stale refresh tokens replayed; each revokes a family."},
	{ID: goRotate.MetricRefreshFamilyRevoked, Name: "gorotate_refresh_family_revoked_total", Help: "Refresh attempts on revoked families."},
	{ID: goRotate.MetricRefreshNotFound, Name: "gorotate_refresh_not_found_total", Help: "Refresh tokens unknown to the ledger."},
	{ID: goRotate.MetricRefreshRateLimited, Name: "gorotate_refresh_rate_limited_total", Help: "Refresh attempts rejected by the family throttle."},
	{ID: goRotate.MetricStorageUnavailable, Name: "gorotate_storage_unavailable_total", Help: "Operations failed because the ledger was unreachable."},
	{ID: goRotate.MetricLogout, Name: "gorotate_logout_total", Help: "Families revoked by logout."},
	{ID: goRotate.MetricLogoutAll, Name: "gorotate_logout_all_total", Help: "Logout-all operations."},
	{ID: goRotate.MetricAccessVerifySuccess, Name: "gorotate_access_verify_success_total", Help: "Access tokens accepted."},
	{ID: goRotate.MetricAccessVerifyFailure, Name: "gorotate_access_verify_failure_total", Help: "Access tokens rejected."},
	{ID: goRotate.MetricSigningKeyRotated, Name: "gorotate_signing_key_rotated_total", Help: "Signing key rotations."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: goRotate.MetricRefreshLatency, Name: "gorotate_refresh_latency_seconds", Help: "Refresh latency histogram."},
}

// HistogramBounds are the upper bounds of the engine buckets, in seconds.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix is HistogramBounds in a form usable inside metric names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed-size array, zero-filling missing buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into cumulative counts.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
