package internaldefs

import (
	"github.com/MrEthical07/authcore"
)

// CounterDef names one engine counter for exporters.
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

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: authcore.MetricLoginSuccess, Name: "authcore_login_success_total", Help: "Logins that issued tokens or a two-factor challenge."},
	{ID: authcore.MetricLoginFailure, Name: "authcore_login_failure_total", Help: "Logins rejected for credentials or account state."},
	{ID: authcore.MetricLoginRateLimited, Name: "authcore_login_rate_limited_total", Help: "Logins refused by the failure limiter."},
	{ID: authcore.MetricLoginLockTripped, Name: "authcore_login_lock_tripped_total", Help: "Durable account locks set after repeated failures."},
	{ID: authcore.MetricTwoFactorRequired, Name: "authcore_two_factor_required_total", Help: "Logins that stopped at a second factor."},
	{ID: authcore.MetricTwoFactorSuccess, Name: "authcore_two_factor_success_total", Help: "Accepted second-factor codes."},
	{ID: authcore.MetricTwoFactorFailure, Name: "authcore_two_factor_failure_total", Help: "Rejected second-factor codes."},
	{ID: authcore.MetricTwoFactorAttemptsExceeded, Name: "authcore_two_factor_attempts_exceeded_total", Help: "Challenges that ran out of attempts."},
	{ID: authcore.MetricTOTPReplay, Name: "authcore_totp_replay_total", Help: "Authenticator codes presented twice in one time step."},
	{ID: authcore.MetricTwoFactorCodeSent, Name: "authcore_two_factor_code_sent_total", Help: "Email codes handed to the sender."},
	{ID: authcore.MetricRefreshSuccess, Name: "authcore_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: authcore.MetricRefreshFailure, Name: "authcore_refresh_failure_total", Help: "Rejected refresh attempts."},
	{ID: authcore.MetricRefreshReuseDetected, Name: "authcore_refresh_reuse_detected_total", Help: "Stale refresh tokens that revoked their family."},
	{ID: authcore.MetricLogout, Name: "authcore_logout_total", Help: "Logout calls."},
	{ID: authcore.MetricSessionRevoked, Name: "authcore_session_revoked_total", Help: "Sessions revoked outside of logout."},
	{ID: authcore.MetricAuthorizeSuccess, Name: "authcore_authorize_success_total", Help: "Access checks that passed."},
	{ID: authcore.MetricAuthorizeDenied, Name: "authcore_authorize_denied_total", Help: "Access checks that failed."},
	{ID: authcore.MetricPasswordChangeSuccess, Name: "authcore_password_change_success_total", Help: "Completed password changes."},
	{ID: authcore.MetricPasswordChangeFailure, Name: "authcore_password_change_failure_total", Help: "Rejected password changes."},
	{ID: authcore.MetricRoleChange, Name: "authcore_role_change_total", Help: "Role changes applied."},
	{ID: authcore.MetricRateLimitDegraded, Name: "authcore_rate_limit_degraded_total", Help: "Limiter checks made while the cache was unreachable."},
	{ID: authcore.MetricEmailSendFailure, Name: "authcore_email_send_failure_total", Help: "Email deliveries that failed or had no address."},
	{ID: authcore.MetricBackendUnavailable, Name: "authcore_backend_unavailable_total", Help: "Operations failed by a cache or account store outage."},
}

var HistogramDefs = []HistogramDef{
	{ID: authcore.MetricAuthorizeLatency, Name: "authcore_authorize_latency_seconds", Help: "Authorize latency."},
}

// HistogramBounds are the upper bounds in seconds, matching the engine's
// millisecond buckets.
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

// HistogramBoundSuffix is HistogramBounds made safe for instrument names.
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

// NormalizeBuckets pads or truncates raw to the fixed bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i, v := range raw {
		running += v
		out[i] = running
	}
	return out
}
