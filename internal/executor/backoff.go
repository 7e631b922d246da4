package executor

import "time"

// errorTextClass is the coarse family calculateSmartBackoff sorts a body
// excerpt into when no server-supplied reset is present, per §4.3.
type errorTextClass int

const (
	textUnknown errorTextClass = iota
	textQuotaExhausted
	textRateLimitExceeded
	textModelCapacityExhausted
	textServerError
)

func classifyErrorText(s string) errorTextClass {
	switch {
	case looksLikeQuotaExhausted(s):
		return textQuotaExhausted
	case looksLikeRateLimitExceeded(s):
		return textRateLimitExceeded
	case looksLikeCapacityMarker(s):
		return textModelCapacityExhausted
	case containsFold(s, "internal error"), containsFold(s, "server error"), containsFold(s, "upstream status 5"):
		return textServerError
	default:
		return textUnknown
	}
}

// calculateSmartBackoff picks how long to wait before retrying the same
// model, per §4.3:
//  1. a server-supplied reset always wins.
//  2. quota exhaustion escalates through QuotaExhaustedBackoffTiers by
//     attempt number.
//  3. the other known error families use a fixed per-type wait.
//  4. anything unrecognized falls back to MinBackoff.
//
// The result is always lower-bounded by cfg.MinBackoff.
func calculateSmartBackoff(errorText string, resetFromServer time.Duration, attempt int, cfg Config) time.Duration {
	if resetFromServer > 0 {
		return resetFromServer
	}

	var wait time.Duration
	switch classifyErrorText(errorText) {
	case textQuotaExhausted:
		tiers := cfg.QuotaExhaustedBackoffTiers
		if len(tiers) == 0 {
			wait = cfg.MinBackoff
			break
		}
		idx := attempt
		if idx >= len(tiers) {
			idx = len(tiers) - 1
		}
		if idx < 0 {
			idx = 0
		}
		wait = tiers[idx]
	case textRateLimitExceeded:
		wait = cfg.BackoffByErrorType[textRateLimitExceeded]
	case textModelCapacityExhausted:
		wait = cfg.BackoffByErrorType[textModelCapacityExhausted]
	case textServerError:
		wait = cfg.BackoffByErrorType[textServerError]
	default:
		wait = cfg.MinBackoff
	}

	if wait < cfg.MinBackoff {
		wait = cfg.MinBackoff
	}
	return wait
}

// extendedCooldown is applied once an account crosses
// MaxConsecutiveFailures consecutive failures, the spec's manifestation of
// the teacher's circuit-breaker failure-threshold idea as a per-model
// rate-limit entry rather than a generic open-circuit state.
func extendedCooldown(cfg Config, now time.Time) time.Time {
	return now.Add(cfg.ExtendedCooldownDuration)
}
