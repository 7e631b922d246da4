package executor

import (
	"net/http"
	"regexp"
	"strconv"
	"time"
)

// ErrorClass names how a completed attempt should be treated by the retry
// state machine, per the error-handling design's classification table.
type ErrorClass int

const (
	// ClassSuccess: 2xx, request served.
	ClassSuccess ErrorClass = iota
	// ClassPermanentAuth: 401 indicating the credential itself is dead
	// (revoked/expired refresh token) — the account should be invalidated.
	ClassPermanentAuth
	// ClassTransientAuth: 401 that looks like a momentary token hiccup —
	// worth one retry after a token refresh, not an invalidation.
	ClassTransientAuth
	// ClassCapacity: 429/503 signaling the account is temporarily out of
	// capacity; retried in place before being re-classified as a
	// quota-exhaustion (429) or a plain account switch (503).
	ClassCapacity
	// ClassQuota: a 429 carrying an explicit quota/rate-limit signal, or a
	// capacity-retry sequence exhausted on a 429, distinct from capacity
	// because the reset time is usually much longer.
	ClassQuota
	// Class5xx: other server errors, generically retryable.
	Class5xx
	// Class4xxOther: client errors that are not retryable (400, 404, ...).
	Class4xxOther
	// ClassNetwork: transport-level failure (timeout, connection reset).
	ClassNetwork
)

func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassSuccess, Class4xxOther:
		return false
	default:
		return true
	}
}

// String names the class the way it's reported on the request_errors_total
// metric label.
func (c ErrorClass) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassPermanentAuth:
		return "permanent_auth"
	case ClassTransientAuth:
		return "transient_auth"
	case ClassCapacity:
		return "capacity"
	case ClassQuota:
		return "quota"
	case Class5xx:
		return "5xx"
	case Class4xxOther:
		return "4xx_other"
	case ClassNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// Classification is the result of inspecting one upstream response.
type Classification struct {
	Class     ErrorClass
	ResetTime time.Time // zero if the response carried no explicit reset hint
	ErrorText string     // body excerpt, fed to calculateSmartBackoff's classifier
	Status429 bool       // true when the classified response was a 429, used to
	// decide the capacity-retries-exhausted branch (429 -> quota, 503 -> switch)
}

var retryAfterSeconds = regexp.MustCompile(`^\s*(\d+)\s*$`)
var resetInBody = regexp.MustCompile(`(?i)retry.{0,10}?(\d+)\s*(s|sec|seconds|m|min|minutes)?`)

// ClassifyResponse maps a status code, headers and (for 401/429/503 bodies)
// a short error excerpt into a Classification, per the error-handling
// design's table of status codes to recovery behavior.
func ClassifyResponse(statusCode int, header http.Header, bodyExcerpt string, now time.Time) Classification {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return Classification{Class: ClassSuccess}

	case statusCode == http.StatusUnauthorized:
		if looksPermanentAuthFailure(bodyExcerpt) {
			return Classification{Class: ClassPermanentAuth, ErrorText: bodyExcerpt}
		}
		return Classification{Class: ClassTransientAuth, ErrorText: bodyExcerpt}

	case statusCode == http.StatusTooManyRequests || statusCode == http.StatusServiceUnavailable:
		reset := parseResetTime(header, bodyExcerpt, now)
		is429 := statusCode == http.StatusTooManyRequests
		if looksLikeCapacityMarker(bodyExcerpt) {
			return Classification{Class: ClassCapacity, ResetTime: reset, ErrorText: bodyExcerpt, Status429: is429}
		}
		if is429 {
			return Classification{Class: ClassQuota, ResetTime: reset, ErrorText: bodyExcerpt}
		}
		// 503 without a capacity marker: a plain transient server error.
		return Classification{Class: Class5xx, ErrorText: bodyExcerpt}

	case statusCode >= 500:
		return Classification{Class: Class5xx, ErrorText: bodyExcerpt}

	case statusCode >= 400:
		return Classification{Class: Class4xxOther, ErrorText: bodyExcerpt}

	default:
		return Classification{Class: Class5xx, ErrorText: bodyExcerpt}
	}
}

// ClassifyNetworkError is used when the transport itself failed before any
// response was received (dial/timeout/reset).
func ClassifyNetworkError(err error) Classification {
	text := ""
	if err != nil {
		text = err.Error()
	}
	return Classification{Class: ClassNetwork, ErrorText: text}
}

func looksPermanentAuthFailure(body string) bool {
	permanent := []string{"invalid_grant", "token_revoked", "account_deactivated", "invalid_refresh_token"}
	for _, s := range permanent {
		if containsFold(body, s) {
			return true
		}
	}
	return false
}

// looksLikeCapacityMarker recognizes the upstream's transient-overload
// vocabulary, distinct from an explicit quota/budget message: these are
// retried in place at the same endpoint before falling back to a switch or
// a quota-style cooldown.
func looksLikeCapacityMarker(body string) bool {
	capacity := []string{
		"model_capacity_exhausted", "capacity_exceeded", "overloaded",
		"too many concurrent", "server is currently overloaded", "capacity",
	}
	for _, s := range capacity {
		if containsFold(body, s) {
			return true
		}
	}
	return false
}

func looksLikeQuotaExhausted(body string) bool {
	quota := []string{"quota_exceeded", "insufficient_quota", "monthly limit", "quota exhausted", "quota will reset"}
	for _, s := range quota {
		if containsFold(body, s) {
			return true
		}
	}
	return false
}

func looksLikeRateLimitExceeded(body string) bool {
	rl := []string{"rate_limit_exceeded", "rate limit exceeded", "too many requests"}
	for _, s := range rl {
		if containsFold(body, s) {
			return true
		}
	}
	return false
}

func containsFold(haystack, needle string) bool {
	if len(needle) == 0 {
		return true
	}
	h := []byte(haystack)
	n := []byte(needle)
	for i := 0; i+len(n) <= len(h); i++ {
		match := true
		for j := range n {
			hc, nc := h[i+j], n[j]
			if 'A' <= hc && hc <= 'Z' {
				hc += 'a' - 'A'
			}
			if 'A' <= nc && nc <= 'Z' {
				nc += 'a' - 'A'
			}
			if hc != nc {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// parseResetTime prefers the Retry-After header (seconds or HTTP-date) and
// falls back to scanning the body excerpt for a "retry in N seconds/minutes"
// phrase, per the spec's "server-supplied reset takes priority" rule.
func parseResetTime(header http.Header, bodyExcerpt string, now time.Time) time.Time {
	if ra := header.Get("Retry-After"); ra != "" {
		if m := retryAfterSeconds.FindStringSubmatch(ra); m != nil {
			secs, _ := strconv.Atoi(m[1])
			return now.Add(time.Duration(secs) * time.Second)
		}
		if t, err := http.ParseTime(ra); err == nil {
			return t
		}
	}

	if m := resetInBody.FindStringSubmatch(bodyExcerpt); m != nil {
		n, _ := strconv.Atoi(m[1])
		unit := m[2]
		d := time.Duration(n) * time.Second
		if unit == "m" || unit == "min" || unit == "minutes" {
			d = time.Duration(n) * time.Minute
		}
		return now.Add(d)
	}

	return time.Time{}
}
