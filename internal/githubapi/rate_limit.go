package githubapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateLimitHeaders contains parsed upstream rate-limit response headers.
type RateLimitHeaders struct {
	Resource         string
	Remaining        int
	ResetUnix        int64
	Used             int
	RetryAfter       time.Duration
	SecondaryLimited bool
	// present is false when the response carried no budget headers at all.
	present bool
}

// Decision represents a rate-limit action decision.
type Decision struct {
	Allow   bool
	WaitFor time.Duration
	Reason  string
}

// RateLimitPolicy evaluates rate-limit actions from parsed headers.
type RateLimitPolicy struct {
	MinRemainingThreshold int
	MinResetBuffer        time.Duration
	SecondaryLimitBackoff time.Duration
	Now                   func() time.Time
}

// ParseRateLimitHeaders parses rate-limit and retry headers.
func ParseRateLimitHeaders(header http.Header, statusCode int) RateLimitHeaders {
	parsed := RateLimitHeaders{}
	parsed.Resource = strings.ToLower(strings.TrimSpace(header.Get("X-RateLimit-Resource")))
	parsed.Remaining = parseInt(header.Get("X-RateLimit-Remaining"))
	parsed.Used = parseInt(header.Get("X-RateLimit-Used"))
	parsed.ResetUnix = parseInt64(header.Get("X-RateLimit-Reset"))
	parsed.present = header.Get("X-RateLimit-Remaining") != ""

	retryAfterSeconds := parseInt(header.Get("Retry-After"))
	if retryAfterSeconds > 0 {
		parsed.RetryAfter = time.Duration(retryAfterSeconds) * time.Second
	}

	if statusCode == http.StatusTooManyRequests {
		parsed.SecondaryLimited = true
	}
	if statusCode == http.StatusForbidden && (parsed.RetryAfter > 0 || (parsed.present && parsed.Remaining == 0)) {
		parsed.SecondaryLimited = true
	}

	return parsed
}

// Evaluate decides whether calls may continue or should pause.
func (p RateLimitPolicy) Evaluate(headers RateLimitHeaders) Decision {
	now := p.now()

	if headers.SecondaryLimited {
		waitFor := p.SecondaryLimitBackoff
		if headers.RetryAfter > waitFor {
			waitFor = headers.RetryAfter
		}
		if resetWait := p.untilReset(headers, now); resetWait > waitFor {
			waitFor = resetWait
		}
		return Decision{
			Allow:   false,
			WaitFor: waitFor,
			Reason:  "secondary_limit",
		}
	}

	// Responses without budget headers, such as test doubles and some enterprise proxies,
	// carry no signal to throttle on.
	if !headers.present || headers.Remaining >= p.MinRemainingThreshold {
		return Decision{
			Allow:   true,
			WaitFor: 0,
			Reason:  "within_budget",
		}
	}

	resetAt := time.Unix(headers.ResetUnix, 0)
	if !resetAt.After(now) {
		return Decision{
			Allow:   true,
			WaitFor: 0,
			Reason:  "reset_elapsed",
		}
	}

	return Decision{
		Allow:   false,
		WaitFor: resetAt.Sub(now) + p.MinResetBuffer,
		Reason:  "remaining_below_threshold",
	}
}

// ThrottleWait returns how long to pause after the upstream reported a rate-limited
// payload on an otherwise successful response.
func (p RateLimitPolicy) ThrottleWait(headers RateLimitHeaders) time.Duration {
	waitFor := p.SecondaryLimitBackoff
	if headers.RetryAfter > waitFor {
		waitFor = headers.RetryAfter
	}
	if resetWait := p.untilReset(headers, p.now()); resetWait > 0 {
		return resetWait
	}
	return waitFor
}

func (p RateLimitPolicy) untilReset(headers RateLimitHeaders, now time.Time) time.Duration {
	if headers.ResetUnix <= 0 {
		return 0
	}
	resetAt := time.Unix(headers.ResetUnix, 0)
	if !resetAt.After(now) {
		return 0
	}
	return resetAt.Sub(now) + p.MinResetBuffer
}

func (p RateLimitPolicy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func parseInt(raw string) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return parsed
}

func parseInt64(raw string) int64 {
	parsed, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
