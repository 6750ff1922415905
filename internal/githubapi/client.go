package githubapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/cam3ron2/scm-ingest/internal/model"
	"github.com/cam3ron2/scm-ingest/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// RetryConfig configures client retry behavior.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// HTTPDoer is implemented by http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CallMetadata reports execution metadata for a client call.
type CallMetadata struct {
	Attempts        int
	LastRateHeaders RateLimitHeaders
	LastDecision    Decision
}

// Client wraps upstream HTTP requests with proactive throttling, retry and rate-limit controls.
type Client struct {
	doer       HTTPDoer
	retry      RetryConfig
	ratePolicy RateLimitPolicy
	limiter    *rate.Limiter
	// Sleep is injected for testability.
	Sleep func(duration time.Duration)
}

// NewClient creates an upstream client wrapper. A nil limiter disables proactive throttling.
func NewClient(doer HTTPDoer, retry RetryConfig, ratePolicy RateLimitPolicy, limiter *rate.Limiter) *Client {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	return &Client{
		doer:       doer,
		retry:      retry,
		ratePolicy: ratePolicy,
		limiter:    limiter,
		Sleep:      time.Sleep,
	}
}

// NewLimiter builds the proactive request limiter. Non-positive rates disable it.
func NewLimiter(requestsPerSecond float64, burst int) *rate.Limiter {
	if requestsPerSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// Do executes a request with retry and rate-limit awareness. Exhausted retries are
// reported as classified upstream errors.
func (c *Client) Do(req *http.Request) (*http.Response, CallMetadata, error) {
	if req == nil {
		return nil, CallMetadata{}, fmt.Errorf("request is nil")
	}

	ctx, span := telemetry.StartDependencySpan(req.Context(), "githubapi", "githubapi.client.do",
		attribute.String("http.method", req.Method),
		attribute.String("http.path", req.URL.EscapedPath()),
		attribute.Int("github.max_attempts", c.retry.MaxAttempts),
	)
	if span != nil {
		defer span.End()
	}

	metadata := CallMetadata{}
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		metadata.Attempts = attempt

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, metadata, fmt.Errorf("wait for request budget: %w", err)
			}
		}

		nextReq := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, metadata, fmt.Errorf("rewind request body: %w", err)
			}
			nextReq.Body = body
		}

		resp, err := c.doer.Do(nextReq)
		if err != nil {
			if span != nil {
				span.RecordError(err)
				span.AddEvent("attempt_failed", trace.WithAttributes(
					attribute.Int("github.attempt", attempt),
				))
			}
			if ctx.Err() != nil {
				return nil, metadata, ctx.Err()
			}
			if attempt == c.retry.MaxAttempts {
				setSpanError(span, err.Error())
				return nil, metadata, model.UnavailableError(err, "request failed after %d attempts", attempt)
			}
			c.Sleep(backoffForAttempt(c.retry, attempt))
			continue
		}

		headers := ParseRateLimitHeaders(resp.Header, resp.StatusCode)
		metadata.LastRateHeaders = headers
		decision := c.ratePolicy.Evaluate(headers)
		metadata.LastDecision = decision

		if span != nil {
			span.AddEvent("attempt_completed", trace.WithAttributes(
				attribute.Int("github.attempt", attempt),
				attribute.Int("http.status_code", resp.StatusCode),
				attribute.Int("github.rate_limit_remaining", headers.Remaining),
				attribute.Int64("github.rate_limit_reset_unix", headers.ResetUnix),
				attribute.Bool("github.rate_limit_allow", decision.Allow),
				attribute.String("github.rate_limit_reason", decision.Reason),
			))
		}

		if !decision.Allow {
			closeBody(resp)
			if attempt == c.retry.MaxAttempts {
				setSpanError(span, "rate-limited")
				return nil, metadata, model.RateLimitedError(nil, "%s after %d attempts", decision.Reason, attempt)
			}
			c.Sleep(decision.WaitFor)
			continue
		}

		if isTransientStatus(resp.StatusCode) {
			closeBody(resp)
			if attempt == c.retry.MaxAttempts {
				setSpanError(span, fmt.Sprintf("transient status %d", resp.StatusCode))
				if resp.StatusCode == http.StatusTooManyRequests {
					return nil, metadata, model.RateLimitedError(nil, "status %d after %d attempts", resp.StatusCode, attempt)
				}
				return nil, metadata, model.UnavailableError(nil, "status %d after %d attempts", resp.StatusCode, attempt)
			}
			c.Sleep(backoffForAttempt(c.retry, attempt))
			continue
		}

		if span != nil {
			span.SetStatus(codes.Ok, "request completed")
		}
		return resp, metadata, nil
	}

	setSpanError(span, "request attempts exhausted")
	return nil, metadata, model.UnavailableError(nil, "request attempts exhausted")
}

// BackoffForAttempt exposes the retry schedule to callers that retry above the HTTP layer.
func (c *Client) BackoffForAttempt(attempt int) time.Duration {
	return backoffForAttempt(c.retry, attempt)
}

// MaxAttempts reports the configured attempt ceiling.
func (c *Client) MaxAttempts() int {
	return c.retry.MaxAttempts
}

func setSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
}

func isTransientStatus(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500 && statusCode <= 599
}

func backoffForAttempt(retry RetryConfig, attempt int) time.Duration {
	backoff := retry.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if retry.MaxBackoff > 0 && backoff > retry.MaxBackoff {
			return retry.MaxBackoff
		}
	}
	if retry.MaxBackoff > 0 && backoff > retry.MaxBackoff {
		return retry.MaxBackoff
	}
	return backoff
}
