package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"cryptostream/internal/metrics"
	ratemetrics "cryptostream/internal/metrics/rate"
	"cryptostream/logger"
)

// userAgentTransport sets a fixed User-Agent on every outgoing request.
type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.agent != "" {
		req.Header.Set("User-Agent", t.agent)
	}
	return t.base.RoundTrip(req)
}

// retryTransport throttles requests through a token bucket and retries
// throttle statuses and transport failures with exponential backoff.
type retryTransport struct {
	exchange    string
	base        http.RoundTripper
	limiter     *rate.Limiter
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	timeout     time.Duration
	log         *logger.Log
	sleep       func(ctx context.Context, d time.Duration) bool
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusTeapot, http.StatusServiceUnavailable:
		return true
	}
	return false
}

func (t *retryTransport) backoff(attempt int) time.Duration {
	return backoffDelay(t.baseDelay, t.maxDelay, attempt)
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	// Buffer the body once so every attempt can resend it.
	var body []byte
	if req.Body != nil && req.GetBody == nil {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		body = b
	}

	endpoint := req.URL.Path
	for attempt := 1; ; attempt++ {
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		actx, cancel := ctx, context.CancelFunc(func() {})
		if t.timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, t.timeout)
		}
		r := req.Clone(actx)
		switch {
		case body != nil:
			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
		case req.GetBody != nil && attempt > 1:
			rc, err := req.GetBody()
			if err != nil {
				cancel()
				return nil, err
			}
			r.Body = rc
		}

		resp, err := t.base.RoundTrip(r)
		var retryAfter time.Duration
		var limited *RateLimitedError
		reason := "transport"
		if err == nil {
			ratemetrics.ReportUsedWeight(t.log, t.exchange, endpoint, resp.Header)
			if !retryable(resp.StatusCode) {
				resp.Body = cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
				return resp, nil
			}
			reason = strconv.Itoa(resp.StatusCode)
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			switch resp.StatusCode {
			case http.StatusTooManyRequests:
				ratemetrics.ReportRateLimitExceeded(t.log, t.exchange, endpoint)
			case http.StatusTeapot:
				ratemetrics.ReportIPBan(t.log, t.exchange, endpoint)
			}
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			cancel()

			limited = &RateLimitedError{
				Exchange:   t.exchange,
				URL:        endpoint,
				StatusCode: resp.StatusCode,
				Attempts:   attempt,
				RetryAfter: retryAfter,
			}
			if attempt >= t.maxAttempts {
				return nil, limited
			}
		} else {
			cancel()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			err = fmt.Errorf("%s %s failed after %d attempts: %w", t.exchange, endpoint, attempt, err)
			if attempt >= t.maxAttempts {
				return nil, err
			}
		}

		delay := t.backoff(attempt)
		if retryAfter > delay {
			delay = retryAfter
			if delay > t.maxDelay {
				delay = t.maxDelay
			}
		}

		// Give up now when the caller's deadline would expire mid-sleep.
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
			if limited != nil {
				return nil, limited
			}
			return nil, err
		}

		metrics.HTTPRetry(t.exchange, reason)
		t.log.WithComponent("rest").WithFields(logger.Fields{
			"exchange": t.exchange,
			"endpoint": endpoint,
			"attempt":  attempt,
			"reason":   reason,
			"delay":    delay.String(),
		}).Debug("retrying request")

		if !t.sleep(ctx, delay) {
			return nil, ctx.Err()
		}
	}
}

// cancelOnClose releases the per-attempt context once the caller is done
// with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
