package rest

import (
	"context"
	"net/http"
	"strings"
	"time"

	"cryptostream/internal/metrics"
	"cryptostream/logger"
)

// Retry runs call under the client's retry policy. It serves SDKs that own
// their HTTP transport and only report throttling through error text.
// Errors for which throttled returns true are retried with backoff and
// become a *RateLimitedError once attempts run out; any other error is
// returned as is.
func (c *Client) Retry(ctx context.Context, exchange, endpoint string, throttled func(error) bool, call func(context.Context) error) error {
	exchange = strings.ToLower(exchange)
	for attempt := 1; ; attempt++ {
		err := call(ctx)
		if err == nil || !throttled(err) {
			return err
		}
		limited := &RateLimitedError{
			Exchange:   exchange,
			URL:        endpoint,
			StatusCode: http.StatusTooManyRequests,
			Attempts:   attempt,
		}
		if attempt >= c.cfg.Retry.MaxAttempts {
			return limited
		}

		delay := backoffDelay(c.cfg.Retry.BaseDelay, c.cfg.Retry.MaxDelay, attempt)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
			return limited
		}
		metrics.HTTPRetry(exchange, "throttled")
		c.log.WithComponent("rest").WithFields(logger.Fields{
			"exchange": exchange,
			"endpoint": endpoint,
			"attempt":  attempt,
			"delay":    delay.String(),
		}).WithError(err).Debug("retrying throttled call")

		if !c.sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}
