package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// retryPolicy governs how generation requests are retried. Network
// failures, 5xx responses, and 429 rate limits are transient; anything
// else is returned to the caller on the first attempt.
type retryPolicy struct {
	retries  int           // additional attempts after the first
	baseWait time.Duration // backoff unit, grows quadratically per attempt
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{retries: 3, baseWait: time.Second}
}

// do runs the request until it succeeds or the policy is exhausted. The
// request is rebuilt per attempt because a *http.Request body cannot be
// replayed once consumed.
func (p retryPolicy) do(ctx context.Context, client *http.Client, build func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			if err := p.wait(ctx, attempt, logger); err != nil {
				return nil, err
			}
		}

		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			logger.Warn("generation request failed", "attempt", attempt+1, "err", err)
			continue
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			resp.Body.Close()
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
			logger.Warn("generation request rejected", "attempt", attempt+1, "status", resp.StatusCode)
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", p.retries+1, lastErr)
}

// wait sleeps for the attempt's backoff, with jitter so concurrent
// conversations do not retry in lockstep.
func (p retryPolicy) wait(ctx context.Context, attempt int, logger *slog.Logger) error {
	backoff := time.Duration(attempt*attempt) * p.baseWait
	backoff += time.Duration(rand.Int64N(int64(backoff/2 + 1)))
	logger.Warn("retrying generation request", "attempt", attempt+1, "backoff", backoff)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
		return nil
	}
}
