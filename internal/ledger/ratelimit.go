package ledger

import (
	"context"

	"golang.org/x/time/rate"
)

type rateLimitedClient struct {
	next    Client
	limiter *rate.Limiter
}

// RateLimited throttles submissions and queries through limiter. A nil
// limiter returns next unchanged.
func RateLimited(next Client, limiter *rate.Limiter) Client {
	if limiter == nil {
		return next
	}
	return &rateLimitedClient{next: next, limiter: limiter}
}

func (c *rateLimitedClient) Submit(ctx context.Context, req Request) (Receipt, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Receipt{ErrorKind: ErrorTransient}, Transient("rate limit", err)
	}
	return c.next.Submit(ctx, req)
}

func (c *rateLimitedClient) Query(ctx context.Context, address, view string, args ...string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", Transient("rate limit", err)
	}
	return c.next.Query(ctx, address, view, args...)
}
