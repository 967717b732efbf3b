package ledger

import (
	"context"
	"testing"

	"golang.org/x/time/rate"
)

type countingClient struct {
	submits int
	queries int
}

func (c *countingClient) Submit(ctx context.Context, req Request) (Receipt, error) {
	c.submits++
	return Receipt{Success: true}, nil
}

func (c *countingClient) Query(ctx context.Context, address, view string, args ...string) (string, error) {
	c.queries++
	return "ok", nil
}

func TestRateLimitedPassesThrough(t *testing.T) {
	inner := &countingClient{}
	client := RateLimited(inner, rate.NewLimiter(rate.Inf, 1))
	if _, err := client.Submit(context.Background(), Request{}); err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	if _, err := client.Query(context.Background(), "0x1", ViewOwner); err != nil {
		t.Fatalf("Query() err=%v", err)
	}
	if inner.submits != 1 || inner.queries != 1 {
		t.Fatalf("expected one submit and one query, got %d/%d", inner.submits, inner.queries)
	}
}

func TestRateLimitedCancelledContextIsTransient(t *testing.T) {
	inner := &countingClient{}
	limiter := rate.NewLimiter(rate.Every(1e12), 1)
	limiter.Allow()
	client := RateLimited(inner, limiter)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Submit(ctx, Request{})
	if !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if inner.submits != 0 {
		t.Fatalf("expected no submit when limiter refuses")
	}
}

func TestRateLimitedNilLimiter(t *testing.T) {
	inner := &countingClient{}
	if got := RateLimited(inner, nil); got != Client(inner) {
		t.Fatalf("expected passthrough client")
	}
}
