package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/textpulse/internal/provider"
)

func makeMessages(n int) []provider.SMS {
	msgs := make([]provider.SMS, n)
	for i := range msgs {
		msgs[i] = provider.SMS{
			MessageID: uuid.New(),
			Phone:     "+15551230000",
			Body:      "hello",
		}
	}
	return msgs
}

func TestBulkSender_AllAccepted(t *testing.T) {
	mock := provider.NewMockSender()
	b := NewBulkSender(mock, nil, Config{BatchSize: 3, BatchDelay: 0, Concurrency: 2})

	msgs := makeMessages(10)
	result := b.Send(context.Background(), msgs)

	if result.Accepted != 10 || result.Failed != 0 {
		t.Fatalf("accepted=%d failed=%d, want 10/0", result.Accepted, result.Failed)
	}
	if len(result.Outcomes) != 10 {
		t.Fatalf("len(Outcomes) = %d, want 10", len(result.Outcomes))
	}
	// Outcomes stay indexed to submission order
	for i, o := range result.Outcomes {
		if o.Message.MessageID != msgs[i].MessageID {
			t.Fatalf("outcome %d holds wrong message", i)
		}
		if o.Result == nil || !o.Result.Accepted {
			t.Fatalf("outcome %d not accepted: %+v", i, o)
		}
	}
	if got := len(mock.Sent()); got != 10 {
		t.Fatalf("gateway saw %d messages, want 10", got)
	}
}

func TestBulkSender_Rejections(t *testing.T) {
	mock := provider.NewMockSender()
	mock.Reject = true
	b := NewBulkSender(mock, nil, Config{BatchSize: 5, BatchDelay: 0, Concurrency: 5})

	result := b.Send(context.Background(), makeMessages(5))

	if result.Accepted != 0 || result.Failed != 5 {
		t.Fatalf("accepted=%d failed=%d, want 0/5", result.Accepted, result.Failed)
	}
	if result.Outages != 0 {
		t.Fatalf("rejections counted as outages: %d", result.Outages)
	}
}

func TestBulkSender_OutageCounting(t *testing.T) {
	mock := provider.NewMockSender()
	mock.FailErr = errors.New("connection refused")
	b := NewBulkSender(mock, nil, Config{BatchSize: 4, BatchDelay: 0, Concurrency: 4})

	result := b.Send(context.Background(), makeMessages(4))

	if result.Failed != 4 || result.Outages != 4 {
		t.Fatalf("failed=%d outages=%d, want 4/4", result.Failed, result.Outages)
	}
	for i, o := range result.Outcomes {
		if !provider.IsOutage(o.Err) {
			t.Fatalf("outcome %d error is not an outage: %v", i, o.Err)
		}
	}
}

func TestBulkSender_DispatchTimeout(t *testing.T) {
	mock := provider.NewMockSender()
	mock.Delay = 200 * time.Millisecond
	b := NewBulkSender(mock, nil, Config{
		BatchSize:       10,
		BatchDelay:      0,
		Concurrency:     10,
		DispatchTimeout: 20 * time.Millisecond,
	})

	result := b.Send(context.Background(), makeMessages(3))

	// Per-message timeouts are local failures, not a cancelled run
	if result.Cancelled {
		t.Fatal("per-message timeout must not cancel the run")
	}
	if result.Failed != 3 {
		t.Fatalf("failed=%d, want 3", result.Failed)
	}
}

func TestBulkSender_ContextCancel(t *testing.T) {
	mock := provider.NewMockSender()
	mock.Delay = 50 * time.Millisecond
	b := NewBulkSender(mock, nil, Config{BatchSize: 2, BatchDelay: 10 * time.Millisecond, Concurrency: 1})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(70 * time.Millisecond)
		cancel()
	}()

	result := b.Send(ctx, makeMessages(10))

	if !result.Cancelled {
		t.Fatal("run should report cancellation")
	}
	if len(result.Outcomes) != 10 {
		t.Fatalf("len(Outcomes) = %d, want 10 even when cancelled", len(result.Outcomes))
	}
	// Unattempted messages carry the cancellation error so they can be retried
	var unattempted int
	for _, o := range result.Outcomes {
		if o.Result == nil && o.Err != nil {
			unattempted++
		}
	}
	if unattempted == 0 {
		t.Fatal("expected some unattempted messages after cancel")
	}
}

func TestRateLimiter_CheckAndIncrement(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRateLimiter(client)
	ctx := context.Background()

	// SNS allows 20/sec; a batch of 15 passes, the next 15 does not
	allowed, _, err := limiter.CheckAndIncrement(ctx, provider.KindSNS, 15)
	if err != nil {
		t.Fatalf("CheckAndIncrement() error: %v", err)
	}
	if !allowed {
		t.Fatal("first batch should be allowed")
	}

	allowed, wait, err := limiter.CheckAndIncrement(ctx, provider.KindSNS, 15)
	if err != nil {
		t.Fatalf("CheckAndIncrement() error: %v", err)
	}
	if allowed {
		t.Fatal("second batch should exceed the per-second limit")
	}
	if wait != time.Second {
		t.Errorf("wait = %v, want 1s for a second-limit denial", wait)
	}

	// Denied batch must not have incremented the counters
	usage, err := limiter.GetCurrentUsage(ctx, provider.KindSNS)
	if err != nil {
		t.Fatalf("GetCurrentUsage() error: %v", err)
	}
	if usage["second_current"] != 15 {
		t.Errorf("second_current = %d, want 15", usage["second_current"])
	}
}

func TestRateLimiter_UnknownProvider(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()

	limiter := NewRateLimiter(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	_, _, err := limiter.CheckAndIncrement(context.Background(), provider.Kind("carrier-pigeon"), 1)
	if err == nil {
		t.Fatal("unknown provider must error")
	}
}
