// Package worker contains the bulk sending machinery: the batched,
// concurrency-bounded dispatcher and the Redis-backed gateway rate limiter.
package worker

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/textpulse/internal/pkg/logger"
	"github.com/ignite/textpulse/internal/provider"
)

// Config controls batching and concurrency of a bulk send.
type Config struct {
	BatchSize       int
	BatchDelay      time.Duration
	Concurrency     int
	DispatchTimeout time.Duration
}

// DefaultConfig matches typical promotional-traffic gateway limits.
func DefaultConfig() Config {
	return Config{
		BatchSize:       100,
		BatchDelay:      time.Second,
		Concurrency:     10,
		DispatchTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = d.DispatchTimeout
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	return c
}

// Outcome is the per-message result of a bulk send, in submission order.
type Outcome struct {
	Message provider.SMS
	Result  *provider.DispatchResult
	Err     error
}

// BulkResult aggregates a bulk send.
type BulkResult struct {
	Outcomes  []Outcome
	Accepted  int
	Failed    int
	Outages   int
	Elapsed   time.Duration
	Cancelled bool
}

// BulkSender sends batches of SMS through a gateway with bounded
// concurrency. Messages within a batch run in parallel; batches run in
// submission order with a configurable delay between them.
type BulkSender struct {
	sender  provider.SMSSender
	limiter *RateLimiter
	cfg     Config
}

// NewBulkSender creates a bulk sender. limiter may be nil, in which case no
// gateway-side rate limiting is applied.
func NewBulkSender(sender provider.SMSSender, limiter *RateLimiter, cfg Config) *BulkSender {
	return &BulkSender{
		sender:  sender,
		limiter: limiter,
		cfg:     cfg.withDefaults(),
	}
}

// Kind reports which gateway this sender dispatches through.
func (b *BulkSender) Kind() provider.Kind { return b.sender.Kind() }

// Send dispatches all messages and returns one outcome per message, indexed
// to the input order. A cancelled context stops new work; messages not yet
// attempted are marked with ctx.Err() so the caller can retry them.
func (b *BulkSender) Send(ctx context.Context, messages []provider.SMS) *BulkResult {
	start := time.Now()
	result := &BulkResult{Outcomes: make([]Outcome, len(messages))}
	for i := range messages {
		result.Outcomes[i].Message = messages[i]
	}

	var accepted, failed, outages int64

	sem := make(chan struct{}, b.cfg.Concurrency)
	var wg sync.WaitGroup

	for batchStart := 0; batchStart < len(messages); batchStart += b.cfg.BatchSize {
		if ctx.Err() != nil {
			result.Cancelled = true
			break
		}

		end := batchStart + b.cfg.BatchSize
		if end > len(messages) {
			end = len(messages)
		}

		if b.limiter != nil {
			b.waitForLimiter(ctx, end-batchStart)
		}

		for i := batchStart; i < end; i++ {
			if ctx.Err() != nil {
				result.Cancelled = true
				break
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				defer func() { <-sem }()

				sendCtx, cancel := context.WithTimeout(ctx, b.cfg.DispatchTimeout)
				defer cancel()

				res, err := b.sender.Send(sendCtx, &result.Outcomes[idx].Message)
				result.Outcomes[idx].Result = res
				result.Outcomes[idx].Err = err

				switch {
				case err != nil:
					atomic.AddInt64(&failed, 1)
					if provider.IsOutage(err) {
						atomic.AddInt64(&outages, 1)
					}
				case res.Accepted:
					atomic.AddInt64(&accepted, 1)
				default:
					atomic.AddInt64(&failed, 1)
				}
			}(i)
		}

		// Drain the batch before starting the next one so batches stay ordered
		wg.Wait()

		if result.Cancelled {
			break
		}

		if end < len(messages) && b.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				result.Cancelled = true
			case <-time.After(b.cfg.BatchDelay):
			}
		}
	}
	wg.Wait()

	// Messages never attempted carry the cancellation error
	if result.Cancelled {
		for i := range result.Outcomes {
			if result.Outcomes[i].Result == nil && result.Outcomes[i].Err == nil {
				result.Outcomes[i].Err = ctx.Err()
				failed++
			}
		}
	}

	result.Accepted = int(accepted)
	result.Failed = int(failed)
	result.Outages = int(outages)
	result.Elapsed = time.Since(start)

	logger.Info("bulk send finished",
		"provider", string(b.sender.Kind()),
		"total", len(messages),
		"accepted", result.Accepted,
		"failed", result.Failed,
		"outages", result.Outages,
		"elapsed", result.Elapsed.Round(time.Millisecond))

	return result
}

// waitForLimiter blocks until the gateway rate limiter admits count sends or
// the context is cancelled. Limiter errors fail open.
func (b *BulkSender) waitForLimiter(ctx context.Context, count int) {
	for {
		allowed, wait, err := b.limiter.CheckAndIncrement(ctx, b.sender.Kind(), count)
		if err != nil {
			log.Printf("[BulkSender] Rate limit check error: %v", err)
			return
		}
		if allowed {
			return
		}
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
