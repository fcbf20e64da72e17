package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"
)

// ErrRepublishFailed means a failed message could not be republished to the
// delayed or dead-letter exchange after it was already removed from its
// source queue. The message may be lost; callers must surface this to
// process supervision instead of swallowing it.
var ErrRepublishFailed = errors.New("republish of failed message failed")

// maxDeadLetterErrorLen bounds the last-error header on dead-lettered
// messages so oversized stack traces do not bloat broker frames.
const maxDeadLetterErrorLen = 512

// RetryPolicy configures transport-level retries. This budget is independent
// of the job's business MaxRetries.
type RetryPolicy struct {
	MaxRetries      int           // republishes to the delayed exchange before dead-lettering
	InitialInterval time.Duration // backoff base
	MaxInterval     time.Duration // backoff cap
	Multiplier      float64       // exponential growth factor
	Jitter          float64       // fraction of the delay randomized in both directions
}

// DefaultRetryPolicy mirrors the production consumer defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      5,
		InitialInterval: 2 * time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2,
		Jitter:          0.2,
	}
}

// Backoff computes the delay before the attempt-th redelivery (attempt
// starts at 1): base × multiplier^(attempt-1), capped at MaxInterval, then
// jittered by ±Jitter using rnd in [0, 1).
func (p RetryPolicy) Backoff(attempt int, rnd float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxInterval > 0 && delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}
	if p.Jitter > 0 {
		// rnd in [0,1) -> factor in [1-Jitter, 1+Jitter)
		delay *= 1 + p.Jitter*(2*rnd-1)
	}
	return time.Duration(delay)
}

// ReliabilityHandler intercepts consumer failures: it republishes the
// original message to the delayed exchange with an incremented retry count,
// or dead-letters it once the transport retry budget is spent.
type ReliabilityHandler struct {
	pub    Publisher
	policy RetryPolicy
	rand   func() float64
}

// NewReliabilityHandler returns a handler publishing through pub.
func NewReliabilityHandler(pub Publisher, policy RetryPolicy) *ReliabilityHandler {
	return &ReliabilityHandler{pub: pub, policy: policy, rand: rand.Float64}
}

// HandleConsumerError processes one handler failure for msg. The caller must
// acknowledge (remove) the original message only after this returns nil. A
// returned error wrapping ErrRepublishFailed is fatal: the message was
// neither retried nor dead-lettered.
//
// dlqRoutingKey overrides the routing key used on the dead-letter exchange;
// empty preserves the original routing key so dead-lettered messages stay
// replayable.
func (h *ReliabilityHandler) HandleConsumerError(ctx context.Context, msg Message, handlerErr error, dlqRoutingKey string) error {
	retryCount := msg.RetryCount()
	if retryCount < h.policy.MaxRetries {
		return h.republishDelayed(ctx, msg, retryCount, handlerErr)
	}
	return h.deadLetter(ctx, msg, retryCount, handlerErr, dlqRoutingKey)
}

func (h *ReliabilityHandler) republishDelayed(ctx context.Context, msg Message, retryCount int, handlerErr error) error {
	attempt := retryCount + 1
	delay := h.policy.Backoff(attempt, h.rand())

	headers := msg.CopyHeaders()
	headers[HeaderRetryCount] = attempt
	headers[HeaderDelay] = delay.Milliseconds()

	out := msg
	out.Headers = headers
	exchange := DelayedExchange(msg.Exchange)
	if err := h.pub.Publish(ctx, exchange, msg.RoutingKey, out); err != nil {
		log.Printf("CRITICAL: message_id=%s republish to %s failed, message may be lost: %v",
			msg.MessageID, exchange, err)
		return fmt.Errorf("%w: %v", ErrRepublishFailed, err)
	}
	log.Printf("message_id=%s handler failed, retry %d/%d in %s: %v",
		msg.MessageID, attempt, h.policy.MaxRetries, delay, handlerErr)
	return nil
}

func (h *ReliabilityHandler) deadLetter(ctx context.Context, msg Message, retryCount int, handlerErr error, dlqRoutingKey string) error {
	headers := msg.CopyHeaders()
	headers[HeaderOriginalExchange] = msg.Exchange
	headers[HeaderOriginalRoutingKey] = msg.RoutingKey
	headers[HeaderDeathReason] = "max-retries-exceeded"
	headers[HeaderLastError] = truncate(handlerErr.Error(), maxDeadLetterErrorLen)

	routingKey := msg.RoutingKey
	if dlqRoutingKey != "" {
		routingKey = dlqRoutingKey
	}
	out := msg
	out.Headers = headers
	exchange := DeadLetterExchange(msg.Exchange)
	if err := h.pub.Publish(ctx, exchange, routingKey, out); err != nil {
		log.Printf("CRITICAL: message_id=%s dead-letter publish to %s failed, message may be lost: %v",
			msg.MessageID, exchange, err)
		return fmt.Errorf("%w: %v", ErrRepublishFailed, err)
	}
	log.Printf("message_id=%s dead-lettered after %d retries: %v", msg.MessageID, retryCount, handlerErr)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
