// Package broker carries workflow messages over a durable queue and guards
// their transport with retry/backoff and dead-lettering. It is orthogonal to
// the business retry policy recorded on the job: this layer only protects the
// delivery of a message.
package broker

import (
	"context"
	"fmt"
)

// Message headers. x-retry-count and x-delay drive the reliability layer;
// the rest are tracing and routing metadata.
const (
	HeaderRetryCount         = "x-retry-count"
	HeaderDelay              = "x-delay"
	HeaderCorrelationID      = "x-correlation-id"
	HeaderWorkflowType       = "x-workflow-type"
	HeaderJobID              = "x-job-id"
	HeaderCommand            = "x-command"
	HeaderDeathReason        = "x-death-reason"
	HeaderOriginalExchange   = "x-original-exchange"
	HeaderOriginalRoutingKey = "x-original-routing-key"
	HeaderLastError          = "x-last-error"
)

// Commands carried in HeaderCommand on the workflow queues.
const (
	CommandExecute = "execute"
	CommandResume  = "resume"
)

// Message is the broker-agnostic envelope. MessageID is the inbox dedup key.
type Message struct {
	MessageID     string
	CorrelationID string
	Exchange      string
	RoutingKey    string
	Headers       map[string]any
	Body          []byte
}

// RetryCount reads x-retry-count from the headers, defaulting to 0.
func (m Message) RetryCount() int {
	switch v := m.Headers[HeaderRetryCount].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// CopyHeaders returns a mutable copy of the headers map.
func (m Message) CopyHeaders() map[string]any {
	out := make(map[string]any, len(m.Headers)+4)
	for k, v := range m.Headers {
		out[k] = v
	}
	return out
}

// Publisher publishes a message to an exchange with a routing key.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg Message) error
}

// DelayedExchange names the delayed-dispatch exchange paired with base.
func DelayedExchange(base string) string { return base + ".delayed" }

// DeadLetterExchange names the dead-letter exchange paired with base.
func DeadLetterExchange(base string) string { return base + ".dlx" }

// CompletionRoutingKey names the routing key for completion events of the
// given event type on the completion topic exchange.
func CompletionRoutingKey(eventType string) string {
	return fmt.Sprintf("%s.completed", eventType)
}

// QueueFor names the durable queue for one workflow type.
func QueueFor(workflowType string) string {
	return fmt.Sprintf("workflow.%s", workflowType)
}
