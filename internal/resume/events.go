package resume

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"reviewflow/internal/broker"
)

// CompletionEvent is the body of a completion message on the event topic
// exchange. EventType may be omitted when the routing key already carries it
// as "<event-type>.completed".
type CompletionEvent struct {
	EventType string         `json:"eventType"`
	EventKey  string         `json:"eventKey"`
	Result    map[string]any `json:"result"`
}

// HandleMessage adapts a broker delivery from the completion exchange into
// HandleCompletionEvent.
func (r *Resumer) HandleMessage(ctx context.Context, msg broker.Message) error {
	var ev CompletionEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		return fmt.Errorf("decode completion event: %w", err)
	}
	if ev.EventType == "" {
		ev.EventType = strings.TrimSuffix(msg.RoutingKey, ".completed")
	}
	if ev.EventKey == "" {
		return fmt.Errorf("completion event without event key (routing_key=%s)", msg.RoutingKey)
	}
	return r.HandleCompletionEvent(ctx, ev.EventType, ev.EventKey, ev.Result)
}
