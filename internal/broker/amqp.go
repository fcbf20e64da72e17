package broker

import (
	"context"
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPClient adapts the broker-agnostic Message/Publisher contract onto a
// RabbitMQ connection.
type AMQPClient struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// DialAMQP connects to the broker and opens a channel.
func DialAMQP(url string) (*AMQPClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &AMQPClient{conn: conn, ch: ch}, nil
}

// Close releases the channel and connection.
func (c *AMQPClient) Close() error {
	if err := c.ch.Close(); err != nil {
		return err
	}
	return c.conn.Close()
}

// DeclareTopology declares the exchanges and queues for one base exchange:
// the base direct exchange, its delayed-dispatch twin (delayed-message
// plugin), its dead-letter exchange with a bound DLQ, the completion topic
// exchange, and one durable queue per workflow type bound to both the base
// and delayed exchanges under the workflow-type routing key.
func (c *AMQPClient) DeclareTopology(base, completionExchange string, workflowTypes []string) error {
	if err := c.ch.ExchangeDeclare(base, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", base, err)
	}
	delayed := DelayedExchange(base)
	err := c.ch.ExchangeDeclare(delayed, "x-delayed-message", true, false, false, false,
		amqp.Table{"x-delayed-type": "direct"})
	if err != nil {
		return fmt.Errorf("declare exchange %s: %w", delayed, err)
	}
	dlx := DeadLetterExchange(base)
	if err := c.ch.ExchangeDeclare(dlx, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", dlx, err)
	}
	if err := c.ch.ExchangeDeclare(completionExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", completionExchange, err)
	}

	dlq := base + ".dlq"
	if _, err := c.ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", dlq, err)
	}
	if err := c.ch.QueueBind(dlq, "#", dlx, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", dlq, err)
	}

	for _, wt := range workflowTypes {
		queue := QueueFor(wt)
		if _, err := c.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
		if err := c.ch.QueueBind(queue, wt, base, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", queue, base, err)
		}
		if err := c.ch.QueueBind(queue, wt, delayed, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", queue, delayed, err)
		}
	}
	return nil
}

// DeclareCompletionQueue binds a queue to the completion topic exchange for
// the given event-type patterns (e.g. "*.completed").
func (c *AMQPClient) DeclareCompletionQueue(queue, completionExchange string, patterns []string) error {
	if _, err := c.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	for _, p := range patterns {
		if err := c.ch.QueueBind(queue, p, completionExchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s pattern %s: %w", queue, p, err)
		}
	}
	return nil
}

// Publish implements Publisher. Messages are persistent JSON bodies.
func (c *AMQPClient) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	return c.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		MessageId:     msg.MessageID,
		CorrelationId: msg.CorrelationID,
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Headers:       amqp.Table(msg.Headers),
		Body:          msg.Body,
	})
}

// DeliveryHandler processes one consumed message.
type DeliveryHandler func(ctx context.Context, msg Message) error

// Consume reads queue until ctx is cancelled. Handler failures go through
// the reliability handler; the original delivery is acknowledged only after
// the republish succeeded. A republish failure requeues the delivery and
// stops the consumer with the fatal error so supervision restarts the
// process.
func (c *AMQPClient) Consume(ctx context.Context, queue, consumerTag string, handle DeliveryHandler, rel *ReliabilityHandler, dlqRoutingKey string) error {
	deliveries, err := c.ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("consume %s: delivery channel closed", queue)
			}
			msg := fromDelivery(d)
			if herr := handle(ctx, msg); herr != nil {
				if rerr := rel.HandleConsumerError(ctx, msg, herr, dlqRoutingKey); rerr != nil {
					_ = d.Nack(false, true)
					return fmt.Errorf("queue %s message %s: %w", queue, msg.MessageID, rerr)
				}
			}
			if aerr := d.Ack(false); aerr != nil {
				log.Printf("message_id=%s ack failed: %v", msg.MessageID, aerr)
			}
		}
	}
}

func fromDelivery(d amqp.Delivery) Message {
	return Message{
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		Headers:       map[string]any(d.Headers),
		Body:          d.Body,
	}
}
