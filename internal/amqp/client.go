package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"budgetsync/internal/core"
)

// SubmitFunc hands one decoded event to the processing pipeline. The
// pipeline calls finish exactly once when the event's atomic unit is done;
// the delivery is acked or nacked based on the error passed.
type SubmitFunc func(ctx context.Context, msg *TransactionEventMessage, finish func(error))

// Client connects the engine to the event log: it consumes transaction
// events from one durable queue and publishes budget status changes to
// another, on the same direct exchange.
type Client struct {
	conn       *amqp091.Connection
	channel    *amqp091.Channel
	url        string
	exchange   string
	eventQueue string
	alertQueue string
	prefetch   int
}

func NewClient(url, exchange, eventQueue, alertQueue string, prefetch int) (*Client, error) {
	client := &Client{
		url:        url,
		exchange:   exchange,
		eventQueue: eventQueue,
		alertQueue: alertQueue,
		prefetch:   prefetch,
	}
	if err := client.connect(); err != nil {
		return nil, err
	}
	return client, nil
}

func (c *Client) connect() error {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	c.conn = conn
	c.channel = channel

	if err := c.setup(); err != nil {
		c.Close()
		return fmt.Errorf("setup exchange and queues: %w", err)
	}
	return nil
}

func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		c.exchange, // name
		"direct",   // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	for _, queue := range []string{c.eventQueue, c.alertQueue} {
		_, err = c.channel.QueueDeclare(
			queue, // name
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}

		// routing key matches the queue name on a direct exchange
		if err := c.channel.QueueBind(queue, queue, c.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", queue, err)
		}
	}

	if err := c.channel.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	return nil
}

// PublishStatusChange publishes one budget status transition for the
// notification boundary.
func (c *Client) PublishStatusChange(ctx context.Context, sc core.StatusChange) error {
	msg := NewStatusChangeMessage(sc)
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal status change: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = c.channel.PublishWithContext(
		ctx,
		c.exchange,   // exchange
		c.alertQueue, // routing key
		false,        // mandatory
		false,        // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    msg.ID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish status change: %w", err)
	}

	slog.InfoContext(ctx, "Published budget status change",
		"user_id", sc.UserID,
		"category", sc.Category,
		"period", string(sc.Period),
		"old_state", string(sc.OldState),
		"new_state", string(sc.NewState))

	return nil
}

// ConsumeEvents reads transaction events and submits them for processing.
// The submit callback may queue work on another goroutine; the delivery is
// settled when finish is called:
//
//	nil                  — acked
//	core.ErrMalformedEvent — rejected without requeue (poison message)
//	anything else        — nacked with requeue, the broker redelivers
//
// Runs until the context is cancelled or the channel closes.
func (c *Client) ConsumeEvents(ctx context.Context, submit SubmitFunc) error {
	msgs, err := c.channel.Consume(
		c.eventQueue, // queue
		"",           // consumer
		false,        // auto-ack off, settled after the atomic unit
		false,        // exclusive
		false,        // no-local
		false,        // no-wait
		nil,          // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	slog.InfoContext(ctx, "Started consuming transaction events", "queue", c.eventQueue)

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Stopping event consumption", "reason", ctx.Err())
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}

			msg, err := TransactionEventFromJSON(delivery.Body)
			if err != nil {
				slog.ErrorContext(ctx, "Failed to unmarshal event", "error", err)
				delivery.Nack(false, false)
				continue
			}

			d := delivery
			submit(ctx, msg, func(handleErr error) {
				switch {
				case handleErr == nil:
					d.Ack(false)
				case errors.Is(handleErr, core.ErrMalformedEvent):
					slog.ErrorContext(ctx, "Rejecting malformed event",
						"event_id", msg.ID, "error", handleErr)
					d.Nack(false, false)
				default:
					slog.WarnContext(ctx, "Requeueing event after failure",
						"event_id", msg.ID, "error", handleErr)
					d.Nack(false, true)
				}
			})
		}
	}
}

// Run consumes with automatic redial: connection-level failures reconnect
// with exponential backoff, anything else is returned to the caller.
func (c *Client) Run(ctx context.Context, submit SubmitFunc) error {
	attempt := 0
	for {
		err := c.ConsumeEvents(ctx, submit)
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if !isConnectionError(err) {
			return err
		}

		wait := exponentialBackoff(attempt)
		attempt++
		slog.WarnContext(ctx, "AMQP connection lost, reconnecting",
			"error", err, "attempt", attempt, "backoff", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		c.Close()
		if err := c.connect(); err != nil {
			slog.ErrorContext(ctx, "AMQP reconnect failed", "error", err)
			continue
		}
		attempt = 0
	}
}

func exponentialBackoff(attempt int) time.Duration {
	const max = 30 * time.Second
	backoff := time.Second << uint(attempt)
	if backoff <= 0 || backoff > max {
		return max
	}
	return backoff
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var amqpErr *amqp091.Error
	if errors.As(err, &amqpErr) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{
		"connection refused",
		"connection closed",
		"unexpected EOF",
		"broken pipe",
		"use of closed network connection",
		"message channel closed",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (c *Client) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
