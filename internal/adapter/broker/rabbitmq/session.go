// Package rabbitmq provides the AMQP broker adapter: connection management
// with exponential reconnect, topology declaration, and consume/publish with
// manual acknowledgement.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrRequeue marks a handler failure whose message should be redelivered.
// Any other handler error results in a nack without requeue.
var ErrRequeue = errors.New("requeue message")

const (
	reconnectInitialDelay = 5 * time.Second
	reconnectMaxDelay     = 60 * time.Second
)

// Session owns one AMQP connection. Sessions are not shared across workers;
// the listener and every session worker dial their own.
type Session struct {
	url string
	log *slog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

// Dial connects to the broker, retrying with exponential backoff until the
// context is cancelled.
func Dial(ctx context.Context, url string, log *slog.Logger) (*Session, error) {
	s := &Session{url: url, log: log}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectInitialDelay
	b.MaxInterval = reconnectMaxDelay
	b.MaxElapsedTime = 0 // retry until cancelled

	op := func() error {
		conn, err := amqp.Dial(s.url)
		if err != nil {
			s.log.Warn("broker connect failed, retrying", slog.Any("error", err))
			return err
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.log.Info("connected to broker")
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("op=broker.connect: %w", err)
	}
	return nil
}

// IsReady reports whether the underlying connection is open.
func (s *Session) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.conn.IsClosed()
}

// Channel opens a channel with the given prefetch count, reconnecting the
// underlying connection first when it has been lost.
func (s *Session) Channel(ctx context.Context, prefetch int) (*Channel, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("op=broker.channel: session closed")
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		if err := s.connect(ctx); err != nil {
			return nil, err
		}
		s.mu.Lock()
		conn = s.conn
		s.mu.Unlock()
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("op=broker.channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("op=broker.channel_qos: %w", err)
	}
	return &Channel{ch: ch, log: s.log}, nil
}

// Close shuts the connection down; further Channel calls fail.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn == nil || s.conn.IsClosed() {
		return nil
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("op=broker.close: %w", err)
	}
	return nil
}

// Channel wraps one AMQP channel with topology and consume helpers.
type Channel struct {
	ch  *amqp.Channel
	log *slog.Logger
}

// DeclareExchange declares an exchange; declaration is idempotent.
func (c *Channel) DeclareExchange(name, kind string, durable bool) error {
	if err := c.ch.ExchangeDeclare(name, kind, durable, false, false, false, nil); err != nil {
		return fmt.Errorf("op=broker.declare_exchange %s: %w", name, err)
	}
	return nil
}

// DeclareQueue declares a queue; declaration is idempotent.
func (c *Channel) DeclareQueue(name string, durable bool) error {
	if _, err := c.ch.QueueDeclare(name, durable, false, false, false, nil); err != nil {
		return fmt.Errorf("op=broker.declare_queue %s: %w", name, err)
	}
	return nil
}

// BindQueue binds a queue to an exchange with the given routing key.
func (c *Channel) BindQueue(queue, exchange, key string) error {
	if err := c.ch.QueueBind(queue, key, exchange, false, nil); err != nil {
		return fmt.Errorf("op=broker.bind_queue %s: %w", queue, err)
	}
	return nil
}

// DeleteQueue removes a queue; used by session teardown.
func (c *Channel) DeleteQueue(name string) error {
	if _, err := c.ch.QueueDelete(name, false, false, false); err != nil {
		return fmt.Errorf("op=broker.delete_queue %s: %w", name, err)
	}
	return nil
}

// Publish sends one message with the given routing key.
func (c *Channel) Publish(ctx context.Context, exchange, key string, body []byte) error {
	err := c.ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType: "application/octet-stream",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("op=broker.publish %s/%s: %w", exchange, key, err)
	}
	return nil
}

// Handler processes one delivery. A nil return acks the message; ErrRequeue
// nacks with redelivery; any other error nacks without requeue.
type Handler func(ctx context.Context, d amqp.Delivery) error

// Consume processes deliveries from the queue until the context is
// cancelled or the channel is closed by the broker. Returns nil on context
// cancellation, an error when the delivery stream breaks (caller may
// reconnect and resume).
func (c *Channel) Consume(ctx context.Context, queue, consumerTag string, handler Handler) error {
	deliveries, err := c.ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("op=broker.consume %s: %w", queue, err)
	}
	for {
		select {
		case <-ctx.Done():
			_ = c.ch.Cancel(consumerTag, false)
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("op=broker.consume %s: delivery stream closed", queue)
			}
			c.handle(ctx, d, handler)
		}
	}
}

func (c *Channel) handle(ctx context.Context, d amqp.Delivery, handler Handler) {
	if err := handler(ctx, d); err != nil {
		requeue := errors.Is(err, ErrRequeue)
		c.log.Warn("message handling failed",
			slog.String("queue", d.ConsumerTag),
			slog.Bool("requeue", requeue),
			slog.Any("error", err))
		_ = d.Nack(false, requeue)
		return
	}
	_ = d.Ack(false)
}

// Close shuts the channel down.
func (c *Channel) Close() error {
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("op=broker.channel_close: %w", err)
	}
	return nil
}
