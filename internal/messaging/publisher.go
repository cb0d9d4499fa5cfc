package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher emits JSON messages to the cross product of its bindings'
// exchanges and routing keys. It holds one channel on the shared connection
// for the process lifetime.
type Publisher struct {
	conn     *Connection
	bindings []Binding
	logger   *zap.Logger

	mu     sync.Mutex
	ch     *amqp.Channel
	closed bool
}

// NewPublisher opens a channel and declares the bound exchanges.
func NewPublisher(conn *Connection, logger *zap.Logger, bindings ...Binding) (*Publisher, error) {
	p := &Publisher{
		conn:     conn,
		bindings: bindings,
		logger:   logger,
	}
	if err := p.ensureChannel(); err != nil {
		return nil, err
	}
	return p, nil
}

// ensureChannel opens the channel and declares exchanges if needed. Callers
// must hold no lock; ensureChannel takes it.
func (p *Publisher) ensureChannel() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrConnectionClosed
	}
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open publisher channel: %w", err)
	}

	for _, b := range p.bindings {
		if err := ch.ExchangeDeclare(b.Exchange, "topic", true, false, false, false, nil); err != nil {
			ch.Close()
			return fmt.Errorf("failed to declare exchange %s: %w", b.Exchange, err)
		}
	}

	p.ch = ch
	return nil
}

// Publish serializes v as JSON and emits it once per (exchange, routing key)
// pair. No delivery confirmation beyond broker defaults.
func (p *Publisher) Publish(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message body: %w", err)
	}

	if err := p.ensureChannel(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		return ErrUnhealthy
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now().UTC(),
	}

	for _, b := range p.bindings {
		for _, key := range b.Keys {
			if err := p.ch.PublishWithContext(ctx, b.Exchange, key.String(), false, false, msg); err != nil {
				return fmt.Errorf("failed to publish to %s/%s: %w", b.Exchange, key, err)
			}
			p.logger.Debug("published message",
				zap.String("exchange", b.Exchange),
				zap.String("routing_key", key.String()),
				zap.Int("bytes", len(body)))
		}
	}

	return nil
}

// PublishTo serializes v as JSON and emits it on every bound exchange under
// an explicit routing key, ignoring the bindings' own keys. Used by callers
// that address many subjects through one channel.
func (p *Publisher) PublishTo(key RoutingKey, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message body: %w", err)
	}

	if err := p.ensureChannel(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		return ErrUnhealthy
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now().UTC(),
	}

	for _, b := range p.bindings {
		if err := p.ch.PublishWithContext(ctx, b.Exchange, key.String(), false, false, msg); err != nil {
			return fmt.Errorf("failed to publish to %s/%s: %w", b.Exchange, key, err)
		}
		p.logger.Debug("published message",
			zap.String("exchange", b.Exchange),
			zap.String("routing_key", key.String()),
			zap.Int("bytes", len(body)))
	}

	return nil
}

// Close closes the publisher's channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch.Close()
	}
	return nil
}
