package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Subscriber owns a durable queue bound to one or more routing keys. A
// background consumer goroutine delivers message bodies into an in-process
// unbounded buffer; Consume drains that buffer without blocking.
//
// Ordering is FIFO within a single routing key only. Deliveries are
// auto-acknowledged on receipt, so a message lost to a parse error upstream
// is simply gone; commands are reissued by the operator when their effect
// does not materialize.
type Subscriber struct {
	conn     *Connection
	queue    QueueConfig
	bindings []Binding
	logger   *zap.Logger

	mu              sync.Mutex
	ch              *amqp.Channel
	actualQueueName string
	consumerTag     string
	stopped         bool
	unregister      func()

	bufMu  sync.Mutex
	buffer [][]byte

	wg sync.WaitGroup
}

// NewSubscriber declares the queue, binds it, and starts consuming. The
// subscriber registers with the connection's restored hook so it
// re-initialises automatically after a reconnect instead of silently
// stalling.
func NewSubscriber(conn *Connection, queue QueueConfig, logger *zap.Logger, bindings ...Binding) (*Subscriber, error) {
	s := &Subscriber{
		conn:     conn,
		queue:    queue,
		bindings: bindings,
		logger:   logger,
	}

	if err := s.setup(); err != nil {
		return nil, err
	}

	unregister := conn.OnRestored(func() {
		if err := s.setup(); err != nil {
			s.logger.Error("failed to re-initialise subscriber after reconnect",
				zap.String("queue", s.queue.Name),
				zap.Error(err))
		}
	})

	s.mu.Lock()
	s.unregister = unregister
	s.mu.Unlock()

	return s, nil
}

// setup declares the queue and bindings and starts a consumer goroutine.
// Declarations are idempotent, so setup is safe to call again after a
// channel or connection failure.
func (s *Subscriber) setup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}

	if s.ch != nil && !s.ch.IsClosed() {
		return nil
	}

	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open subscriber channel: %w", err)
	}

	for _, b := range s.bindings {
		if err := ch.ExchangeDeclare(b.Exchange, "topic", true, false, false, false, nil); err != nil {
			ch.Close()
			return fmt.Errorf("failed to declare exchange %s: %w", b.Exchange, err)
		}
	}

	q, err := ch.QueueDeclare(s.queue.Name, s.queue.Durable, s.queue.AutoDelete, s.queue.Exclusive, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to declare queue %s: %w", s.queue.Name, err)
	}
	// Server-named queues come back with a generated name.
	s.actualQueueName = q.Name

	for _, b := range s.bindings {
		for _, key := range b.Keys {
			if err := ch.QueueBind(q.Name, key.String(), b.Exchange, false, nil); err != nil {
				ch.Close()
				return fmt.Errorf("failed to bind %s to %s/%s: %w", q.Name, b.Exchange, key, err)
			}
		}
	}

	s.consumerTag = "gsfleet-" + uuid.NewString()
	deliveries, err := ch.Consume(q.Name, s.consumerTag, true, s.queue.Exclusive, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to start consumer on %s: %w", q.Name, err)
	}

	s.ch = ch
	s.wg.Add(1)
	go s.consume(deliveries)

	s.logger.Info("subscriber consuming",
		zap.String("queue", q.Name),
		zap.String("consumer_tag", s.consumerTag))

	return nil
}

// consume pushes delivered bodies into the buffer until the delivery channel
// closes. On an unexpected close it attempts one re-setup; if the whole
// connection is down the restored hook finishes the job.
func (s *Subscriber) consume(deliveries <-chan amqp.Delivery) {
	defer s.wg.Done()

	for msg := range deliveries {
		s.bufMu.Lock()
		s.buffer = append(s.buffer, msg.Body)
		s.bufMu.Unlock()
	}

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()

	if stopped {
		return
	}

	s.logger.Warn("subscriber delivery channel closed, re-initialising",
		zap.String("queue", s.queue.Name))

	if err := s.setup(); err != nil {
		s.logger.Warn("subscriber re-initialisation failed, waiting for connection restore",
			zap.String("queue", s.queue.Name),
			zap.Error(err))
	}
}

// Consume drains the buffer and returns the batch, possibly empty. It never
// blocks.
func (s *Subscriber) Consume() [][]byte {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()

	if len(s.buffer) == 0 {
		return nil
	}
	batch := s.buffer
	s.buffer = nil
	return batch
}

// ActualQueueName returns the broker-assigned queue name.
func (s *Subscriber) ActualQueueName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actualQueueName
}

// Shutdown cancels the consumer, closes the channel, and joins the consumer
// goroutine with a bounded timeout.
func (s *Subscriber) Shutdown() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	ch := s.ch
	tag := s.consumerTag
	unregister := s.unregister
	s.mu.Unlock()

	// Drop the restored hook so finished subscribers do not pile up on the
	// shared connection.
	if unregister != nil {
		unregister()
	}

	if ch != nil && !ch.IsClosed() {
		if err := ch.Cancel(tag, false); err != nil {
			s.logger.Warn("failed to cancel consumer", zap.String("consumer_tag", tag), zap.Error(err))
		}
		ch.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("timed out waiting for consumer goroutine",
			zap.String("queue", s.queue.Name))
	}
}
