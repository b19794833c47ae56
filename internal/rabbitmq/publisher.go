package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/glimte/mmate-relay/internal/jsoncodec"
	"github.com/glimte/mmate-relay/internal/logging"
)

// ContentTypeJSON is the content type of every published message
const ContentTypeJSON = "application/json"

// PublishChannel is the subset of *amqp.Channel used by the Publisher
type PublishChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher publishes persistent JSON messages on a single confirm-mode
// channel. It is safe for concurrent use: sends are serialized, and broker
// confirmations are matched back to their callers by delivery tag so
// concurrent publishes wait for their confirms in parallel.
type Publisher struct {
	ch             PublishChannel
	confirmTimeout time.Duration
	logger         logrus.FieldLogger

	sendMu  sync.Mutex
	nextTag uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan amqp.Confirmation
	closed    bool

	done chan struct{}
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long Publish waits for the broker confirmation
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger logrus.FieldLogger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher puts ch into confirm mode and starts matching confirmations.
func NewPublisher(ch PublishChannel, options ...PublisherOption) (*Publisher, error) {
	if ch == nil {
		return nil, fmt.Errorf("%w: publisher channel is nil", ErrInvalidConfiguration)
	}

	p := &Publisher{
		ch:             ch,
		confirmTimeout: 10 * time.Second,
		logger:         logrus.StandardLogger(),
		pending:        make(map[uint64]chan amqp.Confirmation),
		done:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(p)
	}
	p.logger = logging.Component(p.logger, "rabbitmq.publisher")

	if err := ch.Confirm(false); err != nil {
		return nil, &ChannelError{
			Op:        "enable confirms",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 128))
	go p.dispatchConfirms(confirms)

	return p, nil
}

// Publish declares queue as durable, then publishes message to it through the
// default exchange and waits for the broker confirmation.
func (p *Publisher) Publish(ctx context.Context, queue string, message any) error {
	if queue == "" {
		return ErrInvalidQueueName
	}

	body, err := encode(message)
	if err != nil {
		return err
	}

	if err := DeclareQueue(p.ch, QueueDeclaration{Name: queue, Durable: true}); err != nil {
		return err
	}

	if err := p.publish(ctx, "", queue, body); err != nil {
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"queue":        queue,
		"message_size": len(body),
	}).Debug("message published")
	return nil
}

// PublishWithRoutingKey publishes message to exchange with the given routing
// key. No queue is declared; confirmation semantics are the same as Publish.
func (p *Publisher) PublishWithRoutingKey(ctx context.Context, exchange, routingKey string, message any) error {
	body, err := encode(message)
	if err != nil {
		return err
	}

	if err := p.publish(ctx, exchange, routingKey, body); err != nil {
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"exchange":     exchange,
		"routing_key":  routingKey,
		"message_size": len(body),
	}).Debug("message published to exchange")
	return nil
}

// DeadLetter declares queue as durable and republishes delivery to it with
// body, content type, ids and headers unchanged. headers are merged over the
// delivery's own. It waits for the broker confirmation like Publish.
func (p *Publisher) DeadLetter(ctx context.Context, queue string, delivery amqp.Delivery, headers amqp.Table) error {
	if queue == "" {
		return ErrInvalidQueueName
	}
	if err := DeclareQueue(p.ch, QueueDeclaration{Name: queue, Durable: true}); err != nil {
		return err
	}

	merged := make(amqp.Table, len(delivery.Headers)+len(headers))
	for k, v := range delivery.Headers {
		merged[k] = v
	}
	for k, v := range headers {
		merged[k] = v
	}

	msg := amqp.Publishing{
		Headers:         merged,
		ContentType:     delivery.ContentType,
		ContentEncoding: delivery.ContentEncoding,
		DeliveryMode:    amqp.Persistent,
		CorrelationId:   delivery.CorrelationId,
		MessageId:       delivery.MessageId,
		Timestamp:       delivery.Timestamp,
		Type:            delivery.Type,
		Body:            delivery.Body,
	}
	if msg.MessageId == "" {
		msg.MessageId = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if err := p.publishMessage(ctx, "", queue, msg); err != nil {
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"queue":        queue,
		"message_size": len(delivery.Body),
	}).Debug("message dead-lettered")
	return nil
}

// Done is closed once the publisher channel is closed, whether by Close or by
// the broker. Every later publish fails with ErrChannelClosed.
func (p *Publisher) Done() <-chan struct{} {
	return p.done
}

// Closed reports whether the publisher channel is closed
func (p *Publisher) Closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Close closes the publisher channel and fails any publish still waiting for
// a confirmation.
func (p *Publisher) Close() error {
	err := p.ch.Close()
	<-p.done
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &ChannelError{Op: "close publisher channel", Err: err, Timestamp: time.Now()}
	}
	return nil
}

func encode(message any) ([]byte, error) {
	body, err := jsoncodec.Marshal(message)
	if err != nil {
		return nil, &SerializationError{Type: fmt.Sprintf("%T", message), Err: err}
	}
	return body, nil
}

func (p *Publisher) publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	return p.publishMessage(ctx, exchange, routingKey, amqp.Publishing{
		ContentType:  ContentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (p *Publisher) publishMessage(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	tag, waiter, err := p.send(ctx, exchange, routingKey, msg)
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	if err := p.awaitConfirm(ctx, tag, waiter); err != nil {
		return &PublishError{
			Exchange:    exchange,
			RoutingKey:  routingKey,
			DeliveryTag: tag,
			Err:         err,
			Timestamp:   time.Now(),
		}
	}
	return nil
}

// send publishes msg and returns the delivery tag the broker will confirm it
// under. The waiter is registered before the frame is sent so a fast
// confirmation cannot overtake it.
func (p *Publisher) send(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) (uint64, chan amqp.Confirmation, error) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	tag := p.nextTag + 1
	waiter := make(chan amqp.Confirmation, 1)

	p.pendingMu.Lock()
	if p.closed {
		p.pendingMu.Unlock()
		return 0, nil, ErrChannelClosed
	}
	p.pending[tag] = waiter
	p.pendingMu.Unlock()

	if err := p.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		p.forget(tag)
		return 0, nil, err
	}

	p.nextTag = tag
	return tag, waiter, nil
}

func (p *Publisher) awaitConfirm(ctx context.Context, tag uint64, waiter <-chan amqp.Confirmation) error {
	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-waiter:
		if !ok {
			return ErrChannelClosed
		}
		if !confirm.Ack {
			return ErrPublishNotConfirmed
		}
		return nil

	case <-timer.C:
		p.forget(tag)
		return ErrPublishTimeout

	case <-ctx.Done():
		p.forget(tag)
		return ctx.Err()
	}
}

func (p *Publisher) forget(tag uint64) {
	p.pendingMu.Lock()
	delete(p.pending, tag)
	p.pendingMu.Unlock()
}

// dispatchConfirms hands each confirmation to the publish waiting for it.
// When the channel closes the stream ends and all waiters are released.
func (p *Publisher) dispatchConfirms(confirms <-chan amqp.Confirmation) {
	defer close(p.done)

	for confirm := range confirms {
		p.pendingMu.Lock()
		waiter, ok := p.pending[confirm.DeliveryTag]
		delete(p.pending, confirm.DeliveryTag)
		p.pendingMu.Unlock()

		if !ok {
			p.logger.WithField("delivery_tag", confirm.DeliveryTag).Debug("confirmation for abandoned publish")
			continue
		}
		waiter <- confirm
	}

	p.pendingMu.Lock()
	p.closed = true
	for tag, waiter := range p.pending {
		close(waiter)
		delete(p.pending, tag)
	}
	p.pendingMu.Unlock()

	p.logger.Debug("confirm stream closed")
}
