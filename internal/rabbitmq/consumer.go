package rabbitmq

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/glimte/mmate-relay/internal/ids"
	"github.com/glimte/mmate-relay/internal/logging"
	"github.com/glimte/mmate-relay/messaging"
)

// DefaultConsumerTag identifies the relay's subscription on the broker
const DefaultConsumerTag = "mmate-relay"

// FailurePolicy decides how a delivery whose handler failed is settled
type FailurePolicy string

const (
	// FailureDeadLetter republishes the message to the dead-letter queue and
	// acks it. If the republish fails the message is requeued instead.
	FailureDeadLetter FailurePolicy = "dead-letter"
	// FailureRequeue requeues a first delivery and rejects a redelivery
	// without requeue. The input queue has no dead-letter exchange, so the
	// broker discards the rejected message. This includes messages flagged
	// redelivered only because an earlier connection dropped.
	FailureRequeue FailurePolicy = "requeue"
	// FailureLeavePending neither acks nor rejects. The message stays unacked
	// until the channel closes.
	FailureLeavePending FailurePolicy = "leave-pending"
)

// ParseFailurePolicy validates a configured policy name
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(s); p {
	case FailureDeadLetter, FailureRequeue, FailureLeavePending:
		return p, nil
	case "":
		return FailureDeadLetter, nil
	default:
		return "", fmt.Errorf("%w: unknown failure policy %q", ErrInvalidConfiguration, s)
	}
}

// ConsumeChannel is the subset of *amqp.Channel used by the Consumer
type ConsumeChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
}

// DeadLetterer moves a failed delivery to a dead-letter queue. It is
// implemented by *Publisher.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, queue string, delivery amqp.Delivery, headers amqp.Table) error
}

// Headers added to dead-lettered messages
const (
	HeaderSourceQueue   = "x-mmate-source-queue"
	HeaderFailureReason = "x-mmate-failure-reason"
	HeaderCorrelationID = "x-mmate-correlation-id"
)

// ConsumerMetrics receives per-delivery measurements
type ConsumerMetrics interface {
	IncMessagesReceived()
	IncMessagesProcessed()
	IncMessagesFailed()
	ObserveProcessingDuration(d time.Duration)
	SetActiveConsumers(n float64)
}

type nopConsumerMetrics struct{}

func (nopConsumerMetrics) IncMessagesReceived()                    {}
func (nopConsumerMetrics) IncMessagesProcessed()                   {}
func (nopConsumerMetrics) IncMessagesFailed()                      {}
func (nopConsumerMetrics) ObserveProcessingDuration(time.Duration) {}
func (nopConsumerMetrics) SetActiveConsumers(float64)              {}

// Consumer subscribes to a queue and runs a handler per delivery, with at most
// concurrency handlers in flight.
type Consumer struct {
	ch              ConsumeChannel
	concurrency     int64
	consumerTag     string
	policy          FailurePolicy
	deadLetterQueue string
	deadLetterer    DeadLetterer
	drainTimeout    time.Duration
	metrics         ConsumerMetrics
	logger          logrus.FieldLogger
	tracer          trace.Tracer
	newID           func() string

	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	inFlight atomic.Int64
	running  atomic.Bool
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConcurrency sets the number of handlers allowed to run at once
func WithConcurrency(n int) ConsumerOption {
	return func(c *Consumer) {
		c.concurrency = int64(n)
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithFailurePolicy sets how failed deliveries are settled. deadLetterQueue is
// only used by FailureDeadLetter; empty means "<queue>.dlq".
func WithFailurePolicy(policy FailurePolicy, deadLetterQueue string) ConsumerOption {
	return func(c *Consumer) {
		c.policy = policy
		c.deadLetterQueue = deadLetterQueue
	}
}

// WithDeadLetterer sets where FailureDeadLetter sends failed deliveries
func WithDeadLetterer(d DeadLetterer) ConsumerOption {
	return func(c *Consumer) {
		c.deadLetterer = d
	}
}

// WithDrainTimeout makes StartConsuming wait up to d for in-flight handlers
// before returning.
func WithDrainTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.drainTimeout = d
	}
}

// WithConsumerMetrics sets the metrics sink
func WithConsumerMetrics(m ConsumerMetrics) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger logrus.FieldLogger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer on ch. The channel should carry a prefetch
// quota of at least the configured concurrency.
func NewConsumer(ch ConsumeChannel, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		ch:          ch,
		concurrency: 1,
		consumerTag: DefaultConsumerTag,
		policy:      FailureDeadLetter,
		metrics:     nopConsumerMetrics{},
		logger:      logrus.StandardLogger(),
		tracer:      otel.Tracer("github.com/glimte/mmate-relay/internal/rabbitmq"),
		newID:       ids.NewCorrelationID,
	}

	for _, opt := range options {
		opt(c)
	}
	if c.concurrency < 1 {
		c.concurrency = 1
	}
	c.sem = semaphore.NewWeighted(c.concurrency)
	c.logger = logging.Component(c.logger, "rabbitmq.consumer")

	return c
}

// StartConsuming declares queue, subscribes to it and dispatches every delivery
// to handler until ctx is cancelled or the delivery stream ends. Both end the
// subscription with a nil error; declaration and subscription failures are
// returned as *TopologyError and *ConsumerError.
func (c *Consumer) StartConsuming(ctx context.Context, queue string, handler messaging.MessageHandler) error {
	if queue == "" {
		return ErrInvalidQueueName
	}
	if handler == nil {
		return fmt.Errorf("%w: handler is nil", ErrInvalidConfiguration)
	}
	if c.policy == FailureDeadLetter && c.deadLetterer == nil {
		return fmt.Errorf("%w: dead-letter policy needs a dead-letterer", ErrInvalidConfiguration)
	}
	if !c.running.CompareAndSwap(false, true) {
		return &ConsumerError{Queue: queue, ConsumerTag: c.consumerTag, Op: "start", Err: ErrConsumerRunning, Timestamp: time.Now()}
	}
	defer c.running.Store(false)

	if err := c.declare(queue); err != nil {
		return err
	}

	deliveries, err := c.ch.Consume(queue, c.consumerTag, false, false, false, false, nil)
	if err != nil {
		return &ConsumerError{
			Queue:       queue,
			ConsumerTag: c.consumerTag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	logger := c.logger.WithField("queue", queue)
	logger.WithFields(logrus.Fields{
		"consumer_tag":   c.consumerTag,
		"concurrency":    c.concurrency,
		"failure_policy": c.policy,
	}).Info("consuming messages")

	defer c.drain(logger)

	for {
		select {
		case <-ctx.Done():
			c.cancel(logger)
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				logger.Warn("delivery stream closed")
				return nil
			}
			if delivery.Acknowledger == nil {
				logger.WithError(ErrInvalidDelivery).WithField("delivery_tag", delivery.DeliveryTag).Error("skipping delivery")
				continue
			}
			if err := c.dispatch(ctx, queue, delivery, handler); err != nil {
				// permit wait aborted by cancellation; hand the message back
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					logger.WithError(nackErr).Debug("failed to requeue undispatched delivery")
				}
				c.cancel(logger)
				return nil
			}
		}
	}
}

// declare declares queue, and the dead-letter queue when one is used, as
// durable queues without arguments. Any producer declaring the same queue the
// same way gets an equivalent declaration.
func (c *Consumer) declare(queue string) error {
	if err := DeclareQueue(c.ch, QueueDeclaration{Name: queue, Durable: true}); err != nil {
		return err
	}
	if c.policy == FailureDeadLetter {
		return DeclareQueue(c.ch, QueueDeclaration{Name: c.deadLetterQueueFor(queue), Durable: true})
	}
	return nil
}

func (c *Consumer) deadLetterQueueFor(queue string) string {
	if c.deadLetterQueue != "" {
		return c.deadLetterQueue
	}
	return queue + ".dlq"
}

func (c *Consumer) cancel(logger logrus.FieldLogger) {
	if err := c.ch.Cancel(c.consumerTag, false); err != nil {
		logger.WithError(err).Debug("failed to cancel subscription")
	}
}

// dispatch blocks until a permit is free, then runs the handler in its own
// goroutine. It only fails when ctx is cancelled while waiting.
func (c *Consumer) dispatch(ctx context.Context, queue string, delivery amqp.Delivery, handler messaging.MessageHandler) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	correlationID := c.newID()
	c.metrics.IncMessagesReceived()

	c.wg.Add(1)
	c.metrics.SetActiveConsumers(float64(c.inFlight.Add(1)))

	go c.handle(context.WithoutCancel(ctx), queue, correlationID, delivery, handler)
	return nil
}

func (c *Consumer) handle(ctx context.Context, queue, correlationID string, delivery amqp.Delivery, handler messaging.MessageHandler) {
	defer func() {
		c.metrics.SetActiveConsumers(float64(c.inFlight.Add(-1)))
		c.sem.Release(1)
		c.wg.Done()
	}()

	ctx = messaging.WithCorrelationID(ctx, correlationID)
	ctx, span := c.tracer.Start(ctx, queue+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", queue),
			attribute.String("messaging.message.id", delivery.MessageId),
			attribute.String("messaging.correlation_id", correlationID),
		),
	)
	defer span.End()

	logger := c.logger.WithFields(logrus.Fields{
		"queue":          queue,
		"correlation_id": correlationID,
		"delivery_tag":   delivery.DeliveryTag,
	})

	start := time.Now()
	err := invoke(ctx, handler, delivery)
	elapsed := time.Since(start)
	c.metrics.ObserveProcessingDuration(elapsed)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.IncMessagesFailed()
		logger.WithError(err).WithField("duration_ms", elapsed.Milliseconds()).Error("failed to process message")
		c.settleFailure(ctx, logger, queue, correlationID, delivery, err)
		return
	}

	c.metrics.IncMessagesProcessed()
	if err := delivery.Ack(false); err != nil {
		logger.WithError(err).Error("failed to acknowledge message")
	}
	logger.WithField("duration_ms", elapsed.Milliseconds()).Info("message processed successfully")
}

func (c *Consumer) settleFailure(ctx context.Context, logger logrus.FieldLogger, queue, correlationID string, delivery amqp.Delivery, cause error) {
	var err error
	switch c.policy {
	case FailureDeadLetter:
		dlq := c.deadLetterQueueFor(queue)
		headers := amqp.Table{
			HeaderSourceQueue:   queue,
			HeaderFailureReason: cause.Error(),
			HeaderCorrelationID: correlationID,
		}
		if dlErr := c.deadLetterer.DeadLetter(ctx, dlq, delivery, headers); dlErr != nil {
			logger.WithError(dlErr).WithField("dead_letter_queue", dlq).Error("failed to dead-letter message, requeueing")
			err = delivery.Nack(false, true)
			break
		}
		err = delivery.Ack(false)
	case FailureRequeue:
		err = delivery.Nack(false, !delivery.Redelivered)
	case FailureLeavePending:
		return
	}
	if err != nil {
		logger.WithError(err).Error("failed to settle failed message")
	}
}

// invoke runs the handler, turning a panic into an error
func invoke(ctx context.Context, handler messaging.MessageHandler, delivery amqp.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrHandlerPanic, r, debug.Stack())
		}
	}()
	return handler.Handle(ctx, delivery)
}

func (c *Consumer) drain(logger logrus.FieldLogger) {
	if c.drainTimeout <= 0 {
		return
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("in-flight messages drained")
	case <-time.After(c.drainTimeout):
		logger.WithField("in_flight", c.inFlight.Load()).Warn("drain timeout elapsed with messages in flight")
	}
}

// Wait blocks until every dispatched handler has returned
func (c *Consumer) Wait() {
	c.wg.Wait()
}

// Running reports whether StartConsuming is active
func (c *Consumer) Running() bool {
	return c.running.Load()
}

// InFlight returns the number of handlers currently running
func (c *Consumer) InFlight() int {
	return int(c.inFlight.Load())
}
