package messaging

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/glimte/mmate-relay/internal/logging"
)

// QueueProcessor forwards every InputMessage on inputQueue to outputQueue as an
// OutputMessage with a new UUID. Redeliveries get a new UUID each time.
type QueueProcessor struct {
	publisher   Publisher
	inputQueue  string
	outputQueue string
	newID       func() string
	logger      logrus.FieldLogger
}

// ProcessorOption configures a QueueProcessor
type ProcessorOption func(*QueueProcessor)

// WithProcessorLogger sets the logger
func WithProcessorLogger(logger logrus.FieldLogger) ProcessorOption {
	return func(p *QueueProcessor) {
		p.logger = logger
	}
}

// WithIDGenerator replaces the UUID generator
func WithIDGenerator(newID func() string) ProcessorOption {
	return func(p *QueueProcessor) {
		p.newID = newID
	}
}

// NewQueueProcessor creates a processor publishing through publisher
func NewQueueProcessor(publisher Publisher, inputQueue, outputQueue string, options ...ProcessorOption) *QueueProcessor {
	p := &QueueProcessor{
		publisher:   publisher,
		inputQueue:  inputQueue,
		outputQueue: outputQueue,
		newID:       uuid.NewString,
		logger:      logrus.StandardLogger(),
	}
	for _, opt := range options {
		opt(p)
	}
	p.logger = logging.Component(p.logger, "messaging.processor")
	return p
}

// Handle implements MessageHandler
func (p *QueueProcessor) Handle(ctx context.Context, delivery amqp.Delivery) error {
	in, err := DecodeInputMessage(delivery.Body)
	if err != nil {
		return err
	}

	out := NewOutputMessage(p.newID(), in)
	if err := p.publisher.Publish(ctx, p.outputQueue, out); err != nil {
		return fmt.Errorf("forward to %s: %w", p.outputQueue, err)
	}

	p.logger.WithFields(logrus.Fields{
		"correlation_id": CorrelationID(ctx),
		"input_queue":    p.inputQueue,
		"output_queue":   p.outputQueue,
		"uuid_added":     out.ID,
		"user_id":        out.UserID,
		"product_name":   out.ProductName,
	}).Info("message forwarded")
	return nil
}
