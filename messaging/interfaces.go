package messaging

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler handles a single delivery. It must not acknowledge the
// delivery itself; the consumer settles it from the returned error.
type MessageHandler interface {
	Handle(ctx context.Context, delivery amqp.Delivery) error
}

// MessageHandlerFunc is a function adapter for MessageHandler
type MessageHandlerFunc func(ctx context.Context, delivery amqp.Delivery) error

// Handle implements MessageHandler
func (f MessageHandlerFunc) Handle(ctx context.Context, delivery amqp.Delivery) error {
	return f(ctx, delivery)
}

// Publisher publishes a message to a named queue and returns once the broker
// has confirmed it.
type Publisher interface {
	Publish(ctx context.Context, queue string, message any) error
}
