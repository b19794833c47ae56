package relay

import (
	"context"

	"github.com/glimte/mmate-relay/internal/rabbitmq"
)

// ConsumeChannel is a consumer channel the relay can close on teardown
type ConsumeChannel interface {
	rabbitmq.ConsumeChannel
	Close() error
}

// InspectChannel is a queue-inspection channel the relay can close on teardown
type InspectChannel interface {
	rabbitmq.PassiveDeclarer
	Close() error
}

// Broker is the connection the relay runs on
type Broker interface {
	Connect(ctx context.Context) error
	NotifyLost() <-chan error
	IsConnected() bool
	OpenPublishChannel() (rabbitmq.PublishChannel, error)
	OpenConsumeChannel(prefetch int) (ConsumeChannel, error)
	OpenInspectChannel() (InspectChannel, error)
	Close() error
}

type amqpBroker struct {
	*rabbitmq.ConnectionManager
}

// NewAMQPBroker adapts a ConnectionManager to Broker
func NewAMQPBroker(cm *rabbitmq.ConnectionManager) Broker {
	return amqpBroker{ConnectionManager: cm}
}

func (b amqpBroker) OpenPublishChannel() (rabbitmq.PublishChannel, error) {
	ch, err := b.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (b amqpBroker) OpenConsumeChannel(prefetch int) (ConsumeChannel, error) {
	ch, err := b.ChannelWithQos(prefetch)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (b amqpBroker) OpenInspectChannel() (InspectChannel, error) {
	ch, err := b.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}
