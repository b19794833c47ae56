package rabbitmq

import (
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// PassiveDeclarer is implemented by *amqp.Channel
type PassiveDeclarer interface {
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
}

// QueueInfo is the broker's view of a queue
type QueueInfo struct {
	Name      string
	Messages  int
	Consumers int
}

// QueueInspector reads queue depth with passive declarations on a dedicated
// channel, so a missing queue never closes a channel that carries traffic.
type QueueInspector struct {
	mu sync.Mutex
	ch PassiveDeclarer
}

// NewQueueInspector creates an inspector using ch exclusively
func NewQueueInspector(ch PassiveDeclarer) *QueueInspector {
	return &QueueInspector{ch: ch}
}

// InspectQueue returns message and consumer counts for queueName
func (qi *QueueInspector) InspectQueue(queueName string) (QueueInfo, error) {
	qi.mu.Lock()
	defer qi.mu.Unlock()

	queue, err := qi.ch.QueueDeclarePassive(queueName, true, false, false, false, nil)
	if err != nil {
		return QueueInfo{}, fmt.Errorf("failed to inspect queue %s: %w", queueName, err)
	}

	return QueueInfo{
		Name:      queue.Name,
		Messages:  queue.Messages,
		Consumers: queue.Consumers,
	}, nil
}
