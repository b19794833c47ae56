package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mmate-relay/internal/rabbitmq"
)

// ConnectionStatus is implemented by *rabbitmq.ConnectionManager
type ConnectionStatus interface {
	IsConnected() bool
}

// BrokerChecker reports whether the broker connection is up
type BrokerChecker struct {
	conn ConnectionStatus
}

func NewBrokerChecker(conn ConnectionStatus) *BrokerChecker {
	return &BrokerChecker{conn: conn}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start}

	if c.conn.IsConnected() {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Not connected to RabbitMQ"
	}

	result.Duration = time.Since(start)
	return result
}

// ConsumerState is implemented by *rabbitmq.Consumer
type ConsumerState interface {
	Running() bool
	InFlight() int
}

// ConsumerChecker reports whether the subscription is active
type ConsumerChecker struct {
	consumer func() ConsumerState
}

// NewConsumerChecker takes a getter because the supervisor replaces the
// consumer on every reconnect. A nil consumer is reported as unhealthy.
func NewConsumerChecker(consumer func() ConsumerState) *ConsumerChecker {
	return &ConsumerChecker{consumer: consumer}
}

func (c *ConsumerChecker) Name() string {
	return "consumer"
}

func (c *ConsumerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start, Details: make(map[string]any)}

	consumer := c.consumer()
	switch {
	case consumer == nil:
		result.Status = StatusUnhealthy
		result.Message = "Consumer not started"
	case !consumer.Running():
		result.Status = StatusUnhealthy
		result.Message = "Consumer is not subscribed"
	default:
		result.Status = StatusHealthy
		result.Message = "Consumer is subscribed"
		result.Details["in_flight"] = consumer.InFlight()
	}

	result.Duration = time.Since(start)
	return result
}

// PublisherState is implemented by *rabbitmq.Publisher
type PublisherState interface {
	Closed() bool
}

// PublisherChecker reports whether the publisher channel is open
type PublisherChecker struct {
	publisher func() PublisherState
}

func NewPublisherChecker(publisher func() PublisherState) *PublisherChecker {
	return &PublisherChecker{publisher: publisher}
}

func (c *PublisherChecker) Name() string {
	return "publisher"
}

func (c *PublisherChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start}

	publisher := c.publisher()
	switch {
	case publisher == nil:
		result.Status = StatusUnhealthy
		result.Message = "Publisher not started"
	case publisher.Closed():
		result.Status = StatusUnhealthy
		result.Message = "Publisher channel is closed"
	default:
		result.Status = StatusHealthy
		result.Message = "Publisher channel is open"
	}

	result.Duration = time.Since(start)
	return result
}

// QueueInspector is implemented by *rabbitmq.QueueInspector
type QueueInspector interface {
	InspectQueue(name string) (rabbitmq.QueueInfo, error)
}

// QueueChecker checks that a queue is accessible and not backed up
type QueueChecker struct {
	queueName string
	inspector func() QueueInspector
	threshold int
}

// NewQueueChecker reports degraded once more than threshold messages are
// waiting. A threshold of 0 disables the backlog check.
func NewQueueChecker(queueName string, inspector func() QueueInspector, threshold int) *QueueChecker {
	return &QueueChecker{queueName: queueName, inspector: inspector, threshold: threshold}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queueName)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start, Details: make(map[string]any)}

	inspector := c.inspector()
	if inspector == nil {
		result.Status = StatusUnhealthy
		result.Message = "Queue inspector unavailable"
		result.Duration = time.Since(start)
		return result
	}

	queue, err := inspector.InspectQueue(c.queueName)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queueName)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is accessible", c.queueName)
	result.Details["message_count"] = queue.Messages
	result.Details["consumer_count"] = queue.Consumers
	if c.threshold > 0 && queue.Messages > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.queueName)
	}

	result.Duration = time.Since(start)
	return result
}
