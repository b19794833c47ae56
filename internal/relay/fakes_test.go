package relay

import (
	"context"
	"fmt"
	"io"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/glimte/mmate-relay/internal/rabbitmq"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type publication struct {
	queue   string
	body    []byte
	headers amqp.Table
}

// fakeBroker hands out in-memory channels, one set per connection
type fakeBroker struct {
	mu         sync.Mutex
	connectErr error
	connects   int
	connected  bool
	closed     bool
	lost       chan error
	depth      int

	published  []publication
	publishers []*fakePublishChannel
	consumers  []*fakeConsumeChannel
}

func (b *fakeBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	b.connects++
	if b.connectErr != nil {
		return b.connectErr
	}
	b.connected = true
	b.lost = make(chan error, 1)
	return nil
}

func (b *fakeBroker) NotifyLost() <-chan error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lost
}

func (b *fakeBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBroker) OpenPublishChannel() (rabbitmq.PublishChannel, error) {
	ch := &fakePublishChannel{broker: b}
	b.mu.Lock()
	b.publishers = append(b.publishers, ch)
	b.mu.Unlock()
	return ch, nil
}

func (b *fakeBroker) OpenConsumeChannel(prefetch int) (ConsumeChannel, error) {
	ch := &fakeConsumeChannel{deliveries: make(chan amqp.Delivery, 16), subscribed: make(chan struct{})}
	b.mu.Lock()
	b.consumers = append(b.consumers, ch)
	b.mu.Unlock()
	return ch, nil
}

func (b *fakeBroker) OpenInspectChannel() (InspectChannel, error) {
	return &fakeInspectChannel{broker: b}, nil
}

func (b *fakeBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.connected = false
	return nil
}

// lose simulates the broker dropping the connection
func (b *fakeBroker) lose() {
	b.mu.Lock()
	b.connected = false
	lost := b.lost
	current := b.consumers[len(b.consumers)-1]
	b.mu.Unlock()

	lost <- fmt.Errorf("%w: CONNECTION_FORCED", rabbitmq.ErrConnectionLost)
	current.closeDeliveries()
}

// closePublisher simulates the broker closing only the current publisher
// channel, as after a channel exception
func (b *fakeBroker) closePublisher() {
	b.mu.Lock()
	current := b.publishers[len(b.publishers)-1]
	b.mu.Unlock()
	_ = current.Close()
}

func (b *fakeBroker) publisherCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.publishers)
}

func (b *fakeBroker) consumer(i int) *fakeConsumeChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= len(b.consumers) {
		return nil
	}
	return b.consumers[i]
}

func (b *fakeBroker) connectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

func (b *fakeBroker) publications() []publication {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]publication, len(b.published))
	copy(out, b.published)
	return out
}

type fakePublishChannel struct {
	broker   *fakeBroker
	mu       sync.Mutex
	confirms chan amqp.Confirmation
	tag      uint64
	closed   bool
}

func (f *fakePublishChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (f *fakePublishChannel) Confirm(noWait bool) error { return nil }

func (f *fakePublishChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = confirm
	return confirm
}

func (f *fakePublishChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	f.broker.mu.Lock()
	f.broker.published = append(f.broker.published, publication{queue: key, body: msg.Body, headers: msg.Headers})
	f.broker.mu.Unlock()

	f.tag++
	f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: true}
	return nil
}

func (f *fakePublishChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	f.closed = true
	close(f.confirms)
	return nil
}

type fakeConsumeChannel struct {
	deliveries chan amqp.Delivery
	subscribed chan struct{}
	subOnce    sync.Once
	closeOnce  sync.Once
}

func (f *fakeConsumeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (f *fakeConsumeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	f.subOnce.Do(func() { close(f.subscribed) })
	return f.deliveries, nil
}

func (f *fakeConsumeChannel) Cancel(consumer string, noWait bool) error { return nil }

func (f *fakeConsumeChannel) Close() error {
	f.closeDeliveries()
	return nil
}

func (f *fakeConsumeChannel) closeDeliveries() {
	f.closeOnce.Do(func() { close(f.deliveries) })
}

type fakeInspectChannel struct {
	broker *fakeBroker
}

func (f *fakeInspectChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.broker.mu.Lock()
	defer f.broker.mu.Unlock()
	return amqp.Queue{Name: name, Messages: f.broker.depth}, nil
}

func (f *fakeInspectChannel) Close() error { return nil }

// fakeAcknowledger records how deliveries were settled
type fakeAcknowledger struct {
	mu     sync.Mutex
	acked  int
	nacked int
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked++
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked++
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acked, a.nacked
}
