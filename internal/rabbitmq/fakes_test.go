package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeConnection stands in for *amqp.Connection
type fakeConnection struct {
	mu      sync.Mutex
	notify  chan *amqp.Error
	closed  bool
	chanErr error
}

func (f *fakeConnection) Channel() (*amqp.Channel, error) {
	if f.chanErr != nil {
		return nil, f.chanErr
	}
	return nil, errors.New("fake connection has no channels")
}

func (f *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = receiver
	return receiver
}

func (f *fakeConnection) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	f.closed = true
	close(f.notify)
	return nil
}

// drop simulates the broker closing the connection
func (f *fakeConnection) drop(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.notify <- &amqp.Error{Code: amqp.ConnectionForced, Reason: reason, Server: true}
	close(f.notify)
}

// stateRecorder records connection state notifications
type stateRecorder struct {
	mu          sync.Mutex
	events      []string
	lastErr     error
	lastAttempt int
}

func (r *stateRecorder) OnConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "connected")
}

func (r *stateRecorder) OnDisconnected(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "disconnected")
	r.lastErr = err
}

func (r *stateRecorder) OnReconnecting(attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "reconnecting")
	r.lastAttempt = attempt
}

func (r *stateRecorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

// fakePublishChannel confirms publishes like a broker channel in confirm mode
type fakePublishChannel struct {
	mu          sync.Mutex
	confirms    chan amqp.Confirmation
	confirmErr  error
	declareErr  error
	publishErr  error
	autoConfirm bool
	nack        map[uint64]bool
	tag         uint64
	declared    []string
	published   []fakePublication
	closed      bool
}

type fakePublication struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

func newFakePublishChannel() *fakePublishChannel {
	return &fakePublishChannel{autoConfirm: true, nack: make(map[uint64]bool)}
}

func (f *fakePublishChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.declareErr != nil {
		return amqp.Queue{}, f.declareErr
	}
	f.declared = append(f.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakePublishChannel) Confirm(noWait bool) error {
	return f.confirmErr
}

func (f *fakePublishChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms = confirm
	return confirm
}

func (f *fakePublishChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	if f.publishErr != nil {
		return f.publishErr
	}
	f.tag++
	f.published = append(f.published, fakePublication{exchange: exchange, key: key, msg: msg})
	if f.autoConfirm {
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: !f.nack[f.tag]}
	}
	return nil
}

// confirm sends a confirmation for tag
func (f *fakePublishChannel) confirm(tag uint64, ack bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms <- amqp.Confirmation{DeliveryTag: tag, Ack: ack}
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

func (f *fakePublishChannel) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakePublishChannel) publications() []fakePublication {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakePublication, len(f.published))
	copy(out, f.published)
	return out
}

// fakeConsumeChannel feeds deliveries from a buffered channel
type fakeConsumeChannel struct {
	mu         sync.Mutex
	deliveries chan amqp.Delivery
	declared   map[string]amqp.Table
	declareErr error
	consumeErr error
	tag        string
	cancelled  atomic.Bool
}

func newFakeConsumeChannel(buffer int) *fakeConsumeChannel {
	return &fakeConsumeChannel{
		deliveries: make(chan amqp.Delivery, buffer),
		declared:   make(map[string]amqp.Table),
	}
}

func (f *fakeConsumeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.declareErr != nil {
		return amqp.Queue{}, f.declareErr
	}
	if existing, ok := f.declared[name]; ok && !equivalentArgs(existing, args) {
		return amqp.Queue{}, &amqp.Error{
			Code:   amqp.PreconditionFailed,
			Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for queue '%s'", name),
			Server: true,
		}
	}
	f.declared[name] = args
	return amqp.Queue{Name: name}, nil
}

// predeclare records a declaration made by another client, such as a producer
func (f *fakeConsumeChannel) predeclare(name string, args amqp.Table) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared[name] = args
}

// equivalentArgs compares queue arguments the way the broker does for a
// redeclaration: absent and empty are the same.
func equivalentArgs(a, b amqp.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func (f *fakeConsumeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	f.tag = consumer
	return f.deliveries, nil
}

func (f *fakeConsumeChannel) Cancel(consumer string, noWait bool) error {
	f.cancelled.Store(true)
	return nil
}

func (f *fakeConsumeChannel) declaredArgs(name string) (amqp.Table, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	args, ok := f.declared[name]
	return args, ok
}

// fakeDeadLetterer records dead-lettered deliveries
type fakeDeadLetterer struct {
	mu      sync.Mutex
	err     error
	queues  []string
	bodies  []string
	headers []amqp.Table
}

type deadLettered struct {
	queue   string
	body    string
	headers amqp.Table
}

func (d *fakeDeadLetterer) DeadLetter(ctx context.Context, queue string, delivery amqp.Delivery, headers amqp.Table) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.queues = append(d.queues, queue)
	d.bodies = append(d.bodies, string(delivery.Body))
	d.headers = append(d.headers, headers)
	return nil
}

func (d *fakeDeadLetterer) messages() []deadLettered {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]deadLettered, len(d.queues))
	for i := range d.queues {
		out[i] = deadLettered{queue: d.queues[i], body: d.bodies[i], headers: d.headers[i]}
	}
	return out
}

// fakeAcknowledger records how deliveries were settled
type fakeAcknowledger struct {
	mu       sync.Mutex
	acked    []uint64
	nacked   []uint64
	requeued []bool
	ackErr   error
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return a.ackErr
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	a.requeued = append(a.requeued, requeue)
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) counts() (acked, nacked int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acked), len(a.nacked)
}

func (a *fakeAcknowledger) requeueFlags() []bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]bool, len(a.requeued))
	copy(out, a.requeued)
	return out
}

// countingMetrics implements ConsumerMetrics
type countingMetrics struct {
	received     atomic.Int64
	processed    atomic.Int64
	failed       atomic.Int64
	observations atomic.Int64
	maxActive    atomic.Int64
}

func (m *countingMetrics) IncMessagesReceived()  { m.received.Add(1) }
func (m *countingMetrics) IncMessagesProcessed() { m.processed.Add(1) }
func (m *countingMetrics) IncMessagesFailed()    { m.failed.Add(1) }

func (m *countingMetrics) ObserveProcessingDuration(time.Duration) { m.observations.Add(1) }

func (m *countingMetrics) SetActiveConsumers(n float64) {
	for {
		cur := m.maxActive.Load()
		if int64(n) <= cur || m.maxActive.CompareAndSwap(cur, int64(n)) {
			return
		}
	}
}
