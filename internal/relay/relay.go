// Package relay supervises the consume, forward and acknowledge pipeline
// together with the metrics endpoint.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/mmate-relay/health"
	"github.com/glimte/mmate-relay/internal/config"
	"github.com/glimte/mmate-relay/internal/logging"
	"github.com/glimte/mmate-relay/internal/metrics"
	"github.com/glimte/mmate-relay/internal/rabbitmq"
	"github.com/glimte/mmate-relay/internal/server"
	"github.com/glimte/mmate-relay/messaging"
)

// lossGracePeriod bounds how long a session whose delivery stream ended waits
// for the connection loss notification that usually caused it.
const lossGracePeriod = time.Second

var (
	errSubscriptionEnded = errors.New("relay: subscription ended")
	errPublisherClosed   = errors.New("relay: publisher channel closed")
	errNoSession         = errors.New("relay: no active broker session")
)

// Relay wires the broker session, the consumer and the HTTP endpoint
type Relay struct {
	cfg      *config.Config
	broker   Broker
	metrics  *metrics.Metrics
	logger   logrus.FieldLogger
	health   *health.Registry
	server   *server.Server
	listener net.Listener

	consumerMu sync.RWMutex
	consumer   *rabbitmq.Consumer
	publisher  *rabbitmq.Publisher

	inspectMu sync.Mutex
	active    bool
	inspectCh InspectChannel
	inspector *rabbitmq.QueueInspector
}

type Option func(*Relay)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

// WithListener serves HTTP on ln instead of listening on the configured port
func WithListener(ln net.Listener) Option {
	return func(r *Relay) {
		r.listener = ln
	}
}

func New(cfg *config.Config, broker Broker, m *metrics.Metrics, opts ...Option) *Relay {
	r := &Relay{
		cfg:     cfg,
		broker:  broker,
		metrics: m,
		logger:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	base := r.logger
	r.logger = logging.Component(base, "relay")

	r.health = health.NewRegistry()
	r.health.Register(health.NewBrokerChecker(broker))
	r.health.Register(health.NewConsumerChecker(r.currentConsumer))
	r.health.Register(health.NewPublisherChecker(r.currentPublisher))
	r.health.Register(health.NewQueueChecker(cfg.Queues.InputQueue, func() health.QueueInspector { return r }, 0))

	r.server = server.New(m,
		server.WithPort(cfg.App.Port),
		server.WithHealth(r.health),
		server.WithLogger(base),
	)

	if cfg.AMQP.PrefetchCount > 0 && cfg.AMQP.PrefetchCount < cfg.AMQP.Concurrent {
		r.logger.WithFields(logrus.Fields{
			"prefetch_count": cfg.AMQP.PrefetchCount,
			"concurrent":     cfg.AMQP.Concurrent,
		}).Warn("prefetch count below concurrency, handlers will be underused")
	}
	return r
}

// Health returns the registry behind /healthz
func (r *Relay) Health() *health.Registry {
	return r.health
}

// Run blocks until ctx is cancelled or a fatal error occurs, then closes the
// broker connection. Cancellation is a clean shutdown and returns nil.
func (r *Relay) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.supervise(gctx)
	})
	g.Go(func() error {
		if r.listener != nil {
			return r.server.Serve(gctx, r.listener)
		}
		return r.server.Run(gctx)
	})
	g.Go(func() error {
		r.refreshMetrics(gctx)
		return nil
	})

	err := g.Wait()
	if closeErr := r.broker.Close(); closeErr != nil {
		r.logger.WithError(closeErr).Warn("failed to close broker connection")
	}
	return err
}

// supervise connects, runs a session and reconnects after a lost connection.
// Connect exhaustion is fatal, as is any loss when reconnecting is disabled.
func (r *Relay) supervise(ctx context.Context) error {
	for {
		if err := r.broker.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connect to broker: %w", err)
		}

		err := r.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		switch {
		case errors.Is(err, rabbitmq.ErrConnectionLost):
			if !r.cfg.AMQP.Reconnect {
				return err
			}
			r.metrics.IncReconnections()
			r.logger.WithError(err).Warn("connection lost, reconnecting")

		case errors.Is(err, errSubscriptionEnded), errors.Is(err, errPublisherClosed):
			r.logger.WithError(err).Warn("session ended while connected, starting a new one")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.cfg.AMQP.RetryDelay):
			}

		default:
			return err
		}
	}
}

// session runs one subscription on the current connection
func (r *Relay) session(ctx context.Context) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lost := make(chan error, 1)
	go func(notify <-chan error) {
		select {
		case err := <-notify:
			lost <- err
			cancel()
		case <-sessCtx.Done():
		}
	}(r.broker.NotifyLost())

	pubCh, err := r.broker.OpenPublishChannel()
	if err != nil {
		return r.classify(ctx, lost, fmt.Errorf("open publisher channel: %w", err))
	}
	publisher, err := rabbitmq.NewPublisher(pubCh,
		rabbitmq.WithConfirmTimeout(r.cfg.AMQP.ConfirmTimeout),
		rabbitmq.WithPublisherLogger(r.logger),
	)
	if err != nil {
		_ = pubCh.Close()
		return r.classify(ctx, lost, err)
	}
	defer publisher.Close()

	// a broker-closed publisher channel ends the session so it is rebuilt
	go func() {
		select {
		case <-publisher.Done():
			cancel()
		case <-sessCtx.Done():
		}
	}()

	consCh, err := r.broker.OpenConsumeChannel(r.cfg.AMQP.PrefetchCount)
	if err != nil {
		return r.classify(ctx, lost, fmt.Errorf("open consumer channel: %w", err))
	}
	defer consCh.Close()

	consumer := rabbitmq.NewConsumer(consCh,
		rabbitmq.WithConcurrency(r.cfg.AMQP.Concurrent),
		rabbitmq.WithConsumerTag(r.cfg.App.Name),
		rabbitmq.WithFailurePolicy(r.cfg.FailurePolicy(), r.cfg.Queues.DeadLetterQueue),
		rabbitmq.WithDeadLetterer(publisher),
		rabbitmq.WithDrainTimeout(r.cfg.Shutdown.DrainTimeout),
		rabbitmq.WithConsumerMetrics(r.metrics),
		rabbitmq.WithConsumerLogger(r.logger),
	)
	processor := messaging.NewInterceptorChain(
		messaging.NewTimeoutInterceptor(r.cfg.AMQP.HandlerTimeout),
	).Then(messaging.NewQueueProcessor(publisher, r.cfg.Queues.InputQueue, r.cfg.Queues.OutputQueue,
		messaging.WithProcessorLogger(r.logger),
	))

	r.beginSession(consumer, publisher)
	defer r.endSession()

	err = consumer.StartConsuming(sessCtx, r.cfg.Queues.InputQueue, processor)
	if err == nil {
		err = errSubscriptionEnded
		if publisher.Closed() {
			err = errPublisherClosed
		}
	}
	return r.classify(ctx, lost, err)
}

// classify prefers a connection loss over the error it caused
func (r *Relay) classify(ctx context.Context, lost <-chan error, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	select {
	case lostErr := <-lost:
		return lostErr
	case <-time.After(lossGracePeriod):
		return err
	}
}

func (r *Relay) beginSession(consumer *rabbitmq.Consumer, publisher *rabbitmq.Publisher) {
	r.consumerMu.Lock()
	r.consumer = consumer
	r.publisher = publisher
	r.consumerMu.Unlock()

	r.inspectMu.Lock()
	r.active = true
	r.inspectMu.Unlock()
}

func (r *Relay) endSession() {
	r.consumerMu.Lock()
	r.consumer = nil
	r.publisher = nil
	r.consumerMu.Unlock()

	r.inspectMu.Lock()
	r.active = false
	r.closeInspector()
	r.inspectMu.Unlock()
}

func (r *Relay) currentConsumer() health.ConsumerState {
	r.consumerMu.RLock()
	defer r.consumerMu.RUnlock()
	if r.consumer == nil {
		return nil
	}
	return r.consumer
}

func (r *Relay) currentPublisher() health.PublisherState {
	r.consumerMu.RLock()
	defer r.consumerMu.RUnlock()
	if r.publisher == nil {
		return nil
	}
	return r.publisher
}

// InspectQueue reads a queue's counts on the session's inspection channel. A
// failed passive declare closes that channel on the broker side, so it is
// dropped and reopened on the next call.
func (r *Relay) InspectQueue(name string) (rabbitmq.QueueInfo, error) {
	r.inspectMu.Lock()
	defer r.inspectMu.Unlock()

	if !r.active {
		return rabbitmq.QueueInfo{}, errNoSession
	}
	if r.inspector == nil {
		ch, err := r.broker.OpenInspectChannel()
		if err != nil {
			return rabbitmq.QueueInfo{}, err
		}
		r.inspectCh = ch
		r.inspector = rabbitmq.NewQueueInspector(ch)
	}

	info, err := r.inspector.InspectQueue(name)
	if err != nil {
		r.closeInspector()
	}
	return info, err
}

// closeInspector must be called with inspectMu held
func (r *Relay) closeInspector() {
	if r.inspectCh != nil {
		_ = r.inspectCh.Close()
	}
	r.inspectCh = nil
	r.inspector = nil
}

func (r *Relay) refreshMetrics(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Metrics.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.metrics.UpdateSystemMetrics()
			r.updateQueueDepths()
		}
	}
}

func (r *Relay) updateQueueDepths() {
	queues := []string{r.cfg.Queues.InputQueue, r.cfg.Queues.OutputQueue}
	if r.cfg.FailurePolicy() == rabbitmq.FailureDeadLetter {
		dlq := r.cfg.Queues.DeadLetterQueue
		if dlq == "" {
			dlq = r.cfg.Queues.InputQueue + ".dlq"
		}
		queues = append(queues, dlq)
	}
	for _, queue := range queues {
		info, err := r.InspectQueue(queue)
		if err != nil {
			r.logger.WithError(err).WithField("queue", queue).Debug("failed to read queue depth")
			continue
		}
		r.metrics.SetQueueDepth(queue, info.Messages)
	}
}
