package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/glimte/mmate-relay/internal/logging"
)

const (
	// DefaultMaxAttempts is the number of dial attempts made by Connect.
	DefaultMaxAttempts = 5
	// DefaultRetryDelay is the fixed pause between two dial attempts.
	DefaultRetryDelay = 3 * time.Second
)

// Connection is the subset of *amqp.Connection used by the manager.
type Connection interface {
	Channel() (*amqp.Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection.
type Dialer func(url string) (Connection, error)

// DialConfig returns a Dialer that announces connectionName to the broker.
func DialConfig(connectionName string, heartbeat time.Duration) Dialer {
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	return func(url string) (Connection, error) {
		props := amqp.NewConnectionProperties()
		if connectionName != "" {
			props.SetClientConnectionName(connectionName)
		}
		conn, err := amqp.DialConfig(url, amqp.Config{
			Heartbeat:  heartbeat,
			Locale:     "en_US",
			Properties: props,
		})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// ConnectionStateListener receives connection state change notifications.
// Callbacks run synchronously on the manager's goroutines and must not block.
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager holds the single logical broker connection of the process
type ConnectionManager struct {
	url         string
	dial        Dialer
	conn        Connection
	mu          sync.RWMutex
	retryDelay  time.Duration
	maxAttempts int
	logger      logrus.FieldLogger
	isConnected bool
	connects    int
	lost        chan error

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithRetryDelay sets the delay between connection attempts
func WithRetryDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.retryDelay = delay
	}
}

// WithMaxAttempts sets the maximum number of connection attempts
func WithMaxAttempts(attempts int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxAttempts = attempts
	}
}

// WithDialer replaces the default amqp dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		dial:        DialConfig("", 0),
		retryDelay:  DefaultRetryDelay,
		maxAttempts: DefaultMaxAttempts,
		logger:      logrus.StandardLogger(),
	}

	for _, opt := range options {
		opt(cm)
	}
	if cm.maxAttempts < 1 {
		cm.maxAttempts = 1
	}
	cm.logger = logging.Component(cm.logger, "rabbitmq.connection")

	return cm
}

// Connect establishes the connection, retrying up to the configured number of
// attempts with a fixed delay. Exhausting the attempts returns a
// *ConnectionError wrapping ErrMaxRetriesExceeded.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.RLock()
	connected := cm.isConnected
	reconnecting := cm.connects > 0
	cm.mu.RUnlock()
	if connected {
		return nil
	}

	attempts := 0
	operation := func() (Connection, error) {
		attempts++
		if reconnecting {
			cm.notifyReconnecting(attempts)
		}
		return cm.dial(cm.url)
	}

	conn, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(cm.retryDelay)),
		backoff.WithMaxTries(uint(cm.maxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			cm.logger.WithError(err).WithFields(logrus.Fields{
				"attempt":      attempts,
				"max_attempts": cm.maxAttempts,
				"retry_in":     next.String(),
			}).Warn("failed to connect to RabbitMQ, retrying")
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(cm.url),
				Err:       ctxErr,
				Timestamp: time.Now(),
				Attempts:  attempts,
			}
		}
		cm.logger.WithError(err).WithField("attempts", attempts).Error("giving up connecting to RabbitMQ")
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err),
			Timestamp: time.Now(),
			Attempts:  attempts,
		}
	}

	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	lost := make(chan error, 1)

	cm.mu.Lock()
	cm.conn = conn
	cm.isConnected = true
	cm.connects++
	cm.lost = lost
	cm.mu.Unlock()

	go cm.watch(conn, notifyClose, lost)

	cm.logger.WithFields(logrus.Fields{
		"url":      SanitizeURL(cm.url),
		"attempts": attempts,
	}).Info("connected to RabbitMQ")
	cm.notifyConnected()

	return nil
}

// watch waits for the connection to close. A close initiated by the broker or
// the network is reported on the lost channel; a local Close is not.
func (cm *ConnectionManager) watch(conn Connection, notifyClose <-chan *amqp.Error, lost chan<- error) {
	amqpErr, ok := <-notifyClose

	cm.mu.Lock()
	if cm.conn == conn {
		cm.conn = nil
		cm.isConnected = false
	}
	cm.mu.Unlock()

	if !ok || amqpErr == nil {
		cm.notifyDisconnected(nil)
		return
	}

	cm.logger.WithError(amqpErr).Error("connection to RabbitMQ lost")
	cm.notifyDisconnected(amqpErr)

	select {
	case lost <- fmt.Errorf("%w: %v", ErrConnectionLost, amqpErr):
	default:
	}
}

// NotifyLost returns a channel that receives one error when the current
// connection drops unexpectedly. It is nil before the first Connect.
func (cm *ConnectionManager) NotifyLost() <-chan error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.lost
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// Channel opens a channel without a prefetch quota
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// ChannelWithQos opens a channel and applies a prefetch quota to it before
// returning. The channel is closed again if the broker rejects the quota.
func (cm *ConnectionManager) ChannelWithQos(prefetchCount int) (*amqp.Channel, error) {
	ch, err := cm.Channel()
	if err != nil {
		return nil, err
	}

	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, &ChannelError{
			Op:        "set qos",
			Err:       fmt.Errorf("%w: prefetch %d: %v", ErrQosRejected, prefetchCount, err),
			Timestamp: time.Now(),
		}
	}

	cm.logger.WithField("prefetch_count", prefetchCount).Debug("opened channel with prefetch quota")
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection. Channels opened from it are closed by the broker.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	conn := cm.conn
	cm.conn = nil
	cm.isConnected = false
	cm.mu.Unlock()

	if conn == nil {
		return nil
	}

	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &ConnectionError{
			Op:        "close",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	cm.logger.Info("connection to RabbitMQ closed")
	return nil
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	out := make([]ConnectionStateListener, len(cm.stateListeners))
	copy(out, cm.stateListeners)
	return out
}

func (cm *ConnectionManager) notifyConnected() {
	for _, listener := range cm.listeners() {
		listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	for _, listener := range cm.listeners() {
		listener.OnReconnecting(attempt)
	}
}
