// Package metrics holds the relay's Prometheus series. Each Metrics value owns
// its registry, so tests get isolated instances and main creates exactly one.
package metrics

import (
	"bytes"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/procfs"
)

// ContentType is the media type of Encode's output
var ContentType = string(expfmt.NewFormat(expfmt.TypeTextPlain))

// ProcessingBuckets are the latency buckets of the processing histogram, in seconds
var ProcessingBuckets = []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5}

// ProcessSample is one reading of the process's resource usage
type ProcessSample struct {
	CPUSeconds float64
	RSSBytes   uint64
}

// ProcessSampler reads the current process's resource usage
type ProcessSampler func() (ProcessSample, error)

// Metrics is the relay's metrics registry
type Metrics struct {
	registry *prometheus.Registry

	messagesReceived   prometheus.Counter
	messagesProcessed  prometheus.Counter
	messagesFailed     prometheus.Counter
	processingDuration prometheus.Histogram
	queueDepth         *prometheus.GaugeVec
	activeConsumers    prometheus.Gauge
	cpuUsage           prometheus.Gauge
	memoryUsage        prometheus.Gauge
	goroutines         prometheus.Gauge
	connectionsActive  prometheus.Gauge
	reconnections      prometheus.Counter

	sampleMu   sync.Mutex
	sampler    ProcessSampler
	lastCPU    float64
	lastSample time.Time
}

// Option configures Metrics
type Option func(*Metrics)

// WithProcessSampler replaces the procfs reader
func WithProcessSampler(s ProcessSampler) Option {
	return func(m *Metrics) {
		m.sampler = s
	}
}

// New creates and registers every series on a fresh registry
func New(opts ...Option) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sampler:  procfsSample,
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rabbitmq_messages_received_total",
			Help: "Total number of messages received from RabbitMQ",
		}),
		messagesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rabbitmq_messages_processed_total",
			Help: "Total number of messages processed successfully",
		}),
		messagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rabbitmq_messages_failed_total",
			Help: "Total number of messages that failed processing",
		}),
		processingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rabbitmq_message_processing_seconds",
			Help:    "Time spent handling a message",
			Buckets: ProcessingBuckets,
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rabbitmq_queue_depth",
			Help: "Number of ready messages in the queue",
		}, []string{"queue_name"}),
		activeConsumers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rabbitmq_active_consumers",
			Help: "Number of message handlers currently running",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "process_cpu_usage_percent",
			Help: "Process CPU usage in percent of one core since the previous refresh",
		}),
		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "process_memory_usage_mb",
			Help: "Process resident memory in megabytes",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "process_goroutines",
			Help: "Number of goroutines",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "amqp_connections_active",
			Help: "Number of open AMQP connections",
		}),
		reconnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amqp_reconnections_total",
			Help: "Total number of AMQP reconnections after a lost connection",
		}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.registry.MustRegister(
		m.messagesReceived,
		m.messagesProcessed,
		m.messagesFailed,
		m.processingDuration,
		m.queueDepth,
		m.activeConsumers,
		m.cpuUsage,
		m.memoryUsage,
		m.goroutines,
		m.connectionsActive,
		m.reconnections,
	)
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) IncMessagesReceived()  { m.messagesReceived.Inc() }
func (m *Metrics) IncMessagesProcessed() { m.messagesProcessed.Inc() }
func (m *Metrics) IncMessagesFailed()    { m.messagesFailed.Inc() }
func (m *Metrics) IncReconnections()     { m.reconnections.Inc() }

func (m *Metrics) ObserveProcessingDuration(d time.Duration) {
	m.processingDuration.Observe(d.Seconds())
}

func (m *Metrics) SetActiveConsumers(n float64) {
	m.activeConsumers.Set(n)
}

// SetQueueDepth records the ready message count of queue
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (m *Metrics) OnConnected() {
	m.connectionsActive.Set(1)
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (m *Metrics) OnDisconnected(error) {
	m.connectionsActive.Set(0)
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (m *Metrics) OnReconnecting(int) {}

// UpdateSystemMetrics refreshes the process gauges. CPU usage is the share of
// wall time spent on CPU since the previous refresh; the first refresh only
// records a baseline. Without procfs, memory falls back to the Go runtime's
// view and CPU is left unchanged.
func (m *Metrics) UpdateSystemMetrics() {
	m.goroutines.Set(float64(runtime.NumGoroutine()))

	sample, err := m.sampler()
	if err != nil {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		m.memoryUsage.Set(float64(ms.Sys) / 1024 / 1024)
		return
	}
	m.memoryUsage.Set(float64(sample.RSSBytes) / 1024 / 1024)

	now := time.Now()
	m.sampleMu.Lock()
	defer m.sampleMu.Unlock()
	if !m.lastSample.IsZero() {
		if wall := now.Sub(m.lastSample).Seconds(); wall > 0 {
			m.cpuUsage.Set((sample.CPUSeconds - m.lastCPU) / wall * 100)
		}
	}
	m.lastCPU = sample.CPUSeconds
	m.lastSample = now
}

// Encode refreshes the process gauges and renders every series in the text
// exposition format.
func (m *Metrics) Encode() ([]byte, error) {
	m.UpdateSystemMetrics()

	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}

	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return nil, fmt.Errorf("encode metric family %s: %w", mf.GetName(), err)
		}
	}
	return buf.Bytes(), nil
}

func procfsSample() (ProcessSample, error) {
	proc, err := procfs.Self()
	if err != nil {
		return ProcessSample{}, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return ProcessSample{}, err
	}
	return ProcessSample{
		CPUSeconds: stat.CPUTime(),
		RSSBytes:   uint64(stat.ResidentMemory()),
	}, nil
}
