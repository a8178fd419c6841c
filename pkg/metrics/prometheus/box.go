// Package prometheus implements the metrics interfaces with
// prometheus/client_golang collectors registered on the global registry.
package prometheus

import (
	"time"

	"github.com/marmos91/dittobox/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// boxMetrics is the Prometheus implementation of metrics.BoxMetrics.
type boxMetrics struct {
	commandsTotal          *prometheus.CounterVec
	commandDuration        *prometheus.HistogramVec
	bytesTransferred       *prometheus.CounterVec
	activeSessions         prometheus.Gauge
	connectionsAccepted    prometheus.Counter
	connectionsClosed      prometheus.Counter
	connectionsForceClosed prometheus.Counter
	admissionQueueDepth    prometheus.Gauge
	taskQueueDepth         prometheus.Gauge
	tasksTotal             *prometheus.CounterVec
	taskWait               *prometheus.HistogramVec
	taskDuration           *prometheus.HistogramVec
	quotaRejections        prometheus.Counter
}

// durationBuckets covers 1ms to 10s, in milliseconds.
var durationBuckets = []float64{1, 10, 100, 1000, 10000}

// NewBoxMetrics creates a Prometheus-backed BoxMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not
// called). Call at most once per registry: collectors register on creation.
func NewBoxMetrics() metrics.BoxMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopBoxMetrics()
	}

	return newBoxMetrics(metrics.GetRegistry())
}

func newBoxMetrics(reg prometheus.Registerer) *boxMetrics {
	return &boxMetrics{
		commandsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittobox_commands_total",
				Help: "Total number of protocol commands by command and status",
			},
			[]string{"command", "status"},
		),
		commandDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dittobox_command_duration_milliseconds",
				Help:    "Duration of protocol commands in milliseconds",
				Buckets: durationBuckets,
			},
			[]string{"command"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittobox_bytes_transferred_total",
				Help: "Total file payload bytes transferred",
			},
			[]string{"direction"},
		),
		activeSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittobox_active_sessions",
				Help: "Current number of sessions served by client workers",
			},
		),
		connectionsAccepted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittobox_connections_accepted_total",
				Help: "Total number of connections accepted",
			},
		),
		connectionsClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittobox_connections_closed_total",
				Help: "Total number of connections closed",
			},
		),
		connectionsForceClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittobox_connections_force_closed_total",
				Help: "Total number of connections force-closed during shutdown timeout",
			},
		),
		admissionQueueDepth: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittobox_admission_queue_depth",
				Help: "Accepted connections waiting for a client worker",
			},
		),
		taskQueueDepth: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittobox_task_queue_depth",
				Help: "Storage tasks waiting for a worker",
			},
		),
		tasksTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittobox_tasks_total",
				Help: "Total number of storage tasks by kind and status",
			},
			[]string{"kind", "status"},
		),
		taskWait: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dittobox_task_wait_milliseconds",
				Help:    "Time storage tasks spent queued in milliseconds",
				Buckets: durationBuckets,
			},
			[]string{"kind"},
		),
		taskDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dittobox_task_duration_milliseconds",
				Help:    "Execution time of storage tasks in milliseconds",
				Buckets: durationBuckets,
			},
			[]string{"kind"},
		),
		quotaRejections: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittobox_quota_rejections_total",
				Help: "Total number of uploads rejected by the quota check",
			},
		),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func (m *boxMetrics) RecordCommand(command string, duration time.Duration, err error) {
	m.commandsTotal.WithLabelValues(command, status(err)).Inc()
	m.commandDuration.WithLabelValues(command).Observe(millis(duration))
}

func (m *boxMetrics) RecordBytesTransferred(direction string, bytes int64) {
	m.bytesTransferred.WithLabelValues(direction).Add(float64(bytes))
}

func (m *boxMetrics) SetActiveSessions(count int32) {
	m.activeSessions.Set(float64(count))
}

func (m *boxMetrics) RecordConnectionAccepted() {
	m.connectionsAccepted.Inc()
}

func (m *boxMetrics) RecordConnectionClosed() {
	m.connectionsClosed.Inc()
}

func (m *boxMetrics) RecordConnectionForceClosed() {
	m.connectionsForceClosed.Inc()
}

func (m *boxMetrics) SetAdmissionQueueDepth(depth int) {
	m.admissionQueueDepth.Set(float64(depth))
}

func (m *boxMetrics) SetTaskQueueDepth(depth int) {
	m.taskQueueDepth.Set(float64(depth))
}

func (m *boxMetrics) RecordTask(kind string, wait, duration time.Duration, err error) {
	m.tasksTotal.WithLabelValues(kind, status(err)).Inc()
	m.taskWait.WithLabelValues(kind).Observe(millis(wait))
	m.taskDuration.WithLabelValues(kind).Observe(millis(duration))
}

func (m *boxMetrics) RecordQuotaRejection() {
	m.quotaRejections.Inc()
}
