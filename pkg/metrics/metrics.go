package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Kernel metrics
	KernelsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agent_kernels_total",
			Help: "Number of kernels tracked by this agent, by state",
		},
		[]string{"state"},
	)

	KernelTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_kernel_transitions_total",
			Help: "Total kernel state transitions by state entered",
		},
		[]string{"state"},
	)

	KernelRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_kernel_restarts_total",
			Help: "Total kernel container restarts, automatic and requested",
		},
	)

	// Resource slot metrics
	SlotCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agent_slot_capacity",
			Help: "Total node capacity per resource slot",
		},
		[]string{"slot"},
	)

	SlotAllocated = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agent_slot_allocated",
			Help: "Currently reserved amount per resource slot",
		},
		[]string{"slot"},
	)

	// RPC metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_commands_total",
			Help: "Total RPC commands processed by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_command_duration_seconds",
			Help:    "RPC command handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	CommandsDeduplicated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_commands_deduplicated_total",
			Help: "Total duplicate commands answered from the dedup cache",
		},
	)

	// Event pipeline metrics
	EventsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_events_published_total",
			Help: "Total lifecycle events handed to the outbound pipeline",
		},
	)

	EventSendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_event_send_failures_total",
			Help: "Total failed event delivery attempts to the manager",
		},
	)

	HeartbeatsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_heartbeats_sent_total",
			Help: "Total heartbeats transmitted to the manager",
		},
	)

	// Image metrics
	ImagePullsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_image_pulls_total",
			Help: "Total image pull attempts by outcome",
		},
		[]string{"status"},
	)

	ImagePullDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent_image_pull_duration_seconds",
			Help:    "Image pull duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)
)

func init() {
	prometheus.MustRegister(
		KernelsTotal,
		KernelTransitionsTotal,
		KernelRestartsTotal,
		SlotCapacity,
		SlotAllocated,
		CommandsTotal,
		CommandDuration,
		CommandsDeduplicated,
		EventsPublished,
		EventSendFailures,
		HeartbeatsSent,
		ImagePullsTotal,
		ImagePullDuration,
	)
}

// Handler returns the Prometheus exposition handler for the control server.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time into a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram.
func (t *Timer) ObserveDurationVec(histogramVec *prometheus.HistogramVec, labels ...string) {
	histogramVec.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
