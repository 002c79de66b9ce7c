package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"i4.energy/across/idpgw/modem"
)

// Collector records modem transaction metrics in a private Prometheus
// registry. It implements modem.Metrics.
type Collector struct {
	registry *prometheus.Registry

	// Counters
	commandsTotal    *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
	unsolicitedTotal *prometheus.CounterVec

	// Gauges
	queueDepth *prometheus.GaugeVec

	// Histograms
	commandDuration *prometheus.HistogramVec
	slotWait        prometheus.Histogram
}

var _ modem.Metrics = (*Collector)(nil)

// NewCollector creates a collector. Process and Go runtime metrics are
// registered alongside the modem metrics.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{registry: registry}

	c.commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idp_at_commands_total",
			Help: "Total number of AT transactions by command and outcome",
		},
		[]string{"command", "status"},
	)

	c.retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idp_integrity_retries_total",
			Help: "Total number of commands resent after an integrity failure",
		},
		[]string{"command"},
	)

	c.unsolicitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idp_unsolicited_lines_total",
			Help: "Total number of lines received outside a command",
		},
		[]string{"kind"},
	)

	c.queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "idp_queue_messages",
			Help: "Number of messages in the modem queues at the last poll",
		},
		[]string{"queue"},
	)

	c.commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "idp_at_command_duration_seconds",
			Help:    "Time from command write to terminal response",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"command"},
	)

	c.slotWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "idp_transaction_slot_wait_seconds",
			Help:    "Time callers wait for the transaction slot",
			Buckets: prometheus.DefBuckets,
		},
	)

	registry.MustRegister(
		c.commandsTotal,
		c.retriesTotal,
		c.unsolicitedTotal,
		c.queueDepth,
		c.commandDuration,
		c.slotWait,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

func (c *Collector) CommandCompleted(command, status string, elapsed time.Duration) {
	c.commandsTotal.WithLabelValues(command, status).Inc()
	c.commandDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

func (c *Collector) IntegrityRetry(command string) {
	c.retriesTotal.WithLabelValues(command).Inc()
}

func (c *Collector) SlotWait(elapsed time.Duration) {
	c.slotWait.Observe(elapsed.Seconds())
}

func (c *Collector) Unsolicited(boot bool) {
	kind := "data"
	if boot {
		kind = "boot"
	}
	c.unsolicitedTotal.WithLabelValues(kind).Inc()
}

func (c *Collector) QueueDepth(queue string, n int) {
	c.queueDepth.WithLabelValues(queue).Set(float64(n))
}

// Registry exposes the underlying registry, e.g. for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
