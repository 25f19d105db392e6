package devicepool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// poolMetrics holds the Prometheus collectors for one Pool. The collectors always exist;
// they are only registered when Options.Registerer is set.
type poolMetrics struct {
	commands        *prometheus.CounterVec   // by outcome (ok, or the error kind)
	commandDuration *prometheus.HistogramVec // by heavy (true/false)
	connects        *prometheus.CounterVec   // by result
	queueRejections prometheus.Counter
	healthChecks    *prometheus.CounterVec // by result
	evictions       prometheus.Counter
}

func newPoolMetrics(p *Pool) (*poolMetrics, error) {
	m := &poolMetrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routerd",
			Subsystem: "pool",
			Name:      "command_attempts_total",
			Help:      "Command attempts against routers by outcome",
		}, []string{"outcome"}),

		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "routerd",
			Subsystem: "pool",
			Name:      "command_duration_seconds",
			Help:      "Router command attempt latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 12, 30, 60},
		}, []string{"heavy"}),

		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routerd",
			Subsystem: "pool",
			Name:      "connect_attempts_total",
			Help:      "Router connect attempts by result",
		}, []string{"result"}), // result: ok, auth_failed, timeout, error

		queueRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "routerd",
			Subsystem: "pool",
			Name:      "queue_rejections_total",
			Help:      "Commands rejected because the router queue was full",
		}),

		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routerd",
			Subsystem: "pool",
			Name:      "health_checks_total",
			Help:      "Health probes by result",
		}, []string{"result"}),

		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "routerd",
			Subsystem: "pool",
			Name:      "evictions_total",
			Help:      "Idle pool entries evicted",
		}),
	}

	reg := p.opts.Registerer
	if reg == nil {
		return m, nil
	}

	entries := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "routerd",
		Subsystem: "pool",
		Name:      "entries",
		Help:      "Pool entries currently held",
	}, func() float64 {
		total, _ := p.counts()
		return float64(total)
	})
	connected := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "routerd",
		Subsystem: "pool",
		Name:      "connected_entries",
		Help:      "Pool entries with a live router session",
	}, func() float64 {
		_, n := p.counts()
		return float64(n)
	})

	for _, c := range []prometheus.Collector{
		m.commands, m.commandDuration, m.connects, m.queueRejections,
		m.healthChecks, m.evictions, entries, connected,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *poolMetrics) recordAttempt(kind error, heavy bool, d time.Duration) {
	outcome := "ok"
	if kind != nil {
		outcome = kindLabel(kind)
	}
	m.commands.WithLabelValues(outcome).Inc()
	h := "false"
	if heavy {
		h = "true"
	}
	m.commandDuration.WithLabelValues(h).Observe(d.Seconds())
}

func (m *poolMetrics) recordConnect(err error) {
	result := "ok"
	switch {
	case err == nil:
	case KindOf(err) == ErrAuthFailure:
		result = "auth_failed"
	case KindOf(err) == ErrConnectTimeout:
		result = "timeout"
	default:
		result = "error"
	}
	m.connects.WithLabelValues(result).Inc()
}

func (m *poolMetrics) recordHealth(err error) {
	if err != nil {
		m.healthChecks.WithLabelValues("failed").Inc()
		return
	}
	m.healthChecks.WithLabelValues("ok").Inc()
}

func kindLabel(kind error) string {
	switch kind {
	case ErrConfigNotFound:
		return "config_not_found"
	case ErrAuthFailure:
		return "auth_failed"
	case ErrConnectTimeout:
		return "connect_timeout"
	case ErrCommandTimeout:
		return "command_timeout"
	case ErrDeviceRejected:
		return "rejected"
	case ErrQueueFull:
		return "queue_full"
	case ErrPoolClosed:
		return "pool_closed"
	default:
		return "transient"
	}
}
