package rss

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 轮询相关的 Prometheus 指标。nil 时所有记录方法都是空操作。
type Metrics struct {
	PollsTotal      *prometheus.CounterVec
	DeliveriesTotal prometheus.Counter
	SkippedTotal    prometheus.Counter
	QueueSize       prometheus.Gauge
	PassDuration    prometheus.Histogram
}

// NewMetrics 在 reg 上注册指标，reg 为 nil 时使用默认注册表。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		PollsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "feedcog",
				Name:      "polls_total",
				Help:      "Total number of feed polls by result",
			},
			[]string{"result"},
		),
		DeliveriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "feedcog",
			Name:      "deliveries_total",
			Help:      "Total number of messages delivered to channels",
		}),
		SkippedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "feedcog",
			Name:      "render_skipped_total",
			Help:      "Entries filtered by allowed tags or rendered empty",
		}),
		QueueSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "feedcog",
			Name:      "poll_queue_size",
			Help:      "Number of feeds enqueued by the last fill",
		}),
		PassDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "feedcog",
			Name:      "pass_duration_seconds",
			Help:      "Duration of a full fill and drain pass",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}
}

func (m *Metrics) poll(result string) {
	if m == nil {
		return
	}
	m.PollsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) delivered() {
	if m == nil {
		return
	}
	m.DeliveriesTotal.Inc()
}

func (m *Metrics) skip() {
	if m == nil {
		return
	}
	m.SkippedTotal.Inc()
}

func (m *Metrics) queue(n int) {
	if m == nil {
		return
	}
	m.QueueSize.Set(float64(n))
}

func (m *Metrics) pass(d time.Duration) {
	if m == nil {
		return
	}
	m.PassDuration.Observe(d.Seconds())
}
