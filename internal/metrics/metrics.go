package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace 指标前缀
const Namespace = "cdpfetch"

// Metrics 调用与拦截指标，nil 接收者上的方法均为空操作
type Metrics struct {
	Invocations   *prometheus.CounterVec
	Duration      prometheus.Histogram
	StageDuration *prometheus.HistogramVec
	Intercepted   *prometheus.CounterVec
	Teardown      *prometheus.CounterVec
	Inflight      prometheus.Gauge
	BodyBytes     prometheus.Histogram
}

// New 在 reg 上注册全部指标
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Invocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "invocations_total",
			Help:      "Fetch invocations by outcome (ok or error kind).",
		}, []string{"outcome"}),
		Duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "invocation_duration_seconds",
			Help:      "End to end invocation latency including teardown.",
			Buckets:   []float64{.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "stage_duration_seconds",
			Help:      "Latency of individual invocation stages.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		Intercepted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "intercepted_requests_total",
			Help:      "Browser requests paused by the interceptor.",
		}, []string{"resource", "action"}),
		Teardown: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "teardown_failures_total",
			Help:      "Swallowed teardown step failures.",
		}, []string{"step"}),
		Inflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "inflight_invocations",
			Help:      "Invocations currently holding a browser.",
		}),
		BodyBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "decoded_body_bytes",
			Help:      "Size of decoded primary response bodies.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}),
	}
}

// ObserveInvocation 记录一次调用结果
func (m *Metrics) ObserveInvocation(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Invocations.WithLabelValues(outcome).Inc()
	m.Duration.Observe(d.Seconds())
}

// ObserveStage 记录阶段耗时
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveIntercept 记录一次拦截动作
func (m *Metrics) ObserveIntercept(resource, action string) {
	if m == nil {
		return
	}
	m.Intercepted.WithLabelValues(resource, action).Inc()
}

// ObserveTeardownFailure 记录被吞掉的清理失败
func (m *Metrics) ObserveTeardownFailure(step string) {
	if m == nil {
		return
	}
	m.Teardown.WithLabelValues(step).Inc()
}

// ObserveBody 记录解码后响应体大小
func (m *Metrics) ObserveBody(n int) {
	if m == nil {
		return
	}
	m.BodyBytes.Observe(float64(n))
}

// AddInflight 调整进行中调用数
func (m *Metrics) AddInflight(delta float64) {
	if m == nil {
		return
	}
	m.Inflight.Add(delta)
}
