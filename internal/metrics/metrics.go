package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 汇总信号处理相关的 Prometheus 指标。
//
//	saxo_signals_total{status}          每个信号的整体结论（ok|ignored|error|rejected）
//	saxo_plan_outcomes_total{state}     每个计划的处理状态
//	saxo_token_refresh_total{result}    令牌刷新次数（success|failure）
//	saxo_quote_spread_pct               风控时观察到的点差（百分比）
//	saxo_signal_duration_seconds        单个信号的处理耗时
type Metrics struct {
	registry       *prometheus.Registry
	signals        *prometheus.CounterVec
	planOutcomes   *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
	spread         prometheus.Histogram
	duration       prometheus.Histogram
}

// New 创建独立注册表上的指标集合。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saxo_signals_total",
				Help: "Signals received by outcome status",
			},
			[]string{"status"},
		),
		planOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saxo_plan_outcomes_total",
				Help: "Per-plan pipeline outcomes",
			},
			[]string{"state"},
		),
		tokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saxo_token_refresh_total",
				Help: "Access token refresh attempts",
			},
			[]string{"result"},
		),
		spread: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "saxo_quote_spread_pct",
				Help:    "Relative bid/ask spread observed at the risk gate, in percent",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "saxo_signal_duration_seconds",
				Help:    "Wall time spent processing one signal",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	m.registry.MustRegister(m.signals, m.planOutcomes, m.tokenRefreshes, m.spread, m.duration)
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 返回底层注册表。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 /metrics 的 HTTP 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSignal 记录信号结论。
func (m *Metrics) ObserveSignal(status string, seconds float64) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(status).Inc()
	m.duration.Observe(seconds)
}

// ObservePlanOutcome 记录计划状态。
func (m *Metrics) ObservePlanOutcome(state string) {
	if m == nil {
		return
	}
	m.planOutcomes.WithLabelValues(state).Inc()
}

// ObserveSpread 记录风控点差。
func (m *Metrics) ObserveSpread(pct float64) {
	if m == nil {
		return
	}
	m.spread.Observe(pct)
}

// ObserveTokenRefresh 记录令牌刷新结果。
func (m *Metrics) ObserveTokenRefresh(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.tokenRefreshes.WithLabelValues(result).Inc()
}
