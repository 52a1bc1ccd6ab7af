// Package metrics 匯出 Prometheus 指標
//
// 計數器由各元件在事件發生時累加；佇列長度、連線數、快取命中等
// 即時數值以 GaugeFunc/CounterFunc 在抓取時讀取來源，不另外同步。
//
// *Metrics 為 nil 時所有記錄方法都是空操作，元件可以不帶指標執行。
package metrics

import (
	"net/http"
	"time"

	"github.com/koopa0/quiz-arena/internal/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "arena"

// Metrics 指標集合，每個實例有自己的 Registry
type Metrics struct {
	reg *prometheus.Registry

	matchOutcomes *prometheus.CounterVec
	queueOps      *prometheus.CounterVec
	wsMessages    *prometheus.CounterVec
	gamesEnded    *prometheus.CounterVec
	healthCheck   *prometheus.HistogramVec
	matchCreate   prometheus.Histogram
}

// New 創建指標並註冊 Go runtime 與 process 指標
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		matchOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_outcomes_total",
			Help:      "Match creation attempts by outcome (created, unhealthy, withdrawn, failed).",
		}, []string{"outcome"}),
		queueOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_operations_total",
			Help:      "Queue operations by operation and status.",
		}, []string{"operation", "status"}),
		wsMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Inbound WebSocket messages by type and result.",
		}, []string{"type", "result"}),
		gamesEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "games_ended_total",
			Help:      "Games that reached a terminal state.",
		}, []string{"status"}),
		healthCheck: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_check_seconds",
			Help:      "Round-trip latency of pre-match health checks.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2},
		}, []string{"result"}),
		matchCreate: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_create_seconds",
			Help:      "Duration of the full match creation unit of work.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
	}
}

// Sources 即時數值來源，nil 的欄位不註冊
type Sources struct {
	QueueSize   func() int
	Connections func() int
	ActiveGames func() int
	CacheStats  func() cache.Stats
}

// Observe 註冊抓取時讀取的指標
func (m *Metrics) Observe(src Sources) {
	factory := promauto.With(m.reg)

	gauge := func(name, help string, fn func() int) {
		if fn == nil {
			return
		}
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn()) })
	}
	gauge("queue_size", "Tickets waiting in the matchmaking queue.", src.QueueSize)
	gauge("connections", "Registered WebSocket connections.", src.Connections)
	gauge("active_games", "Games currently running.", src.ActiveGames)

	if src.CacheStats == nil {
		return
	}
	stats := src.CacheStats
	counter := func(name, help string, fn func(cache.Stats) uint64) {
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session_cache",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn(stats())) })
	}
	counter("hits_total", "Session cache hits.", func(s cache.Stats) uint64 { return s.Hits })
	counter("misses_total", "Session cache misses.", func(s cache.Stats) uint64 { return s.Misses })
	counter("evictions_total", "Session cache evictions (expiry and capacity).", func(s cache.Stats) uint64 { return s.Evictions })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session_cache",
		Name:      "entries",
		Help:      "Entries held by the session cache.",
	}, func() float64 { return float64(stats().Size) })
}

// Handler /metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry 供測試讀取
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *Metrics) MatchOutcome(outcome string) {
	if m == nil {
		return
	}
	m.matchOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MatchCreateDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.matchCreate.Observe(d.Seconds())
}

func (m *Metrics) QueueOp(operation string, err error) {
	if m == nil {
		return
	}
	m.queueOps.WithLabelValues(operation, status(err)).Inc()
}

// HealthCheck 記錄探測延遲；不健康時只計數，延遲記為 0
func (m *Metrics) HealthCheck(healthy bool, latency time.Duration) {
	if m == nil {
		return
	}
	result := "healthy"
	if !healthy {
		result = "unhealthy"
		latency = 0
	}
	m.healthCheck.WithLabelValues(result).Observe(latency.Seconds())
}

func (m *Metrics) WSMessage(msgType, result string) {
	if m == nil {
		return
	}
	m.wsMessages.WithLabelValues(msgType, result).Inc()
}

func (m *Metrics) GameEnded(status string) {
	if m == nil {
		return
	}
	m.gamesEnded.WithLabelValues(status).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
