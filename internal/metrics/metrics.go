// ============================================================================
// mapprint Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露列印任務、HTTP 擷取與圖磚管線的運行指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter, 依 app_id 分區)：
//      - print_jobs_submitted_total
//      - print_jobs_finished_total{outcome="success|cancelled|error"}
//      - print_jobs_rejected_total: 因佇列滿被拒絕
//
//   2. 任務效能 (Histogram, 依 app_id 分區)：
//      - print_job_duration_seconds: 成功任務的執行時間
//      - print_job_output_bytes: 成功任務的輸出大小
//
//   3. 佇列狀態 (Gauge)：
//      - print_jobs_waiting / print_jobs_running
//
//   4. HTTP 擷取 (依 host 分區)：
//      - print_fetch_requests_total{host,outcome}
//      - print_fetch_duration_seconds{host}
//      - print_fetch_cache_hits_total
//
//   5. 圖磚：
//      - print_tile_errors_total{layer}
//
// HTTP 端點:
//   通過 /metrics 端點暴露，由 Prometheus 定期抓取
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 任務結果標籤
const (
	OutcomeSuccess   = "success"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsSubmitted *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	jobsRejected  *prometheus.CounterVec

	// 效能指標
	jobDuration *prometheus.HistogramVec
	jobOutput   *prometheus.HistogramVec

	// 狀態指標
	jobsWaiting prometheus.Gauge
	jobsRunning prometheus.Gauge

	// HTTP 擷取指標
	fetchRequests  *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec
	fetchCacheHits prometheus.Counter

	// 圖磚指標
	tileErrors *prometheus.CounterVec
}

// NewCollector 創建新的指標收集器並註冊到 reg；reg 為 nil 時使用預設 registerer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		jobsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "print_jobs_submitted_total",
			Help: "Total number of print jobs accepted",
		}, []string{"app_id"}),
		jobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "print_jobs_finished_total",
			Help: "Total number of print jobs reaching a terminal status",
		}, []string{"app_id", "outcome"}),
		jobsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "print_jobs_rejected_total",
			Help: "Total number of print jobs rejected because the waiting queue was full",
		}, []string{"app_id"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "print_job_duration_seconds",
			Help:    "Duration of successful print jobs in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"app_id"}),
		jobOutput: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "print_job_output_bytes",
			Help:    "Size of successful print job outputs in bytes",
			Buckets: prometheus.ExponentialBuckets(16*1024, 4, 8),
		}, []string{"app_id"}),
		jobsWaiting: factory.NewGauge(prometheus.GaugeOpts{
			Name: "print_jobs_waiting",
			Help: "Current number of waiting print jobs",
		}),
		jobsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "print_jobs_running",
			Help: "Current number of running print jobs",
		}),
		fetchRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "print_fetch_requests_total",
			Help: "Total number of network fetches by host and outcome",
		}, []string{"host", "outcome"}),
		fetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "print_fetch_duration_seconds",
			Help:    "Network fetch latency in seconds by host",
			Buckets: prometheus.DefBuckets,
		}, []string{"host"}),
		fetchCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "print_fetch_cache_hits_total",
			Help: "Total number of fetch registrations served by an existing entry",
		}),
		tileErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "print_tile_errors_total",
			Help: "Total number of tiles replaced by the error tile",
		}, []string{"layer"}),
	}
}

// RecordSubmitted 記錄任務被接受
func (c *Collector) RecordSubmitted(appID string) {
	c.jobsSubmitted.WithLabelValues(appID).Inc()
}

// RecordRejected 記錄任務因容量不足被拒
func (c *Collector) RecordRejected(appID string) {
	c.jobsRejected.WithLabelValues(appID).Inc()
}

// RecordSuccess 記錄任務成功，含執行時間與輸出大小
func (c *Collector) RecordSuccess(appID string, durationSeconds float64, outputBytes int64) {
	c.jobsFinished.WithLabelValues(appID, OutcomeSuccess).Inc()
	c.jobDuration.WithLabelValues(appID).Observe(durationSeconds)
	c.jobOutput.WithLabelValues(appID).Observe(float64(outputBytes))
}

// RecordCancelled 記錄任務被取消
func (c *Collector) RecordCancelled(appID string) {
	c.jobsFinished.WithLabelValues(appID, OutcomeCancelled).Inc()
}

// RecordError 記錄任務失敗
func (c *Collector) RecordError(appID string) {
	c.jobsFinished.WithLabelValues(appID, OutcomeError).Inc()
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(waiting, running int) {
	c.jobsWaiting.Set(float64(waiting))
	c.jobsRunning.Set(float64(running))
}

// RecordFetch 記錄一次網路擷取
func (c *Collector) RecordFetch(host, outcome string, seconds float64) {
	c.fetchRequests.WithLabelValues(host, outcome).Inc()
	c.fetchDuration.WithLabelValues(host).Observe(seconds)
}

// RecordCacheHit 記錄擷取快取命中
func (c *Collector) RecordCacheHit() {
	c.fetchCacheHits.Inc()
}

// RecordTileError 記錄圖磚以錯誤圖磚替代
func (c *Collector) RecordTileError(layer string) {
	c.tileErrors.WithLabelValues(layer).Inc()
}

// Handler 回傳 gatherer 的 /metrics handler
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
func StartServer(port int, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
