// ============================================================================
// farewatch Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露搜尋、查詢與通知指標
//
// 指標分類:
//
//   1. 查詢計數器 (Counter):
//      - farewatch_fetches_enqueued_total: 入隊查詢總數
//      - farewatch_fetches_dispatched_total: 已分派查詢總數
//      - farewatch_fetches_completed_total: 成功查詢總數
//      - farewatch_fetches_failed_total: 失敗（含重試）次數
//      - farewatch_fetches_dead_total: 超過重試次數的查詢
//
//   2. 搜尋生命週期 (Counter):
//      - farewatch_searches_started_total{trigger}: 搜尋啟動次數（user / repeat）
//      - farewatch_results_recorded_total: 寫入結果數
//      - farewatch_results_rejected_total: 無價格而被拒絕的回應
//      - farewatch_alerts_sent_total: 低價通知發送次數
//
//   3. 延遲 (Histogram):
//      - farewatch_fetch_latency_seconds
//
//   4. 狀態 (Gauge):
//      - farewatch_queue_pending / farewatch_queue_in_flight
//      - farewatch_unseen_results: 沒有訂閱者時累積的新結果數（徽章）
//      - farewatch_recovery_time_seconds: 啟動時恢復儲存所花時間
//
// HTTP 端點:
//   /metrics，由 Prometheus 定期抓取
//
// 所有方法接受 nil *Collector（不記錄）。
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "farewatch"

// 搜尋觸發來源
const (
	TriggerUser   = "user"
	TriggerRepeat = "repeat"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 查詢相關指標
	fetchesEnqueued   prometheus.Counter
	fetchesDispatched prometheus.Counter
	fetchesCompleted  prometheus.Counter
	fetchesFailed     prometheus.Counter
	fetchesDead       prometheus.Counter
	fetchLatency      prometheus.Histogram

	// 搜尋生命週期
	searchesStarted *prometheus.CounterVec
	resultsRecorded prometheus.Counter
	resultsRejected prometheus.Counter
	alertsSent      prometheus.Counter

	// 狀態指標
	queuePending  prometheus.Gauge
	queueInFlight prometheus.Gauge
	unseenResults prometheus.Gauge
	recoveryTime  prometheus.Gauge
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
}

// NewCollector 創建並註冊指標收集器
func NewCollector() *Collector {
	c := &Collector{
		fetchesEnqueued:   counter("fetches_enqueued_total", "Total number of fare lookups enqueued"),
		fetchesDispatched: counter("fetches_dispatched_total", "Total number of fare lookups dispatched to workers"),
		fetchesCompleted:  counter("fetches_completed_total", "Total number of fare lookups completed successfully"),
		fetchesFailed:     counter("fetches_failed_total", "Total number of failed fare lookup attempts"),
		fetchesDead:       counter("fetches_dead_total", "Total number of fare lookups dropped after exhausting retries"),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_latency_seconds",
			Help:      "Fare lookup latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		searchesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_started_total",
			Help:      "Total number of searches started, by trigger",
		}, []string{"trigger"}),
		resultsRecorded: counter("results_recorded_total", "Total number of fare results recorded"),
		resultsRejected: counter("results_rejected_total", "Total number of fare responses rejected for having no prices"),
		alertsSent:      counter("alerts_sent_total", "Total number of low-fare alerts dispatched"),
		queuePending:    gauge("queue_pending", "Current number of pending fare lookups"),
		queueInFlight:   gauge("queue_in_flight", "Current number of running fare lookups"),
		unseenResults:   gauge("unseen_results", "Results recorded while no subscriber was attached"),
		recoveryTime:    gauge("recovery_time_seconds", "Time taken to open and recover the store in seconds"),
	}

	prometheus.MustRegister(
		c.fetchesEnqueued,
		c.fetchesDispatched,
		c.fetchesCompleted,
		c.fetchesFailed,
		c.fetchesDead,
		c.fetchLatency,
		c.searchesStarted,
		c.resultsRecorded,
		c.resultsRejected,
		c.alertsSent,
		c.queuePending,
		c.queueInFlight,
		c.unseenResults,
		c.recoveryTime,
	)

	return c
}

// RecordEnqueue 記錄查詢加入佇列
func (c *Collector) RecordEnqueue() {
	if c == nil {
		return
	}
	c.fetchesEnqueued.Inc()
}

// RecordDispatch 記錄查詢分派
func (c *Collector) RecordDispatch() {
	if c == nil {
		return
	}
	c.fetchesDispatched.Inc()
}

// RecordCompleted 記錄查詢完成
func (c *Collector) RecordCompleted(latencySeconds float64) {
	if c == nil {
		return
	}
	c.fetchesCompleted.Inc()
	c.fetchLatency.Observe(latencySeconds)
}

// RecordFailed 記錄一次失敗的查詢嘗試
func (c *Collector) RecordFailed() {
	if c == nil {
		return
	}
	c.fetchesFailed.Inc()
}

// RecordDead 記錄查詢被放棄
func (c *Collector) RecordDead() {
	if c == nil {
		return
	}
	c.fetchesDead.Inc()
}

// RecordSearchStarted 記錄搜尋啟動
func (c *Collector) RecordSearchStarted(trigger string) {
	if c == nil {
		return
	}
	c.searchesStarted.WithLabelValues(trigger).Inc()
}

// RecordResult 記錄寫入的結果
func (c *Collector) RecordResult() {
	if c == nil {
		return
	}
	c.resultsRecorded.Inc()
}

// RecordRejected 記錄被拒絕的回應
func (c *Collector) RecordRejected() {
	if c == nil {
		return
	}
	c.resultsRejected.Inc()
}

// RecordAlert 記錄低價通知
func (c *Collector) RecordAlert() {
	if c == nil {
		return
	}
	c.alertsSent.Inc()
}

// SetBadge 設定未查看結果數
func (c *Collector) SetBadge(n int) {
	if c == nil {
		return
	}
	c.unseenResults.Set(float64(n))
}

// ClearBadge 清除未查看結果數
func (c *Collector) ClearBadge() {
	c.SetBadge(0)
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(pending, inFlight int) {
	if c == nil {
		return
	}
	c.queuePending.Set(float64(pending))
	c.queueInFlight.Set(float64(inFlight))
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 取消時關閉
func StartServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
