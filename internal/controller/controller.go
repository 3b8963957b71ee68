// ============================================================================
// farewatch 控制器 - 搜尋生命週期協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 將搜尋請求展開成查詢任務、管理佇列啟停、處理每個完成的查詢
//
// 架構設計:
//   Controller 協調以下組件：
//   - expander:  SearchRequest → 有序且等間隔排程的 FetchTask
//   - TaskQueue: 依排程時間執行查詢，每個完成的任務回呼一次
//   - store:     請求清單、結果清單、初始任務數
//   - repeat:    帶通知欄位的搜尋每隔固定時間自動重跑，跨重啟保留
//   - alert:     低價結果的通知防抖
//
// 狀態:
//   Idle ⇄ Running。Running 等同佇列中仍有未結束的任務，
//   佇列清空或 StopSearch 後回到 Idle。
//
// 完成回呼流程:
//   1. 寫入結果（無價格的回應被拒絕）
//   2. 有訂閱者時推送完整結果清單並清除徽章，否則徽章顯示結果數
//   3. 請求帶通知欄位時交給 Debouncer
//
// 並發安全:
//   - searchMu 序列化 StartSearch / StopSearch（包含呼叫 queue.Stop）
//   - mu 保護目前的請求與訂閱者，是完成回呼唯一會取的鎖
//   - queue.Stop 會等待回呼結束，因此持有 mu 時絕不呼叫
// ============================================================================

package controller

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/farewatch/internal/alert"
	"github.com/ChuLiYu/farewatch/internal/clock"
	"github.com/ChuLiYu/farewatch/internal/expander"
	"github.com/ChuLiYu/farewatch/internal/kvstore"
	"github.com/ChuLiYu/farewatch/internal/metrics"
	"github.com/ChuLiYu/farewatch/internal/queue"
	"github.com/ChuLiYu/farewatch/internal/repeat"
	"github.com/ChuLiYu/farewatch/internal/sites"
	"github.com/ChuLiYu/farewatch/internal/store"
	"github.com/ChuLiYu/farewatch/pkg/types"
)

var log = slog.Default()

// ErrEmptyRequest 請求沒有任何出發地與目的地
var ErrEmptyRequest = errors.New("search request has no origins and no destinations")

// ============================================================================
// 資料結構定義
// ============================================================================

// TaskQueue 執行查詢任務的佇列
type TaskQueue interface {
	Start(onComplete queue.CompleteFunc) error
	Stop()
	Enqueue(task types.FetchTask) (string, error)
	Len() int
}

// Subscriber 接收每次更新後的完整結果清單
type Subscriber func(results []types.FareResult)

// State 搜尋狀態
type State int

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// Options Controller 可選配置
type Options struct {
	Gap            time.Duration      // 任務排程間隔
	RepeatInterval time.Duration      // 自動重跑間隔
	AlertDelay     time.Duration      // 通知防抖延遲
	Clock          clock.Clock        // 時間來源
	Channel        alert.Channel      // 通知通道，nil 時只寫日誌
	Metrics        *metrics.Collector // 可為 nil
}

// Status 目前狀態快照
type Status struct {
	State          State
	Pending        int
	Results        int
	Requests       int
	InitialFlights int
	RepeatDue      time.Time // 零值表示沒有排程
	AlertPending   bool
	Subscribers    int
}

// Controller 搜尋協調器
type Controller struct {
	searchMu sync.Mutex // 序列化搜尋的啟停
	mu       sync.Mutex // 保護 current 與 subscribers

	kv       kvstore.Store
	queue    TaskQueue
	requests *store.RequestStore
	results  *store.ResultStore
	sites    *sites.Registry
	repeat   *repeat.Timer
	alerts   *alert.Debouncer
	metrics  *metrics.Collector
	clock    clock.Clock
	gap      time.Duration

	current     types.SearchRequest
	subscribers map[int]Subscriber
	nextSubID   int
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Controller
//
// 參數：
//   - kv: 持久化鍵值儲存
//   - q: 查詢佇列
//   - registry: 站點清單，可為 nil
//   - opts: 可選配置
func New(kv kvstore.Store, q TaskQueue, registry *sites.Registry, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Gap <= 0 {
		opts.Gap = expander.DefaultGap
	}
	if opts.Channel == nil {
		opts.Channel = alert.LogChannel{}
	}

	c := &Controller{
		kv:          kv,
		queue:       q,
		requests:    store.NewRequestStore(kv),
		results:     store.NewResultStore(kv),
		sites:       registry,
		metrics:     opts.Metrics,
		clock:       opts.Clock,
		gap:         opts.Gap,
		subscribers: make(map[int]Subscriber),
	}
	c.repeat = repeat.New(kv, opts.RepeatInterval, opts.Clock, c.onRepeat)
	c.alerts = alert.NewDebouncer(opts.Channel, c.results, opts.AlertDelay, opts.Clock)
	c.alerts.OnSent(c.metrics.RecordAlert)
	return c
}

// StartSearch 停止目前的搜尋，展開並排入新請求的所有任務
//
// 流程：
//  1. 停止佇列（丟棄上一次搜尋剩餘的任務）
//  2. 重置通知防抖
//  3. 展開請求並依序加入佇列
//  4. 保存請求
//  5. 啟動佇列
//  6. 帶通知欄位時設定自動重跑，否則取消
//  7. 保存並回傳初始任務數
func (c *Controller) StartSearch(req types.SearchRequest) (int, error) {
	return c.startSearch(req, metrics.TriggerUser)
}

func (c *Controller) startSearch(req types.SearchRequest, trigger string) (int, error) {
	if req.IsEmpty() {
		return 0, ErrEmptyRequest
	}

	c.searchMu.Lock()
	defer c.searchMu.Unlock()

	c.queue.Stop()
	c.alerts.Reset()

	c.mu.Lock()
	c.current = req
	c.mu.Unlock()

	tasks := expander.Expand(req, c.clock.Now(), c.gap)
	for _, task := range tasks {
		if _, err := c.queue.Enqueue(task); err != nil {
			c.queue.Stop()
			return 0, fmt.Errorf("failed to enqueue task: %w", err)
		}
	}

	if err := c.requests.SaveRequest(req); err != nil {
		log.Error("Failed to save request", "error", err)
	}

	if err := c.queue.Start(c.onTaskComplete); err != nil {
		c.queue.Stop()
		return 0, fmt.Errorf("failed to start queue: %w", err)
	}

	if err := c.repeat.Apply(req); err != nil {
		log.Error("Failed to update repeat search", "error", err)
	}

	n := c.queue.Len()
	c.saveInitialFlights(n)
	c.metrics.RecordSearchStarted(trigger)

	log.Info("Search started",
		"trigger", trigger,
		"origins", req.Origins,
		"destinations", req.Destinations,
		"tasks", n,
		"alert", req.HasAlert())
	return n, nil
}

// StopSearch 停止佇列，以停止前尚未結束的任務數作為新的初始任務數
func (c *Controller) StopSearch() {
	c.searchMu.Lock()
	defer c.searchMu.Unlock()

	remaining := c.queue.Len()
	c.queue.Stop()
	c.saveInitialFlights(remaining)

	log.Info("Search stopped", "remaining", remaining)
}

// Shutdown 程序結束前停止佇列與待發送的通知，持久化的重跑排程保留
func (c *Controller) Shutdown() {
	c.searchMu.Lock()
	defer c.searchMu.Unlock()

	c.queue.Stop()
	c.alerts.Reset()
}

// RecoverOnStartup 恢復持久化的自動重跑排程
func (c *Controller) RecoverOnStartup() (time.Duration, bool) {
	return c.repeat.RecoverOnStartup()
}

// IsLoading 佇列非空且尚未有任何結果
func (c *Controller) IsLoading() bool {
	return c.queue.Len() != 0 && len(c.results.GetResults()) == 0
}

// State 目前狀態
func (c *Controller) State() State {
	if c.queue.Len() > 0 {
		return Running
	}
	return Idle
}

// Subscribe 註冊結果更新的訂閱者，回傳取消函式
func (c *Controller) Subscribe(fn Subscriber) (cancel func()) {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	c.mu.Unlock()

	c.metrics.ClearBadge()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscribers, id)
			c.mu.Unlock()
		})
	}
}

// HideBadge 清除徽章
func (c *Controller) HideBadge() {
	c.metrics.ClearBadge()
}

// GetStatus 取得系統狀態
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	subscribers := len(c.subscribers)
	c.mu.Unlock()

	due, ok := c.repeat.Due()
	if !ok {
		due, _ = repeat.PersistedFireTime(c.kv)
	}

	return Status{
		State:          c.State(),
		Pending:        c.queue.Len(),
		Results:        len(c.results.GetResults()),
		Requests:       len(c.requests.GetRequests()),
		InitialFlights: c.results.InitialFlightCount(),
		RepeatDue:      due,
		AlertPending:   c.alerts.Pending(),
		Subscribers:    subscribers,
	}
}

// ============================================================================
// 儲存層轉發
// ============================================================================

// GetRequests 過去的搜尋請求，最新的在前
func (c *Controller) GetRequests() []types.SearchRequest {
	return c.requests.GetRequests()
}

// DeleteRequests 清除所有搜尋請求
func (c *Controller) DeleteRequests() error {
	return c.requests.DeleteRequests()
}

// GetResults 依最低價排序的結果
func (c *Controller) GetResults() []types.FareResult {
	return c.results.GetResults()
}

// DeleteResults 清除所有結果
func (c *Controller) DeleteResults() error {
	return c.results.DeleteResults()
}

// GetSites 設定的站點清單
func (c *Controller) GetSites() []types.Site {
	if c.sites == nil {
		return []types.Site{}
	}
	return c.sites.ListSites()
}

// InitialFlightCount 最近一次保存的初始任務數
func (c *Controller) InitialFlightCount() int {
	return c.results.InitialFlightCount()
}

// ============================================================================
// 回呼
// ============================================================================

// onTaskComplete 佇列每完成一個查詢呼叫一次
func (c *Controller) onTaskComplete(task types.FetchTask, resp types.FareResponse) {
	result, err := store.NewResult(task, resp)
	if err != nil {
		c.metrics.RecordRejected()
		log.Warn("Response without prices skipped",
			"route", types.RouteKey(task.Origin, task.Destination),
			"departure", task.Departure)
		return
	}

	results, err := c.results.Insert(result)
	if err != nil {
		log.Error("Failed to persist results", "error", err)
		if results == nil {
			return
		}
	}
	c.metrics.RecordResult()

	c.mu.Lock()
	req := c.current
	subs := make([]Subscriber, 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	if len(subs) > 0 {
		c.metrics.ClearBadge()
		for _, fn := range subs {
			fn(results)
		}
	} else {
		c.metrics.SetBadge(len(results))
	}

	if req.HasAlert() {
		c.alerts.Observe(req, result)
	}
}

// onRepeat 自動重跑觸發
func (c *Controller) onRepeat(req types.SearchRequest) {
	if _, err := c.startSearch(req, metrics.TriggerRepeat); err != nil {
		log.Error("Repeat search failed", "error", err)
	}
}

func (c *Controller) saveInitialFlights(n int) {
	if err := c.results.SaveInitialFlightCount(n); err != nil {
		log.Error("Failed to save initial number of flights", "error", err)
	}
}
