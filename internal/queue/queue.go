// ============================================================================
// farewatch 任務佇列 - 依排程時間分派票價查詢
// ============================================================================
//
// Package: internal/queue
// 文件: queue.go
// 功能: 將 jobmanager 狀態機與 worker pool 組合成可啟停的查詢佇列
//
// 核心循環 (3 個並發 Goroutine):
//   1. Dispatch Loop - 每個 tick 取出所有 Times[0] 已到期的任務交給 worker
//   2. Result Loop   - 接收查詢結果：成功回呼 onComplete，失敗重試或標記死信
//   3. Timeout Loop  - 掃描超過截止時間的執行中任務，同樣走重試流程
//
// 生命週期:
//   Enqueue() 可在啟動前呼叫；Start() 建立新的 worker pool 並啟動循環；
//   Stop() 取消循環、停止 pool、清空所有任務。Stop 返回後不會再有回呼。
//
// 鎖:
//   mu 只在 Start/Stop 期間持有，循環本身不取 mu；
//   onComplete 在佇列的任何鎖之外執行。
// ============================================================================

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/farewatch/internal/clock"
	"github.com/ChuLiYu/farewatch/internal/jobmanager"
	"github.com/ChuLiYu/farewatch/internal/metrics"
	"github.com/ChuLiYu/farewatch/internal/worker"
	"github.com/ChuLiYu/farewatch/pkg/types"
)

var log = slog.Default()

// ErrQueueRunning 佇列已在執行
var ErrQueueRunning = errors.New("queue already running")

// 預設值
const (
	DefaultWorkers          = 2
	DefaultTaskTimeout      = 30 * time.Second
	DefaultMaxRetry         = 3
	DefaultDispatchInterval = 50 * time.Millisecond
	DefaultTimeoutScan      = time.Second
	DefaultBufferSize       = 64
)

// Config 佇列配置
type Config struct {
	Workers          int           // Worker 數量
	TaskTimeout      time.Duration // 單次查詢超時
	MaxRetry         int           // 最大嘗試次數，<= 0 表示不限
	DispatchInterval time.Duration // 分派間隔
	TimeoutScan      time.Duration // 超時掃描間隔
	BufferSize       int           // pool 通道緩衝
	Clock            clock.Clock   // 判斷到期的時間來源
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = DefaultDispatchInterval
	}
	if c.TimeoutScan <= 0 {
		c.TimeoutScan = DefaultTimeoutScan
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	return c
}

// CompleteFunc 每個成功完成的查詢呼叫一次
type CompleteFunc func(task types.FetchTask, resp types.FareResponse)

// Queue 票價查詢佇列
type Queue struct {
	mu      sync.Mutex // 序列化 Start/Stop
	cfg     Config
	fetcher worker.Fetcher
	jobs    *jobmanager.Manager
	metrics *metrics.Collector

	pool    *worker.Pool
	cancel  context.CancelFunc
	loopWg  sync.WaitGroup
	running atomic.Bool
}

// New 建立佇列；collector 可為 nil
func New(cfg Config, fetcher worker.Fetcher, collector *metrics.Collector) *Queue {
	return &Queue{
		cfg:     cfg.withDefaults(),
		fetcher: fetcher,
		jobs:    jobmanager.NewManager(),
		metrics: collector,
	}
}

// Enqueue 加入一個查詢任務並回傳其 ID
func (q *Queue) Enqueue(task types.FetchTask) (string, error) {
	id, err := q.jobs.Enqueue(task)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", types.RouteKey(task.Origin, task.Destination), err)
	}
	q.metrics.RecordEnqueue()
	return id, nil
}

// Len 尚未結束的任務數
func (q *Queue) Len() int {
	return q.jobs.Len()
}

// Running 循環是否在執行
func (q *Queue) Running() bool {
	return q.running.Load()
}

// Stats 各狀態任務數
func (q *Queue) Stats() map[string]int {
	return q.jobs.Stats()
}

// Start 啟動 worker pool 與三個循環
func (q *Queue) Start(onComplete CompleteFunc) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running.Load() {
		return ErrQueueRunning
	}

	pool := worker.NewPool(worker.PoolConfig{
		Workers:    q.cfg.Workers,
		BufferSize: q.cfg.BufferSize,
		Fetcher:    q.fetcher,
	})
	if err := pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.pool = pool
	q.cancel = cancel
	q.running.Store(true)

	q.loopWg.Add(3)
	go q.dispatchLoop(ctx, pool)
	go q.resultLoop(ctx, pool, onComplete)
	go q.timeoutLoop(ctx)

	log.Info("Queue started", "workers", q.cfg.Workers, "pending", q.jobs.Len())
	return nil
}

// Stop 停止循環並清空所有任務；未啟動時只清空
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running.Load() {
		// 1. 停止分派與掃描
		q.cancel()
		// 2. 停止 pool，執行中的查詢隨之取消，resultLoop 退出
		q.pool.Stop()
		// 3. 等待所有循環退出
		q.loopWg.Wait()

		q.pool = nil
		q.cancel = nil
		q.running.Store(false)
		log.Info("Queue stopped")
	}

	q.jobs.Reset()
	q.metrics.UpdateQueueStats(0, 0)
}

// ============================================================================
// 循環
// ============================================================================

func (q *Queue) dispatchLoop(ctx context.Context, pool *worker.Pool) {
	defer q.loopWg.Done()
	ticker := time.NewTicker(q.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.dispatchDue(ctx, pool)
			stats := q.jobs.Stats()
			q.metrics.UpdateQueueStats(stats["pending"], stats["in_flight"])
		}
	}
}

// dispatchDue 分派所有已到期的任務
func (q *Queue) dispatchDue(ctx context.Context, pool *worker.Pool) {
	for ctx.Err() == nil {
		now := q.cfg.Clock.Now()
		entry := q.jobs.PopDue(now)
		if entry == nil {
			return
		}
		task := entry.Task

		// 截止時間包含在 pool 緩衝中等待的時間
		deadline := now.Add(2 * q.cfg.TaskTimeout)
		if err := q.jobs.MarkInFlight(task.ID, deadline); err != nil {
			log.Debug("Skipping task", "task", task.ID, "error", err)
			continue
		}

		err := pool.Submit(worker.Task{ID: task.ID, Fetch: task, Timeout: q.cfg.TaskTimeout})
		if err != nil {
			if !errors.Is(err, worker.ErrPoolClosed) {
				log.Error("Failed to submit task", "task", task.ID, "error", err)
			}
			return
		}
		q.metrics.RecordDispatch()
	}
}

func (q *Queue) resultLoop(ctx context.Context, pool *worker.Pool, onComplete CompleteFunc) {
	defer q.loopWg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-pool.Done():
			return
		case result := <-pool.Results():
			// 停止後到達的結果直接丟棄
			if ctx.Err() != nil {
				return
			}
			q.handleResult(result, onComplete)
		}
	}
}

func (q *Queue) handleResult(result worker.Result, onComplete CompleteFunc) {
	if !result.Success {
		q.metrics.RecordFailed()
		q.retry(result.TaskID, result.Error)
		return
	}

	task, ok := q.jobs.InFlightTask(result.TaskID)
	if !ok {
		// 超時後已被重新排隊或佇列已重置
		log.Debug("Dropping stale result", "task", result.TaskID)
		return
	}

	// 回呼期間任務仍算在 Len 內，結果寫入前狀態不會變成 Idle
	if onComplete != nil {
		onComplete(task, result.Response)
	}
	if err := q.jobs.MarkCompleted(result.TaskID); err != nil {
		log.Debug("Task left flight during completion", "task", result.TaskID, "error", err)
		return
	}
	q.metrics.RecordCompleted(result.Duration.Seconds())
}

func (q *Queue) retry(id string, cause error) {
	attempt, dead, err := q.jobs.Retry(id, q.cfg.MaxRetry)
	if err != nil {
		log.Debug("Dropping stale failure", "task", id, "error", err)
		return
	}
	if dead {
		q.metrics.RecordDead()
		log.Warn("Task marked as dead", "task", id, "attempts", attempt, "error", cause)
		return
	}
	log.Debug("Task requeued", "task", id, "attempt", attempt, "error", cause)
}

func (q *Queue) timeoutLoop(ctx context.Context) {
	defer q.loopWg.Done()
	ticker := time.NewTicker(q.cfg.TimeoutScan)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range q.jobs.GetExpired(q.cfg.Clock.Now()) {
				q.metrics.RecordFailed()
				q.retry(id, context.DeadlineExceeded)
			}
		}
	}
}
