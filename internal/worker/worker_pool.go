// ============================================================================
// farewatch Worker Pool - 並發票價查詢執行器
// ============================================================================
//
//   Queue --Submit()--> tasks ──┬─> Worker 1 ──┐
//                               ├─> Worker 2 ──┼──> Results() ──> Queue
//                               └─> Worker n ──┘
//
// 生命週期: NewPool → Start → Submit / Results → Stop
//
// tasks 與 results 兩個 channel 永不關閉；停止只透過 context 傳遞，
// Submit 與 Stop 並發時不會向已關閉的 channel 發送。
// Stop 後緩衝中尚未執行的任務直接丟棄。Pool 不可重用。
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrPoolClosed     = errors.New("worker pool is closed")
	ErrPoolNotStarted = errors.New("worker pool not started")
	ErrPoolStarted    = errors.New("worker pool already started")
)

// PoolConfig Pool 參數
type PoolConfig struct {
	Workers    int     // Worker 數量，至少 1
	BufferSize int     // 任務與結果通道的緩衝大小
	Fetcher    Fetcher // 所有 Worker 共用的票價來源
}

// Pool 管理一組並發的 Worker
type Pool struct {
	cfg     PoolConfig
	tasks   chan Task
	results chan Result
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

func NewPool(cfg PoolConfig) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BufferSize < 0 {
		cfg.BufferSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:     cfg,
		tasks:   make(chan Task, cfg.BufferSize),
		results: make(chan Result, cfg.BufferSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start 啟動所有 Worker goroutine
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.stopped:
		return ErrPoolClosed
	case p.started:
		return ErrPoolStarted
	}

	p.wg.Add(p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		w := newWorker(i, p.cfg.Fetcher, p.tasks, p.results)
		go func() {
			defer p.wg.Done()
			w.Run(p.ctx)
		}()
	}
	p.started = true
	return nil
}

// Submit 緩衝已滿時阻塞，直到有 Worker 取走任務或 Pool 停止
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	started, stopped := p.started, p.stopped
	p.mu.Unlock()

	if stopped {
		return ErrPoolClosed
	}
	if !started {
		return ErrPoolNotStarted
	}

	select {
	case p.tasks <- task:
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// Results 查詢結果；應與 Done 一起 select
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Done 在 Stop 後關閉
func (p *Pool) Done() <-chan struct{} {
	return p.ctx.Done()
}

// Stop 取消執行中的查詢並等待所有 Worker 退出。重複呼叫為 no-op。
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// Size Worker 數量
func (p *Pool) Size() int {
	return p.cfg.Workers
}
