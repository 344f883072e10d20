// ============================================================================
// abz-submit Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理固定數量 Worker goroutine 的生命週期與任務分發
//
// 架構組件:
//   ┌─────────────┐
//   │ Controller  │ --Submit()--> jobCh
//   └─────────────┘
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── jobCh
//   │  │Worker 2│←── jobCh   ──→ Handler（事件由 Handler 自行送出）
//   │  │Worker 3│←── jobCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 建立 Pool，初始化 jobCh
//   2. Start(ctx, n, h) - 啟動 n 個 Worker goroutines
//   3. Submit(ctx, job) - 提交任務到 jobCh（阻塞直到有空位）
//   4. Stop() - 關閉 jobCh，等待所有 Worker 完成
//
// 結束訊號:
//   關閉 jobCh 就是每個 Worker 的「沒有更多工作」哨兵：range 迴圈結束即退出。
//   Stop() 返回時所有 Worker 都已退出，呼叫者可以安全送出串流結束事件。
//
// 取消:
//   ctx 取消後 Worker 不再處理新任務，只把佇列中剩下的任務取出丟棄，
//   因此 Submit 永遠不會因為沒人讀取而卡住。
//
// 並發控制:
//   - jobCh: 帶緩衝 channel
//   - WaitGroup: 追蹤所有 Worker，確保優雅關閉
//   - RWMutex: Submit 持有讀鎖直到送出完成，Stop 持有寫鎖才關閉 jobCh，
//     不會發生向已關閉 channel 發送
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/ChuLiYu/abz-submit/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 表示 Pool 已啟動過
	ErrPoolStarted = errors.New("worker pool already started")
)

// Handler 處理單一任務；回傳的錯誤只會被記錄，不會中斷其他任務
type Handler func(ctx context.Context, job types.Job) error

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers []*Worker      // 已啟動的 Worker
	jobCh   chan types.Job // 任務通道
	wg      sync.WaitGroup // 等待所有 Worker 完成
	mu      sync.RWMutex   // 保護 started / stopped 與 jobCh 的關閉
	started bool
	stopped bool
}

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務通道的緩衝大小
func NewPool(bufferSize int) *Pool {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Pool{
		workers: make([]*Worker, 0),
		jobCh:   make(chan types.Job, bufferSize),
	}
}

// Start 啟動指定數量的 Worker
//
// 返回值：
//   - error: Pool 已啟動或 workerCount < 1
func (p *Pool) Start(ctx context.Context, workerCount int, handler Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if workerCount < 1 {
		return errors.New("worker count must be at least 1")
	}
	if handler == nil {
		return errors.New("worker handler is required")
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.jobCh, handler)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}

	p.started = true
	return nil
}

// Submit 提交任務到 Worker Pool，佇列已滿時阻塞
//
// 返回值：
//   - ErrPoolNotStarted / ErrPoolClosed
//   - ctx.Err(): 等待空位時 ctx 被取消
func (p *Pool) Submit(ctx context.Context, job types.Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.jobCh <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌並關閉 jobCh
//  2. Worker 處理完佇列中的任務後退出
//  3. 等待所有 Worker 完成
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobCh)
	p.mu.Unlock()

	p.wg.Wait()
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

// Stats sums the per-worker counters. Only meaningful after Stop.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var total Stats
	for _, w := range p.workers {
		s := w.stats()
		total.Processed += s.Processed
		total.Errors += s.Errors
		total.Skipped += s.Skipped
	}
	return total
}
