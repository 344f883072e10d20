// ============================================================================
// abz-submit 控制器 - 管線協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 建立共用的管線狀態，執行崩潰恢復，把工作交給 worker，並在最後關閉事件串流
//
// 架構設計:
//   - jobstore.Store: 目錄即狀態的持久化層
//   - pipeline.Processor: 每個任務的 Extract → Dedup → Submit
//   - worker.Pool: 固定數量的 worker
//   - aggregator.Aggregator: 唯一的事件消費者（進度、ETA、指標）
//
// 崩潰恢復流程（Start）:
//   1. Scan() - 依所在目錄還原每個文件的狀態
//   2. RequeueSubmissionFailures() - 提交失敗一律自動重試
//   3. RequeueAllFailures() - 僅在 reprocess_failed 時
//   4. 啟動 aggregator 與 worker pool
//
// 關閉流程（Close）:
//   關閉 job channel → 所有 worker 退出 → 送出 EventEnd → aggregator 結束
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/abz-submit/internal/aggregator"
	"github.com/ChuLiYu/abz-submit/internal/jobstore"
	"github.com/ChuLiYu/abz-submit/internal/metrics"
	"github.com/ChuLiYu/abz-submit/internal/pipeline"
	"github.com/ChuLiYu/abz-submit/internal/worker"
	"github.com/ChuLiYu/abz-submit/pkg/types"
)

var log = slog.Default()

var (
	// ErrNotStarted 表示 Controller 尚未啟動
	ErrNotStarted = errors.New("controller not started")
	// ErrClosed 表示 Controller 已關閉，不再接受新任務
	ErrClosed = errors.New("controller closed")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	WorkerCount     int    // Worker 數量
	QueueSize       int    // job / event channel 緩衝大小
	FeaturesDir     string // Job Store 根目錄
	ReprocessFailed bool   // 啟動時把所有失敗任務重新排隊
	Offline         bool   // 只抽取，不連線遠端
	BuildSHA        string // 抽取器 SHA-1
	Version         string // 抽取器版本
}

// Deps 外部依賴
type Deps struct {
	Store     *jobstore.Store     // nil 時以 FeaturesDir 開啟
	Extractor pipeline.Extractor  // 必要
	Catalog   pipeline.Catalog    // 離線模式下可為 nil
	Reporter  aggregator.Reporter // nil 時不輸出
	Metrics   *metrics.Collector  // 可為 nil
}

// Controller 核心控制器
type Controller struct {
	mu        sync.Mutex
	config    Config
	deps      Deps
	store     *jobstore.Store
	pool      *worker.Pool
	events    chan types.Event
	agg       *aggregator.Aggregator
	recovered types.Recovered
	seen      map[types.JobID]string // 本次執行已排入的任務（JobID → 音訊檔）
	enqueuing sync.WaitGroup         // 進行中的 Enqueue，Close 需等待
	started   bool
	closed    bool
	done      chan struct{}
	summary   aggregator.Summary
	startTime time.Time
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立新的 Controller 實例
//
// Job Store 目錄結構在此建立；無法建立時返回錯誤，任何 worker 都不會啟動。
func New(config Config, deps Deps) (*Controller, error) {
	if deps.Extractor == nil {
		return nil, errors.New("controller: extractor is required")
	}
	if deps.Catalog == nil && !config.Offline {
		return nil, errors.New("controller: catalog is required unless offline")
	}
	if config.WorkerCount < 1 {
		config.WorkerCount = 1
	}
	if config.QueueSize < 1 {
		config.QueueSize = 256
	}

	store := deps.Store
	if store == nil {
		var err error
		store, err = jobstore.Open(config.FeaturesDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open job store: %w", err)
		}
	}

	return &Controller{
		config: config,
		deps:   deps,
		store:  store,
		pool:   worker.NewPool(config.QueueSize),
		events: make(chan types.Event, config.QueueSize),
		seen:   make(map[types.JobID]string),
		done:   make(chan struct{}),
	}, nil
}

// Start 執行崩潰恢復並啟動 aggregator 與 worker pool
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return errors.New("controller already started")
	}
	c.startTime = time.Now()

	// 1. 恢復階段
	log.Info("Starting recovery...", "features_dir", c.store.Root())

	rec, err := c.store.Scan()
	if err != nil {
		return fmt.Errorf("scan job store: %w", err)
	}

	requeued, err := c.store.RequeueSubmissionFailures(rec)
	if err != nil {
		log.Error("Some submission failures could not be requeued", "error", err)
	}
	if c.config.ReprocessFailed {
		n, err := c.store.RequeueAllFailures(rec)
		if err != nil {
			log.Error("Some failed jobs could not be requeued", "error", err)
		}
		requeued += n
	}
	c.recovered = rec

	recoveryTime := time.Since(c.startTime)
	log.Info("Recovery completed",
		"duration", recoveryTime,
		"recovered_jobs", len(rec),
		"requeued_jobs", requeued)

	if c.deps.Metrics != nil {
		c.deps.Metrics.SetRecoveryTime(recoveryTime)
		c.deps.Metrics.RecordRequeued(requeued)
	}

	// 2. 啟動 aggregator（唯一的事件消費者）
	var observer aggregator.Observer
	if c.deps.Metrics != nil {
		observer = c.deps.Metrics
	}
	c.agg = aggregator.New(c.deps.Reporter, observer, aggregator.Options{Offline: c.config.Offline})
	c.agg.Recovered(rec)

	go func() {
		defer close(c.done)
		c.summary = c.agg.Run(c.events)
	}()

	// 3. 啟動 Worker Pool
	processor := pipeline.NewProcessor(pipeline.Config{
		BuildSHA: c.config.BuildSHA,
		Version:  c.config.Version,
		Offline:  c.config.Offline,
	}, c.store, c.deps.Extractor, c.deps.Catalog, rec, c.events)

	if err := c.pool.Start(ctx, c.config.WorkerCount, processor.Process); err != nil {
		c.events <- types.EndOfStream()
		<-c.done
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	c.started = true
	log.Info("Controller started", "workers", c.config.WorkerCount, "offline", c.config.Offline)
	return nil
}

// Enqueue 將音訊檔加入佇列
//
// 相同 JobID（相同檔名）的檔案只處理第一個。佇列已滿時阻塞。
// 返回實際排入的任務數。
func (c *Controller) Enqueue(ctx context.Context, sources ...string) (int, error) {
	added := 0
	for _, source := range sources {
		job := types.NewJob(source)

		c.mu.Lock()
		switch {
		case !c.started:
			c.mu.Unlock()
			return added, ErrNotStarted
		case c.closed:
			c.mu.Unlock()
			return added, ErrClosed
		}
		if prev, dup := c.seen[job.ID]; dup {
			c.mu.Unlock()
			log.Warn("Skipping file with the same name as an earlier one",
				"job_id", job.ID, "source", source, "first", prev)
			continue
		}
		c.seen[job.ID] = source
		c.enqueuing.Add(1)
		c.mu.Unlock()

		err := c.submit(ctx, job)
		if err != nil {
			return added, fmt.Errorf("enqueue %s: %w", source, err)
		}
		added++
	}
	return added, nil
}

// submit announces job to the aggregator and hands it to the pool. The caller
// must have called c.enqueuing.Add(1).
func (c *Controller) submit(ctx context.Context, job types.Job) error {
	defer c.enqueuing.Done()

	c.events <- types.Event{
		Kind:   types.EventTransition,
		JobID:  job.ID,
		Source: job.Source,
		State:  types.StateDiscovered,
	}
	return c.pool.Submit(ctx, job)
}

// ResumePending 排入 pending 目錄中尚未被本次輸入涵蓋的文件
//
// 這些文件（例如提交失敗後重新排隊的）不需要原始音訊檔就能繼續提交。
func (c *Controller) ResumePending(ctx context.Context) (int, error) {
	if c.config.Offline {
		return 0, nil
	}

	c.mu.Lock()
	var ids []types.JobID
	for id, loc := range c.recovered {
		if loc.State != types.StatePending {
			continue
		}
		if _, ok := c.seen[id]; !ok {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	added := 0
	for _, id := range ids {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return added, ErrClosed
		}
		if _, ok := c.seen[id]; ok {
			c.mu.Unlock()
			continue
		}
		c.seen[id] = ""
		c.enqueuing.Add(1)
		c.mu.Unlock()

		job := types.Job{ID: id, State: types.StateDiscovered, EnqueuedAt: time.Now()}
		if err := c.submit(ctx, job); err != nil {
			return added, fmt.Errorf("resume %s: %w", id, err)
		}
		added++
	}
	if added > 0 {
		log.Info("Resuming pending documents", "count", added)
	}
	return added, nil
}

// Close 停止接受新任務，等待所有 worker 退出後送出串流結束事件
func (c *Controller) Close() {
	c.mu.Lock()
	if !c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.enqueuing.Wait()
	c.pool.Stop()

	stats := c.pool.Stats()
	log.Debug("Worker pool stopped",
		"processed", stats.Processed,
		"errors", stats.Errors,
		"skipped", stats.Skipped)

	// 所有 worker 已退出，這是最後一個事件
	c.events <- types.EndOfStream()
}

// Wait 等待 aggregator 結束並返回統計結果
func (c *Controller) Wait() aggregator.Summary {
	<-c.done
	return c.summary
}

// Run 完整執行一次：恢復、掃描輸入、處理、關閉
func (c *Controller) Run(ctx context.Context, paths []string) (aggregator.Summary, error) {
	if err := c.Start(ctx); err != nil {
		return aggregator.Summary{}, err
	}

	sources, scanErr := ScanInputs(paths)
	if scanErr != nil {
		log.Warn("Some inputs could not be scanned", "error", scanErr)
	}

	_, err := c.Enqueue(ctx, sources...)
	if err == nil {
		_, err = c.ResumePending(ctx)
	}

	c.Close()
	summary := c.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return summary, ctxErr
	}
	return summary, err
}

// Store 返回 Job Store
func (c *Controller) Store() *jobstore.Store {
	return c.store
}
