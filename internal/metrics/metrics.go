// ============================================================================
// abz-submit Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 將 aggregator 看到的狀態轉換事件轉為 Prometheus 指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - abz_jobs_discovered_total: 發現的音訊檔總數
//      - abz_jobs_extracted_total: 完成特徵抽取的任務數
//      - abz_jobs_submitted_total: 成功提交的任務數
//      - abz_jobs_duplicate_total: 遠端已存在的任務數
//      - abz_jobs_failed_total{kind}: 依失敗分類統計
//      - abz_jobs_reused_total: 沿用前次執行結果的任務數
//      - abz_jobs_requeued_total: 啟動時重新排隊的失敗任務數
//
//   2. 性能指標 (Histogram)：
//      - abz_stage_duration_seconds{stage}: extraction / submission 階段耗時
//
//   3. 狀態指標 (Gauge)：
//      - abz_eta_seconds: 剩餘時間估計
//      - abz_recovery_time_seconds: 啟動時恢復掃描耗時
//
// Prometheus 查詢示例:
//
//   # 每分鐘抽取數
//   rate(abz_jobs_extracted_total[1m])
//
//   # 95 分位抽取耗時
//   histogram_quantile(0.95, rate(abz_stage_duration_seconds_bucket{stage="extraction"}[5m]))
//
// HTTP 端點:
//   /metrics，默認端口 9090
//
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

	"github.com/ChuLiYu/abz-submit/pkg/types"
)

const namespace = "abz"

// stage 標籤值
const (
	StageExtraction = "extraction"
	StageSubmission = "submission"
)

// extraction 可能從數秒到數分鐘
var stageBuckets = []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160, 320}

// Collector Prometheus 指標收集器
//
// 所有方法都可並發呼叫；實際上只有 aggregator 與 controller 會呼叫。
type Collector struct {
	jobsDiscovered prometheus.Counter
	jobsExtracted  prometheus.Counter
	jobsSubmitted  prometheus.Counter
	jobsDuplicate  prometheus.Counter
	jobsFailed     *prometheus.CounterVec
	jobsReused     prometheus.Counter
	jobsRequeued   prometheus.Counter

	stageDuration *prometheus.HistogramVec

	eta          prometheus.Gauge
	recoveryTime prometheus.Gauge
}

// NewCollector 創建並註冊指標收集器；reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_discovered_total",
			Help:      "Total number of audio files discovered",
		}),
		jobsExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_extracted_total",
			Help:      "Total number of jobs whose features were extracted in this run",
		}),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of feature documents accepted by the catalog",
		}),
		jobsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_duplicate_total",
			Help:      "Total number of jobs already present in the catalog",
		}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of failed jobs by error kind",
		}, []string{"kind"}),
		jobsReused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_reused_total",
			Help:      "Total number of jobs settled by an earlier run",
		}),
		jobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_requeued_total",
			Help:      "Total number of failed jobs moved back to pending at startup",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds",
			Buckets:   stageBuckets,
		}, []string{"stage"}),
		eta: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eta_seconds",
			Help:      "Estimated time until every discovered job is extracted",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to scan and requeue the job store at startup",
		}),
	}

	reg.MustRegister(
		c.jobsDiscovered,
		c.jobsExtracted,
		c.jobsSubmitted,
		c.jobsDuplicate,
		c.jobsFailed,
		c.jobsReused,
		c.jobsRequeued,
		c.stageDuration,
		c.eta,
		c.recoveryTime,
	)

	// 預先建立每個分類，讓 0 也會出現在 /metrics
	for _, kind := range types.ErrorKinds {
		c.jobsFailed.WithLabelValues(string(kind))
	}

	return c
}

// Observe 記錄一個狀態轉換事件
func (c *Collector) Observe(ev types.Event) {
	if ev.Kind != types.EventTransition {
		return
	}
	if ev.Reused {
		c.jobsReused.Inc()
		return
	}

	seconds := ev.Duration.Seconds()
	switch ev.State {
	case types.StateDiscovered:
		c.jobsDiscovered.Inc()
	case types.StateExtracted:
		c.jobsExtracted.Inc()
		c.stageDuration.WithLabelValues(StageExtraction).Observe(seconds)
	case types.StateSuccess:
		c.jobsSubmitted.Inc()
		c.stageDuration.WithLabelValues(StageSubmission).Observe(seconds)
	case types.StateDuplicate:
		c.jobsDuplicate.Inc()
		c.stageDuration.WithLabelValues(StageSubmission).Observe(seconds)
	case types.StateFailed:
		c.jobsFailed.WithLabelValues(string(ev.Error)).Inc()
		if ev.Error.ExtractionStage() {
			c.stageDuration.WithLabelValues(StageExtraction).Observe(seconds)
		} else {
			c.stageDuration.WithLabelValues(StageSubmission).Observe(seconds)
		}
	}
}

// SetETA 設置剩餘時間估計
func (c *Collector) SetETA(d time.Duration) {
	c.eta.Set(d.Seconds())
}

// RecordRequeued 記錄啟動時重新排隊的任務數
func (c *Collector) RecordRequeued(n int) {
	c.jobsRequeued.Add(float64(n))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	c.recoveryTime.Set(d.Seconds())
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 取消時關閉
//
// 參數：
//   - port: HTTP 伺服器端口
//   - gatherer: nil 時使用 prometheus.DefaultGatherer
func StartServer(ctx context.Context, port int, gatherer prometheus.Gatherer) error {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
