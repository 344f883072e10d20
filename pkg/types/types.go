// Package types 定義了 abz-submit 管線中使用的核心領域模型
package types

import (
	"path/filepath"
	"time"
)

// JobID 任務唯一識別碼，同時也是特徵文件在 Job Store 中的檔名
type JobID string

// JobIDFor 由音訊檔路徑推導出特徵文件識別碼（basename + "_.json"）
func JobIDFor(source string) JobID {
	return JobID(filepath.Base(source) + "_.json")
}

// State 任務狀態
type State string

// 定義任務狀態常數
const (
	StateDiscovered State = "discovered" // 已發現：目錄掃描或動態加入
	StatePending    State = "pending"    // 待處理：正在抽取特徵，或特徵已存在 pending 目錄
	StateExtracted  State = "extracted"  // 已抽取：特徵文件已蓋上 build sha，可提交
	StateDuplicate  State = "duplicate"  // 重複：遠端已有相同版本的紀錄
	StateSuccess    State = "success"    // 成功：已提交至遠端
	StateFailed     State = "failed"     // 失敗：ErrorKind 說明原因
)

// Terminal 回傳此狀態是否為終止狀態
func (s State) Terminal() bool {
	switch s {
	case StateDuplicate, StateSuccess, StateFailed:
		return true
	default:
		return false
	}
}

// ErrorKind 失敗狀態的子分類，對應 failed/ 底下的子目錄
type ErrorKind string

const (
	ErrNone       ErrorKind = ""
	ErrNoMbid     ErrorKind = "nombid"
	ErrBadMbid    ErrorKind = "badmbid"
	ErrExtraction ErrorKind = "extraction"
	ErrUnknown    ErrorKind = "unknownerror"
	ErrSubmission ErrorKind = "submission"
	ErrJSON       ErrorKind = "jsonerror"
	ErrNoTrackID  ErrorKind = "notrackid"
)

// ErrorKinds lists every failure subdirectory in layout order.
var ErrorKinds = []ErrorKind{
	ErrNoMbid, ErrBadMbid, ErrExtraction, ErrUnknown, ErrSubmission, ErrJSON, ErrNoTrackID,
}

// Valid 檢查 ErrorKind 是否為已知分類
func (k ErrorKind) Valid() bool {
	for _, known := range ErrorKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ExtractionStage reports whether the failure is decided by the extraction
// stage (the extractor run or reading back its output).
func (k ErrorKind) ExtractionStage() bool {
	return k == ErrNoMbid || k == ErrExtraction || k == ErrUnknown || k == ErrJSON
}

// Location 任務在 Job Store 中的位置（狀態 + 失敗分類）
type Location struct {
	State State     `json:"state"`
	Error ErrorKind `json:"error,omitempty"`
}

// Failed 建立失敗位置
func Failed(kind ErrorKind) Location {
	return Location{State: StateFailed, Error: kind}
}

func (l Location) String() string {
	if l.State == StateFailed {
		return string(l.State) + "(" + string(l.Error) + ")"
	}
	return string(l.State)
}

// Recovered 啟動時從 Job Store 掃描出的任務狀態表
type Recovered map[JobID]Location

// Job 任務結構，代表一個要處理的音訊檔
type Job struct {
	ID     JobID  `json:"id"`     // 特徵文件識別碼
	Source string `json:"source"` // 音訊檔路徑（不可變）

	State State     `json:"state"`
	Error ErrorKind `json:"error,omitempty"`

	EnqueuedAt     time.Time     `json:"enqueued_at"`
	ExtractionTime time.Duration `json:"extraction_time"`
	SubmissionTime time.Duration `json:"submission_time"`
}

// NewJob 由音訊檔路徑建立任務
func NewJob(source string) Job {
	return Job{
		ID:         JobIDFor(source),
		Source:     source,
		State:      StateDiscovered,
		EnqueuedAt: time.Now(),
	}
}

// EventKind 區分一般狀態轉換事件與串流結束哨兵
type EventKind int

const (
	EventTransition EventKind = iota
	EventEnd
)

// Event 狀態轉換事件，由 worker 與 controller 產生，由 aggregator 單一消費
type Event struct {
	Kind     EventKind
	JobID    JobID
	Source   string
	State    State
	Error    ErrorKind
	Duration time.Duration // 此階段耗時
	Reused   bool          // 沿用先前執行的結果，未重新計算
	Output   string        // 抽取器輸出（僅在失敗時填入）
}

// EndOfStream 建立串流結束哨兵事件
func EndOfStream() Event {
	return Event{Kind: EventEnd}
}
