// ============================================================================
// abz-submit Job Store - 目錄即狀態的持久化層
// ============================================================================
//
// Package: internal/jobstore
// 文件: store.go
// 功能: 以「每個狀態一個目錄」的方式保存每個任務的特徵文件，作為崩潰恢復的唯一依據
//
// 目錄結構:
//   features/
//   ├── pending/            已抽取、等待提交（或離線模式的最終位置）
//   ├── failed/
//   │   ├── nombid/         抽取器找不到 recording id tag（exit 2）
//   │   ├── badmbid/        tag 存在但沒有合法 UUID
//   │   ├── extraction/     抽取器內部錯誤（exit 1 或沒有輸出）
//   │   ├── unknownerror/   其他 exit code
//   │   ├── submission/     提交失敗（下次啟動自動重試）
//   │   ├── jsonerror/      特徵文件無法解析
//   │   └── notrackid/      缺少 musicbrainz_trackid
//   ├── duplicate/          遠端已有相同版本紀錄
//   ├── success/            已成功提交
//   └── .tmp/               抽取器輸出的暫存區（不屬於任何狀態）
//
// 不變式:
//   每個任務的文件在任何時刻只存在於一個狀態目錄（at-most-one-location）。
//   所有搬移都使用 os.Rename（同一檔案系統內為原子操作），失敗時文件留在原處。
//
// 路徑字串只在本套件內解析，其他套件只看到 types.Location。
//
// ============================================================================

package jobstore

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ChuLiYu/abz-submit/pkg/types"
)

var log = slog.Default()

const (
	dirPending   = "pending"
	dirFailed    = "failed"
	dirDuplicate = "duplicate"
	dirSuccess   = "success"
	dirStaging   = ".tmp"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrSourceMissing 表示要搬移的文件不存在
	ErrSourceMissing = errors.New("jobstore: source artifact missing")
	// ErrInvalidLocation 表示位置無法對應到任何狀態目錄
	ErrInvalidLocation = errors.New("jobstore: invalid location")
)

// StoreIOError 表示 Job Store 的檔案操作失敗，任務文件保持在原本的目錄
type StoreIOError struct {
	Op    string
	JobID types.JobID
	Path  string
	Err   error
}

func (e *StoreIOError) Error() string {
	return fmt.Sprintf("jobstore: %s %s (%s): %v", e.Op, e.JobID, e.Path, e.Err)
}

func (e *StoreIOError) Unwrap() error {
	return e.Err
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Store 目錄型 Job Store
type Store struct {
	root string
}

// Open 建立（或沿用）Job Store 目錄結構
//
// 目錄建立是冪等的；任何一個目錄無法建立都視為啟動失敗
func Open(root string) (*Store, error) {
	s := &Store{root: root}
	dirs := []string{
		s.root,
		filepath.Join(s.root, dirPending),
		filepath.Join(s.root, dirFailed),
		filepath.Join(s.root, dirDuplicate),
		filepath.Join(s.root, dirSuccess),
		filepath.Join(s.root, dirStaging),
	}
	for _, kind := range types.ErrorKinds {
		dirs = append(dirs, filepath.Join(s.root, dirFailed, string(kind)))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create job store directory %s: %w", dir, err)
		}
	}
	return s, nil
}

// Root 回傳 Job Store 根目錄
func (s *Store) Root() string {
	return s.root
}

// Dir 回傳某個位置對應的目錄
func (s *Store) Dir(loc types.Location) (string, error) {
	switch loc.State {
	case types.StatePending, types.StateExtracted:
		return filepath.Join(s.root, dirPending), nil
	case types.StateDuplicate:
		return filepath.Join(s.root, dirDuplicate), nil
	case types.StateSuccess:
		return filepath.Join(s.root, dirSuccess), nil
	case types.StateFailed:
		if !loc.Error.Valid() {
			return "", fmt.Errorf("%w: %s", ErrInvalidLocation, loc)
		}
		return filepath.Join(s.root, dirFailed, string(loc.Error)), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidLocation, loc)
	}
}

// Path 回傳任務文件在某個位置的完整路徑
func (s *Store) Path(loc types.Location, id types.JobID) (string, error) {
	dir, err := s.Dir(loc)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, string(id)), nil
}

// StagingPath 回傳抽取器暫存輸出的路徑
func (s *Store) StagingPath(name string) string {
	return filepath.Join(s.root, dirStaging, name)
}

// locate 由文件所在目錄（相對於根目錄）推導出位置
func locate(rel string) (types.Location, bool) {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	switch {
	case len(parts) == 2 && parts[0] == dirPending:
		return types.Location{State: types.StatePending}, true
	case len(parts) == 2 && parts[0] == dirDuplicate:
		return types.Location{State: types.StateDuplicate}, true
	case len(parts) == 2 && parts[0] == dirSuccess:
		return types.Location{State: types.StateSuccess}, true
	case len(parts) == 3 && parts[0] == dirFailed:
		kind := types.ErrorKind(parts[1])
		if kind.Valid() {
			return types.Failed(kind), true
		}
	}
	return types.Location{}, false
}

// ============================================================================
// 恢復掃描
// ============================================================================

// Scan 列舉 Job Store 中所有文件並推導其狀態
//
// 每個找到的文件都恰好被指派一個狀態；暫存區與無法識別的路徑會被略過
func (s *Store) Scan() (types.Recovered, error) {
	recovered := make(types.Recovered)

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == dirStaging {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		loc, ok := locate(rel)
		if !ok {
			log.Warn("Ignoring unrecognised job store entry", "path", path)
			return nil
		}

		id := types.JobID(d.Name())
		if prev, dup := recovered[id]; dup {
			log.Warn("Job found in more than one state directory",
				"jobID", id, "kept", prev.String(), "ignored", loc.String())
			return nil
		}
		recovered[id] = loc
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan job store %s: %w", s.root, err)
	}
	return recovered, nil
}

// RequeueSubmissionFailures 將所有 Failed(submission) 的任務移回 pending
//
// 提交失敗被視為暫時性錯誤（網路/API），每次啟動都自動重試
func (s *Store) RequeueSubmissionFailures(rec types.Recovered) (int, error) {
	return s.requeue(rec, func(loc types.Location) bool {
		return loc.State == types.StateFailed && loc.Error == types.ErrSubmission
	}, false)
}

// RequeueAllFailures 將所有失敗任務移回 pending，並從恢復表中移除，視為全新工作
//
// 沒有特徵文件的失敗（標記檔）直接刪除
func (s *Store) RequeueAllFailures(rec types.Recovered) (int, error) {
	return s.requeue(rec, func(loc types.Location) bool {
		return loc.State == types.StateFailed
	}, true)
}

func (s *Store) requeue(rec types.Recovered, match func(types.Location) bool, forget bool) (int, error) {
	ids := make([]types.JobID, 0)
	for id, loc := range rec {
		if match(loc) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	pending := types.Location{State: types.StatePending}
	var errs []error
	for _, id := range ids {
		// 標記檔沒有特徵可以重用：刪除後任務視為全新工作
		if s.HoldsMarker(rec[id], id) {
			if err := s.Remove(rec[id], id); err != nil {
				errs = append(errs, err)
				continue
			}
			delete(rec, id)
			continue
		}
		if err := s.Move(id, rec[id], pending); err != nil {
			errs = append(errs, err)
			continue
		}
		if forget {
			delete(rec, id)
		} else {
			rec[id] = pending
		}
	}
	return len(ids) - len(errs), errors.Join(errs...)
}

// Counts 回傳每個位置的文件數量
func (s *Store) Counts() (map[types.Location]int, error) {
	rec, err := s.Scan()
	if err != nil {
		return nil, err
	}
	counts := make(map[types.Location]int)
	for _, loc := range rec {
		counts[loc]++
	}
	return counts, nil
}
