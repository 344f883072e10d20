package jobstore

// ============================================================================
// 職責說明：
// 1. 在狀態目錄之間搬移任務文件（os.Rename，失敗時留在原處）
// 2. 將抽取器的暫存輸出提交進狀態目錄
// 3. 使用原子性寫入（temp file + rename）改寫文件，防止半寫入的文件
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/abz-submit/pkg/types"
)

// markerType 標記檔的 type 欄位，用來與真正的特徵文件區分
const markerType = "abzsubmit-failure-marker"

// Marker 當失敗沒有產生任何文件時寫入的替代紀錄，讓失敗在重啟後仍可被恢復掃描看到
//
// Marker 不是特徵文件：重新排隊時會被刪除，而不是搬回 pending。
type Marker struct {
	Type   string          `json:"type"`
	Source string          `json:"source"`
	Error  types.ErrorKind `json:"error"`
	Output string          `json:"output,omitempty"`
}

// ParseMarker decodes data when it is a failure marker rather than a feature document.
func ParseMarker(data []byte) (Marker, bool) {
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil || m.Type != markerType {
		return Marker{}, false
	}
	return m, true
}

// IsMarker reports whether data is a failure marker.
func IsMarker(data []byte) bool {
	_, ok := ParseMarker(data)
	return ok
}

// HoldsMarker reports whether the file for id at loc is a failure marker.
func (s *Store) HoldsMarker(loc types.Location, id types.JobID) bool {
	data, err := s.Read(loc, id)
	if err != nil {
		return false
	}
	return IsMarker(data)
}

// Remove 刪除 loc 中的任務文件
func (s *Store) Remove(loc types.Location, id types.JobID) error {
	path, err := s.Path(loc, id)
	if err != nil {
		return &StoreIOError{Op: "remove", JobID: id, Path: loc.String(), Err: err}
	}
	if err := os.Remove(path); err != nil {
		return &StoreIOError{Op: "remove", JobID: id, Path: path, Err: err}
	}
	return nil
}

// Move 將任務文件從 from 搬到 to
//
// 返回值：
//   - *StoreIOError: 來源不存在或目的地無法建立；文件保持在 from
func (s *Store) Move(id types.JobID, from, to types.Location) error {
	src, err := s.Path(from, id)
	if err != nil {
		return &StoreIOError{Op: "move", JobID: id, Path: from.String(), Err: err}
	}
	dst, err := s.Path(to, id)
	if err != nil {
		return &StoreIOError{Op: "move", JobID: id, Path: to.String(), Err: err}
	}
	if src == dst {
		return nil
	}
	return s.rename(id, src, dst)
}

// Commit 將暫存輸出提交到 to 位置，覆蓋同名文件
func (s *Store) Commit(id types.JobID, staged string, to types.Location) error {
	dst, err := s.Path(to, id)
	if err != nil {
		return &StoreIOError{Op: "commit", JobID: id, Path: to.String(), Err: err}
	}
	return s.rename(id, staged, dst)
}

func (s *Store) rename(id types.JobID, src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &StoreIOError{Op: "move", JobID: id, Path: src, Err: ErrSourceMissing}
		}
		return &StoreIOError{Op: "move", JobID: id, Path: src, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return &StoreIOError{Op: "move", JobID: id, Path: dst, Err: err}
	}
	if err := os.Rename(src, dst); err != nil {
		return &StoreIOError{Op: "move", JobID: id, Path: dst, Err: err}
	}
	return nil
}

// Read 讀取任務文件
func (s *Store) Read(loc types.Location, id types.JobID) ([]byte, error) {
	path, err := s.Path(loc, id)
	if err != nil {
		return nil, &StoreIOError{Op: "read", JobID: id, Path: loc.String(), Err: err}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &StoreIOError{Op: "read", JobID: id, Path: path, Err: err}
	}
	return data, nil
}

// Exists 檢查任務文件是否存在於某個位置
func (s *Store) Exists(loc types.Location, id types.JobID) bool {
	path, err := s.Path(loc, id)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Rewrite 原子性改寫任務文件
//
// 使用原子性寫入流程：
// 1. 在同一目錄寫入臨時檔案
// 2. 使用 os.Rename 原子性替換原始檔案
func (s *Store) Rewrite(loc types.Location, id types.JobID, data []byte) error {
	path, err := s.Path(loc, id)
	if err != nil {
		return &StoreIOError{Op: "rewrite", JobID: id, Path: loc.String(), Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".rewrite-*")
	if err != nil {
		return &StoreIOError{Op: "rewrite", JobID: id, Path: path, Err: err}
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return &StoreIOError{Op: "rewrite", JobID: id, Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return &StoreIOError{Op: "rewrite", JobID: id, Path: path, Err: err}
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		cleanup()
		return &StoreIOError{Op: "rewrite", JobID: id, Path: path, Err: err}
	}

	// 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return &StoreIOError{Op: "rewrite", JobID: id, Path: path, Err: err}
	}
	return nil
}

// Record 在 loc 寫入失敗紀錄，用於沒有任何文件可以搬移的失敗
func (s *Store) Record(id types.JobID, loc types.Location, marker Marker) error {
	path, err := s.Path(loc, id)
	if err != nil {
		return &StoreIOError{Op: "record", JobID: id, Path: loc.String(), Err: err}
	}
	marker.Type = markerType
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal failure marker for %s: %w", id, err)
	}

	staged := s.StagingPath(".record-" + string(id))
	if err := os.WriteFile(staged, data, 0o644); err != nil {
		return &StoreIOError{Op: "record", JobID: id, Path: staged, Err: err}
	}
	if err := s.rename(id, staged, path); err != nil {
		_ = os.Remove(staged)
		return err
	}
	return nil
}

// Discard 刪除暫存輸出（不存在時忽略）
func (s *Store) Discard(staged string) {
	if err := os.Remove(staged); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("Failed to discard staged output", "path", staged, "error", err)
	}
}
