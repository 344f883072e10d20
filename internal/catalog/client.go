// ============================================================================
// abz-submit Catalog Client
// ============================================================================
//
// Package: internal/catalog
// File: client.go
// Purpose: Talks to the remote feature catalog.
//
// Endpoints:
//   GET  {scheme}://{host}/{recordingId}/low-level   existing record lookup
//   POST {scheme}://{host}/{recordingId}/low-level   feature submission
//
// Every call first goes through the shared Pacer, so N workers together never
// exceed one request per pacing interval.
//
// Duplicate rule:
//   A record exists when the GET body is a JSON object with more than one key.
//   It is a duplicate unless its metadata.version.essentia_git_sha is set and
//   differs from the version of the extractor that produced our document.
//
// ============================================================================

package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	maxRecordBytes = 64 << 20
	maxErrorBody   = 4 << 10
)

var (
	// ErrRemoteUnavailable 表示無法判斷遠端是否已有紀錄（傳輸錯誤或 5xx）
	ErrRemoteUnavailable = errors.New("catalog: remote unavailable")
)

// SubmissionError 表示提交失敗，StatusCode 為 0 時代表傳輸層錯誤
type SubmissionError struct {
	RecordingID string
	StatusCode  int
	Body        string
	Err         error
}

func (e *SubmissionError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("catalog: submit %s: %v", e.RecordingID, e.Err)
	}
	return fmt.Sprintf("catalog: submit %s: HTTP %d: %s", e.RecordingID, e.StatusCode, e.Body)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Config 遠端服務設定
type Config struct {
	Host    string
	Scheme  string
	Timeout time.Duration
}

// Client 遠端 catalog 客戶端，可被多個 worker 共用
type Client struct {
	scheme string
	host   string
	http   *http.Client
	pacer  *Pacer
}

// NewClient 建立客戶端；pacer 必須是所有 worker 共用的同一個實例
func NewClient(cfg Config, pacer *Pacer) *Client {
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "https"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if pacer == nil {
		pacer = NewPacer(0)
	}
	return &Client{
		scheme: scheme,
		host:   cfg.Host,
		http:   &http.Client{Timeout: timeout},
		pacer:  pacer,
	}
}

func (c *Client) endpoint(recordingID string) string {
	u := url.URL{
		Scheme: c.scheme,
		Host:   c.host,
		Path:   "/" + recordingID + "/low-level",
	}
	return u.String()
}

// storedRecord is the subset of a stored document used for stale detection.
type storedRecord struct {
	Metadata struct {
		Version struct {
			GitSHA string `json:"essentia_git_sha"`
		} `json:"version"`
	} `json:"metadata"`
}

// IsDuplicate reports whether the catalog already holds features for
// recordingID computed by the same extractor version.
func (c *Client) IsDuplicate(ctx context.Context, recordingID, currentVersion string) (bool, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(recordingID), nil)
	if err != nil {
		return false, fmt.Errorf("build lookup request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return false, fmt.Errorf("%w: lookup %s: HTTP %d", ErrRemoteUnavailable, recordingID, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordBytes))
	if err != nil {
		return false, fmt.Errorf("%w: read lookup body: %v", ErrRemoteUnavailable, err)
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err != nil {
		return false, fmt.Errorf("%w: decode lookup body: %v", ErrRemoteUnavailable, err)
	}
	if len(keys) <= 1 {
		return false, nil
	}

	var record storedRecord
	if err := json.Unmarshal(body, &record); err != nil {
		// 結構不同於預期時無法判斷版本，視為重複
		return true, nil
	}
	stored := record.Metadata.Version.GitSHA
	if stored != "" && currentVersion != "" && stored != currentVersion {
		return false, nil
	}
	return true, nil
}

// Submit posts one feature document.
func (c *Client) Submit(ctx context.Context, recordingID string, document []byte) error {
	if err := c.pacer.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(recordingID), bytes.NewReader(document))
	if err != nil {
		return fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &SubmissionError{RecordingID: recordingID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &SubmissionError{
			RecordingID: recordingID,
			StatusCode:  resp.StatusCode,
			Body:        string(bytes.TrimSpace(body)),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
