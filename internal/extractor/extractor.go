// ============================================================================
// abz-submit Extraction Runner
// ============================================================================
//
// Package: internal/extractor
// File: extractor.go
// Purpose: Runs the external feature extractor as a subprocess and classifies
//          how it ended.
//
// Invocation:
//   <extractor> <input audio file> <staged output file>
//
// Exit code classification:
//   0            -> Success (features written)
//   2            -> NoMbid (no recording id tag in the audio file)
//   1            -> ExtractionError
//   other > 0    -> UnknownError
//   0 or killed, but no output file -> ExtractionError
//
// Combined stdout+stderr is captured verbatim so callers can surface it on
// any non-success classification.
//
// ============================================================================

package extractor

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/OneOfOne/xxhash"

	"github.com/ChuLiYu/abz-submit/pkg/types"
)

// Class is the outcome of one extractor invocation.
type Class int

const (
	ClassSuccess Class = iota
	ClassNoMbid
	ClassExtractionError
	ClassUnknownError
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassNoMbid:
		return "nombid"
	case ClassExtractionError:
		return "extraction"
	case ClassUnknownError:
		return "unknownerror"
	default:
		return "unknown"
	}
}

// ErrorKind maps a failed classification to its Job Store failure directory.
func (c Class) ErrorKind() types.ErrorKind {
	switch c {
	case ClassSuccess:
		return types.ErrNone
	case ClassNoMbid:
		return types.ErrNoMbid
	case ClassExtractionError:
		return types.ErrExtraction
	default:
		return types.ErrUnknown
	}
}

// Classify maps an exit status and the presence of the output file to a Class.
func Classify(exitCode int, outputWritten bool) Class {
	switch {
	case exitCode == 2:
		return ClassNoMbid
	case exitCode == 1:
		return ClassExtractionError
	case exitCode == 0 && outputWritten:
		return ClassSuccess
	case exitCode <= 0 && !outputWritten:
		// 0 without output, or terminated by a signal before writing anything
		return ClassExtractionError
	default:
		return ClassUnknownError
	}
}

// Result describes one extractor run.
type Result struct {
	Class    Class
	ExitCode int
	Output   string
	Duration time.Duration
}

// ExtractError wraps a non-success classification with the captured output.
type ExtractError struct {
	Source string
	Result Result
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extractor: %s: %s (exit=%d)", e.Source, e.Result.Class, e.Result.ExitCode)
}

// Kind is the failed/ subdirectory the failure is recorded under.
func (e *ExtractError) Kind() types.ErrorKind {
	return e.Result.Class.ErrorKind()
}

// Err returns nil for a successful run and an *ExtractError otherwise.
func (r Result) Err(source string) error {
	if r.Class == ClassSuccess {
		return nil
	}
	return &ExtractError{Source: source, Result: r}
}

// commandResult is an internal process execution response.
type commandResult struct {
	Output   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

// execRunner executes commands via os/exec with stdout and stderr merged.
type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	result := commandResult{Output: out.String()}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// Runner invokes the extractor binary.
type Runner struct {
	path   string
	runner commandRunner
	stat   func(name string) (os.FileInfo, error)
}

// NewRunner constructs a runner for the extractor at path.
func NewRunner(path string) *Runner {
	return &Runner{
		path:   path,
		runner: &execRunner{},
		stat:   os.Stat,
	}
}

// Path returns the extractor binary path.
func (r *Runner) Path() string {
	return r.path
}

// Extract runs the extractor for one input file, writing features to output.
//
// A non-nil error is only returned when ctx was cancelled: the run was
// interrupted and its outcome must not be recorded.
func (r *Runner) Extract(ctx context.Context, input, output string) (Result, error) {
	start := time.Now()
	res, runErr := r.runner.Run(ctx, r.path, input, output)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, fmt.Errorf("extract %s: %w", input, ctxErr)
	}

	exitCode := res.ExitCode
	if runErr != nil && exitCode == 0 {
		exitCode = -1
	}
	_, statErr := r.stat(output)

	return Result{
		Class:    Classify(exitCode, statErr == nil),
		ExitCode: exitCode,
		Output:   res.Output,
		Duration: time.Since(start),
	}, nil
}

// StagingName returns the file name the extractor writes to for source. The
// name only depends on the source path, so reruns reuse the same slot.
func StagingName(source string) string {
	return fmt.Sprintf("%016x.json", xxhash.ChecksumString64(source))
}

// Resolve finds the extractor binary, searching PATH for bare names.
func Resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("extractor path is required")
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return "", fmt.Errorf("cannot find extractor %q: %w", path, err)
	}
	return resolved, nil
}

// BuildSHA computes the hex SHA-1 of the extractor binary. The catalog keys
// its stored documents on this exact digest.
func BuildSHA(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open extractor %s: %w", path, err)
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash extractor %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

var reVersion = regexp.MustCompile(`built with Essentia version\s+(\S+)`)

// ProbeVersion runs the extractor without arguments and parses the version it
// prints in its usage banner. The extractor exits non-zero on purpose here, so
// only the output matters.
func (r *Runner) ProbeVersion(ctx context.Context) (string, error) {
	res, _ := r.runner.Run(ctx, r.path)
	return ParseVersion(res.Output)
}

// ParseVersion extracts the version token from the extractor usage banner.
func ParseVersion(banner string) (string, error) {
	m := reVersion.FindStringSubmatch(banner)
	if m == nil {
		return "", fmt.Errorf("no version line in extractor output")
	}
	return strings.TrimSpace(m[1]), nil
}
