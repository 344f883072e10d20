// Package features reads and stamps the JSON feature documents written by the
// extractor. Documents are kept as generic maps so fields the pipeline does not
// know about survive a rewrite untouched.
package features

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrMalformed is returned when the document is not a JSON object.
	ErrMalformed = errors.New("features: malformed document")
	// ErrNoTrackID is returned when metadata.tags.musicbrainz_trackid is missing.
	ErrNoTrackID = errors.New("features: missing musicbrainz_trackid tag")
	// ErrBadMbid is returned when no candidate recording id is a valid UUID.
	ErrBadMbid = errors.New("features: no valid recording id")
)

const (
	keyMetadata  = "metadata"
	keyTags      = "tags"
	keyVersion   = "version"
	keyTrackID   = "musicbrainz_trackid"
	keyBuildSHA  = "essentia_build_sha"
	keyGitSHA    = "essentia_git_sha"
	keyEssentia  = "essentia"
	indentPrefix = ""
	indent       = "   "
)

// Document is one extractor output.
type Document map[string]any

// Parse decodes raw extractor output.
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: document is null", ErrMalformed)
	}
	return doc, nil
}

// Marshal encodes the document the way the extractor's output is rewritten on disk.
func (d Document) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(d, indentPrefix, indent)
	if err != nil {
		return nil, fmt.Errorf("marshal feature document: %w", err)
	}
	return data, nil
}

// section returns the nested object at key, creating it when create is set.
func section(parent map[string]any, key string, create bool) (map[string]any, bool) {
	if m, ok := parent[key].(map[string]any); ok {
		return m, true
	}
	if !create {
		return nil, false
	}
	m := make(map[string]any)
	parent[key] = m
	return m, true
}

// BuildSHA returns metadata.version.essentia_build_sha, or "" when absent.
func (d Document) BuildSHA() string {
	return d.versionField(keyBuildSHA)
}

// ExtractorVersion returns the version marker used for stale-duplicate
// detection: metadata.version.essentia_git_sha, falling back to
// metadata.version.essentia.
func (d Document) ExtractorVersion() string {
	if v := d.versionField(keyGitSHA); v != "" {
		return v
	}
	return d.versionField(keyEssentia)
}

func (d Document) versionField(key string) string {
	meta, ok := section(d, keyMetadata, false)
	if !ok {
		return ""
	}
	version, ok := section(meta, keyVersion, false)
	if !ok {
		return ""
	}
	s, _ := version[key].(string)
	return s
}

// StampBuildSHA records the extractor's content hash in
// metadata.version.essentia_build_sha. It reports false when the document
// already carries that exact hash, so a resumed job is never stamped twice.
func (d Document) StampBuildSHA(sha string) bool {
	if d.BuildSHA() == sha {
		return false
	}
	meta, _ := section(d, keyMetadata, true)
	version, _ := section(meta, keyVersion, true)
	version[keyBuildSHA] = sha
	return true
}

// RecordingIDs returns every candidate from metadata.tags.musicbrainz_trackid,
// valid or not. The tag may be a string or a list of strings.
func (d Document) RecordingIDs() ([]string, error) {
	meta, ok := section(d, keyMetadata, false)
	if !ok {
		return nil, ErrNoTrackID
	}
	tags, ok := section(meta, keyTags, false)
	if !ok {
		return nil, ErrNoTrackID
	}
	raw, ok := tags[keyTrackID]
	if !ok {
		return nil, ErrNoTrackID
	}

	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []any:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			if s, isString := item.(string); isString {
				ids = append(ids, s)
			}
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("%w: unexpected %T", ErrNoTrackID, raw)
	}
}

// RecordingID picks the first candidate that parses as a UUID.
func (d Document) RecordingID() (string, error) {
	ids, err := d.RecordingIDs()
	if err != nil {
		return "", err
	}
	for _, id := range ids {
		if u, err := uuid.Parse(strings.TrimSpace(id)); err == nil {
			return u.String(), nil
		}
	}
	return "", ErrBadMbid
}
