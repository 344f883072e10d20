package controller

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// SupportedExtensions are the audio formats the extractor can read.
var SupportedExtensions = []string{
	"mp3", "mp2", "m2a", "ogg", "oga", "flac", "mp4", "m4a", "m4r", "m4b", "m4p",
	"aac", "wma", "asf", "mpc", "wv", "spx", "tta", "3g2", "aif", "aiff", "ape",
}

var supported = func() map[string]bool {
	m := make(map[string]bool, len(SupportedExtensions))
	for _, ext := range SupportedExtensions {
		m[ext] = true
	}
	return m
}()

// IsSupported reports whether path has a supported audio extension.
func IsSupported(path string) bool {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	return supported[strings.ToLower(ext)]
}

// ScanInputs expands paths into absolute audio file paths. Directories are
// walked recursively; files are taken as they are when their extension is
// supported. Unreadable paths are reported together in the returned error
// while the rest of the scan continues.
func ScanInputs(paths []string) ([]string, error) {
	var (
		files []string
		errs  []error
	)
	for _, root := range paths {
		log.Info("Scanning input", "path", root)

		abs, err := filepath.Abs(root)
		if err != nil {
			errs = append(errs, fmt.Errorf("resolve %s: %w", root, err))
			continue
		}
		info, err := os.Stat(abs)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !info.IsDir() {
			if IsSupported(abs) {
				files = append(files, abs)
			}
			continue
		}

		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				errs = append(errs, err)
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if !d.IsDir() && IsSupported(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return files, errors.Join(errs...)
}
