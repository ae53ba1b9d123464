// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package modes

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/imgclass/internal/failures"
)

// EndOfInput is the path that ends the Predict mode.
const EndOfInput = "end"

// InputSource provides the image paths scored by the Predict mode.
type InputSource interface {
	// Next returns the next path. It returns ok=false when the input is over, either because the
	// EndOfInput sentinel was read or the underlying input ended.
	Next() (path string, ok bool, err error)
}

// interactiveSource prompts for each path.
type interactiveSource struct {
	scanner *bufio.Scanner
	prompt  io.Writer
}

// NewInteractiveSource reads one path per line from r, writing the prompt "file :" to prompt before each one.
func NewInteractiveSource(r io.Reader, prompt io.Writer) InputSource {
	return &interactiveSource{scanner: bufio.NewScanner(r), prompt: prompt}
}

// Next implements InputSource.
func (s *interactiveSource) Next() (string, bool, error) {
	for {
		if s.prompt != nil {
			_, _ = fmt.Fprint(s.prompt, "file :")
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return "", false, errors.Wrap(err, "reading input")
			}
			return "", false, nil
		}
		path := strings.TrimSpace(s.scanner.Text())
		switch path {
		case "":
			continue
		case EndOfInput:
			return "", false, nil
		}
		return path, true, nil
	}
}

// listSource yields a fixed list of paths.
type listSource struct {
	paths []string
}

// NewListSource yields the given paths, stopping at the first EndOfInput if present.
func NewListSource(paths ...string) InputSource {
	return &listSource{paths: paths}
}

// Next implements InputSource.
func (s *listSource) Next() (string, bool, error) {
	if len(s.paths) == 0 || s.paths[0] == EndOfInput {
		return "", false, nil
	}
	path := s.paths[0]
	s.paths = s.paths[1:]
	return path, true, nil
}

// ManifestEntry is one line of a test manifest.
type ManifestEntry struct {
	Path  string
	Label int
}

// LoadManifest reads a manifest with one "<path>\t<label>" per line. Empty lines are ignored.
func LoadManifest(manifestPath string) ([]ManifestEntry, error) {
	if err := failures.Missing(failures.ErrResourceMissing, manifestPath); err != nil {
		return nil, err
	}
	f, err := os.Open(manifestPath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening manifest %q", manifestPath)
	}
	defer func() { _ = f.Close() }()
	return parseManifest(f, manifestPath)
}

func parseManifest(r io.Reader, name string) ([]ManifestEntry, error) {
	var entries []ManifestEntry
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 2 {
			return nil, errors.Errorf("%s:%d: expected \"<path>\\t<label>\", got %q", name, lineNum, line)
		}
		label, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || label < 0 {
			return nil, errors.Errorf("%s:%d: invalid label %q", name, lineNum, parts[1])
		}
		entries = append(entries, ManifestEntry{Path: strings.TrimSpace(parts[0]), Label: label})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading manifest %q", name)
	}
	return entries, nil
}
