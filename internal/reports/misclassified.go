// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package reports

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/imgclass/internal/failures"
)

// MisclassificationLog appends one line per misclassified image to a results file, with the format
// "<source> <true> <trueName> <predicted> <predictedName>".
type MisclassificationLog struct {
	filePath   string
	f          *os.File
	w          *bufio.Writer
	classNames []string
	count      int
}

// OpenMisclassificationLog opens filePath for appending, creating it if needed.
func OpenMisclassificationLog(filePath string, classNames []string) (*MisclassificationLog, error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open results file %q for append", filePath)
	}
	return &MisclassificationLog{filePath: filePath, f: f, w: bufio.NewWriter(f), classNames: classNames}, nil
}

// Add writes the record if it is misclassified, and returns whether it was written.
func (l *MisclassificationLog) Add(record PredictionRecord) (bool, error) {
	if !record.Misclassified() {
		return false, nil
	}
	_, err := fmt.Fprintf(l.w, "%s %d %s %d %s\n", record.Source,
		record.TrueLabel, ClassName(l.classNames, record.TrueLabel),
		record.Predicted, ClassName(l.classNames, record.Predicted))
	if err != nil {
		return false, errors.Wrapf(err, "writing to %q", l.filePath)
	}
	l.count++
	return true, nil
}

// Count returns the number of lines written.
func (l *MisclassificationLog) Count() int { return l.count }

// Close flushes and closes the file.
func (l *MisclassificationLog) Close() error {
	err := l.w.Flush()
	if closeErr := l.f.Close(); err == nil {
		err = closeErr
	}
	return errors.Wrapf(err, "closing %q", l.filePath)
}

// LoadLabels reads the class names, one per line, from filePath. Line i holds the name of class i.
func LoadLabels(filePath string) ([]string, error) {
	if err := failures.Missing(failures.ErrResourceMissing, filePath); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading class names from %q", filePath)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\r\n"), "\n")
	names := make([]string, len(lines))
	for ii, line := range lines {
		names[ii] = strings.TrimSpace(line)
	}
	if len(names) == 1 && names[0] == "" {
		return nil, nil
	}
	return names, nil
}
