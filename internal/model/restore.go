// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/imgclass/internal/console"
	"github.com/gomlx/imgclass/internal/failures"
)

// RestoreStatus is the outcome of restoring one checkpoint variable.
type RestoreStatus int

const (
	// Matched variables had their value copied into the model.
	Matched RestoreStatus = iota

	// Skipped variables exist in the checkpoint but not in the model.
	Skipped

	// ShapeIncompatible variables exist in both, but with different shapes: the model keeps its value.
	ShapeIncompatible
)

// String implements fmt.Stringer.
func (s RestoreStatus) String() string {
	switch s {
	case Matched:
		return "matched"
	case Skipped:
		return "skipped"
	case ShapeIncompatible:
		return "shape-incompatible"
	}
	return fmt.Sprintf("RestoreStatus(%d)", int(s))
}

// RestoreEntry is the result of restoring one variable of the checkpoint.
type RestoreEntry struct {
	// Variable is the scope and name of the variable, e.g. "/model/000_conv/weights".
	Variable string
	Status   RestoreStatus

	// CheckpointShape and ModelShape are the shapes in the checkpoint and in the model (if present).
	CheckpointShape, ModelShape shapes.Shape
}

// RestoreReport lists what happened to each variable of a checkpoint during Model.Restore.
type RestoreReport struct {
	Path string

	// Entries is sorted by variable name.
	Entries []RestoreEntry

	// NotInCheckpoint lists the model variables absent from the checkpoint: they keep their initial value.
	NotInCheckpoint []string
}

// Count returns the number of entries with the given status.
func (r *RestoreReport) Count(status RestoreStatus) int {
	count := 0
	for _, entry := range r.Entries {
		if entry.Status == status {
			count++
		}
	}
	return count
}

// String returns a one-line summary.
func (r *RestoreReport) String() string {
	return fmt.Sprintf("restored from %q: %d matched, %d skipped, %d shape-incompatible, %d not in checkpoint",
		r.Path, r.Count(Matched), r.Count(Skipped), r.Count(ShapeIncompatible), len(r.NotInCheckpoint))
}

// Print the variables not matched in a table. Shape incompatible variables are highlighted.
func (r *RestoreReport) Print(w io.Writer) {
	_, _ = fmt.Fprintln(w, console.TitleStyle.Render("Checkpoint "+r.Path))
	table := console.NewTable(lipgloss.Left, lipgloss.Center, lipgloss.Right)
	table.Headers("Variable", "Status", "Checkpoint Shape", "Model Shape")
	for _, entry := range r.Entries {
		if entry.Status == Matched {
			continue
		}
		modelShape := "-"
		if entry.ModelShape.Ok() {
			modelShape = entry.ModelShape.String()
		}
		table.Row(entry.Status == ShapeIncompatible,
			entry.Variable, entry.Status.String(), entry.CheckpointShape.String(), modelShape)
	}
	_, _ = fmt.Fprintln(w, table.Render())
	_, _ = fmt.Fprintln(w, r.String())
}

// Restore copies the values of the variables of the checkpoint in checkpointPath into the model variables with the
// same scope and name. Checkpoint variables absent from the model, or with a different shape, are reported and skipped.
//
// It fails with failures.ErrResourceMissing if checkpointPath doesn't exist, and failures.ErrCheckpointUnreadable
// if it can't be read.
func (m *Model) Restore(checkpointPath string) (*RestoreReport, error) {
	if err := m.checkBound("Restore"); err != nil {
		return nil, err
	}
	if err := failures.Missing(failures.ErrResourceMissing, checkpointPath); err != nil {
		return nil, err
	}

	// The checkpoint is loaded into a scratch context, so nothing in the model changes unless it matches.
	scratch := context.New()
	handler, err := checkpoints.Load(scratch).Dir(checkpointPath).Done()
	if err != nil {
		return nil, errors.Wrapf(failures.ErrCheckpointUnreadable, "%q: %v", checkpointPath, err)
	}
	loaded := handler.LoadedVariables()
	names := make([]string, 0, len(loaded))
	for name := range loaded {
		names = append(names, name)
	}
	slices.Sort(names)

	report := &RestoreReport{Path: checkpointPath}
	inCheckpoint := make(map[string]bool, len(names))
	for _, name := range names {
		value := loaded[name]
		inCheckpoint[name] = true
		scope, varName := context.VariableScopeAndNameFromParameterName(name)
		entry := RestoreEntry{Variable: context.JoinScope(scope, varName), CheckpointShape: value.Shape()}
		v := m.ctx.GetVariableByScopeAndName(scope, varName)
		switch {
		case v == nil || !isModelScope(scope):
			// Only model variables are restored: optimizer state and global step stay as they are.
			entry.Status = Skipped
			if v != nil {
				entry.ModelShape = v.Shape()
			}
		case !v.Shape().Equal(value.Shape()):
			entry.Status = ShapeIncompatible
			entry.ModelShape = v.Shape()
		default:
			entry.Status = Matched
			entry.ModelShape = v.Shape()
			v.MustSetValue(value)
		}
		report.Entries = append(report.Entries, entry)
	}
	for v := range m.ctx.IterVariables() {
		if !inCheckpoint[v.ParameterName()] {
			report.NotInCheckpoint = append(report.NotInCheckpoint, v.ScopeAndName())
		}
	}
	slices.Sort(report.NotInCheckpoint)
	if report.Count(Matched) == 0 {
		klog.Warningf("no variable of checkpoint %q matched the model", checkpointPath)
	}
	klog.Infof("Model %s", report)
	return report, nil
}

func isModelScope(scope string) bool {
	modelScope := context.RootScope + Scope
	return scope == modelScope || strings.HasPrefix(scope, modelScope+context.ScopeSeparator)
}
