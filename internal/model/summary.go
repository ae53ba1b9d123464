// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/gomlx/imgclass/internal/console"
)

// Summary prints the architecture, the number of variables, parameters and their memory size, and
// the list of model variables if verbose.
func (m *Model) Summary(w io.Writer, verbose bool) {
	_, _ = fmt.Fprintln(w, console.TitleStyle.Render("Model"))
	var numVars, numParams int
	var memory uintptr
	vars := console.NewTable(lipgloss.Left, lipgloss.Right)
	vars.Headers("Variable", "Shape", "Size", "Bytes")
	for v := range m.ctx.IterVariables() {
		if !isModelScope(v.Scope()) {
			continue
		}
		shape := v.Shape()
		numVars++
		numParams += shape.Size()
		memory += shape.Memory()
		vars.Row(false, v.ScopeAndName(), shape.String(),
			humanize.Comma(int64(shape.Size())), humanize.Bytes(uint64(shape.Memory())))
	}

	table := console.NewTable(lipgloss.Right, lipgloss.Left)
	table.Row(false, "architecture", m.arch.String())
	table.Row(false, "# classes", humanize.Comma(int64(m.numClasses)))
	if m.inputShape != nil {
		table.Row(false, "input shape", strings.Trim(fmt.Sprint(m.inputShape), "[]"))
	}
	table.Row(false, "# variables", humanize.Comma(int64(numVars)))
	table.Row(false, "# parameters", humanize.Comma(int64(numParams)))
	table.Row(false, "# bytes", humanize.Bytes(uint64(memory)))
	_, _ = fmt.Fprintln(w, table.Render())
	if verbose {
		_, _ = fmt.Fprintln(w, vars.Render())
	}
}
