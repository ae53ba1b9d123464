// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package console

import (
	"bytes"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
)

func TestTable(t *testing.T) {
	Init(&bytes.Buffer{})
	assert.Equal(t, termenv.Ascii, lipgloss.ColorProfile())
	table := NewTable(lipgloss.Left, lipgloss.Right)
	table.Headers("Class", "Count", "Accuracy")
	table.Row(false, "oak", "10", "90.0%")
	table.Row(true, "pine", "3", "33.3%")
	assert.Len(t, table.reds, 1)
	assert.True(t, table.reds[1])

	rendered := table.Render()
	for _, cell := range []string{"Class", "Accuracy", "oak", "pine", "33.3%"} {
		assert.Contains(t, rendered, cell)
	}
}
