// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Underline(true).MarginTop(1).PaddingLeft(2)
	headerStyle = lipgloss.NewStyle().Bold(true).Reverse(true).Padding(0, 1).Align(lipgloss.Center)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderColor = lipgloss.AdaptiveColor{Light: "63", Dark: "99"}
)

// newPlainTable returns a rounded table whose first column (the row labels) is right aligned and
// dimmed on every other row.
func newPlainTable(headers ...string) *lgtable.Table {
	t := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(borderColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 {
				return headerStyle
			}
			s := cellStyle.Faint(row%2 == 1)
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s
		})
	if len(headers) > 0 {
		t = t.Headers(headers...)
	}
	return t
}
