// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the lexgate CLI.
package ux

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Palette. Greens for the knowledge base, amber and red for trouble.
var (
	ColorPrimary = lipgloss.Color("#2E8B57")
	ColorBright  = lipgloss.Color("#3CB371")
	ColorBorder  = lipgloss.Color("#1F5F3F")
	ColorMuted   = lipgloss.Color("#5F6B66")

	ColorSuccess = lipgloss.Color("#3CB371")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Header  lipgloss.Style
	Cell    lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorBright),
	Muted:   lipgloss.NewStyle().Foreground(ColorMuted),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Header:  lipgloss.NewStyle().Bold(true).Foreground(ColorPrimary).Padding(0, 1),
	Cell:    lipgloss.NewStyle().Padding(0, 1),
}

// Icon provides themed status icons.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
)

// Render returns the icon with its status color.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return string(i)
	}
}

// Title writes a styled heading.
func Title(w io.Writer, text string) {
	fmt.Fprintln(w, Styles.Title.Render(text))
}

// Success writes a success line.
func Success(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", IconSuccess.Render(), fmt.Sprintf(format, args...))
}

// Warning writes a warning line.
func Warning(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(fmt.Sprintf(format, args...)))
}

// Error writes an error line.
func Error(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", IconError.Render(), Styles.Error.Render(fmt.Sprintf(format, args...)))
}

// KeyValue writes "key → value" with a muted key.
func KeyValue(w io.Writer, key, value string) {
	fmt.Fprintf(w, "  %s %s %s\n", Styles.Muted.Render(key), IconArrow, value)
}

// Table renders rows under headers with a rounded border.
//
// An empty row set renders a muted "(none)" line instead of an empty grid.
func Table(w io.Writer, headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(w, Styles.Muted.Render("(none)"))
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorBorder)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.Header
			}
			return Styles.Cell
		})
	fmt.Fprintln(w, t.Render())
}
