// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/teststats/services/stats/aggregate"
)

// Tables printed by `scan` unless --table is given.
var defaultPrintTables = []string{
	aggregate.TableSummaryLevel,
	aggregate.TableSummaryLevelDevice,
	aggregate.TableSummaryQuality,
	aggregate.TableSummaryDirTop,
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// printTable writes one table. Terminals get a bordered lipgloss table;
// anything else gets tab-separated lines that are easy to pipe.
func printTable(w io.Writer, t *aggregate.Table) {
	if !isTerminal(w) {
		fmt.Fprintf(w, "# %s\n", t.Name)
		fmt.Fprintln(w, strings.Join(t.Columns, "\t"))
		for _, row := range t.Rows {
			fmt.Fprintln(w, strings.Join(row, "\t"))
		}
		fmt.Fprintln(w)
		return
	}

	fmt.Fprintln(w, titleStyle.Render(t.Name))
	if len(t.Rows) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("  (empty)"))
		fmt.Fprintln(w)
		return
	}
	tbl := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers(t.Columns...).
		Rows(t.Rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	fmt.Fprintln(w, tbl.String())
	fmt.Fprintln(w)
}

func printTables(w io.Writer, report *aggregate.Report, names []string) error {
	for _, name := range names {
		t, err := report.Table(name)
		if err != nil {
			return err
		}
		printTable(w, t)
	}
	return nil
}
