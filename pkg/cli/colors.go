/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package cli provides terminal output helpers for the rmqstream tools.

A Printer writes status lines, key/value pairs and tables to its writers.
Colors are used only when the output is a terminal and NO_COLOR is unset:

	p := cli.NewPrinter(os.Stdout, os.Stderr)
	p.Success("Stream %s created", name)
	p.KeyValue("leader", leader)
*/
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// ANSI color codes for terminal output.
const (
	Reset  = "\033[0m"
	Bold   = "\033[1m"
	Dim    = "\033[2m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Cyan   = "\033[36m"
)

// Icons for CLI output
const (
	IconSuccess = "✓"
	IconError   = "✗"
	IconWarning = "⚠"
	IconInfo    = "ℹ"
	IconArrow   = "→"
)

// Printer writes styled output. The zero value is not usable; use NewPrinter.
type Printer struct {
	out   io.Writer
	err   io.Writer
	color bool
}

// NewPrinter returns a printer writing normal output to out and errors to
// errOut.
func NewPrinter(out, errOut io.Writer) *Printer {
	return &Printer{out: out, err: errOut, color: isTerminal(out) && os.Getenv("NO_COLOR") == ""}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

// SetColor forces colors on or off.
func (p *Printer) SetColor(enabled bool) {
	p.color = enabled
}

// Out returns the normal output writer.
func (p *Printer) Out() io.Writer { return p.out }

// Paint wraps text in the given color codes when colors are enabled.
func (p *Printer) Paint(color, text string) string {
	if !p.color {
		return text
	}
	return color + text + Reset
}

// Success prints a success message.
func (p *Printer) Success(format string, args ...any) {
	fmt.Fprintln(p.out, p.Paint(Green, IconSuccess+" "+fmt.Sprintf(format, args...)))
}

// Error prints an error message to the error writer.
func (p *Printer) Error(format string, args ...any) {
	fmt.Fprintln(p.err, p.Paint(Red, IconError+" "+fmt.Sprintf(format, args...)))
}

// ErrorWithHint prints an error followed by a dimmed hint.
func (p *Printer) ErrorWithHint(message, hint string) {
	fmt.Fprintln(p.err, p.Paint(Red, IconError+" "+message))
	if hint != "" {
		fmt.Fprintln(p.err, p.Paint(Dim, "  "+IconArrow+" Hint: "+hint))
	}
}

// Warning prints a warning message.
func (p *Printer) Warning(format string, args ...any) {
	fmt.Fprintln(p.out, p.Paint(Yellow, IconWarning+" "+fmt.Sprintf(format, args...)))
}

// Info prints an info message.
func (p *Printer) Info(format string, args ...any) {
	fmt.Fprintln(p.out, p.Paint(Cyan, IconInfo+" "+fmt.Sprintf(format, args...)))
}

// Hint prints a dimmed hint.
func (p *Printer) Hint(format string, args ...any) {
	fmt.Fprintln(p.out, p.Paint(Dim, "  "+IconArrow+" "+fmt.Sprintf(format, args...)))
}

// Header prints a section title.
func (p *Printer) Header(text string) {
	fmt.Fprintln(p.out, p.Paint(Bold+Cyan, text))
}

// KeyValue prints an indented key/value pair.
func (p *Printer) KeyValue(key string, value any) {
	fmt.Fprintf(p.out, "  %s: %v\n", p.Paint(Dim, key), value)
}

// Example prints a commented example command.
func (p *Printer) Example(description, command string) {
	fmt.Fprintf(p.out, "  %s\n", p.Paint(Dim, "# "+description))
	fmt.Fprintf(p.out, "  %s\n", p.Paint(Cyan, command))
}

// Table prints rows aligned in columns under headers.
func (p *Printer) Table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.ToUpper(strings.Join(headers, "\t")))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}
