// ABOUTME: Output formatting for dispatch-admin: tables for people, JSON for scripts
// ABOUTME: Every command renders through one formatter selected by --output

package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"
	"unicode/utf8"
)

type outputFormat string

const (
	formatText outputFormat = "text"
	formatJSON outputFormat = "json"
)

func parseFormat(s string) (outputFormat, error) {
	switch f := outputFormat(s); f {
	case formatText, formatJSON:
		return f, nil
	default:
		return formatText, fmt.Errorf("invalid output format: %s (must be 'text' or 'json')", s)
	}
}

type formatter struct {
	format outputFormat
	w      io.Writer
}

// render writes data as indented JSON, or calls text for the text format.
func (f *formatter) render(data any, text func(w io.Writer)) error {
	if f.format == formatJSON {
		enc := json.NewEncoder(f.w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
	text(f.w)
	return nil
}

// table returns a tabwriter for aligned columns; callers must Flush it.
func table(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("Jan 02 15:04:05")
}

// formatPayload shows UTF-8 payloads as text and anything else as base64.
func formatPayload(p []byte) string {
	if len(p) == 0 {
		return "(empty)"
	}
	if utf8.Valid(p) {
		return string(p)
	}
	return "base64:" + base64.StdEncoding.EncodeToString(p)
}
