// Package presentation renders runs, results and projects for the CLI as
// tables, JSON or YAML, and defines the DTOs the HTTP API returns.
package presentation

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gopkg.in/yaml.v3"

	"github.com/testmind-dev/tmrun/internal/runs/domain"
)

// Format selects the output encoding.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat accepts table, json or yaml. Empty means table.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatTable, nil
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q (want table, json or yaml)", s)
}

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#73F59F")).Bold(true)
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8787")).Bold(true)
	activeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#54A0FF"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#696969"))
)

// StatusLabel colours a run or result status for terminals.
func StatusLabel(status string) string {
	switch status {
	case string(domain.RunStatusSucceeded), string(domain.ResultPassed):
		return successStyle.Render(status)
	case string(domain.RunStatusFailed), string(domain.ResultFailed), string(domain.ResultError):
		return failureStyle.Render(status)
	case string(domain.RunStatusRunning):
		return activeStyle.Render(status)
	}
	return mutedStyle.Render(status)
}

// Formatter handles output formatting
type Formatter struct {
	writer io.Writer
	format Format
}

// NewFormatter creates a new formatter
func NewFormatter(writer io.Writer, format Format) *Formatter {
	if format == "" {
		format = FormatTable
	}
	return &Formatter{writer: writer, format: format}
}

// FormatRuns renders a run listing.
func (f *Formatter) FormatRuns(runs []RunDTO) error {
	if f.format != FormatTable {
		return f.encode(runs)
	}
	t := f.table()
	t.AppendHeader(table.Row{"ID", "Project", "Status", "Trigger", "Passed", "Failed", "Skipped", "Duration", "Created"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
		{Name: "Duration", Align: text.AlignRight},
	})
	for _, r := range runs {
		passed, failed, skipped := "-", "-", "-"
		if r.Summary != nil {
			passed, failed, skipped = fmt.Sprint(r.Summary.Passed), fmt.Sprint(r.Summary.Failed), fmt.Sprint(r.Summary.Skipped)
		}
		t.AppendRow(table.Row{
			r.ID, r.ProjectID, StatusLabel(r.Status), r.Trigger,
			passed, failed, skipped, formatDuration(r.Duration()), r.CreatedAt.Local().Format(time.DateTime),
		})
	}
	t.AppendFooter(table.Row{"TOTAL", len(runs)})
	t.Render()
	return nil
}

// FormatRun renders one run with its results.
func (f *Formatter) FormatRun(run RunDTO, results []ResultDTO) error {
	if f.format != FormatTable {
		return f.encode(RunDetailDTO{RunDTO: run, Results: results})
	}

	fields := [][2]string{
		{"Run", run.ID},
		{"Project", run.ProjectID},
		{"Status", StatusLabel(run.Status)},
		{"Trigger", run.Trigger},
		{"Created", run.CreatedAt.Local().Format(time.DateTime)},
	}
	if d := run.Duration(); d > 0 {
		fields = append(fields, [2]string{"Duration", formatDuration(d)})
	}
	if s := run.Summary; s != nil {
		fields = append(fields,
			[2]string{"Framework", s.Framework},
			[2]string{"Base URL", s.BaseURL},
			[2]string{"Results", fmt.Sprintf("%d parsed, %d passed, %d failed, %d skipped", s.Parsed, s.Passed, s.Failed, s.Skipped)})
	}
	if run.Error != "" {
		fields = append(fields, [2]string{"Error", run.Error})
	}
	for _, name := range sortedKeys(run.Artifacts) {
		fields = append(fields, [2]string{"Artifact " + name, run.Artifacts[name]})
	}
	for _, kv := range fields {
		if _, err := fmt.Fprintf(f.writer, "%-18s %s\n", kv[0]+":", kv[1]); err != nil {
			return err
		}
	}
	if len(results) == 0 {
		return nil
	}

	_, _ = fmt.Fprintln(f.writer)
	t := f.table()
	t.AppendHeader(table.Row{"Status", "Test", "Duration", "Error"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Test", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Error", WidthMax: 60, WidthMaxEnforcer: text.Trim},
	})
	for _, r := range results {
		dur := "-"
		if r.DurationMs != nil {
			dur = formatDuration(time.Duration(*r.DurationMs) * time.Millisecond)
		}
		msg := ""
		if r.Error != nil {
			msg = firstLine(*r.Error)
		}
		t.AppendRow(table.Row{StatusLabel(r.Status), r.Title, dur, msg})
	}
	t.Render()
	return nil
}

// FormatProjects renders a project listing.
func (f *Formatter) FormatProjects(projects []ProjectDTO) error {
	if f.format != FormatTable {
		return f.encode(projects)
	}
	t := f.table()
	t.AppendHeader(table.Row{"ID", "Name", "Repository", "Token", "Secrets"})
	for _, p := range projects {
		t.AppendRow(table.Row{p.ID, p.Name, p.RepoURL, yesNo(p.HasGitToken), yesNo(p.HasSecrets)})
	}
	t.Render()
	return nil
}

// FormatValue encodes any value as JSON or YAML; tables fall back to JSON.
func (f *Formatter) FormatValue(v any) error {
	return f.encode(v)
}

func (f *Formatter) table() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(f.writer)
	t.SetStyle(table.StyleLight)
	return t
}

func (f *Formatter) encode(v any) error {
	if f.format == FormatYAML {
		enc := yaml.NewEncoder(f.writer)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return d.Round(time.Second).String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
