package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/dshills/plughost/internal/plugin"
)

// Output formats.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

// printer renders command results in the selected format.
type printer struct {
	w      io.Writer
	format string
}

// print writes v as JSON or YAML, or calls table for the table format.
func (p *printer) print(v any, table func(w io.Writer)) error {
	switch strings.ToLower(p.format) {
	case formatJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case formatTable, "":
		table(p.w)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", p.format)
	}
}

// message prints a one-line result in table mode only.
func (p *printer) message(format string, args ...any) {
	if p.format == formatTable || p.format == "" {
		fmt.Fprintln(p.w, successStyle.Render(fmt.Sprintf(format, args...)))
	}
}

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	for i, h := range headers {
		headers[i] = headerStyle.Render(h)
	}
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	return tw
}

func statusStyle(s plugin.Status) lipgloss.Style {
	switch s {
	case plugin.StatusEnabled:
		return successStyle
	case plugin.StatusError:
		return errorStyle
	case plugin.StatusUpdating:
		return warnStyle
	default:
		return mutedStyle
	}
}

func riskStyle(r plugin.RiskLevel) lipgloss.Style {
	switch r {
	case plugin.RiskHigh:
		return errorStyle
	case plugin.RiskMedium:
		return warnStyle
	default:
		return mutedStyle
	}
}
