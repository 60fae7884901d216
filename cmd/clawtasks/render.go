package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"

	"github.com/basket/clawtasks/internal/gateway"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)

	statusStyles = map[string]lipgloss.Style{
		"pending":   lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		"running":   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"completed": lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		"success":   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		"failed":    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		"paused":    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	}
)

// isTerminal reports whether styled output should be used for f.
func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// renderer writes command output either as styled tables or plain columns.
type renderer struct {
	w      io.Writer
	styled bool
	json   bool
}

func (r renderer) writeJSON(v any) error {
	enc := json.NewEncoder(r.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (r renderer) newTable(headers ...string) *table.Table {
	t := table.New().Headers(headers...)
	if r.styled {
		return t.Border(lipgloss.RoundedBorder()).
			BorderStyle(dimStyle).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle.Padding(0, 1)
				}
				return cellStyle
			})
	}
	return t.Border(lipgloss.HiddenBorder()).
		BorderTop(false).BorderBottom(false).BorderLeft(false).BorderRight(false).
		BorderHeader(false).
		StyleFunc(func(int, int) lipgloss.Style { return lipgloss.NewStyle().PaddingRight(1) })
}

func (r renderer) status(s string) string {
	if !r.styled {
		return s
	}
	if st, ok := statusStyles[s]; ok {
		return st.Render(s)
	}
	return s
}

func (r renderer) tasks(list []gateway.TaskView) error {
	if r.json {
		return r.writeJSON(list)
	}
	if len(list) == 0 {
		_, err := fmt.Fprintln(r.w, "no tasks")
		return err
	}
	t := r.newTable("ID", "NAME", "TYPE", "STATUS", "SCHEDULE", "NEXT RUN", "RUNS", "TAGS")
	for _, task := range list {
		t.Row(
			task.ID,
			truncate(task.Name, 32),
			task.Type,
			r.status(task.Status),
			dash(task.Schedule),
			formatTime(task.NextRun),
			runs(task),
			dash(strings.Join(task.Tags, ",")),
		)
	}
	_, err := fmt.Fprintln(r.w, t.Render())
	return err
}

func (r renderer) task(task gateway.TaskView) error {
	if r.json {
		return r.writeJSON(task)
	}
	t := r.newTable("FIELD", "VALUE")
	t.Row("id", task.ID)
	t.Row("name", task.Name)
	t.Row("type", task.Type)
	t.Row("status", r.status(task.Status))
	t.Row("schedule", dash(task.Schedule))
	t.Row("next run", formatTime(task.NextRun))
	t.Row("executions", runs(task))
	t.Row("retry limit", strconv.Itoa(task.RetryLimit))
	if task.Runtime != "" {
		t.Row("runtime", task.Runtime)
	}
	t.Row("tags", dash(strings.Join(task.Tags, ",")))
	_, err := fmt.Fprintln(r.w, t.Render())
	return err
}

func (r renderer) history(resp gateway.HistoryResponse) error {
	if r.json {
		return r.writeJSON(resp)
	}
	if len(resp.Entries) == 0 {
		_, err := fmt.Fprintf(r.w, "no history for %s\n", resp.TaskID)
		return err
	}
	t := r.newTable("EXECUTED", "STATUS", "DURATION", "OUTPUT")
	for _, e := range resp.Entries {
		t.Row(
			e.ExecutedAt.Local().Format(time.DateTime),
			r.status(e.Status),
			(time.Duration(e.DurationMS) * time.Millisecond).String(),
			truncate(firstLine(e.Output), 60),
		)
	}
	_, err := fmt.Fprintln(r.w, t.Render())
	return err
}

func (r renderer) health(body map[string]any) error {
	if r.json {
		return r.writeJSON(body)
	}
	t := r.newTable("KEY", "VALUE")
	for _, k := range []string{"healthy", "db_ok", "config_fingerprint", "uptime_seconds", "audit_denials", "bus_dropped_events"} {
		if v, ok := body[k]; ok {
			t.Row(k, fmt.Sprint(v))
		}
	}
	if counts, ok := body["tasks"].(map[string]any); ok {
		for _, st := range []string{"pending", "running", "completed", "failed", "paused"} {
			if n, ok := counts[st]; ok {
				t.Row("tasks."+st, fmt.Sprint(n))
			}
		}
	}
	_, err := fmt.Fprintln(r.w, t.Render())
	return err
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func runs(task gateway.TaskView) string {
	if task.MaxExecutions < 0 {
		return fmt.Sprintf("%d/∞", task.ExecutionCount)
	}
	return fmt.Sprintf("%d/%d", task.ExecutionCount, task.MaxExecutions)
}
