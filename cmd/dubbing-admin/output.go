package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/target/dubbing-api/internal/domain/model"
	"github.com/target/dubbing-api/internal/service"
)

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func writeln(w io.Writer, args ...any) error {
	_, err := fmt.Fprintln(w, args...)
	return err
}

func writeJSON(w io.Writer, v any) error {
	if d, ok := v.(*service.JobDetails); ok {
		v = struct {
			*model.JobState
			Logs []string `json:"logs"`
		}{d.State, d.Logs}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

func formatTimestamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.DateTime)
}

func renderStats(w io.Writer, stats *model.TaskStats) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	rows := []struct {
		label string
		count int
	}{
		{"pending", stats.Pending},
		{"running", stats.Running},
		{"completed", stats.Completed},
		{"failed", stats.Failed},
	}
	if err := writeln(tw, "STATUS\tTASKS"); err != nil {
		return fmt.Errorf("write stats header: %w", err)
	}
	total := 0
	for _, r := range rows {
		total += r.count
		if err := writef(tw, "%s\t%d\n", r.label, r.count); err != nil {
			return fmt.Errorf("write stats row: %w", err)
		}
	}
	if err := writef(tw, "total\t%d\n", total); err != nil {
		return fmt.Errorf("write stats total: %w", err)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("flush stats table: %w", err)
	}
	return nil
}

func renderTaskTable(w io.Writer, tasks []*model.Task) error {
	if len(tasks) == 0 {
		return writeln(w, "  (no tasks found)")
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if err := writeln(tw, "JOB ID\tSTATUS\tATTEMPT\tCREATED (UTC)\tCOMPLETED (UTC)\tLAST ERROR"); err != nil {
		return fmt.Errorf("write task header row: %w", err)
	}
	for _, t := range tasks {
		lastErr := "-"
		if t.LastError != nil && *t.LastError != "" {
			lastErr = truncate(*t.LastError, 60)
		}
		created := t.CreatedAt
		if err := writef(tw, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			t.ID,
			t.Status,
			t.Attempt(),
			t.MaxRetries,
			formatTimestamp(&created),
			formatTimestamp(t.CompletedAt),
			lastErr,
		); err != nil {
			return fmt.Errorf("write task row: %w", err)
		}
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("flush task table: %w", err)
	}
	return nil
}

func renderJob(w io.Writer, d *service.JobDetails) error {
	st := d.State
	lines := []struct{ k, v string }{
		{"Job", st.ID},
		{"Status", string(st.Status)},
		{"Progress", fmt.Sprintf("%d%%", st.Progress)},
		{"Attempt", fmt.Sprintf("%d", st.Attempt)},
		{"Source", st.SourceURL},
		{"Created", formatTimestamp(&st.CreatedAt)},
		{"Updated", formatTimestamp(&st.UpdatedAt)},
	}
	if st.ResultURL != "" {
		lines = append(lines, struct{ k, v string }{"Result", st.ResultURL})
	}
	if st.Error != "" {
		lines = append(lines, struct{ k, v string }{"Error", st.Error})
	}
	if st.Checkpoint != nil {
		lines = append(lines, struct{ k, v string }{"Checkpoint", fmt.Sprintf("%d%%", *st.Checkpoint)})
	}
	for _, l := range lines {
		if err := writef(w, "%-11s %s\n", l.k+":", l.v); err != nil {
			return err
		}
	}
	if len(d.Logs) == 0 {
		return nil
	}
	if err := writeln(w, "\nRecent logs:"); err != nil {
		return err
	}
	for _, line := range d.Logs {
		if err := writef(w, "  %s\n", line); err != nil {
			return err
		}
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
