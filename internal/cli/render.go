package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"github.com/rcliao/coursepack/internal/model"
)

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// renderTable draws a rounded table. Columns listed in right are right-aligned.
func renderTable(headers []string, rows [][]string, right ...int) string {
	if len(headers) == 0 {
		return ""
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)
	for _, row := range rows {
		r := make(table.Row, len(headers))
		for i := range headers {
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, len(right))
	for _, col := range right {
		configs = append(configs, table.ColumnConfig{
			Number:      col + 1,
			Align:       text.AlignRight,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

func recordRows(recs []model.MediaRecord) [][]string {
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		name := r.MetaString(model.MetaTitle)
		if name == "" {
			name = r.MetaString(model.MetaOriginalFilename)
		}
		if name == "" {
			name = r.Locator
		}
		page := r.PageID
		if page == "" {
			page = "-"
		}
		rows = append(rows, []string{
			r.ID,
			string(r.Kind),
			page,
			r.MimeType,
			humanize.IBytes(uint64(r.SizeBytes)),
			name,
			humanize.Time(r.CreatedAt),
		})
	}
	return rows
}

func printRecords(recs []model.MediaRecord) {
	if !textOutput() {
		printJSON(recs)
		return
	}
	if len(recs) == 0 {
		fmt.Println("no media")
		return
	}
	fmt.Println(renderTable(
		[]string{"ID", "Kind", "Page", "MIME", "Size", "Name", "Created"},
		recordRows(recs), 4))
}

func printRecord(rec model.MediaRecord) {
	if !textOutput() {
		printJSON(rec)
		return
	}
	rows := [][]string{
		{"id", rec.ID},
		{"kind", string(rec.Kind)},
		{"page", rec.PageID},
		{"mime", rec.MimeType},
		{"size", humanize.IBytes(uint64(rec.SizeBytes))},
		{"created", rec.CreatedAt.Format(time.RFC3339)},
		{"updated", rec.UpdatedAt.Format(time.RFC3339)},
	}
	if rec.Locator != "" {
		rows = append(rows, []string{"locator", rec.Locator})
	}
	keys := make([]string, 0, len(rec.Metadata))
	for k := range rec.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rows = append(rows, []string{"meta." + k, fmt.Sprint(rec.Metadata[k])})
	}
	fmt.Println(renderTable([]string{"Field", "Value"}, rows))
}

func joinOrDash(ids []string) string {
	if len(ids) == 0 {
		return "-"
	}
	return strings.Join(ids, ", ")
}
