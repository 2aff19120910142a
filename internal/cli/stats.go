package cli

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rcliao/coursepack/internal/handles"
	"github.com/rcliao/coursepack/internal/pagetree"
	"github.com/rcliao/coursepack/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show registry and cache statistics",
		Run:   runStats,
	}

	RootCmd.AddCommand(cmd)
}

type statsResult struct {
	*store.Stats
	Pages int           `json:"pages"`
	Cache handles.Stats `json:"cache"`
}

func runStats(cmd *cobra.Command, args []string) {
	p := openProject(cmd)
	st, err := p.Registry().Stats(cmd.Context())
	if err != nil {
		exitErr("stats", err)
	}
	res := statsResult{
		Stats: st,
		Pages: len(pagetree.PageIDs(p.Tree())),
		Cache: p.Cache().Stats(),
	}
	closeProject(p)

	if !textOutput() {
		printJSON(res)
		return
	}
	fmt.Println(renderTable([]string{"Stat", "Value"}, [][]string{
		{"database", st.DBPath},
		{"database size", humanize.IBytes(uint64(st.DBSizeBytes))},
		{"pages", strconv.Itoa(res.Pages)},
		{"live records", strconv.Itoa(st.LiveRecords)},
		{"stale records", strconv.Itoa(st.TotalRecords - st.LiveRecords)},
		{"payloads", fmt.Sprintf("%d (%s)", st.Payloads, humanize.IBytes(uint64(st.PayloadBytes)))},
		{"id assignments", strconv.Itoa(st.Assignments)},
		{"cache budget", humanize.IBytes(uint64(res.Cache.MaxBytes))},
	}))
	if len(st.Kinds) == 0 {
		return
	}
	rows := make([][]string, 0, len(st.Kinds))
	for _, k := range st.Kinds {
		rows = append(rows, []string{k.Kind, strconv.Itoa(k.Count), strconv.Itoa(k.Pages), humanize.IBytes(uint64(k.Bytes))})
	}
	fmt.Println(renderTable([]string{"Kind", "Records", "Pages", "Bytes"}, rows, 1, 2, 3))
}
