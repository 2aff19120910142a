package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rcliao/coursepack/internal/export"
	"github.com/rcliao/coursepack/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the course and its media as a self-contained bundle",
		Run:   runExport,
	}

	cmd.Flags().StringP("out", "o", "", "Bundle directory (required)")
	cmd.Flags().Bool("dry-run", false, "Resolve without writing files")

	cmd.MarkFlagRequired("out")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	out, _ := cmd.Flags().GetString("out")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	p := openProject(cmd)
	var (
		manifest *export.Manifest
		err      error
	)
	if dryRun {
		var bundle *model.Bundle
		bundle, err = p.Resolve(cmd.Context())
		if err == nil {
			manifest = export.NewManifest(bundle)
		}
	} else {
		manifest, err = p.Export(cmd.Context(), out)
	}
	if err != nil {
		var unresolved *export.UnresolvedError
		if errors.As(err, &unresolved) {
			for _, r := range unresolved.Refs {
				fmt.Fprintf(os.Stderr, "unresolved: %s on %s (%s)\n", r.Reference, r.PageID, r.Reason)
			}
		}
		exitErr("export", err)
	}
	closeProject(p)

	if !textOutput() {
		printJSON(manifest)
		return
	}
	rows := make([][]string, 0, len(manifest.Entries))
	var total uint64
	for _, e := range manifest.Entries {
		target := e.Path
		if target == "" {
			target = e.SourceURL
		}
		rows = append(rows, []string{e.MediaID, string(e.Kind), target, humanize.IBytes(uint64(e.SizeBytes))})
		total += uint64(e.SizeBytes)
	}
	fmt.Println(renderTable([]string{"Media", "Kind", "Path", "Size"}, rows, 3))
	if dryRun {
		fmt.Printf("%d entries, %s (dry run)\n", len(rows), humanize.IBytes(total))
		return
	}
	fmt.Printf("%d entries, %s written to %s\n", len(rows), humanize.IBytes(total), out)
}
