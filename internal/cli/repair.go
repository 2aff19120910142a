package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Reconcile the course document with the media registry",
		Long: "Strips references to missing media, re-adds media the document lost,\n" +
			"and with --vacuum purges every deleted record for good.",
		Run: runRepair,
	}

	cmd.Flags().Bool("vacuum", false, "Hard-delete stale records and their payloads")

	RootCmd.AddCommand(cmd)
}

func runRepair(cmd *cobra.Command, args []string) {
	vacuum, _ := cmd.Flags().GetBool("vacuum")

	// Open already repairs; a second pass reports what is left, which is
	// nothing unless the document changed underneath us.
	p := openProject(cmd)
	res, err := p.Repair(cmd.Context())
	if err != nil {
		exitErr("repair", err)
	}
	var purged []string
	if vacuum {
		purged, err = p.Registry().Vacuum(cmd.Context())
		if err != nil {
			exitErr("vacuum", err)
		}
	}
	closeProject(p)

	if textOutput() {
		fmt.Println(renderTable([]string{"Action", "Media"}, [][]string{
			{"removed", joinOrDash(res.Removed)},
			{"misplaced", joinOrDash(res.Misplaced)},
			{"claimed", joinOrDash(res.Claimed)},
			{"injected", joinOrDash(res.Injected)},
			{"purged", joinOrDash(purged)},
		}))
		return
	}
	printJSON(map[string]any{
		"removed":   res.Removed,
		"misplaced": res.Misplaced,
		"claimed":   res.Claimed,
		"injected":  res.Injected,
		"purged":    purged,
	})
}
