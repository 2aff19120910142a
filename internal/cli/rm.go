package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a media record and drop its references",
		Args:  cobra.ExactArgs(1),
		Run:   runRm,
	}

	RootCmd.AddCommand(cmd)
}

func runRm(cmd *cobra.Command, args []string) {
	id := args[0]

	p := openProject(cmd)
	res, err := p.Remove(cmd.Context(), id)
	if err != nil {
		exitErr("rm", err)
	}
	closeProject(p)

	if textOutput() {
		fmt.Printf("deleted %s\n", id)
		fmt.Printf("references removed: %s\n", joinOrDash(res.Removed))
		return
	}
	printJSON(map[string]any{
		"status":  "deleted",
		"id":      id,
		"removed": res.Removed,
	})
}
