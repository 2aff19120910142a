package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one media record",
		Args:  cobra.ExactArgs(1),
		Run:   runGet,
	}

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	p := openProject(cmd)
	rec, ok := p.Registry().Get(args[0])
	if !ok {
		exitErr("get", fmt.Errorf("media %s not found", args[0]))
	}
	out := rec.Clone()
	closeProject(p)

	printRecord(out)
}
