package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/coursepack/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List media records in creation order",
		Run:     runList,
	}

	cmd.Flags().String("page", "", "Only records owned by this page")
	cmd.Flags().StringP("kind", "k", "", "Filter by kind")

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) {
	page, _ := cmd.Flags().GetString("page")
	kindStr, _ := cmd.Flags().GetString("kind")

	var kind model.Kind
	if kindStr != "" {
		k, err := model.ParseKind(kindStr)
		if err != nil {
			exitErr("ls", err)
		}
		kind = k
	}

	p := openProject(cmd)
	var recs []model.MediaRecord
	if page != "" {
		recs = p.Registry().ListForPage(page)
	} else {
		recs = p.Registry().List()
	}
	closeProject(p)

	if kind != "" {
		filtered := recs[:0]
		for _, r := range recs {
			if r.Kind == kind {
				filtered = append(filtered, r)
			}
		}
		recs = filtered
	}
	if recs == nil {
		recs = []model.MediaRecord{}
	}
	printRecords(recs)
}
