package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/coursepack/internal/model"
	"github.com/rcliao/coursepack/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search media by id, title, filename, or source URL",
		Args:  cobra.ExactArgs(1),
		Run:   runSearch,
	}

	cmd.Flags().StringP("kind", "k", "", "Filter by kind")
	cmd.Flags().String("page", "", "Filter by owning page")
	cmd.Flags().IntP("limit", "l", 20, "Max results")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	kindStr, _ := cmd.Flags().GetString("kind")
	page, _ := cmd.Flags().GetString("page")
	limit, _ := cmd.Flags().GetInt("limit")

	params := store.SearchParams{Query: args[0], PageID: page, Limit: limit}
	if kindStr != "" {
		kind, err := model.ParseKind(kindStr)
		if err != nil {
			exitErr("search", err)
		}
		params.Kind = kind
	}

	p := openProject(cmd)
	results, err := p.Registry().Search(cmd.Context(), params)
	if err != nil {
		exitErr("search", err)
	}
	closeProject(p)

	if results == nil {
		results = []model.MediaRecord{}
	}
	printRecords(results)
}
