package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/coursepack/internal/pagetree"
	"github.com/rcliao/coursepack/internal/project"
)

func init() {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a course with the welcome, objectives, and topic pages",
		Run:   runInit,
	}

	cmd.Flags().StringP("title", "t", "", "Course title (required)")
	cmd.Flags().Int("topics", 3, "Number of topic pages")

	cmd.MarkFlagRequired("title")

	RootCmd.AddCommand(cmd)
}

func runInit(cmd *cobra.Command, args []string) {
	title, _ := cmd.Flags().GetString("title")
	topics, _ := cmd.Flags().GetInt("topics")

	cfg := loadConfig(cmd)
	logger := newLogger(cfg)
	defer logger.Sync()

	p, err := project.Init(cmd.Context(), cfg, title, topics, logger)
	if err != nil {
		exitErr("init", err)
	}
	tree := p.Tree()
	closeProject(p)

	if textOutput() {
		fmt.Printf("initialized %q in %s\n", title, cfg.Project.Dir)
		fmt.Printf("pages: %s\n", joinOrDash(pagetree.PageIDs(tree)))
		return
	}
	printJSON(map[string]any{
		"dir":      cfg.Project.Dir,
		"document": cfg.DocumentPath(),
		"title":    title,
		"pages":    pagetree.PageIDs(tree),
	})
}
