package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rcliao/coursepack/internal/model"
	"github.com/rcliao/coursepack/internal/registry"
)

func init() {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add media to a page",
		Long: "Add a media file (or an external video URL) to a page. Without --page the\n" +
			"record is unowned and --hint names the page it should land on.",
		Run: runAdd,
	}

	cmd.Flags().StringP("kind", "k", "", "Media kind: image, audio, video, caption, externalVideo (required)")
	cmd.Flags().String("page", "", "Owning page id (welcome, objectives, topic-N)")
	cmd.Flags().String("file", "", "Payload file")
	cmd.Flags().String("url", "", "Source URL for externalVideo")
	cmd.Flags().String("hint", "", "Page hint for unowned media (page id or title)")
	cmd.Flags().StringP("title", "t", "", "Display title")
	cmd.Flags().String("meta", "", "Extra metadata as a JSON object")

	cmd.MarkFlagRequired("kind")

	RootCmd.AddCommand(cmd)
}

func runAdd(cmd *cobra.Command, args []string) {
	kindStr, _ := cmd.Flags().GetString("kind")
	page, _ := cmd.Flags().GetString("page")
	file, _ := cmd.Flags().GetString("file")
	url, _ := cmd.Flags().GetString("url")
	hint, _ := cmd.Flags().GetString("hint")
	title, _ := cmd.Flags().GetString("title")
	metaStr, _ := cmd.Flags().GetString("meta")

	kind, err := model.ParseKind(kindStr)
	if err != nil {
		exitErr("add", err)
	}
	meta, err := parseMeta(metaStr)
	if err != nil {
		exitErr("add", err)
	}
	if meta == nil {
		meta = map[string]any{}
	}
	if title != "" {
		meta[model.MetaTitle] = title
	}
	if hint != "" {
		meta[model.MetaPageHint] = hint
	}

	params := registry.CreateParams{Kind: kind, PageID: page, Locator: url, Metadata: meta}
	if kind.HasPayload() {
		if file == "" {
			exitErr("add", fmt.Errorf("--file is required for %s", kind))
		}
		data, err := os.ReadFile(file)
		if err != nil {
			exitErr("read file", err)
		}
		params.Payload = data
		if _, ok := meta[model.MetaOriginalFilename]; !ok {
			meta[model.MetaOriginalFilename] = filepath.Base(file)
		}
	} else if url == "" {
		exitErr("add", fmt.Errorf("--url is required for %s", kind))
	}

	p := openProject(cmd)
	rec, err := p.Add(cmd.Context(), params)
	if err != nil {
		exitErr("add", err)
	}
	if page == "" && hint != "" {
		// Unowned media is placed by the inject pass.
		if _, err := p.Repair(cmd.Context()); err != nil {
			exitErr("place media", err)
		}
		if placed, ok := p.Registry().Get(rec.ID); ok {
			rec = placed
		}
	}
	out := rec.Clone()
	closeProject(p)

	printRecord(out)
}
