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
		Use:   "replace <id>",
		Short: "Swap a record's content, keeping its id",
		Args:  cobra.ExactArgs(1),
		Run:   runReplace,
	}

	cmd.Flags().String("file", "", "New payload file")
	cmd.Flags().String("url", "", "New source URL (externalVideo)")
	cmd.Flags().String("meta", "", "Metadata to merge as a JSON object (null removes a key)")

	RootCmd.AddCommand(cmd)
}

func runReplace(cmd *cobra.Command, args []string) {
	file, _ := cmd.Flags().GetString("file")
	url, _ := cmd.Flags().GetString("url")
	metaStr, _ := cmd.Flags().GetString("meta")

	meta, err := parseMeta(metaStr)
	if err != nil {
		exitErr("replace", err)
	}
	if file == "" && url == "" && len(meta) == 0 {
		exitErr("replace", fmt.Errorf("nothing to replace: pass --file, --url, or --meta"))
	}

	params := registry.ReplaceParams{Locator: url, Metadata: meta}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			exitErr("read file", err)
		}
		params.Payload = data
		if params.Metadata == nil {
			params.Metadata = map[string]any{}
		}
		if _, ok := params.Metadata[model.MetaOriginalFilename]; !ok {
			params.Metadata[model.MetaOriginalFilename] = filepath.Base(file)
		}
	}

	p := openProject(cmd)
	rec, err := p.Registry().Replace(cmd.Context(), args[0], params)
	if err != nil {
		exitErr("replace", err)
	}
	closeProject(p)

	printRecord(*rec)
}
