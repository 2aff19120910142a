package cli

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rcliao/coursepack/internal/handles"
)

func init() {
	cmd := &cobra.Command{
		Use:   "preview [id...]",
		Short: "Decode media into playable preview files",
		Long: "Acquires preview handles for the given media, or warms up a page and its\n" +
			"neighbours with --page. Preview files live until the session ends;\n" +
			"--hold keeps the session open so another program can read them.",
		Run: runPreview,
	}

	cmd.Flags().String("page", "", "Warm up this page and its neighbours")
	cmd.Flags().Duration("hold", 0, "Keep previews alive this long (Ctrl-C ends early)")

	RootCmd.AddCommand(cmd)
}

type previewResult struct {
	Handles     []handles.Handle `json:"handles"`
	Unavailable []string         `json:"unavailable,omitempty"`
	Scheduled   int              `json:"scheduled"`
	Cache       handles.Stats    `json:"cache"`
}

func runPreview(cmd *cobra.Command, args []string) {
	page, _ := cmd.Flags().GetString("page")
	hold, _ := cmd.Flags().GetDuration("hold")

	if page == "" && len(args) == 0 {
		exitErr("preview", fmt.Errorf("pass media ids or --page"))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	p := openProject(cmd)
	var res previewResult
	if page != "" {
		w, err := p.WarmUp(ctx, page)
		if err != nil {
			exitErr("warm up", err)
		}
		res.Handles = w.Handles
		res.Unavailable = w.Unavailable
		res.Scheduled = w.Scheduled
	}
	for _, id := range args {
		h, err := p.Cache().Acquire(ctx, id)
		if err != nil {
			exitErr("preview "+id, err)
		}
		res.Handles = append(res.Handles, h)
	}
	res.Cache = p.Cache().Stats()

	printPreview(res)

	if hold > 0 {
		timer := time.NewTimer(hold)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}
	p.ReleaseAll(res.Handles)
	closeProject(p)
}

func printPreview(res previewResult) {
	if !textOutput() {
		printJSON(res)
		return
	}
	rows := make([][]string, 0, len(res.Handles))
	for _, h := range res.Handles {
		target := h.Path
		if target == "" {
			target = h.Source
		}
		rows = append(rows, []string{h.MediaID, h.MimeType, humanize.IBytes(uint64(h.Size)), target})
	}
	fmt.Println(renderTable([]string{"Media", "MIME", "Size", "Preview"}, rows, 2))
	fmt.Printf("unavailable: %s\n", joinOrDash(res.Unavailable))
	fmt.Printf("background: %d scheduled, cache %s of %s\n",
		res.Scheduled, humanize.IBytes(uint64(res.Cache.Bytes)), humanize.IBytes(uint64(res.Cache.MaxBytes)))
}
