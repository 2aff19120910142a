package project

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/coursepack/internal/config"
	"github.com/rcliao/coursepack/internal/model"
	"github.com/rcliao/coursepack/internal/pagetree"
	"github.com/rcliao/coursepack/internal/registry"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Project.Dir = t.TempDir()
	cfg.Cache.TempDir = t.TempDir()
	cfg.Preload.DelayMS = 0
	return &cfg
}

func jpeg(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(8, 8, color.NRGBA{B: 255, A: 255}), imaging.JPEG))
	return buf.Bytes()
}

func addImage(t *testing.T, p *Project, page string) *model.MediaRecord {
	t.Helper()
	rec, err := p.Add(context.Background(), registry.CreateParams{Kind: model.KindImage, PageID: page, Payload: jpeg(t)})
	require.NoError(t, err)
	return rec
}

func TestInitAndAdd(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	p, err := Init(ctx, cfg, "Harbor Safety", 2, nil)
	require.NoError(t, err)
	defer p.Close()

	rec := addImage(t, p, "topic-1")
	assert.Equal(t, "image-3", rec.ID)
	assert.Equal(t, []string{"image-3"}, pagetree.MediaIDs(p.Tree().Page("topic-1")))

	_, err = p.Add(ctx, registry.CreateParams{Kind: model.KindImage, PageID: "topic-7", Payload: jpeg(t)})
	assert.True(t, errors.Is(err, ErrUnknownPage))

	_, err = Init(ctx, cfg, "Again", 1, nil)
	assert.True(t, errors.Is(err, ErrProjectExists))
}

func TestOpenIsExclusive(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	p, err := Init(ctx, cfg, "c", 1, nil)
	require.NoError(t, err)

	_, err = Open(ctx, cfg, nil)
	assert.True(t, errors.Is(err, ErrProjectLocked))

	require.NoError(t, p.Close())
	again, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestOpenRepairsDriftedDocument(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	p, err := Init(ctx, cfg, "c", 2, nil)
	require.NoError(t, err)
	addImage(t, p, "welcome")
	addImage(t, p, "topic-1")
	require.NoError(t, p.Close())

	// Edit the document behind the registry's back.
	doc := pagetree.NewFileDocument(cfg.DocumentPath())
	tree, err := doc.Load(ctx)
	require.NoError(t, err)
	tree.Page("topic-1").Nodes = nil
	pagetree.AppendMedia(tree.Page("welcome"), "audio-42")
	require.NoError(t, doc.Save(ctx, tree))

	p, err = Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer p.Close()

	repaired := p.Tree()
	assert.Equal(t, []string{"image-0"}, pagetree.MediaIDs(repaired.Page("welcome")))
	assert.Equal(t, []string{"image-3"}, pagetree.MediaIDs(repaired.Page("topic-1")))

	onDisk, err := doc.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"image-3"}, pagetree.MediaIDs(onDisk.Page("topic-1")))
}

func TestRemoveDropsReferences(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, testConfig(t), "c", 2, nil)
	require.NoError(t, err)
	defer p.Close()
	rec := addImage(t, p, "topic-1")

	res, err := p.Remove(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, res.Removed)
	assert.Empty(t, pagetree.MediaIDs(p.Tree().Page("topic-1")))

	_, err = p.Remove(ctx, rec.ID)
	assert.True(t, errors.Is(err, registry.ErrUnknownMedia))
}

func TestExportWritesBundle(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, testConfig(t), "c", 1, nil)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Add(ctx, registry.CreateParams{
		Kind:     model.KindImage,
		PageID:   "welcome",
		Payload:  jpeg(t),
		Metadata: map[string]any{model.MetaOriginalFilename: "cover.jpg"},
	})
	require.NoError(t, err)
	_, err = p.Add(ctx, registry.CreateParams{
		Kind:    model.KindExternalVideo,
		PageID:  "topic-0",
		Locator: "https://www.youtube.com/embed/X?start=30&end=60",
	})
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "bundle")
	m, err := p.Export(ctx, out)
	require.NoError(t, err)
	require.Len(t, m.Entries, 2)
	assert.Equal(t, "media/cover.jpg", m.Entries[0].Path)
	assert.Equal(t, "https://www.youtube.com/embed/X", m.Entries[1].SourceURL)

	_, err = os.Stat(filepath.Join(out, "media", "cover.jpg"))
	assert.NoError(t, err)
}

func TestWarmUpAcquiresCriticalPathAndPreloadsRest(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, testConfig(t), "c", 3, nil)
	require.NoError(t, err)
	defer p.Close()

	for _, page := range []string{"welcome", "objectives", "topic-0", "topic-2"} {
		addImage(t, p, page)
	}

	w, err := p.WarmUp(ctx, "welcome")
	require.NoError(t, err)
	require.Len(t, w.Handles, 2)
	assert.Equal(t, "image-0", w.Handles[0].MediaID)
	assert.Equal(t, "image-1", w.Handles[1].MediaID)
	assert.Equal(t, 2, w.Scheduled)

	require.Eventually(t, func() bool { return p.Cache().Stats().Decodes == 4 }, 2*time.Second, 10*time.Millisecond)
	st := p.Cache().Stats()
	assert.Equal(t, 1, st.RefCounts["image-0"])
	assert.Equal(t, 0, st.RefCounts["image-2"])

	p.ReleaseAll(w.Handles)
	assert.Equal(t, 0, p.Cache().Stats().RefCounts["image-0"])

	_, err = p.WarmUp(ctx, "topic-9")
	assert.True(t, errors.Is(err, ErrUnknownPage))
}
