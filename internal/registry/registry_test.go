package registry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/coursepack/internal/identity"
	"github.com/rcliao/coursepack/internal/model"
	"github.com/rcliao/coursepack/internal/pagetree"
	"github.com/rcliao/coursepack/internal/store"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

type recordingEvictor struct {
	mu  sync.Mutex
	ids []string
}

func (e *recordingEvictor) EvictNow(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = append(e.ids, id)
}

func (e *recordingEvictor) evicted() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ids...)
}

var courseRoles = []string{"welcome", "objectives", "topic-0", "topic-1"}

func openTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRegistry(t *testing.T, s *store.SQLiteStore) (*Registry, *recordingEvictor) {
	t.Helper()
	reg := New(s, nil)
	require.NoError(t, reg.Load(context.Background()))
	require.NoError(t, reg.PrimeIdentities(context.Background(), courseRoles))
	ev := &recordingEvictor{}
	reg.SetEvictor(ev)
	return reg, ev
}

func createImage(t *testing.T, reg *Registry, page string) *model.MediaRecord {
	t.Helper()
	rec, err := reg.Create(context.Background(), CreateParams{Kind: model.KindImage, PageID: page, Payload: pngHeader})
	require.NoError(t, err)
	return rec
}

func TestCreateUsesCanonicalIDs(t *testing.T) {
	reg, _ := newTestRegistry(t, openTestStore(t))

	// Upload order does not matter: ids follow page order.
	topic1 := createImage(t, reg, "topic-1")
	welcome := createImage(t, reg, "intro")
	objectives := createImage(t, reg, "learningObjectives")

	assert.Equal(t, "image-3", topic1.ID)
	assert.Equal(t, "image-0", welcome.ID)
	assert.Equal(t, "welcome", welcome.PageID)
	assert.Equal(t, "image-1", objectives.ID)
	assert.Equal(t, "objectives", objectives.PageID)
	assert.Equal(t, "image/png", welcome.MimeType)
	assert.NotEmpty(t, welcome.PayloadRef)

	// A second image on the same page gets a fresh id.
	gallery := createImage(t, reg, "welcome")
	assert.Equal(t, "image-4", gallery.ID)

	ids := []string{}
	for _, r := range reg.ListForPage("welcome-page") {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"image-0", "image-4"}, ids)
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, openTestStore(t))

	_, err := reg.Create(ctx, CreateParams{Kind: model.KindImage, PageID: "summary", Payload: pngHeader})
	assert.True(t, errors.Is(err, identity.ErrUnknownPageSlot))

	_, err = reg.Create(ctx, CreateParams{Kind: model.KindAudio, PageID: "welcome"})
	assert.Error(t, err, "payload required")

	_, err = reg.Create(ctx, CreateParams{Kind: model.KindExternalVideo, PageID: "welcome"})
	assert.Error(t, err, "locator required")

	_, err = reg.Create(ctx, CreateParams{Kind: "gif", PageID: "welcome", Payload: pngHeader})
	assert.Error(t, err)

	ev, err := reg.Create(ctx, CreateParams{
		Kind:    model.KindExternalVideo,
		PageID:  "topic-0",
		Locator: "https://www.youtube.com/embed/X?start=30&end=60",
	})
	require.NoError(t, err)
	assert.Equal(t, "externalVideo-2", ev.ID)
	assert.Empty(t, ev.PayloadRef)
}

func TestGetAbsentIsNotAnError(t *testing.T) {
	reg, _ := newTestRegistry(t, openTestStore(t))
	rec, ok := reg.Get("image-9")
	assert.False(t, ok)
	assert.Nil(t, rec)
}

func TestInjectThenDeleteThenReconcile(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	reg, ev := newTestRegistry(t, s)

	createImage(t, reg, "welcome")
	createImage(t, reg, "topic-1")

	tree := pagetree.NewCourse("Harbor Safety", 2)
	pagetree.AppendMedia(tree.Page("welcome"), "image-0")

	inj, err := reg.Inject(ctx, tree)
	require.NoError(t, err)
	assert.Equal(t, []string{"image-3"}, inj.Injected)
	assert.Equal(t, []string{"image-3"}, pagetree.MediaIDs(tree.Page("topic-1")))

	// Nothing inject added is dropped by reconcile.
	res, err := reg.Reconcile(ctx, tree)
	require.NoError(t, err)
	assert.Empty(t, res.Removed)
	assert.Equal(t, []string{"image-3"}, pagetree.MediaIDs(tree.Page("topic-1")))

	require.NoError(t, reg.Delete(ctx, "image-3"))
	assert.Contains(t, ev.evicted(), "image-3")

	res, err = reg.Reconcile(ctx, tree)
	require.NoError(t, err)
	assert.Equal(t, []string{"image-3"}, res.Removed)
	assert.Empty(t, pagetree.MediaIDs(tree.Page("topic-1")))
	assert.Equal(t, []string{"image-0"}, pagetree.MediaIDs(tree.Page("welcome")))

	// The stale row went with it.
	_, err = s.GetMedia(ctx, "image-3", true)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	again, err := reg.Reconcile(ctx, tree)
	require.NoError(t, err)
	assert.Empty(t, again.Removed)
	assert.Empty(t, again.Misplaced)
}

func TestReconcileNestedOrphansInDocumentOrder(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, openTestStore(t))
	createImage(t, reg, "topic-0")

	tree := pagetree.NewCourse("c", 1)
	page := tree.Page("topic-0")
	page.Nodes = []*model.Node{
		{Type: model.NodeMedia, MediaID: "audio-7"},
		{Type: model.NodeGroup, Children: []*model.Node{
			{Type: model.NodeGallery, Children: []*model.Node{
				{Type: model.NodeMedia, MediaID: "image-2"},
				{Type: model.NodeMedia, MediaID: "image-9"},
				{Type: model.NodeMedia, MediaID: "audio-7"},
			}},
		}},
	}

	res, err := reg.Reconcile(ctx, tree)
	require.NoError(t, err)
	assert.Equal(t, []string{"audio-7", "image-9"}, res.Removed)
	assert.Equal(t, []string{"image-2"}, pagetree.MediaIDs(page))
}

func TestReconcileStripsMisplacedReferences(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, openTestStore(t))
	createImage(t, reg, "welcome")

	tree := pagetree.NewCourse("c", 1)
	pagetree.AppendMedia(tree.Page("welcome"), "image-0")
	pagetree.AppendMedia(tree.Page("topic-0"), "image-0")

	res, err := reg.Reconcile(ctx, tree)
	require.NoError(t, err)
	assert.Empty(t, res.Removed)
	assert.Equal(t, []string{"image-0"}, res.Misplaced)
	assert.Equal(t, []string{"image-0"}, pagetree.MediaIDs(tree.Page("welcome")))
	assert.Empty(t, pagetree.MediaIDs(tree.Page("topic-0")))

	_, ok := reg.Get("image-0")
	assert.True(t, ok, "misplaced record stays live")
}

func TestInjectMatchesPageHint(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, openTestStore(t))

	audio, err := reg.Create(ctx, CreateParams{
		Kind:     model.KindAudio,
		Payload:  []byte("ID3 narration"),
		Metadata: map[string]any{model.MetaPageHint: "topic 2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "audio-4", audio.ID)
	assert.Empty(t, audio.PageID)

	tree := pagetree.NewCourse("c", 2)
	res, err := reg.Inject(ctx, tree)
	require.NoError(t, err)
	assert.Equal(t, []string{"audio-4"}, res.Injected)
	assert.Equal(t, []string{"audio-4"}, pagetree.MediaIDs(tree.Page("topic-1")))

	got, ok := reg.Get("audio-4")
	require.True(t, ok)
	assert.Equal(t, "topic-1", got.PageID)
}

func TestInjectHintTieGoesToFirstPage(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, openTestStore(t))

	tree := pagetree.NewCourse("c", 2)
	tree.Page("topic-0").Title = "Review"
	tree.Page("topic-1").Title = "Review"

	for i := 0; i < 2; i++ {
		_, err := reg.Create(ctx, CreateParams{
			Kind:     model.KindCaption,
			Payload:  []byte("WEBVTT\n"),
			Metadata: map[string]any{model.MetaPageHint: "REVIEW"},
		})
		require.NoError(t, err)
	}

	res, err := reg.Inject(ctx, tree)
	require.NoError(t, err)
	assert.Equal(t, []string{"caption-4", "caption-5"}, res.Injected)
	assert.Equal(t, []string{"caption-4", "caption-5"}, pagetree.MediaIDs(tree.Page("topic-0")))
	assert.Empty(t, pagetree.MediaIDs(tree.Page("topic-1")))
}

func TestReconcileClaimsReferencedUnownedRecord(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, openTestStore(t))
	rec, err := reg.Create(ctx, CreateParams{Kind: model.KindVideo, Payload: []byte("\x00\x00\x00\x18ftypmp42")})
	require.NoError(t, err)

	tree := pagetree.NewCourse("c", 1)
	pagetree.AppendMedia(tree.Page("objectives"), rec.ID)

	res, err := reg.Repair(ctx, tree)
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, res.Claimed)
	assert.Empty(t, res.Injected)

	got, _ := reg.Get(rec.ID)
	assert.Equal(t, "objectives", got.PageID)
}

func TestDeletedPrimaryIsReusedOnSamePage(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	reg, _ := newTestRegistry(t, s)

	first := createImage(t, reg, "welcome")
	require.NoError(t, reg.Delete(ctx, first.ID))
	assert.True(t, errors.Is(reg.Delete(ctx, first.ID), ErrUnknownMedia))

	second := createImage(t, reg, "welcome")
	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, first.PayloadRef, second.PayloadRef)

	_, err := s.ReadPayload(ctx, first.PayloadRef)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestReplaceKeepsID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	reg, ev := newTestRegistry(t, s)
	rec := createImage(t, reg, "topic-0")

	updated, err := reg.Replace(ctx, rec.ID, ReplaceParams{
		Payload:  []byte("GIF89a replacement"),
		Metadata: map[string]any{model.MetaTitle: "New", model.MetaOriginalFilename: "new.gif"},
	})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, updated.ID)
	assert.Equal(t, "image/gif", updated.MimeType)
	assert.Equal(t, []string{rec.ID}, ev.evicted())

	_, data, err := reg.ReadPayload(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "GIF89a replacement", string(data))

	_, err = s.ReadPayload(ctx, rec.PayloadRef)
	assert.True(t, errors.Is(err, store.ErrNotFound), "old payload removed")

	updated, err = reg.Replace(ctx, rec.ID, ReplaceParams{Metadata: map[string]any{model.MetaTitle: nil}})
	require.NoError(t, err)
	assert.Empty(t, updated.MetaString(model.MetaTitle))
	assert.Equal(t, "new.gif", updated.MetaString(model.MetaOriginalFilename))

	_, err = reg.Replace(ctx, "image-99", ReplaceParams{})
	assert.True(t, errors.Is(err, ErrUnknownMedia))
}

func TestIdentityStateSurvivesReload(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	reg, _ := newTestRegistry(t, s)

	createImage(t, reg, "welcome")
	createImage(t, reg, "welcome")
	require.NoError(t, reg.Delete(ctx, "image-4"))

	reloaded, _ := newTestRegistry(t, s)
	_, ok := reloaded.Get("image-0")
	assert.True(t, ok)
	_, ok = reloaded.Get("image-4")
	assert.False(t, ok)

	// image-4 was used once; it is never handed out again.
	extra := createImage(t, reloaded, "welcome")
	assert.Equal(t, "image-5", extra.ID)

	topic := createImage(t, reloaded, "topic-1")
	assert.Equal(t, "image-3", topic.ID)
}

func TestResetIdentitiesRefusesWithRecords(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, openTestStore(t))
	createImage(t, reg, "welcome")

	err := reg.ResetIdentities(ctx)
	assert.True(t, errors.Is(err, ErrNotEmpty))

	fresh, _ := newTestRegistry(t, openTestStore(t))
	require.NoError(t, fresh.ResetIdentities(ctx))
	assert.Empty(t, fresh.Assignments())
}

func TestVacuumPurgesStale(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, openTestStore(t))
	createImage(t, reg, "welcome")
	createImage(t, reg, "topic-0")
	require.NoError(t, reg.Delete(ctx, "image-2"))

	purged, err := reg.Vacuum(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"image-2"}, purged)

	st, err := reg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalRecords)
}

func TestSearchResolvesPageAlias(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, openTestStore(t))
	_, err := reg.Create(ctx, CreateParams{
		Kind:     model.KindImage,
		PageID:   "welcome",
		Payload:  pngHeader,
		Metadata: map[string]any{model.MetaTitle: "Lighthouse"},
	})
	require.NoError(t, err)

	found, err := reg.Search(ctx, store.SearchParams{Query: "lighthouse", PageID: "intro"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "image-0", found[0].ID)
}
