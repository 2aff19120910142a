package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/coursepack/internal/export"
	"github.com/rcliao/coursepack/internal/model"
	"github.com/rcliao/coursepack/internal/pagetree"
	"github.com/rcliao/coursepack/internal/store"
)

type valueEvictor struct {
	recordingEvictor
	values map[string]string
}

func (e *valueEvictor) MediaIDForValue(value string) (string, bool) {
	id, ok := e.values[value]
	return id, ok
}

type failingPuts struct {
	*store.SQLiteStore
	fail bool
}

func (b *failingPuts) PutMedia(ctx context.Context, rec *model.MediaRecord) error {
	if b.fail {
		return errors.New("disk full")
	}
	return b.SQLiteStore.PutMedia(ctx, rec)
}

func TestRepairHandlesBareIDsInSrc(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, openTestStore(t))
	createImage(t, reg, "topic-1")

	tree := pagetree.NewCourse("Harbor Safety", 2)
	tree.Page("topic-1").Nodes = []*model.Node{{Type: model.NodeMedia, Src: "image-3"}}
	tree.Page("topic-0").Nodes = []*model.Node{
		{Type: model.NodeText, Text: "intro"},
		{Type: model.NodeMedia, Src: "image-9"},
	}

	res, err := reg.Repair(ctx, tree)
	require.NoError(t, err)
	assert.Equal(t, []string{"image-9"}, res.Removed)
	assert.Equal(t, []string{"image-3"}, res.Normalized)
	assert.Empty(t, res.Injected, "a reference held in Src is not injected twice")

	topic1 := tree.Page("topic-1")
	require.Len(t, topic1.Nodes, 1)
	assert.Equal(t, "image-3", topic1.Nodes[0].MediaID)
	assert.Empty(t, topic1.Nodes[0].Src)
	require.Len(t, tree.Page("topic-0").Nodes, 1)

	bundle, err := export.NewResolver(reg, export.Options{}).Resolve(ctx, tree)
	require.NoError(t, err)
	require.Len(t, bundle.Entries, 1)
	assert.Equal(t, "image-3", bundle.Entries[0].MediaID)

	again, err := reg.Repair(ctx, tree)
	require.NoError(t, err)
	assert.False(t, again.Changed())
}

func TestInjectSeesBareIDInSrc(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, openTestStore(t))
	createImage(t, reg, "topic-1")

	tree := pagetree.NewCourse("c", 2)
	tree.Page("topic-1").Nodes = []*model.Node{{Type: model.NodeMedia, Src: "image-3"}}

	inj, err := reg.Inject(ctx, tree)
	require.NoError(t, err)
	assert.Empty(t, inj.Injected)
	assert.Len(t, tree.Page("topic-1").Nodes, 1)
}

func TestReconcileResolvesLiveHandleValues(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, openTestStore(t))
	createImage(t, reg, "topic-0")
	ev := &valueEvictor{values: map[string]string{"blob:coursepack/live": "image-2"}}
	reg.SetEvictor(ev)

	tree := pagetree.NewCourse("c", 1)
	tree.Page("topic-0").Nodes = []*model.Node{
		{Type: model.NodeGallery, Children: []*model.Node{
			{Type: model.NodeMedia, Src: "blob:coursepack/live"},
			{Type: model.NodeMedia, Src: "blob:coursepack/gone"},
		}},
	}

	res, err := reg.Repair(ctx, tree)
	require.NoError(t, err)
	assert.Equal(t, []string{"blob:coursepack/gone"}, res.Expired)
	assert.Equal(t, []string{"image-2"}, res.Normalized)
	assert.Empty(t, res.Injected)

	gallery := tree.Page("topic-0").Nodes[0]
	require.Len(t, gallery.Children, 1)
	assert.Equal(t, "image-2", gallery.Children[0].MediaID)
	assert.Empty(t, gallery.Children[0].Src)
}

func TestReconcileStripsHandleValuesAfterReload(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, openTestStore(t))
	createImage(t, reg, "welcome")

	tree := pagetree.NewCourse("c", 0)
	tree.Page("welcome").Nodes = []*model.Node{
		{Type: model.NodeMedia, MediaID: "image-0"},
		{Type: model.NodeMedia, Src: "blob:coursepack/1f0c"},
	}

	res, err := reg.Reconcile(ctx, tree)
	require.NoError(t, err)
	assert.Equal(t, []string{"blob:coursepack/1f0c"}, res.Expired)
	assert.True(t, res.Changed())
	assert.Equal(t, []string{"image-0"}, pagetree.MediaIDs(tree.Page("welcome")))
	assert.Len(t, tree.Page("welcome").Nodes, 1)
}

func TestReconcileClaimRollsBackOnPersistError(t *testing.T) {
	ctx := context.Background()
	backend := &failingPuts{SQLiteStore: openTestStore(t)}
	reg := New(backend, nil)
	require.NoError(t, reg.Load(ctx))
	require.NoError(t, reg.PrimeIdentities(ctx, courseRoles))

	rec, err := reg.Create(ctx, CreateParams{Kind: model.KindAudio, Payload: []byte("ID3\x03\x00\x00\x00\x00\x00\x00")})
	require.NoError(t, err)

	tree := pagetree.NewCourse("c", 1)
	pagetree.AppendMedia(tree.Page("topic-0"), rec.ID)

	backend.fail = true
	res, err := reg.Reconcile(ctx, tree)
	require.Error(t, err)
	assert.Empty(t, res.Claimed)

	got, ok := reg.Get(rec.ID)
	require.True(t, ok)
	assert.Empty(t, got.PageID, "memory matches storage after a failed claim")
	stored, err := backend.GetMedia(ctx, rec.ID, false)
	require.NoError(t, err)
	assert.Empty(t, stored.PageID)

	backend.fail = false
	res, err = reg.Reconcile(ctx, tree)
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, res.Claimed)
	got, _ = reg.Get(rec.ID)
	assert.Equal(t, "topic-0", got.PageID)
}
