package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/coursepack/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err, "create store")
	t.Cleanup(func() { s.Close() })
	return s
}

func putRecord(t *testing.T, s *SQLiteStore, id string, kind model.Kind, page string, seq int64) *model.MediaRecord {
	t.Helper()
	now := time.Now().UTC()
	rec := &model.MediaRecord{
		ID:        id,
		Kind:      kind,
		PageID:    page,
		Seq:       seq,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]any{model.MetaTitle: "title of " + id},
	}
	require.NoError(t, s.PutMedia(context.Background(), rec))
	return rec
}

func TestPutAndGetMedia(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ref, err := s.WritePayload(ctx, []byte("png bytes"))
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	now := time.Now().UTC()
	rec := &model.MediaRecord{
		ID:         "image-0",
		Kind:       model.KindImage,
		PageID:     "welcome",
		PayloadRef: ref,
		MimeType:   "image/png",
		SizeBytes:  9,
		Seq:        1,
		CreatedAt:  now,
		UpdatedAt:  now,
		Metadata:   map[string]any{model.MetaOriginalFilename: "hero.png", model.MetaClipStart: 12},
	}
	require.NoError(t, s.PutMedia(ctx, rec))

	got, err := s.GetMedia(ctx, "image-0", false)
	require.NoError(t, err)
	assert.Equal(t, model.KindImage, got.Kind)
	assert.Equal(t, "welcome", got.PageID)
	assert.Equal(t, ref, got.PayloadRef)
	assert.Equal(t, "hero.png", got.MetaString(model.MetaOriginalFilename))

	start, ok := got.MetaSeconds(model.MetaClipStart)
	require.True(t, ok)
	assert.Equal(t, 12, start)

	data, err := s.ReadPayload(ctx, got.PayloadRef)
	require.NoError(t, err)
	assert.Equal(t, "png bytes", string(data))
}

func TestGetMissingMedia(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetMedia(context.Background(), "image-42", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListMediaCreationOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	putRecord(t, s, "image-1", model.KindImage, "topic-0", 3)
	putRecord(t, s, "audio-0", model.KindAudio, "topic-0", 1)
	putRecord(t, s, "image-0", model.KindImage, "welcome", 2)

	all, err := s.ListMedia(ctx, ListParams{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"audio-0", "image-0", "image-1"}, []string{all[0].ID, all[1].ID, all[2].ID})

	page, err := s.ListMedia(ctx, ListParams{PageID: "topic-0"})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	images, err := s.ListMedia(ctx, ListParams{Kind: model.KindImage})
	require.NoError(t, err)
	assert.Len(t, images, 2)
}

func TestSoftDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	putRecord(t, s, "image-0", model.KindImage, "welcome", 1)

	require.NoError(t, s.RmMedia(ctx, RmParams{ID: "image-0"}))

	_, err := s.GetMedia(ctx, "image-0", false)
	assert.True(t, errors.Is(err, ErrNotFound), "soft-deleted record must be hidden")

	stale, err := s.GetMedia(ctx, "image-0", true)
	require.NoError(t, err)
	assert.NotNil(t, stale.DeletedAt)

	all, err := s.ExportAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	err = s.RmMedia(ctx, RmParams{ID: "image-0"})
	assert.True(t, errors.Is(err, ErrNotFound), "second soft delete finds nothing live")
}

func TestHardDeleteRemovesPayload(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ref, err := s.WritePayload(ctx, []byte("audio"))
	require.NoError(t, err)
	rec := putRecord(t, s, "audio-0", model.KindAudio, "welcome", 1)
	rec.PayloadRef = ref
	require.NoError(t, s.PutMedia(ctx, rec))

	require.NoError(t, s.RmMedia(ctx, RmParams{ID: "audio-0", Hard: true}))

	_, err = s.GetMedia(ctx, "audio-0", true)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.ReadPayload(ctx, ref)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPutClearsSoftDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rec := putRecord(t, s, "caption-1", model.KindCaption, "objectives", 1)
	require.NoError(t, s.RmMedia(ctx, RmParams{ID: rec.ID}))

	rec.DeletedAt = nil
	require.NoError(t, s.PutMedia(ctx, rec))

	got, err := s.GetMedia(ctx, rec.ID, false)
	require.NoError(t, err)
	assert.Nil(t, got.DeletedAt)
}

func TestPurgeDeletedKeepsRequested(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	putRecord(t, s, "image-0", model.KindImage, "welcome", 1)
	putRecord(t, s, "image-1", model.KindImage, "objectives", 2)
	putRecord(t, s, "image-2", model.KindImage, "topic-0", 3)
	require.NoError(t, s.RmMedia(ctx, RmParams{ID: "image-0"}))
	require.NoError(t, s.RmMedia(ctx, RmParams{ID: "image-1"}))

	purged, err := s.PurgeDeleted(ctx, map[string]bool{"image-1": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"image-0"}, purged)

	all, err := s.ExportAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	seq, err := s.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
}

func TestAssignmentsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.SaveAssignments(ctx,
		map[model.Kind]int{model.KindImage: 2},
		[]model.Assignment{
			{Kind: model.KindImage, Role: "welcome", ID: "image-0", Primary: true},
			{Kind: model.KindImage, Role: "welcome", ID: "image-1"},
		})
	require.NoError(t, err)

	// Counters never move backwards.
	require.NoError(t, s.SaveAssignments(ctx, map[model.Kind]int{model.KindImage: 1}, nil))

	counters, assignments, err := s.LoadAssignments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counters[model.KindImage])
	require.Len(t, assignments, 2)
	assert.True(t, assignments[0].Primary)
	assert.False(t, assignments[1].Primary)

	require.NoError(t, s.ResetAssignments(ctx))
	counters, assignments, err = s.LoadAssignments(ctx)
	require.NoError(t, err)
	assert.Empty(t, counters)
	assert.Empty(t, assignments)
}

func TestDBPathCreation(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sub", "dir", "test.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	s.Close()

	_, err = os.Stat(dbPath)
	assert.False(t, os.IsNotExist(err), "expected db file to be created")
}
