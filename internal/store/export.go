package store

import (
	"context"
	"fmt"

	"github.com/rcliao/coursepack/internal/model"
)

// ExportAll returns every record, including soft-deleted ones, in creation
// order. The registry loads its index and stale-entry set from it.
func (s *SQLiteStore) ExportAll(ctx context.Context) ([]model.MediaRecord, error) {
	return s.ListMedia(ctx, ListParams{IncludeDeleted: true})
}

// MaxSeq returns the highest creation sequence ever stored, or 0.
func (s *SQLiteStore) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM media`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq, nil
}

// PurgeDeleted hard-deletes soft-deleted records and their payloads, except
// for ids in keep. Returns the purged ids.
func (s *SQLiteStore) PurgeDeleted(ctx context.Context, keep map[string]bool) ([]string, error) {
	deleted, err := s.db.QueryContext(ctx,
		`SELECT id FROM media WHERE deleted_at IS NOT NULL ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for deleted.Next() {
		var id string
		if err := deleted.Scan(&id); err != nil {
			deleted.Close()
			return nil, err
		}
		if !keep[id] {
			ids = append(ids, id)
		}
	}
	deleted.Close()

	for _, id := range ids {
		if err := s.RmMedia(ctx, RmParams{ID: id, Hard: true}); err != nil {
			return nil, err
		}
	}
	return ids, nil
}
