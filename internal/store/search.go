package store

import (
	"context"
	"strings"

	"github.com/rcliao/coursepack/internal/model"
)

// SearchParams holds parameters for searching media records.
type SearchParams struct {
	Query  string
	Kind   model.Kind
	PageID string
	Limit  int
}

// Search finds live records whose id, locator, or metadata (title, original
// filename, hints) contain the query substring.
func (s *SQLiteStore) Search(ctx context.Context, p SearchParams) ([]model.MediaRecord, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	query := "%" + strings.TrimSpace(p.Query) + "%"

	where := []string{"deleted_at IS NULL", "(id LIKE ? OR locator LIKE ? OR metadata LIKE ?)"}
	args := []interface{}{query, query, query}

	if p.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(p.Kind))
	}
	if p.PageID != "" {
		where = append(where, "page_id = ?")
		args = append(args, p.PageID)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mediaColumns+` FROM media WHERE `+strings.Join(where, " AND ")+` ORDER BY seq ASC LIMIT ?`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.MediaRecord
	for rows.Next() {
		rec, err := scanMedia(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}
