package store

import (
	"context"
	"os"
)

// Stats holds database statistics.
type Stats struct {
	DBPath       string      `json:"db_path"`
	DBSizeBytes  int64       `json:"db_size_bytes"`
	TotalRecords int         `json:"total_records"`
	LiveRecords  int         `json:"live_records"`
	Payloads     int         `json:"payloads"`
	PayloadBytes int64       `json:"payload_bytes"`
	Assignments  int         `json:"assignments"`
	Kinds        []KindStats `json:"kinds"`
}

// KindStats holds per-kind counts.
type KindStats struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
	Pages int    `json:"pages"`
	Bytes int64  `json:"bytes"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{DBPath: s.path}

	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM media`).Scan(&st.TotalRecords)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM media WHERE deleted_at IS NULL`).Scan(&st.LiveRecords)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM payloads`).Scan(&st.Payloads, &st.PayloadBytes)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM id_assignments`).Scan(&st.Assignments)

	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*) AS cnt, COUNT(DISTINCT page_id) AS pages, COALESCE(SUM(size_bytes), 0)
		FROM media WHERE deleted_at IS NULL
		GROUP BY kind ORDER BY cnt DESC, kind`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var k KindStats
		rows.Scan(&k.Kind, &k.Count, &k.Pages, &k.Bytes)
		st.Kinds = append(st.Kinds, k)
	}

	return st, nil
}
