package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/rcliao/coursepack/internal/model"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	path      string
	entropyMu sync.Mutex
	entropy   *rand.Rand
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		path:    dbPath,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) newRef() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS media (
		id          TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		page_id     TEXT NOT NULL DEFAULT '',
		payload_ref TEXT,
		locator     TEXT,
		mime_type   TEXT,
		size_bytes  INTEGER NOT NULL DEFAULT 0,
		metadata    TEXT,
		seq         INTEGER NOT NULL,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL,
		deleted_at  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_media_page ON media(page_id);
	CREATE INDEX IF NOT EXISTS idx_media_seq ON media(seq);
	CREATE INDEX IF NOT EXISTS idx_media_deleted ON media(deleted_at);

	CREATE TABLE IF NOT EXISTS payloads (
		ref        TEXT PRIMARY KEY,
		data       BLOB NOT NULL,
		size_bytes INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS id_counters (
		kind TEXT PRIMARY KEY,
		next INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS id_assignments (
		id         TEXT PRIMARY KEY,
		kind       TEXT NOT NULL,
		role       TEXT NOT NULL,
		is_primary INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) PutMedia(ctx context.Context, rec *model.MediaRecord) error {
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return errors.New("put media: empty id")
	}

	var metaJSON *string
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		m := string(b)
		metaJSON = &m
	}

	var deletedAt *string
	if rec.DeletedAt != nil {
		d := rec.DeletedAt.UTC().Format(time.RFC3339)
		deletedAt = &d
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO media (id, kind, page_id, payload_ref, locator, mime_type, size_bytes, metadata, seq, created_at, updated_at, deleted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			page_id = excluded.page_id,
			payload_ref = excluded.payload_ref,
			locator = excluded.locator,
			mime_type = excluded.mime_type,
			size_bytes = excluded.size_bytes,
			metadata = excluded.metadata,
			seq = excluded.seq,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at`,
		rec.ID, string(rec.Kind), rec.PageID, nullIfEmpty(rec.PayloadRef), nullIfEmpty(rec.Locator),
		nullIfEmpty(rec.MimeType), rec.SizeBytes, metaJSON, rec.Seq,
		rec.CreatedAt.UTC().Format(time.RFC3339), rec.UpdatedAt.UTC().Format(time.RFC3339), deletedAt)
	if err != nil {
		return fmt.Errorf("upsert media %s: %w", rec.ID, err)
	}
	return nil
}

const mediaColumns = `id, kind, page_id, payload_ref, locator, mime_type, size_bytes, metadata, seq, created_at, updated_at, deleted_at`

func (s *SQLiteStore) GetMedia(ctx context.Context, id string, includeDeleted bool) (*model.MediaRecord, error) {
	query := `SELECT ` + mediaColumns + ` FROM media WHERE id = ?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	rec, err := scanMedia(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("media %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) ListMedia(ctx context.Context, p ListParams) ([]model.MediaRecord, error) {
	var where []string
	var args []interface{}

	if !p.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if p.PageID != "" {
		where = append(where, "page_id = ?")
		args = append(args, p.PageID)
	}
	if p.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(p.Kind))
	}

	query := `SELECT ` + mediaColumns + ` FROM media`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq ASC`
	if p.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, p.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.MediaRecord
	for rows.Next() {
		rec, err := scanMedia(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) RmMedia(ctx context.Context, p RmParams) error {
	if p.Hard {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var ref sql.NullString
		err = tx.QueryRowContext(ctx, `SELECT payload_ref FROM media WHERE id = ?`, p.ID).Scan(&ref)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("media %s: %w", p.ID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if ref.Valid && ref.String != "" {
			if _, err := tx.ExecContext(ctx, `DELETE FROM payloads WHERE ref = ?`, ref.String); err != nil {
				return fmt.Errorf("delete payload: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM media WHERE id = ?`, p.ID); err != nil {
			return fmt.Errorf("delete media: %w", err)
		}
		return tx.Commit()
	}

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`UPDATE media SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`, now, now, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("media %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) WritePayload(ctx context.Context, data []byte) (string, error) {
	ref := s.newRef()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payloads (ref, data, size_bytes, created_at) VALUES (?, ?, ?, ?)`,
		ref, data, len(data), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("insert payload: %w", err)
	}
	return ref, nil
}

func (s *SQLiteStore) ReadPayload(ctx context.Context, ref string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM payloads WHERE ref = ?`, ref).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payload %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *SQLiteStore) DeletePayload(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM payloads WHERE ref = ?`, ref)
	return err
}

func (s *SQLiteStore) LoadAssignments(ctx context.Context) (map[model.Kind]int, []model.Assignment, error) {
	counters := make(map[model.Kind]int)
	rows, err := s.db.QueryContext(ctx, `SELECT kind, next FROM id_counters`)
	if err != nil {
		return nil, nil, err
	}
	for rows.Next() {
		var kind string
		var next int
		if err := rows.Scan(&kind, &next); err != nil {
			rows.Close()
			return nil, nil, err
		}
		counters[model.Kind(kind)] = next
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT id, kind, role, is_primary FROM id_assignments ORDER BY id`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var assignments []model.Assignment
	for rows.Next() {
		var a model.Assignment
		var kind string
		var primary int
		if err := rows.Scan(&a.ID, &kind, &a.Role, &primary); err != nil {
			return nil, nil, err
		}
		a.Kind = model.Kind(kind)
		a.Primary = primary != 0
		assignments = append(assignments, a)
	}
	return counters, assignments, rows.Err()
}

func (s *SQLiteStore) SaveAssignments(ctx context.Context, counters map[model.Kind]int, assignments []model.Assignment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for kind, next := range counters {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO id_counters (kind, next) VALUES (?, ?)
			 ON CONFLICT(kind) DO UPDATE SET next = MAX(next, excluded.next)`,
			string(kind), next)
		if err != nil {
			return fmt.Errorf("save counter %s: %w", kind, err)
		}
	}
	for _, a := range assignments {
		primary := 0
		if a.Primary {
			primary = 1
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO id_assignments (id, kind, role, is_primary) VALUES (?, ?, ?, ?)`,
			a.ID, string(a.Kind), a.Role, primary)
		if err != nil {
			return fmt.Errorf("save assignment %s: %w", a.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ResetAssignments(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM id_assignments`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM id_counters`)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMedia(row scanner) (model.MediaRecord, error) {
	var m model.MediaRecord
	var kind, createdAt, updatedAt string
	var payloadRef, locator, mimeType, meta, deletedAt sql.NullString

	err := row.Scan(
		&m.ID, &kind, &m.PageID, &payloadRef, &locator, &mimeType,
		&m.SizeBytes, &meta, &m.Seq, &createdAt, &updatedAt, &deletedAt,
	)
	if err != nil {
		return m, err
	}

	m.Kind = model.Kind(kind)
	m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	m.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if payloadRef.Valid {
		m.PayloadRef = payloadRef.String
	}
	if locator.Valid {
		m.Locator = locator.String
	}
	if mimeType.Valid {
		m.MimeType = mimeType.String
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &m.Metadata); err != nil {
			return m, fmt.Errorf("decode metadata for %s: %w", m.ID, err)
		}
	}
	if deletedAt.Valid {
		t, _ := time.Parse(time.RFC3339, deletedAt.String)
		m.DeletedAt = &t
	}

	return m, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
