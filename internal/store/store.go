// Package store provides durable storage for media records, their binary
// payloads, and identity allocation state, with a SQLite implementation.
package store

import (
	"context"
	"errors"

	"github.com/rcliao/coursepack/internal/model"
)

// ErrNotFound is returned when a record or payload does not exist.
var ErrNotFound = errors.New("not found")

// ListParams holds parameters for listing media records.
type ListParams struct {
	PageID         string
	Kind           model.Kind
	IncludeDeleted bool
	Limit          int // 0 means unlimited
}

// RmParams holds parameters for deleting a media record.
type RmParams struct {
	ID   string
	Hard bool // also removes the row and its payload
}

// Store defines the media storage interface.
type Store interface {
	// PutMedia inserts or replaces a record, clearing any soft delete unless
	// rec.DeletedAt is set.
	PutMedia(ctx context.Context, rec *model.MediaRecord) error

	// GetMedia retrieves a record by id. Soft-deleted rows are only returned
	// with includeDeleted.
	GetMedia(ctx context.Context, id string, includeDeleted bool) (*model.MediaRecord, error)

	// ListMedia lists records in creation order.
	ListMedia(ctx context.Context, p ListParams) ([]model.MediaRecord, error)

	// RmMedia soft-deletes (or hard-deletes) a record.
	RmMedia(ctx context.Context, p RmParams) error

	// WritePayload stores binary content and returns its reference.
	WritePayload(ctx context.Context, data []byte) (string, error)

	// ReadPayload returns the content behind a reference.
	ReadPayload(ctx context.Context, ref string) ([]byte, error)

	// DeletePayload removes content. Missing refs are not an error.
	DeletePayload(ctx context.Context, ref string) error

	// LoadAssignments returns persisted identity counters and assignments.
	LoadAssignments(ctx context.Context) (map[model.Kind]int, []model.Assignment, error)

	// SaveAssignments persists new assignments. Counters only move forward.
	SaveAssignments(ctx context.Context, counters map[model.Kind]int, assignments []model.Assignment) error

	// ResetAssignments clears identity state.
	ResetAssignments(ctx context.Context) error

	// Close closes the store.
	Close() error
}
