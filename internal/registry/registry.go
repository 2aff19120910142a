// Package registry is the authoritative index of media records.
//
// The registry keeps every live record in memory, backed by durable storage,
// and owns id allocation through an identity.Assigner whose state it persists
// after every allocation. Soft-deleted rows stay in storage as stale entries
// until a reconcile pass finds a dangling reference to them or a vacuum runs.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/rcliao/coursepack/internal/identity"
	"github.com/rcliao/coursepack/internal/logging"
	"github.com/rcliao/coursepack/internal/model"
	"github.com/rcliao/coursepack/internal/store"
)

var (
	// ErrDuplicateAssignment means the assigner produced an id that is already
	// in use. It indicates a broken invariant, not a user error.
	ErrDuplicateAssignment = errors.New("duplicate assignment")
	// ErrUnknownMedia is returned when an operation names a record that is not live.
	ErrUnknownMedia = errors.New("unknown media")
	// ErrNotEmpty is returned when identities are reset while records exist.
	ErrNotEmpty = errors.New("registry not empty")
)

// Backend is the durable storage the registry sits on.
type Backend interface {
	store.Store
	ExportAll(ctx context.Context) ([]model.MediaRecord, error)
	MaxSeq(ctx context.Context) (int64, error)
	PurgeDeleted(ctx context.Context, keep map[string]bool) ([]string, error)
	Search(ctx context.Context, p store.SearchParams) ([]model.MediaRecord, error)
	Stats(ctx context.Context) (*store.Stats, error)
}

// Evictor releases decoded handles. The handle cache implements it.
type Evictor interface {
	EvictNow(id string)
}

// ValueLookup maps a handle value back to its media id. When the evictor
// also implements it, reconcile resolves handle values left in Src.
type ValueLookup interface {
	MediaIDForValue(value string) (string, bool)
}

// CreateParams describes a new media record.
type CreateParams struct {
	Kind     model.Kind
	PageID   string // empty for unowned imports
	Payload  []byte
	Locator  string // externalVideo source URL
	MimeType string // detected from Payload when empty
	Metadata map[string]any
}

// ReplaceParams describes a content swap on an existing record. Metadata
// entries are merged; a nil value removes the key.
type ReplaceParams struct {
	Payload  []byte
	Locator  string
	MimeType string
	Metadata map[string]any
}

// Registry indexes media records by id and page.
type Registry struct {
	mu      sync.RWMutex
	backend Backend
	ids     *identity.Assigner
	records map[string]*model.MediaRecord
	stale   map[string]*model.MediaRecord
	seq     int64
	evictor Evictor
	logger  *zap.Logger
	now     func() time.Time
}

// New returns an empty registry over backend. Call Load before use.
func New(backend Backend, logger *zap.Logger) *Registry {
	return &Registry{
		backend: backend,
		ids:     identity.NewAssigner(),
		records: make(map[string]*model.MediaRecord),
		stale:   make(map[string]*model.MediaRecord),
		logger:  logging.OrNop(logger).Named("registry"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetEvictor wires the handle cache.
func (r *Registry) SetEvictor(e Evictor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictor = e
}

// Load rebuilds the in-memory index and identity state from storage.
func (r *Registry) Load(ctx context.Context) error {
	all, err := r.backend.ExportAll(ctx)
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}
	seq, err := r.backend.MaxSeq(ctx)
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}
	counters, assignments, err := r.backend.LoadAssignments(ctx)
	if err != nil {
		return fmt.Errorf("load identities: %w", err)
	}

	records := make(map[string]*model.MediaRecord)
	stale := make(map[string]*model.MediaRecord)
	owned := make(map[string]bool, len(assignments))
	for _, a := range assignments {
		owned[a.ID] = true
	}
	for i := range all {
		rec := all[i]
		if rec.DeletedAt != nil {
			stale[rec.ID] = &rec
		} else {
			records[rec.ID] = &rec
		}
		// Rows written before their assignment was saved still hold their id.
		if !owned[rec.ID] {
			role, _, _ := identity.CanonicalRole(rec.PageID)
			assignments = append(assignments, model.Assignment{Kind: rec.Kind, Role: role, ID: rec.ID})
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ids.Restore(identity.Snapshot{Counters: counters, Assignments: assignments}); err != nil {
		return fmt.Errorf("load identities: %w", err)
	}
	r.records = records
	r.stale = stale
	r.seq = seq
	r.logger.Debug("registry loaded",
		zap.Int("live", len(records)),
		zap.Int("stale", len(stale)),
		zap.Int64("seq", seq))
	return nil
}

// PrimeIdentities assigns primary ids for every kind over the given page
// roles in canonical slot order and persists them.
func (r *Registry) PrimeIdentities(ctx context.Context, roles []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, kind := range model.Kinds {
		if err := r.ids.Prime(kind, roles); err != nil {
			return fmt.Errorf("prime %s: %w", kind, err)
		}
	}
	return r.persistIdentitiesLocked(ctx)
}

// ResetIdentities clears identity state. It refuses while any record, live
// or stale, exists.
func (r *Registry) ResetIdentities(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) > 0 || len(r.stale) > 0 {
		return fmt.Errorf("reset identities: %w (%d live, %d stale)", ErrNotEmpty, len(r.records), len(r.stale))
	}
	if err := r.backend.ResetAssignments(ctx); err != nil {
		return fmt.Errorf("reset identities: %w", err)
	}
	r.ids.Reset()
	return nil
}

func (r *Registry) persistIdentitiesLocked(ctx context.Context) error {
	pending := r.ids.Drain()
	if len(pending) == 0 {
		return nil
	}
	if err := r.backend.SaveAssignments(ctx, r.ids.Snapshot().Counters, pending); err != nil {
		return fmt.Errorf("save identities: %w", err)
	}
	return nil
}

// Create allocates an id, stores the payload, and indexes the record.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*model.MediaRecord, error) {
	if !model.ValidKinds[p.Kind] {
		return nil, fmt.Errorf("create: invalid kind %q", p.Kind)
	}
	if p.Kind.HasPayload() && len(p.Payload) == 0 {
		return nil, fmt.Errorf("create %s: payload is required", p.Kind)
	}
	if !p.Kind.HasPayload() {
		if strings.TrimSpace(p.Locator) == "" {
			return nil, fmt.Errorf("create %s: locator is required", p.Kind)
		}
		if len(p.Payload) > 0 {
			return nil, fmt.Errorf("create %s: payload not allowed", p.Kind)
		}
	}

	pageID := ""
	if strings.TrimSpace(p.PageID) != "" {
		canon, _, err := identity.CanonicalRole(p.PageID)
		if err != nil {
			return nil, err
		}
		pageID = canon
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id, reused, err := r.allocateLocked(ctx, p.Kind, pageID)
	if err != nil {
		return nil, err
	}
	if _, taken := r.records[id]; taken {
		return nil, fmt.Errorf("create %s on %q: %w: %s", p.Kind, pageID, ErrDuplicateAssignment, id)
	}
	if owner, ok := r.ids.Owner(id); !ok || owner.Kind != p.Kind {
		return nil, fmt.Errorf("create %s on %q: %w: %s has no matching owner", p.Kind, pageID, ErrDuplicateAssignment, id)
	}

	now := r.now()
	rec := &model.MediaRecord{
		ID:        id,
		Kind:      p.Kind,
		PageID:    pageID,
		Locator:   strings.TrimSpace(p.Locator),
		MimeType:  p.MimeType,
		SizeBytes: int64(len(p.Payload)),
		Metadata:  copyMeta(p.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(p.Payload) > 0 {
		if rec.MimeType == "" {
			rec.MimeType = detectMime(p.Payload)
		}
		ref, err := r.backend.WritePayload(ctx, p.Payload)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", id, err)
		}
		rec.PayloadRef = ref
	}
	r.seq++
	rec.Seq = r.seq

	if err := r.backend.PutMedia(ctx, rec); err != nil {
		if rec.PayloadRef != "" {
			_ = r.backend.DeletePayload(ctx, rec.PayloadRef)
		}
		return nil, fmt.Errorf("create %s: %w", id, err)
	}
	if reused != nil && reused.PayloadRef != "" {
		if err := r.backend.DeletePayload(ctx, reused.PayloadRef); err != nil {
			r.logger.Warn("stale payload not removed", zap.String("id", id), zap.Error(err))
		}
	}
	delete(r.stale, id)
	r.records[id] = rec

	r.logger.Info("media created",
		zap.String("id", id),
		zap.String("kind", string(rec.Kind)),
		zap.String("page", rec.PageID),
		zap.Int64("bytes", rec.SizeBytes))
	out := rec.Clone()
	return &out, nil
}

// allocateLocked picks an id for a new record: the page's primary id when it
// is free (or held by a stale record of the same page), otherwise a fresh one.
// The stale record whose id is reused is returned so its payload can go.
func (r *Registry) allocateLocked(ctx context.Context, kind model.Kind, pageID string) (string, *model.MediaRecord, error) {
	var (
		id     string
		reused *model.MediaRecord
		err    error
	)
	if pageID == "" {
		id, err = r.ids.Next(kind, "")
	} else {
		id, err = r.ids.Assign(kind, pageID)
		if err == nil {
			if _, live := r.records[id]; live {
				id, err = r.ids.Next(kind, pageID)
			} else if old, ok := r.stale[id]; ok {
				if old.PageID == pageID {
					reused = old
				} else {
					id, err = r.ids.Next(kind, pageID)
				}
			}
		}
	}
	if err != nil {
		return "", nil, err
	}
	if err := r.persistIdentitiesLocked(ctx); err != nil {
		return "", nil, err
	}
	return id, reused, nil
}

// Get returns a copy of the live record with id. Absence is not an error.
func (r *Registry) Get(id string) (*model.MediaRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, false
	}
	out := rec.Clone()
	return &out, true
}

// ListForPage returns the page's records in creation order. Page aliases
// resolve to their canonical page.
func (r *Registry) ListForPage(pageID string) []model.MediaRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.MediaRecord
	for _, rec := range r.records {
		if rec.PageID != "" && identity.SameRole(rec.PageID, pageID) {
			out = append(out, rec.Clone())
		}
	}
	sortBySeq(out)
	return out
}

// List returns every live record in creation order.
func (r *Registry) List() []model.MediaRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.MediaRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	sortBySeq(out)
	return out
}

// Delete soft-deletes a record and releases its handle.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("delete %s: %w", id, ErrUnknownMedia)
	}
	if err := r.backend.RmMedia(ctx, store.RmParams{ID: id}); err != nil && !errors.Is(err, store.ErrNotFound) {
		r.mu.Unlock()
		return fmt.Errorf("delete %s: %w", id, err)
	}
	now := r.now()
	rec.DeletedAt = &now
	delete(r.records, id)
	r.stale[id] = rec
	evictor := r.evictor
	r.mu.Unlock()

	if evictor != nil {
		evictor.EvictNow(id)
	}
	r.logger.Info("media deleted", zap.String("id", id), zap.String("page", rec.PageID))
	return nil
}

// Replace swaps a record's content in place. The id never changes.
func (r *Registry) Replace(ctx context.Context, id string, p ReplaceParams) (*model.MediaRecord, error) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("replace %s: %w", id, ErrUnknownMedia)
	}
	updated := rec.Clone()
	oldRef := rec.PayloadRef

	if rec.Kind.HasPayload() {
		if len(p.Payload) > 0 {
			ref, err := r.backend.WritePayload(ctx, p.Payload)
			if err != nil {
				r.mu.Unlock()
				return nil, fmt.Errorf("replace %s: %w", id, err)
			}
			updated.PayloadRef = ref
			updated.SizeBytes = int64(len(p.Payload))
			updated.MimeType = p.MimeType
			if updated.MimeType == "" {
				updated.MimeType = detectMime(p.Payload)
			}
		}
	} else {
		if len(p.Payload) > 0 {
			r.mu.Unlock()
			return nil, fmt.Errorf("replace %s: payload not allowed for %s", id, rec.Kind)
		}
		if loc := strings.TrimSpace(p.Locator); loc != "" {
			updated.Locator = loc
		}
	}
	if len(p.Metadata) > 0 {
		if updated.Metadata == nil {
			updated.Metadata = make(map[string]any, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			if v == nil {
				delete(updated.Metadata, k)
			} else {
				updated.Metadata[k] = v
			}
		}
	}
	updated.UpdatedAt = r.now()

	if err := r.backend.PutMedia(ctx, &updated); err != nil {
		if updated.PayloadRef != oldRef {
			_ = r.backend.DeletePayload(ctx, updated.PayloadRef)
		}
		r.mu.Unlock()
		return nil, fmt.Errorf("replace %s: %w", id, err)
	}
	if updated.PayloadRef != oldRef && oldRef != "" {
		if err := r.backend.DeletePayload(ctx, oldRef); err != nil {
			r.logger.Warn("old payload not removed", zap.String("id", id), zap.Error(err))
		}
	}
	stored := updated.Clone()
	r.records[id] = &stored
	evictor := r.evictor
	r.mu.Unlock()

	// The decoded handle shows the old content.
	if evictor != nil {
		evictor.EvictNow(id)
	}
	r.logger.Info("media replaced", zap.String("id", id))
	return &updated, nil
}

// ReadPayload returns a live record and its binary content. externalVideo
// records have no payload and return nil data.
func (r *Registry) ReadPayload(ctx context.Context, id string) (model.MediaRecord, []byte, error) {
	rec, ok := r.Get(id)
	if !ok {
		return model.MediaRecord{}, nil, fmt.Errorf("read %s: %w", id, ErrUnknownMedia)
	}
	if rec.PayloadRef == "" {
		return *rec, nil, nil
	}
	data, err := r.backend.ReadPayload(ctx, rec.PayloadRef)
	if err != nil {
		return *rec, nil, fmt.Errorf("read %s: %w", id, err)
	}
	return *rec, data, nil
}

// Vacuum hard-deletes every stale record and its payload.
func (r *Registry) Vacuum(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	purged, err := r.backend.PurgeDeleted(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("vacuum: %w", err)
	}
	for _, id := range purged {
		delete(r.stale, id)
	}
	if len(purged) > 0 {
		r.logger.Info("stale media purged", zap.Strings("ids", purged))
	}
	return purged, nil
}

// Search finds live records by id, locator, or metadata text.
func (r *Registry) Search(ctx context.Context, p store.SearchParams) ([]model.MediaRecord, error) {
	if p.PageID != "" {
		if canon, _, err := identity.CanonicalRole(p.PageID); err == nil {
			p.PageID = canon
		}
	}
	return r.backend.Search(ctx, p)
}

// Stats reports storage statistics.
func (r *Registry) Stats(ctx context.Context) (*store.Stats, error) {
	return r.backend.Stats(ctx)
}

// Assignments returns the identity state, ordered by id.
func (r *Registry) Assignments() []model.Assignment {
	return r.ids.Snapshot().Assignments
}

func sortBySeq(recs []model.MediaRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
}

func copyMeta(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func detectMime(data []byte) string {
	return mimetype.Detect(data).String()
}
