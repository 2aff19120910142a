// Package project wires one authoring session: lock, storage, registry,
// handle cache, and export resolver over a project directory.
package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rcliao/coursepack/internal/config"
	"github.com/rcliao/coursepack/internal/export"
	"github.com/rcliao/coursepack/internal/handles"
	"github.com/rcliao/coursepack/internal/identity"
	"github.com/rcliao/coursepack/internal/logging"
	"github.com/rcliao/coursepack/internal/model"
	"github.com/rcliao/coursepack/internal/pagetree"
	"github.com/rcliao/coursepack/internal/registry"
	"github.com/rcliao/coursepack/internal/store"
)

var (
	// ErrProjectLocked means another process has the project open.
	ErrProjectLocked = errors.New("project is open in another process")
	// ErrProjectExists is returned by Init when a course document exists.
	ErrProjectExists = errors.New("project already initialized")
	// ErrUnknownPage is returned for page ids missing from the document.
	ErrUnknownPage = errors.New("page not in document")
)

const lockFileName = ".coursepack.lock"

// Project is an open authoring session.
type Project struct {
	SessionID string

	cfg      *config.Config
	logger   *zap.Logger
	lock     *flock.Flock
	store    *store.SQLiteStore
	doc      pagetree.Document
	registry *registry.Registry
	cache    *handles.Cache
	decoder  *handles.FileDecoder
	resolver *export.Resolver

	mu   sync.Mutex
	tree *model.PageTree
}

// Open locks the project directory, loads the registry and document, and
// repairs the document against the registry.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Project, err error) {
	logger = logging.OrNop(logger)
	dir := cfg.Project.Dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectLocked, dir)
	}

	p := &Project{
		SessionID: uuid.NewString(),
		cfg:       cfg,
		lock:      lock,
		doc:       pagetree.NewFileDocument(cfg.DocumentPath()),
	}
	p.logger = logger.With(zap.String("session", p.SessionID))
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	p.store, err = store.NewSQLiteStore(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	p.registry = registry.New(p.store, p.logger)
	if err = p.registry.Load(ctx); err != nil {
		return nil, err
	}
	p.tree, err = p.doc.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err = p.primeIdentities(ctx); err != nil {
		return nil, err
	}

	p.decoder, err = handles.NewFileDecoder(cfg.Cache.TempDir, cfg.Cache.PreviewMaxPx)
	if err != nil {
		return nil, err
	}
	p.cache = handles.New(p.registry, p.decoder, handles.Options{
		Grace:    cfg.GraceInterval(),
		MaxBytes: cfg.MaxBytes(),
		Workers:  cfg.Preload.Workers,
		Logger:   p.logger,
	})
	p.registry.SetEvictor(p.cache)
	p.resolver = export.NewResolver(p.registry, export.Options{
		MediaDir: cfg.Export.MediaDir,
		Handles:  p.cache,
		Logger:   p.logger,
	})

	if _, err = p.Repair(ctx); err != nil {
		return nil, err
	}
	p.logger.Info("project opened",
		zap.String("dir", dir),
		zap.Int("pages", len(p.tree.Pages)),
		zap.Int("media", len(p.registry.List())))
	return p, nil
}

// Init creates a fresh project with the canonical page skeleton. Identity
// state starts over, so it refuses when a document already exists.
func Init(ctx context.Context, cfg *config.Config, title string, topics int, logger *zap.Logger) (*Project, error) {
	if topics < 0 {
		return nil, fmt.Errorf("init: topics must be >= 0")
	}
	if _, err := os.Stat(cfg.DocumentPath()); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrProjectExists, cfg.DocumentPath())
	}
	p, err := Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := p.registry.ResetIdentities(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("init: %w", err)
	}
	p.mu.Lock()
	p.tree = pagetree.NewCourse(title, topics)
	err = p.primeIdentities(ctx)
	if err == nil {
		err = p.doc.Save(ctx, p.tree)
	}
	p.mu.Unlock()
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("init: %w", err)
	}
	p.logger.Info("project initialized", zap.String("title", title), zap.Int("topics", topics))
	return p, nil
}

// primeIdentities assigns primary ids for every canonical page in the
// document. Pages outside the canonical slots carry no media ids.
func (p *Project) primeIdentities(ctx context.Context) error {
	var roles []string
	for _, id := range pagetree.PageIDs(p.tree) {
		if _, _, err := identity.CanonicalRole(id); err != nil {
			p.logger.Debug("page has no canonical slot", zap.String("page", id))
			continue
		}
		roles = append(roles, id)
	}
	return p.registry.PrimeIdentities(ctx, roles)
}

// Config returns the session configuration.
func (p *Project) Config() *config.Config { return p.cfg }

// Registry returns the media registry.
func (p *Project) Registry() *registry.Registry { return p.registry }

// Cache returns the handle cache.
func (p *Project) Cache() *handles.Cache { return p.cache }

// Tree returns a copy of the current document.
func (p *Project) Tree() *model.PageTree {
	p.mu.Lock()
	defer p.mu.Unlock()
	return pagetree.Clone(p.tree)
}

// Repair reconciles the document against the registry, then injects
// missing references, saving the document when anything changed.
func (p *Project) Repair(ctx context.Context) (registry.RepairResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, err := p.registry.Repair(ctx, p.tree)
	if err != nil {
		return res, err
	}
	if res.Changed() {
		if err := p.doc.Save(ctx, p.tree); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Add creates a record and references it from its page.
func (p *Project) Add(ctx context.Context, params registry.CreateParams) (*model.MediaRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var page *model.Page
	if params.PageID != "" {
		for _, pg := range p.tree.Pages {
			if identity.SameRole(pg.ID, params.PageID) {
				page = pg
				break
			}
		}
		if page == nil {
			return nil, fmt.Errorf("add: %w: %s", ErrUnknownPage, params.PageID)
		}
	}
	rec, err := p.registry.Create(ctx, params)
	if err != nil {
		return nil, err
	}
	if page == nil {
		return rec, nil
	}
	pagetree.AppendMedia(page, rec.ID)
	if err := p.doc.Save(ctx, p.tree); err != nil {
		return rec, err
	}
	return rec, nil
}

// Remove deletes a record and drops its references from the document.
func (p *Project) Remove(ctx context.Context, id string) (registry.ReconcileResult, error) {
	if err := p.registry.Delete(ctx, id); err != nil {
		return registry.ReconcileResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	res, err := p.registry.Reconcile(ctx, p.tree)
	if err != nil {
		return res, err
	}
	if res.Changed() {
		if err := p.doc.Save(ctx, p.tree); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Export resolves the document and writes the bundle to dir. Dangling
// references fail the export rather than being repaired.
func (p *Project) Export(ctx context.Context, dir string) (*export.Manifest, error) {
	tree := p.Tree()
	bundle, err := p.resolver.Resolve(ctx, tree)
	if err != nil {
		return nil, err
	}
	return export.WriteDir(bundle, dir)
}

// Resolve builds the export bundle without writing it.
func (p *Project) Resolve(ctx context.Context) (*model.Bundle, error) {
	return p.resolver.Resolve(ctx, p.Tree())
}

// WarmUp is the result of warming a page.
type WarmUp struct {
	Page        string           `json:"page"`
	Handles     []handles.Handle `json:"handles"`
	Unavailable []string         `json:"unavailable,omitempty"`
	Scheduled   int              `json:"scheduled"`
}

// WarmUp acquires the critical-path media (the page and its neighbours)
// and schedules the rest for background preload after the configured delay.
// The caller owns one reference on every returned handle.
func (p *Project) WarmUp(ctx context.Context, page string) (*WarmUp, error) {
	tree := p.Tree()
	if tree.Page(page) == nil {
		return nil, fmt.Errorf("warm up: %w: %s", ErrUnknownPage, page)
	}
	plan := handles.PlanPreload(tree, page, p.cfg.Preload.AdjacentPages)

	res := &WarmUp{Page: page}
	var background handles.Plan
	for _, req := range plan {
		if req.Priority == handles.PriorityBackground {
			background = append(background, req)
			continue
		}
		h, err := p.cache.Acquire(ctx, req.MediaID)
		switch {
		case errors.Is(err, handles.ErrMediaUnavailable):
			res.Unavailable = append(res.Unavailable, req.MediaID)
		case err != nil:
			p.ReleaseAll(res.Handles)
			return nil, err
		default:
			res.Handles = append(res.Handles, h)
		}
	}
	p.cache.Schedule(background, p.cfg.PreloadDelay())
	res.Scheduled = len(background)
	return res, nil
}

// ReleaseAll drops one reference on each handle.
func (p *Project) ReleaseAll(hs []handles.Handle) {
	for _, h := range hs {
		p.cache.Release(h.MediaID)
	}
}

// Close stops background work, releases every handle, and unlocks.
func (p *Project) Close() error {
	var errs []error
	if p.cache != nil {
		errs = append(errs, p.cache.Close())
	}
	if p.decoder != nil {
		errs = append(errs, p.decoder.Close())
	}
	if p.store != nil {
		errs = append(errs, p.store.Close())
	}
	if p.lock != nil {
		errs = append(errs, p.lock.Unlock())
	}
	if p.logger != nil {
		p.logger.Debug("project closed")
	}
	return errors.Join(errs...)
}
