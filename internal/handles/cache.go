// Package handles manages short-lived decoded media handles.
//
// A handle is a decoded, directly playable form of a record's payload (a temp
// file the preview layer can open). Handles are refcounted: Acquire and
// Release must pair up, and a handle whose count has been zero for the grace
// interval is destroyed. Decoding is coalesced per media id, so concurrent
// Acquire calls for the same id share one decode and get the same handle.
package handles

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/rcliao/coursepack/internal/logging"
	"github.com/rcliao/coursepack/internal/model"
)

var (
	// ErrMediaUnavailable means the payload could not be decoded right now.
	// Callers show a placeholder; the record itself is unaffected.
	ErrMediaUnavailable = errors.New("media temporarily unavailable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("handle cache closed")
)

// ValuePrefix starts every handle value.
const ValuePrefix = "blob:coursepack/"

// Handle is a decoded media resource.
type Handle struct {
	MediaID  string `json:"media_id"`
	Value    string `json:"value"`
	Path     string `json:"path,omitempty"`
	Source   string `json:"source,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size"`
}

// PayloadSource reads a record and its binary content. The registry
// implements it.
type PayloadSource interface {
	ReadPayload(ctx context.Context, id string) (model.MediaRecord, []byte, error)
}

// Decoder turns a payload into a handle resource and releases it again.
type Decoder interface {
	Decode(ctx context.Context, rec model.MediaRecord, payload []byte) (Handle, error)
	Release(h Handle) error
}

// Options tunes a Cache.
type Options struct {
	Grace    time.Duration // idle lifetime after the last release; 0 destroys on release
	MaxBytes int64         // decoded size budget; 0 means unbounded
	Workers  int           // preload workers
	Logger   *zap.Logger
}

type entry struct {
	handle         Handle
	refCount       int
	lastReleasedAt time.Time
	timer          *time.Timer
	gen            uint64
}

// Cache holds at most one handle per media id.
type Cache struct {
	src    PayloadSource
	dec    Decoder
	opts   Options
	logger *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	group   singleflight.Group
	decodes atomic.Int64

	mu      sync.Mutex
	entries map[string]*entry
	waiters map[string]int // foreground acquires waiting on a decode
	values  map[string]string
	epochs  map[string]uint64
	epoch   uint64
	bytes   int64
	closed  bool

	preload  *preloader
	workers  *errgroup.Group
	stopOnce sync.Once
}

// New builds a cache and starts its preload workers.
func New(src PayloadSource, dec Decoder, opts Options) *Cache {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		src:     src,
		dec:     dec,
		opts:    opts,
		logger:  logging.OrNop(opts.Logger).Named("handles"),
		baseCtx: ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
		waiters: make(map[string]int),
		values:  make(map[string]string),
		epochs:  make(map[string]uint64),
	}
	c.preload = newPreloader()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.Workers; i++ {
		g.Go(func() error { return c.runWorker(gctx) })
	}
	c.workers = g
	return c
}

// Acquire returns the handle for id, decoding it on first use, and takes a
// reference. ctx bounds only the wait; the shared decode is never cancelled
// by a caller.
func (c *Cache) Acquire(ctx context.Context, id string) (Handle, error) {
	c.preload.foregroundStart()
	defer c.preload.foregroundDone()

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return Handle{}, ErrClosed
		}
		if h, ok := c.takeLocked(id); ok {
			c.mu.Unlock()
			return h, nil
		}
		// A waiter keeps the decoded entry from being evicted for budget or
		// destroyed as idle before it takes its reference.
		c.waiters[id]++
		c.mu.Unlock()

		ch := c.group.DoChan(id, func() (any, error) { return nil, c.load(id) })
		var err error
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case res := <-ch:
			err = res.Err
		}

		c.mu.Lock()
		c.leaveLocked(id)
		if err == nil {
			if h, ok := c.takeLocked(id); ok {
				c.mu.Unlock()
				return h, nil
			}
		}
		// Nobody may take the entry now; start its idle lifetime.
		var victims []Handle
		if e, ok := c.entries[id]; ok && e.refCount == 0 && c.waiters[id] == 0 && e.timer == nil {
			victims = c.idleLocked(id, e)
		}
		c.mu.Unlock()
		c.releaseAll(victims)
		if err != nil {
			return Handle{}, err
		}
		// Evicted between the decode and the reference: decode again.
	}
}

func (c *Cache) takeLocked(id string) (Handle, bool) {
	e, ok := c.entries[id]
	if !ok {
		return Handle{}, false
	}
	e.refCount++
	c.disarmLocked(e)
	return e.handle, true
}

func (c *Cache) leaveLocked(id string) {
	if c.waiters[id] <= 1 {
		delete(c.waiters, id)
		return
	}
	c.waiters[id]--
}

// idleLocked starts the idle lifetime of an unreferenced entry: the grace
// timer, or removal right away when there is no grace.
func (c *Cache) idleLocked(id string, e *entry) []Handle {
	e.lastReleasedAt = time.Now()
	if c.opts.Grace > 0 {
		c.armLocked(id, e)
		return nil
	}
	return []Handle{c.removeLocked(id)}
}

// warm decodes id without taking a reference.
func (c *Cache) warm(id string) error {
	c.mu.Lock()
	_, ok := c.entries[id]
	c.mu.Unlock()
	if ok {
		return nil
	}
	_, err, _ := c.group.Do(id, func() (any, error) { return nil, c.load(id) })
	return err
}

func (c *Cache) load(id string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, ok := c.entries[id]; ok {
		c.mu.Unlock()
		return nil
	}
	startEpoch, startGlobal := c.epochs[id], c.epoch
	c.mu.Unlock()

	rec, payload, err := c.src.ReadPayload(c.baseCtx, id)
	if err != nil {
		c.logger.Warn("payload unavailable", zap.String("id", id), zap.Error(err))
		return fmt.Errorf("%w: %s: %v", ErrMediaUnavailable, id, err)
	}
	h, err := c.dec.Decode(c.baseCtx, rec, payload)
	if err != nil {
		c.logger.Warn("decode failed", zap.String("id", id), zap.Error(err))
		return fmt.Errorf("%w: %s: %v", ErrMediaUnavailable, id, err)
	}
	c.decodes.Add(1)
	h.MediaID = id
	if h.Value == "" {
		h.Value = ValuePrefix + uuid.NewString()
	}

	c.mu.Lock()
	if c.closed || c.epochs[id] != startEpoch || c.epoch != startGlobal {
		// Evicted while decoding: the result is already stale.
		c.mu.Unlock()
		c.releaseAll([]Handle{h})
		return fmt.Errorf("%w: %s evicted during decode", ErrMediaUnavailable, id)
	}
	e := &entry{handle: h, lastReleasedAt: time.Now()}
	c.entries[id] = e
	c.values[h.Value] = id
	c.bytes += h.Size
	victims := c.overBudgetLocked(id)
	if c.waiters[id] == 0 {
		victims = append(victims, c.idleLocked(id, e)...)
	}
	c.mu.Unlock()

	c.releaseAll(victims)
	c.logger.Debug("handle decoded",
		zap.String("id", id),
		zap.String("value", h.Value),
		zap.Int64("bytes", h.Size))
	return nil
}

// Release drops one reference. At zero the grace timer starts; releasing an
// unknown or idle handle does nothing.
func (c *Cache) Release(id string) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok || e.refCount == 0 {
		c.mu.Unlock()
		return
	}
	e.refCount--
	if e.refCount > 0 {
		c.mu.Unlock()
		return
	}
	victims := c.idleLocked(id, e)
	c.mu.Unlock()
	c.releaseAll(victims)
}

func (c *Cache) armLocked(id string, e *entry) {
	c.disarmLocked(e)
	gen := e.gen
	e.timer = time.AfterFunc(c.opts.Grace, func() { c.expire(id, gen) })
}

func (c *Cache) disarmLocked(e *entry) {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (c *Cache) expire(id string, gen uint64) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok || e.gen != gen || e.refCount > 0 {
		c.mu.Unlock()
		return
	}
	h := c.removeLocked(id)
	c.mu.Unlock()
	c.releaseAll([]Handle{h})
	c.logger.Debug("handle expired", zap.String("id", id))
}

// EvictNow destroys id's handle regardless of its refcount. A decode in
// flight for id is discarded when it finishes.
func (c *Cache) EvictNow(id string) {
	c.mu.Lock()
	c.epochs[id]++
	if _, ok := c.entries[id]; !ok {
		c.mu.Unlock()
		return
	}
	h := c.removeLocked(id)
	c.mu.Unlock()
	c.releaseAll([]Handle{h})
	c.logger.Debug("handle evicted", zap.String("id", id))
}

// EvictAll destroys every handle.
func (c *Cache) EvictAll() {
	c.mu.Lock()
	c.epoch++
	victims := make([]Handle, 0, len(c.entries))
	for id := range c.entries {
		victims = append(victims, c.removeLocked(id))
	}
	c.mu.Unlock()
	c.releaseAll(victims)
	if len(victims) > 0 {
		c.logger.Debug("handles evicted", zap.Int("count", len(victims)))
	}
}

func (c *Cache) removeLocked(id string) Handle {
	e := c.entries[id]
	c.disarmLocked(e)
	delete(c.entries, id)
	c.bytes -= e.handle.Size
	return e.handle
}

// overBudgetLocked evicts idle handles, longest-idle first, until the cache
// fits its budget. keep and entries with waiters are never chosen.
func (c *Cache) overBudgetLocked(keep string) []Handle {
	if c.opts.MaxBytes <= 0 || c.bytes <= c.opts.MaxBytes {
		return nil
	}
	type idle struct {
		id string
		at time.Time
	}
	var candidates []idle
	for id, e := range c.entries {
		if id != keep && e.refCount == 0 && c.waiters[id] == 0 {
			candidates = append(candidates, idle{id: id, at: e.lastReleasedAt})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].at.Before(candidates[j].at) })

	var victims []Handle
	for _, cand := range candidates {
		if c.bytes <= c.opts.MaxBytes {
			break
		}
		victims = append(victims, c.removeLocked(cand.id))
	}
	if c.bytes > c.opts.MaxBytes {
		c.logger.Debug("handle budget exceeded by referenced handles",
			zap.Int64("bytes", c.bytes),
			zap.Int64("max", c.opts.MaxBytes))
	}
	return victims
}

func (c *Cache) releaseAll(hs []Handle) {
	for _, h := range hs {
		if err := c.dec.Release(h); err != nil {
			c.logger.Warn("handle release failed", zap.String("id", h.MediaID), zap.Error(err))
		}
	}
}

// MediaIDForValue maps a handle value issued this session back to its media id.
func (c *Cache) MediaIDForValue(value string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.values[value]
	return id, ok
}

// Stats describes the cache contents.
type Stats struct {
	Handles   int            `json:"handles"`
	Bytes     int64          `json:"bytes"`
	MaxBytes  int64          `json:"max_bytes"`
	RefCounts map[string]int `json:"ref_counts"`
	Decodes   int64          `json:"decodes"`
	Queued    int            `json:"queued"`
}

// Stats returns a snapshot of the cache.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	st := Stats{
		Handles:   len(c.entries),
		Bytes:     c.bytes,
		MaxBytes:  c.opts.MaxBytes,
		RefCounts: make(map[string]int, len(c.entries)),
		Decodes:   c.decodes.Load(),
	}
	for id, e := range c.entries {
		st.RefCounts[id] = e.refCount
	}
	c.mu.Unlock()
	st.Queued = c.preload.queued()
	return st
}

// Close cancels preloading, destroys every handle, and stops the workers.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() {
		c.CancelPreload()
		c.preload.close()
		c.cancel()
		_ = c.workers.Wait()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.EvictAll()
	})
	return nil
}
