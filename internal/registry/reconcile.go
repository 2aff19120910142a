package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/rcliao/coursepack/internal/identity"
	"github.com/rcliao/coursepack/internal/model"
	"github.com/rcliao/coursepack/internal/pagetree"
	"github.com/rcliao/coursepack/internal/store"
)

// ReconcileResult lists what a reconcile pass stripped from the tree.
type ReconcileResult struct {
	// Removed holds orphan ids (no live record), in document order.
	Removed []string `json:"removed"`
	// Misplaced holds ids of live records referenced from a page other than
	// the one that owns them. The record itself is untouched.
	Misplaced []string `json:"misplaced"`
	// Claimed holds unowned records that a page referenced and now owns.
	Claimed []string `json:"claimed,omitempty"`
	// Expired holds handle values no live handle backs. They are stripped.
	Expired []string `json:"expired,omitempty"`
	// Normalized holds ids whose references sat in Src (a bare id or a
	// handle value) and were rewritten to MediaID.
	Normalized []string `json:"normalized,omitempty"`
}

// Changed reports whether the pass touched the tree.
func (r ReconcileResult) Changed() bool {
	return len(r.Removed)+len(r.Misplaced)+len(r.Claimed)+len(r.Expired)+len(r.Normalized) > 0
}

// InjectResult lists references added by an inject pass.
type InjectResult struct {
	Injected []string `json:"injected"`
}

// RepairResult combines a reconcile pass and the inject pass after it.
type RepairResult struct {
	ReconcileResult
	Injected []string `json:"injected"`
}

// Changed reports whether the repair touched the tree.
func (r RepairResult) Changed() bool {
	return r.ReconcileResult.Changed() || len(r.Injected) > 0
}

// Reconcile strips every reference in tree that no live record backs, at
// any depth, and purges stale storage rows those references pointed at.
// References are read from MediaID or from Src (a bare id, or a handle value
// the cache still knows); kept Src references are rewritten to MediaID so
// they survive a reload. Running it on a consistent tree changes nothing.
func (r *Registry) Reconcile(ctx context.Context, tree *model.PageTree) (ReconcileResult, error) {
	res := ReconcileResult{Removed: []string{}, Misplaced: []string{}}
	if tree == nil {
		return res, nil
	}

	r.mu.Lock()
	lookup, _ := r.evictor.(ValueLookup)
	removedSeen := map[string]bool{}
	misplacedSeen := map[string]bool{}
	normalizedSeen := map[string]bool{}
	var claims []*model.MediaRecord
	for _, page := range tree.Pages {
		if page == nil {
			continue
		}
		dropped := pagetree.Filter(page, func(n *model.Node) bool {
			id, fromSrc := n.MediaID, false
			if id == "" {
				src := strings.TrimSpace(n.Src)
				switch {
				case pagetree.IsHandleValue(src):
					var ok bool
					if lookup != nil {
						id, ok = lookup.MediaIDForValue(src)
					}
					if !ok {
						res.Expired = append(res.Expired, src)
						return false
					}
				case pagetree.IsRawID(src):
					id = src
				default:
					return true
				}
				fromSrc = true
			}

			rec, ok := r.records[id]
			switch {
			case !ok:
				if !removedSeen[id] {
					removedSeen[id] = true
					res.Removed = append(res.Removed, id)
				}
				return false
			case rec.PageID == "":
				if canon, _, err := identity.CanonicalRole(page.ID); err == nil {
					rec.PageID = canon
					claims = append(claims, rec)
				}
			case !identity.SameRole(rec.PageID, page.ID):
				if !misplacedSeen[id] {
					misplacedSeen[id] = true
					res.Misplaced = append(res.Misplaced, id)
				}
				return false
			}
			if fromSrc {
				n.MediaID, n.Src = id, ""
				if !normalizedSeen[id] {
					normalizedSeen[id] = true
					res.Normalized = append(res.Normalized, id)
				}
			}
			return true
		})
		if dropped > 0 {
			r.logger.Info("media references repaired",
				zap.String("page", page.ID),
				zap.Int("dropped", dropped))
		}
	}

	var firstErr error
	for _, rec := range claims {
		prev := rec.UpdatedAt
		rec.UpdatedAt = r.now()
		if err := r.backend.PutMedia(ctx, rec); err != nil {
			// Memory follows storage: the record stays unowned.
			rec.PageID, rec.UpdatedAt = "", prev
			if firstErr == nil {
				firstErr = fmt.Errorf("claim %s: %w", rec.ID, err)
			}
			continue
		}
		res.Claimed = append(res.Claimed, rec.ID)
	}
	for _, id := range res.Removed {
		if _, ok := r.stale[id]; !ok {
			continue
		}
		if err := r.backend.RmMedia(ctx, store.RmParams{ID: id, Hard: true}); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("purge %s: %w", id, err)
			continue
		}
		delete(r.stale, id)
		r.logger.Info("stale media purged", zap.String("id", id))
	}
	evictor := r.evictor
	r.mu.Unlock()

	if evictor != nil {
		for _, id := range res.Removed {
			evictor.EvictNow(id)
		}
	}
	if len(res.Removed) > 0 {
		r.logger.Info("orphan media references removed", zap.Strings("ids", res.Removed))
	}
	if len(res.Misplaced) > 0 {
		r.logger.Info("misplaced media references removed", zap.Strings("ids", res.Misplaced))
	}
	if len(res.Expired) > 0 {
		r.logger.Info("expired handle references removed", zap.Int("count", len(res.Expired)))
	}
	return res, firstErr
}

// Inject appends a reference for every live record that its page does not
// reference yet. Records are matched to pages by PageID; unowned records fall
// back to their pageHint metadata, compared with page ids (aliases resolve)
// and page titles (case-insensitive). A hinted record goes to the first
// matching page in document order and is claimed by it.
func (r *Registry) Inject(ctx context.Context, tree *model.PageTree) (InjectResult, error) {
	res := InjectResult{Injected: []string{}}
	if tree == nil {
		return res, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ordered := make([]*model.MediaRecord, 0, len(r.records))
	for _, rec := range r.records {
		ordered = append(ordered, rec)
	}
	sortRecordsBySeq(ordered)

	var firstErr error
	for _, rec := range ordered {
		var page *model.Page
		if rec.PageID != "" {
			page = findPage(tree, func(p *model.Page) bool { return identity.SameRole(rec.PageID, p.ID) })
		} else if hint := rec.MetaString(model.MetaPageHint); hint != "" {
			page = findPage(tree, func(p *model.Page) bool {
				return identity.SameRole(hint, p.ID) || strings.EqualFold(hint, strings.TrimSpace(p.Title))
			})
			if page == nil {
				continue
			}
			canon, _, err := identity.CanonicalRole(page.ID)
			if err != nil {
				continue
			}
			rec.PageID = canon
			rec.UpdatedAt = r.now()
			if err := r.backend.PutMedia(ctx, rec); err != nil {
				rec.PageID = ""
				if firstErr == nil {
					firstErr = fmt.Errorf("claim %s: %w", rec.ID, err)
				}
				continue
			}
			r.logger.Info("unowned media claimed by hint",
				zap.String("id", rec.ID),
				zap.String("hint", hint),
				zap.String("page", page.ID))
		}
		if page == nil || pagetree.References(page, rec.ID) {
			continue
		}
		pagetree.AppendMedia(page, rec.ID)
		res.Injected = append(res.Injected, rec.ID)
	}
	if len(res.Injected) > 0 {
		r.logger.Info("missing media references injected", zap.Strings("ids", res.Injected))
	}
	return res, firstErr
}

// Repair reconciles first and injects second, so no record is both dropped
// and re-added in one pass.
func (r *Registry) Repair(ctx context.Context, tree *model.PageTree) (RepairResult, error) {
	rec, err := r.Reconcile(ctx, tree)
	if err != nil {
		return RepairResult{ReconcileResult: rec}, err
	}
	inj, err := r.Inject(ctx, tree)
	return RepairResult{ReconcileResult: rec, Injected: inj.Injected}, err
}

func findPage(tree *model.PageTree, match func(*model.Page) bool) *model.Page {
	for _, p := range tree.Pages {
		if p != nil && match(p) {
			return p
		}
	}
	return nil
}

func sortRecordsBySeq(recs []*model.MediaRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
}
