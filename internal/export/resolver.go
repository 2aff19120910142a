// Package export resolves an authoring page tree into a self-contained
// bundle: every in-app reference becomes a stable relative path, each media
// id contributes exactly one entry, and nothing session-local leaks out.
package export

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/rcliao/coursepack/internal/logging"
	"github.com/rcliao/coursepack/internal/model"
	"github.com/rcliao/coursepack/internal/pagetree"
)

var (
	// ErrUnresolvableMediaReference matches an *UnresolvedError.
	ErrUnresolvableMediaReference = errors.New("unresolvable media reference")
	// ErrLeakedReference means a resolved bundle still holds an in-app locator.
	ErrLeakedReference = errors.New("in-app reference left in export")
)

// IsHandleValue reports whether s looks like an ephemeral handle value.
func IsHandleValue(s string) bool { return pagetree.IsHandleValue(s) }

// IsRawID reports whether s looks like a bare registry id.
func IsRawID(s string) bool { return pagetree.IsRawID(s) }

// Unresolved is one reference the resolver could not map to a record.
type Unresolved struct {
	PageID    string `json:"page_id"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

// UnresolvedError lists every unresolved reference of a failed export.
type UnresolvedError struct {
	Refs []Unresolved
}

func (e *UnresolvedError) Error() string {
	parts := make([]string, 0, len(e.Refs))
	for _, r := range e.Refs {
		parts = append(parts, fmt.Sprintf("%s on %s (%s)", r.Reference, r.PageID, r.Reason))
	}
	return fmt.Sprintf("%s: %d unresolved: %s", ErrUnresolvableMediaReference, len(e.Refs), strings.Join(parts, "; "))
}

// Is lets errors.Is match ErrUnresolvableMediaReference.
func (e *UnresolvedError) Is(target error) bool {
	return target == ErrUnresolvableMediaReference
}

// Source is the registry view the resolver reads from.
type Source interface {
	Get(id string) (*model.MediaRecord, bool)
	ReadPayload(ctx context.Context, id string) (model.MediaRecord, []byte, error)
}

// HandleLookup maps handle values back to media ids.
type HandleLookup interface {
	MediaIDForValue(value string) (string, bool)
}

// Options configures a Resolver.
type Options struct {
	MediaDir string       // bundle directory for media files, "media" by default
	Handles  HandleLookup // optional
	Logger   *zap.Logger
}

// Resolver turns page trees into bundles.
type Resolver struct {
	src      Source
	handles  HandleLookup
	mediaDir string
	logger   *zap.Logger
}

// NewResolver returns a resolver reading records from src.
func NewResolver(src Source, opts Options) *Resolver {
	dir := strings.Trim(strings.TrimSpace(opts.MediaDir), "/")
	if dir == "" {
		dir = "media"
	}
	return &Resolver{
		src:      src,
		handles:  opts.Handles,
		mediaDir: dir,
		logger:   logging.OrNop(opts.Logger).Named("export"),
	}
}

type ref struct {
	node   *model.Node
	pageID string
	id     string
}

// Resolve builds a bundle from a deep copy of tree. Any reference that
// cannot be resolved fails the whole export with an *UnresolvedError.
func (r *Resolver) Resolve(ctx context.Context, tree *model.PageTree) (*model.Bundle, error) {
	if tree == nil {
		return nil, errors.New("resolve: nil page tree")
	}
	out := pagetree.Clone(tree)

	var (
		refs       []ref
		unresolved []Unresolved
		records    = map[string]model.MediaRecord{}
		firstPage  = map[string]int{}
		stable     = map[string]string{}
		used       = map[string]string{}
	)
	for pageIdx, page := range out.Pages {
		pagetree.WalkPage(page, func(p *model.Page, n *model.Node) bool {
			if !n.IsMedia() {
				return true
			}
			id, reason := r.identify(n)
			if id == "" {
				if reason != "" {
					unresolved = append(unresolved, Unresolved{PageID: p.ID, Reference: reference(n), Reason: reason})
				} else if r.isStablePath(n.Src) {
					// Bundled by someone else; derived names must avoid it.
					used[n.Src] = ""
				}
				return true
			}
			rec, ok := r.src.Get(id)
			if !ok {
				unresolved = append(unresolved, Unresolved{PageID: p.ID, Reference: id, Reason: "no media record"})
				return true
			}
			records[id] = *rec
			if _, seen := firstPage[id]; !seen {
				firstPage[id] = pageIdx
			}
			if r.isStablePath(n.Src) {
				if _, ok := stable[id]; !ok {
					stable[id] = n.Src
				}
			}
			refs = append(refs, ref{node: n, pageID: p.ID, id: id})
			return true
		})
	}
	if len(unresolved) > 0 {
		err := &UnresolvedError{Refs: unresolved}
		r.logger.Error("export failed", zap.Int("unresolved", len(unresolved)), zap.Error(err))
		return nil, err
	}

	order := make([]string, 0, len(records))
	for id := range records {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if firstPage[a] != firstPage[b] {
			return firstPage[a] < firstPage[b]
		}
		if records[a].Seq != records[b].Seq {
			return records[a].Seq < records[b].Seq
		}
		return a < b
	})

	bundle := &model.Bundle{Title: out.Title, Pages: out.Pages, Entries: make([]model.ExportEntry, 0, len(order))}
	paths := map[string]string{}
	clips := map[string]Clip{}
	for _, id := range order {
		rec := records[id]
		entry := model.ExportEntry{
			MediaID:  id,
			Kind:     rec.Kind,
			MimeType: rec.MimeType,
			Metadata: cloneMeta(rec.Metadata),
		}
		if rec.Kind == model.KindExternalVideo {
			source, clip := ResolveClip(rec)
			entry.SourceURL = source
			clips[id] = clip
			if entry.Metadata == nil {
				entry.Metadata = map[string]any{}
			}
			if clip.Start != nil {
				entry.Metadata[model.MetaClipStart] = *clip.Start
			}
			if clip.End != nil {
				entry.Metadata[model.MetaClipEnd] = *clip.End
			}
			paths[id] = source
		} else {
			p := r.assignPath(rec, stable[id], used)
			entry.RelativePath = p
			paths[id] = p
			_, data, err := r.src.ReadPayload(ctx, id)
			if err != nil {
				unresolved = append(unresolved, Unresolved{PageID: rec.PageID, Reference: id, Reason: "payload unreadable: " + err.Error()})
				continue
			}
			entry.Payload = data
		}
		delete(entry.Metadata, model.MetaPageHint)
		if len(entry.Metadata) == 0 {
			entry.Metadata = nil
		}
		bundle.Entries = append(bundle.Entries, entry)
	}
	if len(unresolved) > 0 {
		err := &UnresolvedError{Refs: unresolved}
		r.logger.Error("export failed", zap.Int("unresolved", len(unresolved)), zap.Error(err))
		return nil, err
	}

	for _, rf := range refs {
		rf.node.Src = paths[rf.id]
		rf.node.MediaID = ""
		if clip, ok := clips[rf.id]; ok {
			setClipAttrs(rf.node, clip)
		}
	}

	if err := r.check(bundle); err != nil {
		r.logger.Error("export failed", zap.Error(err))
		return nil, err
	}
	r.logger.Info("export resolved",
		zap.Int("pages", len(bundle.Pages)),
		zap.Int("entries", len(bundle.Entries)))
	return bundle, nil
}

// identify finds the media id a node points at. An empty id with an empty
// reason means the node carries a reference the resolver leaves alone.
func (r *Resolver) identify(n *model.Node) (string, string) {
	if id := pagetree.NodeMediaID(n); id != "" {
		return id, ""
	}
	src := strings.TrimSpace(n.Src)
	if IsHandleValue(src) {
		if r.handles != nil {
			if id, ok := r.handles.MediaIDForValue(src); ok {
				return id, ""
			}
		}
		return "", "unknown handle value"
	}
	return "", ""
}

func (r *Resolver) isStablePath(src string) bool {
	src = strings.TrimSpace(src)
	prefix := r.mediaDir + "/"
	if !strings.HasPrefix(src, prefix) || len(src) == len(prefix) {
		return false
	}
	clean := path.Clean(src)
	return clean == src && !strings.Contains(src, "..") && !IsRawID(path.Base(src))
}

func (r *Resolver) assignPath(rec model.MediaRecord, stable string, used map[string]string) string {
	if stable != "" {
		if owner, taken := used[stable]; !taken || owner == rec.ID {
			used[stable] = rec.ID
			return stable
		}
	}
	p := path.Join(r.mediaDir, DerivedFilename(rec))
	if owner, taken := used[p]; taken && owner != rec.ID {
		p = path.Join(r.mediaDir, withSuffix(path.Base(p), rec.ID))
	}
	// A suffixed name could still collide with a literal original filename.
	for i := 2; ; i++ {
		owner, taken := used[p]
		if !taken || owner == rec.ID {
			break
		}
		p = path.Join(r.mediaDir, withSuffix(DerivedFilename(rec), rec.ID+"-"+strconv.Itoa(i)))
	}
	used[p] = rec.ID
	return p
}

// check rejects bundles that still carry handle values or raw ids.
func (r *Resolver) check(b *model.Bundle) error {
	var leaks []string
	for _, e := range b.Entries {
		if IsHandleValue(e.RelativePath) || IsRawID(e.RelativePath) || IsRawID(path.Base(e.RelativePath)) {
			leaks = append(leaks, e.RelativePath)
		}
	}
	for _, page := range b.Pages {
		pagetree.WalkPage(page, func(_ *model.Page, n *model.Node) bool {
			for _, s := range []string{n.Src, n.MediaID} {
				if IsHandleValue(s) || IsRawID(s) {
					leaks = append(leaks, s)
				}
			}
			for _, v := range n.Attrs {
				if IsHandleValue(v) || IsRawID(v) {
					leaks = append(leaks, v)
				}
			}
			return true
		})
	}
	if len(leaks) > 0 {
		return fmt.Errorf("%w: %s", ErrLeakedReference, strings.Join(leaks, ", "))
	}
	return nil
}

func setClipAttrs(n *model.Node, clip Clip) {
	if clip.Start == nil && clip.End == nil {
		return
	}
	if n.Attrs == nil {
		n.Attrs = map[string]string{}
	}
	if clip.Start != nil {
		n.Attrs[model.MetaClipStart] = strconv.Itoa(*clip.Start)
	}
	if clip.End != nil {
		n.Attrs[model.MetaClipEnd] = strconv.Itoa(*clip.End)
	}
}

func reference(n *model.Node) string {
	if n.MediaID != "" {
		return n.MediaID
	}
	return n.Src
}

func cloneMeta(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
