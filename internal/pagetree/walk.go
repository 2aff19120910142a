// Package pagetree walks and rewrites the authoring document's page tree.
//
// Media references may sit at any depth (a gallery inside a group inside a
// page), so every operation here is a recursive visit over tagged nodes rather
// than a match on known shapes.
package pagetree

import (
	"regexp"
	"strings"

	"github.com/rcliao/coursepack/internal/model"
)

// HandlePrefix starts every ephemeral handle value.
const HandlePrefix = "blob:"

var rawIDPattern = regexp.MustCompile(`^(image|audio|video|caption|externalVideo)-\d+$`)

// IsRawID reports whether s is a bare registry id such as "image-3".
func IsRawID(s string) bool { return rawIDPattern.MatchString(strings.TrimSpace(s)) }

// IsHandleValue reports whether s is an ephemeral handle value. Handle values
// are session-local and never survive a reload.
func IsHandleValue(s string) bool { return strings.HasPrefix(strings.TrimSpace(s), HandlePrefix) }

// NodeMediaID returns the registry id n references: its MediaID, else a bare
// id left in Src. Handle values and paths yield "".
func NodeMediaID(n *model.Node) string {
	if n == nil {
		return ""
	}
	if n.MediaID != "" {
		return n.MediaID
	}
	if IsRawID(n.Src) {
		return strings.TrimSpace(n.Src)
	}
	return ""
}

// Visitor is called for every node in depth-first, document order. Returning
// false skips the node's children.
type Visitor func(page *model.Page, node *model.Node) bool

// Walk visits every node of every page.
func Walk(tree *model.PageTree, fn Visitor) {
	if tree == nil {
		return
	}
	for _, page := range tree.Pages {
		WalkPage(page, fn)
	}
}

// WalkPage visits every node of one page.
func WalkPage(page *model.Page, fn Visitor) {
	if page == nil {
		return
	}
	walkNodes(page, page.Nodes, fn)
}

func walkNodes(page *model.Page, nodes []*model.Node, fn Visitor) {
	for _, n := range nodes {
		if n == nil {
			continue
		}
		if fn(page, n) {
			walkNodes(page, n.Children, fn)
		}
	}
}

// Filter removes every node for which keep returns false, at any depth, and
// reports how many nodes were dropped. Children of a dropped node go with it.
func Filter(page *model.Page, keep func(*model.Node) bool) int {
	if page == nil {
		return 0
	}
	var dropped int
	page.Nodes = filterNodes(page.Nodes, keep, &dropped)
	return dropped
}

func filterNodes(nodes []*model.Node, keep func(*model.Node) bool, dropped *int) []*model.Node {
	if len(nodes) == 0 {
		return nodes
	}
	out := nodes[:0]
	for _, n := range nodes {
		if n == nil {
			continue
		}
		if !keep(n) {
			*dropped++
			continue
		}
		n.Children = filterNodes(n.Children, keep, dropped)
		out = append(out, n)
	}
	// Clear the tail so dropped nodes are not retained by the backing array.
	for i := len(out); i < len(nodes); i++ {
		nodes[i] = nil
	}
	return out
}

// MediaIDs returns the page's media index: registry ids referenced anywhere in
// the page, in document order, without duplicates.
func MediaIDs(page *model.Page) []string {
	var ids []string
	seen := map[string]bool{}
	WalkPage(page, func(_ *model.Page, n *model.Node) bool {
		if id := NodeMediaID(n); id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

// References reports whether the page references id anywhere.
func References(page *model.Page, id string) bool {
	found := false
	WalkPage(page, func(_ *model.Page, n *model.Node) bool {
		if NodeMediaID(n) == id {
			found = true
		}
		return !found
	})
	return found
}

// AppendMedia adds a top-level media node for id to the page.
func AppendMedia(page *model.Page, id string) {
	page.Nodes = append(page.Nodes, &model.Node{Type: model.NodeMedia, MediaID: id})
}

// Clone deep-copies a tree.
func Clone(tree *model.PageTree) *model.PageTree {
	if tree == nil {
		return nil
	}
	out := &model.PageTree{Title: tree.Title, Pages: make([]*model.Page, 0, len(tree.Pages))}
	for _, p := range tree.Pages {
		out.Pages = append(out.Pages, ClonePage(p))
	}
	return out
}

// ClonePage deep-copies one page.
func ClonePage(p *model.Page) *model.Page {
	if p == nil {
		return nil
	}
	return &model.Page{ID: p.ID, Title: p.Title, Nodes: cloneNodes(p.Nodes)}
}

func cloneNodes(nodes []*model.Node) []*model.Node {
	if nodes == nil {
		return nil
	}
	out := make([]*model.Node, 0, len(nodes))
	for _, n := range nodes {
		if n == nil {
			continue
		}
		cp := *n
		if n.Attrs != nil {
			cp.Attrs = make(map[string]string, len(n.Attrs))
			for k, v := range n.Attrs {
				cp.Attrs[k] = v
			}
		}
		cp.Children = cloneNodes(n.Children)
		out = append(out, &cp)
	}
	return out
}
