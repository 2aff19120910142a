package model

// Node types used by the authoring document. Media-bearing nodes may appear
// at any depth; the type only hints at presentation.
const (
	NodeText    = "text"
	NodeMedia   = "media"
	NodeGallery = "gallery"
	NodeGroup   = "group"
)

// PageTree is the document's ordered list of pages.
type PageTree struct {
	Title string  `yaml:"title" json:"title"`
	Pages []*Page `yaml:"pages" json:"pages"`
}

// Page is one page of the course. ID is the page role token
// (welcome, objectives, topic-N).
type Page struct {
	ID    string  `yaml:"id" json:"id"`
	Title string  `yaml:"title,omitempty" json:"title,omitempty"`
	Nodes []*Node `yaml:"nodes,omitempty" json:"nodes,omitempty"`
}

// Node is a tagged content node. A node references media through MediaID
// (registry id) and/or Src (in-app locator or stable bundle path).
type Node struct {
	Type     string            `yaml:"type" json:"type"`
	MediaID  string            `yaml:"mediaId,omitempty" json:"mediaId,omitempty"`
	Src      string            `yaml:"src,omitempty" json:"src,omitempty"`
	Text     string            `yaml:"text,omitempty" json:"text,omitempty"`
	Attrs    map[string]string `yaml:"attrs,omitempty" json:"attrs,omitempty"`
	Children []*Node           `yaml:"children,omitempty" json:"children,omitempty"`
}

// IsMedia reports whether the node carries a media reference.
func (n *Node) IsMedia() bool {
	return n != nil && (n.MediaID != "" || n.Src != "")
}

// Page returns the page with the given id, or nil.
func (t *PageTree) Page(id string) *Page {
	if t == nil {
		return nil
	}
	for _, p := range t.Pages {
		if p.ID == id {
			return p
		}
	}
	return nil
}
