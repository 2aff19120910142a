package pagetree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/rcliao/coursepack/internal/model"
)

// Document loads and saves the page tree.
type Document interface {
	Load(ctx context.Context) (*model.PageTree, error)
	Save(ctx context.Context, tree *model.PageTree) error
}

// FileDocument keeps the page tree in a YAML file.
type FileDocument struct {
	Path string
}

// NewFileDocument returns a document backed by path.
func NewFileDocument(path string) *FileDocument {
	return &FileDocument{Path: path}
}

// Load reads the tree. A missing file yields an empty tree.
func (d *FileDocument) Load(ctx context.Context) (*model.PageTree, error) {
	data, err := os.ReadFile(d.Path)
	if errors.Is(err, os.ErrNotExist) {
		return &model.PageTree{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	var tree model.PageTree
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("parse document %s: %w", d.Path, err)
	}
	return &tree, nil
}

// Save writes the tree atomically (temp file + rename).
func (d *FileDocument) Save(ctx context.Context, tree *model.PageTree) error {
	if tree == nil {
		return errors.New("save document: nil tree")
	}
	data, err := yaml.Marshal(tree)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(d.Path), 0o755); err != nil {
		return fmt.Errorf("create document dir: %w", err)
	}
	tmp := d.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	if err := os.Rename(tmp, d.Path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace document: %w", err)
	}
	return nil
}

// NewCourse builds the canonical page skeleton: welcome, objectives, then
// topics topic-0..topic-(topics-1).
func NewCourse(title string, topics int) *model.PageTree {
	tree := &model.PageTree{
		Title: title,
		Pages: []*model.Page{
			{ID: "welcome", Title: "Welcome"},
			{ID: "objectives", Title: "Learning Objectives"},
		},
	}
	for i := 0; i < topics; i++ {
		tree.Pages = append(tree.Pages, &model.Page{
			ID:    "topic-" + strconv.Itoa(i),
			Title: "Topic " + strconv.Itoa(i+1),
		})
	}
	return tree
}

// PageIDs lists page ids in document order.
func PageIDs(tree *model.PageTree) []string {
	if tree == nil {
		return nil
	}
	ids := make([]string, 0, len(tree.Pages))
	for _, p := range tree.Pages {
		ids = append(ids, p.ID)
	}
	return ids
}
