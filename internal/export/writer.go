package export

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rcliao/coursepack/internal/model"
)

// Manifest describes a written bundle directory.
type Manifest struct {
	Title       string          `json:"title"`
	GeneratedAt time.Time       `json:"generated_at"`
	Entries     []ManifestEntry `json:"entries"`
}

// ManifestEntry is one media item in manifest.json.
type ManifestEntry struct {
	MediaID   string         `json:"media_id"`
	Kind      model.Kind     `json:"kind"`
	Path      string         `json:"path,omitempty"`
	SourceURL string         `json:"source_url,omitempty"`
	MimeType  string         `json:"mime_type,omitempty"`
	SizeBytes int            `json:"size_bytes,omitempty"`
	SHA256    string         `json:"sha256,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewManifest describes a bundle without writing it.
func NewManifest(b *model.Bundle) *Manifest {
	m := &Manifest{Title: b.Title, GeneratedAt: time.Now().UTC(), Entries: make([]ManifestEntry, 0, len(b.Entries))}
	for _, e := range b.Entries {
		me := ManifestEntry{
			MediaID:   e.MediaID,
			Kind:      e.Kind,
			Path:      e.RelativePath,
			SourceURL: e.SourceURL,
			MimeType:  e.MimeType,
			Metadata:  e.Metadata,
		}
		if e.RelativePath != "" {
			sum := sha256.Sum256(e.Payload)
			me.SizeBytes = len(e.Payload)
			me.SHA256 = hex.EncodeToString(sum[:])
		}
		m.Entries = append(m.Entries, me)
	}
	return m
}

// WriteDir lays a bundle out under dir: media files at their relative paths,
// pages.json with the rewritten pages, and manifest.json.
func WriteDir(b *model.Bundle, dir string) (*Manifest, error) {
	if b == nil {
		return nil, fmt.Errorf("write bundle: nil bundle")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bundle dir: %w", err)
	}

	m := NewManifest(b)
	for _, e := range b.Entries {
		if e.RelativePath == "" {
			continue
		}
		target := filepath.Join(dir, filepath.FromSlash(e.RelativePath))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("create media dir: %w", err)
		}
		if err := os.WriteFile(target, e.Payload, 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", e.RelativePath, err)
		}
	}

	pages := struct {
		Title string        `json:"title"`
		Pages []*model.Page `json:"pages"`
	}{Title: b.Title, Pages: b.Pages}
	if err := writeJSON(filepath.Join(dir, "pages.json"), pages); err != nil {
		return nil, err
	}
	if err := writeJSON(filepath.Join(dir, "manifest.json"), m); err != nil {
		return nil, err
	}
	return m, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
