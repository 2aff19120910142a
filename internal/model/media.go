// Package model defines the core media, page tree, and export data types.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the type of a stored media asset.
type Kind string

const (
	KindImage         Kind = "image"
	KindAudio         Kind = "audio"
	KindVideo         Kind = "video"
	KindCaption       Kind = "caption"
	KindExternalVideo Kind = "externalVideo"
)

// Kinds lists every media kind in a stable order.
var Kinds = []Kind{KindImage, KindAudio, KindVideo, KindCaption, KindExternalVideo}

// ValidKinds are the allowed media kinds.
var ValidKinds = map[Kind]bool{
	KindImage:         true,
	KindAudio:         true,
	KindVideo:         true,
	KindCaption:       true,
	KindExternalVideo: true,
}

// ParseKind validates a kind token.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.TrimSpace(s))
	if !ValidKinds[k] {
		return "", fmt.Errorf("invalid kind %q (valid: image, audio, video, caption, externalVideo)", s)
	}
	return k, nil
}

// HasPayload reports whether records of this kind carry binary content.
func (k Kind) HasPayload() bool {
	return k != KindExternalVideo
}

// Metadata keys with meaning to the core.
const (
	MetaTitle            = "title"
	MetaOriginalFilename = "originalFilename"
	MetaCapturedAt       = "capturedAt"
	MetaClipStart        = "clipStart"
	MetaClipEnd          = "clipEnd"
	MetaPageHint         = "pageHint"
)

// MediaRecord is one stored asset.
type MediaRecord struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	PageID     string         `json:"page_id,omitempty"`
	PayloadRef string         `json:"payload_ref,omitempty"`
	Locator    string         `json:"locator,omitempty"`
	MimeType   string         `json:"mime_type,omitempty"`
	SizeBytes  int64          `json:"size_bytes"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Seq        int64          `json:"seq"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  *time.Time     `json:"deleted_at,omitempty"`
}

// Clone returns a copy that shares no mutable state with r.
func (r MediaRecord) Clone() MediaRecord {
	cp := r
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		cp.DeletedAt = &t
	}
	return cp
}

// MetaString returns a metadata value as a trimmed string.
func (r MediaRecord) MetaString(key string) string {
	v, ok := r.Metadata[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// MetaSeconds returns a numeric metadata value in whole seconds. Values that
// went through JSON come back as float64; strings are accepted too.
func (r MediaRecord) MetaSeconds(key string) (int, bool) {
	v, ok := r.Metadata[key]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// Assignment records one id handed out by the identity assigner.
type Assignment struct {
	Kind    Kind   `json:"kind"`
	Role    string `json:"role"`
	ID      string `json:"id"`
	Primary bool   `json:"primary"`
}
