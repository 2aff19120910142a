package model

// ExportEntry is one resolved media item in an export bundle. Payload is nil
// for externalVideo entries, which carry SourceURL instead of a bundled file.
type ExportEntry struct {
	MediaID      string         `json:"media_id"`
	Kind         Kind           `json:"kind"`
	RelativePath string         `json:"relative_path,omitempty"`
	Payload      []byte         `json:"-"`
	SourceURL    string         `json:"source_url,omitempty"`
	MimeType     string         `json:"mime_type,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Bundle is the Export Resolver's output: the rewritten pages plus one entry
// per distinct media id, in page-then-creation order.
type Bundle struct {
	Title   string        `json:"title"`
	Pages   []*Page       `json:"pages"`
	Entries []ExportEntry `json:"entries"`
}
