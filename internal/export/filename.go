package export

import (
	"path"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/rcliao/coursepack/internal/model"
)

const maxFilenameLen = 96

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFilename reduces a user-supplied filename to a portable base name.
// It returns "" when nothing usable is left.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	name = path.Base(name)
	if name == "." || name == "/" {
		return ""
	}
	name = unsafeChars.ReplaceAllString(name, "-")
	name = strings.Trim(name, ".-")
	if len(name) > maxFilenameLen {
		ext := path.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = strings.TrimRight(name[:maxFilenameLen-len(ext)], ".-") + ext
	}
	if strings.Trim(strings.TrimSuffix(name, path.Ext(name)), ".-") == "" {
		return ""
	}
	return name
}

// ExtensionFor maps a MIME type to a file extension, ".bin" when unknown.
func ExtensionFor(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	if m := mimetype.Lookup(strings.TrimSpace(mime)); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return ".bin"
}

// DerivedFilename prefers the record's original filename and falls back to
// {id}{ext}.
func DerivedFilename(rec model.MediaRecord) string {
	if name := SanitizeFilename(rec.MetaString(model.MetaOriginalFilename)); name != "" {
		if path.Ext(name) == "" {
			name += ExtensionFor(rec.MimeType)
		}
		return name
	}
	return rec.ID + ExtensionFor(rec.MimeType)
}

// withSuffix inserts -{id} before the extension.
func withSuffix(name, id string) string {
	ext := path.Ext(name)
	return strings.TrimSuffix(name, ext) + "-" + id + ext
}
