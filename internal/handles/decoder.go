package handles

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp" // registers the webp decoder with image.Decode

	"github.com/rcliao/coursepack/internal/model"
)

// FileDecoder materializes handles as temp files. Raster images are decoded
// and fitted into a preview PNG; everything else is written as is.
type FileDecoder struct {
	dir          string
	previewMaxPx int
}

// NewFileDecoder creates a private directory under base (the system temp dir
// when empty) to hold handle files.
func NewFileDecoder(base string, previewMaxPx int) (*FileDecoder, error) {
	if base != "" {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return nil, fmt.Errorf("create handle dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(base, "coursepack-handles-*")
	if err != nil {
		return nil, fmt.Errorf("create handle dir: %w", err)
	}
	return &FileDecoder{dir: dir, previewMaxPx: previewMaxPx}, nil
}

// Dir is where handle files live.
func (d *FileDecoder) Dir() string { return d.dir }

// Decode writes the handle file for rec.
func (d *FileDecoder) Decode(ctx context.Context, rec model.MediaRecord, payload []byte) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	if rec.Kind == model.KindExternalVideo {
		if rec.Locator == "" {
			return Handle{}, errors.New("external video has no locator")
		}
		return Handle{Source: rec.Locator, MimeType: rec.MimeType}, nil
	}
	if len(payload) == 0 {
		return Handle{}, errors.New("empty payload")
	}

	mt := rec.MimeType
	if mt == "" {
		mt = mimetype.Detect(payload).String()
	}
	if rec.Kind == model.KindImage && !strings.Contains(mt, "svg") {
		return d.decodeImage(rec, payload)
	}
	return d.writeFile(rec.ID, extensionFor(mt, payload), payload, mt)
}

func (d *FileDecoder) decodeImage(rec model.MediaRecord, payload []byte) (Handle, error) {
	img, err := imaging.Decode(bytes.NewReader(payload), imaging.AutoOrientation(true))
	if err != nil {
		return Handle{}, fmt.Errorf("decode image: %w", err)
	}
	if d.previewMaxPx > 0 {
		b := img.Bounds()
		if b.Dx() > d.previewMaxPx || b.Dy() > d.previewMaxPx {
			img = imaging.Fit(img, d.previewMaxPx, d.previewMaxPx, imaging.Lanczos)
		}
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return Handle{}, fmt.Errorf("encode preview: %w", err)
	}
	h, err := d.writeFile(rec.ID, ".png", buf.Bytes(), "image/png")
	if err != nil {
		return Handle{}, err
	}
	// Charge the decoded pixels, not the compressed file.
	h.Size = pixelBytes(img)
	return h, nil
}

func (d *FileDecoder) writeFile(id, ext string, data []byte, mime string) (Handle, error) {
	f, err := os.CreateTemp(d.dir, id+"-*"+ext)
	if err != nil {
		return Handle{}, fmt.Errorf("create handle file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return Handle{}, fmt.Errorf("write handle file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return Handle{}, fmt.Errorf("write handle file: %w", err)
	}
	return Handle{Path: f.Name(), MimeType: mime, Size: int64(len(data))}, nil
}

// Release removes the handle file.
func (d *FileDecoder) Release(h Handle) error {
	if h.Path == "" {
		return nil
	}
	if filepath.Dir(h.Path) != d.dir {
		return fmt.Errorf("handle file %s is outside %s", h.Path, d.dir)
	}
	if err := os.Remove(h.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Close removes the handle directory.
func (d *FileDecoder) Close() error {
	return os.RemoveAll(d.dir)
}

func pixelBytes(img image.Image) int64 {
	b := img.Bounds()
	return int64(b.Dx()) * int64(b.Dy()) * 4
}

func extensionFor(mime string, payload []byte) string {
	if m := mimetype.Lookup(baseMime(mime)); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return mimetype.Detect(payload).Extension()
}

func baseMime(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.TrimSpace(mime)
}
