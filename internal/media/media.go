// Package media implements the attachment/file variant pipeline of spec
// §4.J: an uploaded image is decoded once, a blurhash placeholder is
// computed from it, and a fixed ladder of resized variants (tn, sd, md,
// hd) is rendered and stored alongside the original (recorded as the xd
// variant), so clients can
// request whichever size fits their layout without re-deriving it
// on every request.
package media

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"

	"github.com/buckket/go-blurhash"
	"golang.org/x/image/draw"

	"github.com/cloudillo/cloudillo/internal/coreerr"
	"github.com/cloudillo/cloudillo/internal/ids"
)

// VariantClass mirrors adapters.VariantClass; media doesn't import
// adapters directly (the dependency points the other way), so it
// declares its own copy of the same small string enum.
type VariantClass string

const (
	VariantThumbnail VariantClass = "tn"
	VariantSmall     VariantClass = "sd"
	VariantMedium    VariantClass = "md"
	VariantHigh      VariantClass = "hd"
	VariantOriginal  VariantClass = "xd"
)

// variantWidths is the fixed resize ladder of spec §4.J. VariantOriginal
// is never resized - it's the as-uploaded bytes.
var variantWidths = map[VariantClass]int{
	VariantThumbnail: 160,
	VariantSmall:     480,
	VariantMedium:    960,
	VariantHigh:      1920,
}

// BlobStore is the narrow persistence interface this pipeline needs.
type BlobStore interface {
	Put(ctx context.Context, fileID string, r io.Reader) error
	PutVariant(ctx context.Context, fileID string, class VariantClass, r io.Reader) error
}

// FileStore records the metadata row and per-variant byte sizes for an
// uploaded file (spec §6 "files" / "file_variants").
type FileStore interface {
	PutFile(ctx context.Context, tnID, fileID, ownerTag, mimeType, blurhashStr string) error
	PutFileVariant(ctx context.Context, tnID, fileID string, class VariantClass, byteSize int64) error
}

// Pipeline ingests an uploaded image: computes its content-addressed id,
// a blurhash placeholder, and every variant in the resize ladder, then
// persists all of it.
type Pipeline struct {
	Blobs BlobStore
	Files FileStore
}

// New builds a Pipeline.
func New(blobs BlobStore, files FileStore) *Pipeline {
	return &Pipeline{Blobs: blobs, Files: files}
}

// Ingest decodes content as an image, computes its blurhash, stores the
// original and every resized variant, and records the file/variant rows.
// Content that does not decode as an image (mimeType is not consulted)
// is stored as the original
// only, with no variants or blurhash - spec §4.J scopes the variant
// ladder to images.
func (p *Pipeline) Ingest(ctx context.Context, tnID, ownerTag, mimeType string, content []byte) (fileID string, err error) {
	fileID = ids.FileID(content)
	if err := p.Blobs.Put(ctx, fileID, bytes.NewReader(content)); err != nil {
		return "", coreerr.Wrap(coreerr.Internal, "storing original blob", err)
	}

	img, _, decodeErr := image.Decode(bytes.NewReader(content))
	if decodeErr != nil {
		if err := p.Files.PutFile(ctx, tnID, fileID, ownerTag, mimeType, ""); err != nil {
			return "", coreerr.Wrap(coreerr.DbError, "recording file metadata", err)
		}
		return fileID, nil
	}

	hash, err := blurhash.Encode(4, 3, img)
	if err != nil {
		return "", coreerr.Wrap(coreerr.Internal, "computing blurhash", err)
	}
	if err := p.Files.PutFile(ctx, tnID, fileID, ownerTag, mimeType, hash); err != nil {
		return "", coreerr.Wrap(coreerr.DbError, "recording file metadata", err)
	}

	if err := p.Files.PutFileVariant(ctx, tnID, fileID, VariantOriginal, int64(len(content))); err != nil {
		return "", coreerr.Wrap(coreerr.DbError, "recording original variant", err)
	}

	for class, width := range variantWidths {
		resized, size, err := renderVariant(img, width)
		if err != nil {
			return "", coreerr.Wrap(coreerr.Internal, "rendering variant "+string(class), err)
		}
		if err := p.Blobs.PutVariant(ctx, fileID, class, bytes.NewReader(resized)); err != nil {
			return "", coreerr.Wrap(coreerr.Internal, "storing variant "+string(class), err)
		}
		if err := p.Files.PutFileVariant(ctx, tnID, fileID, class, size); err != nil {
			return "", coreerr.Wrap(coreerr.DbError, "recording variant "+string(class), err)
		}
	}

	return fileID, nil
}

// renderVariant resizes img so its width is targetWidth (height scaled to
// keep the aspect ratio), encoding the result as JPEG; images no wider
// than targetWidth are kept at their original size (never upscaled).
func renderVariant(img image.Image, targetWidth int) ([]byte, int64, error) {
	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW <= targetWidth {
		return encodeJPEG(img)
	}
	scale := float64(targetWidth) / float64(srcW)
	dstW := targetWidth
	dstH := int(float64(srcH) * scale)

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return encodeJPEG(dst)
}

func encodeJPEG(img image.Image) ([]byte, int64, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), int64(buf.Len()), nil
}
