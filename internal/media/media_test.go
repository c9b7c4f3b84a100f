package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"testing"
)

type fakeFileStore struct {
	files    []string
	variants []VariantClass
}

func (f *fakeFileStore) PutFile(ctx context.Context, tnID, fileID, ownerTag, mimeType, blurhashStr string) error {
	f.files = append(f.files, fileID)
	return nil
}

func (f *fakeFileStore) PutFileVariant(ctx context.Context, tnID, fileID string, class VariantClass, byteSize int64) error {
	f.variants = append(f.variants, class)
	return nil
}

type recordingBlobStore struct {
	originals map[string][]byte
	variants  map[string]map[VariantClass][]byte
}

func newRecordingBlobStore() *recordingBlobStore {
	return &recordingBlobStore{originals: map[string][]byte{}, variants: map[string]map[VariantClass][]byte{}}
}

func (r *recordingBlobStore) Put(ctx context.Context, fileID string, rd io.Reader) error {
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(rd); err != nil {
		return err
	}
	r.originals[fileID] = buf.Bytes()
	return nil
}

func (r *recordingBlobStore) PutVariant(ctx context.Context, fileID string, class VariantClass, rd io.Reader) error {
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(rd); err != nil {
		return err
	}
	if r.variants[fileID] == nil {
		r.variants[fileID] = map[VariantClass][]byte{}
	}
	r.variants[fileID][class] = buf.Bytes()
	return nil
}

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x % 255), uint8(y % 255), 128, 255})
		}
	}
	return img
}

func encodeTestJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, testImage(w, h), nil); err != nil {
		t.Fatalf("encoding test image: %v", err)
	}
	return buf.Bytes()
}

func TestPipeline_IngestProducesAllVariants(t *testing.T) {
	blobs := newRecordingBlobStore()
	files := &fakeFileStore{}
	p := New(blobs, files)

	content := encodeTestJPEG(t, 2000, 1000)
	fileID, err := p.Ingest(context.Background(), "tn1", "alice", "image/jpeg", content)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if fileID == "" {
		t.Fatal("expected non-empty file id")
	}
	if len(files.files) != 1 {
		t.Fatalf("expected one file record, got %d", len(files.files))
	}
	wantClasses := map[VariantClass]bool{
		VariantOriginal: true, VariantThumbnail: true, VariantSmall: true,
		VariantMedium: true, VariantHigh: true,
	}
	for _, c := range files.variants {
		delete(wantClasses, c)
	}
	if len(wantClasses) != 0 {
		t.Errorf("missing variants: %v", wantClasses)
	}
}

func TestPipeline_IngestNonImageSkipsVariants(t *testing.T) {
	blobs := newRecordingBlobStore()
	files := &fakeFileStore{}
	p := New(blobs, files)

	fileID, err := p.Ingest(context.Background(), "tn1", "alice", "application/pdf", []byte("%PDF-1.4 not really a pdf"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if fileID == "" {
		t.Fatal("expected non-empty file id")
	}
	if len(files.variants) != 0 {
		t.Errorf("expected no variants for non-image content, got %v", files.variants)
	}
}

func TestRenderVariant_NeverUpscales(t *testing.T) {
	img := testImage(100, 50)
	data, size, err := renderVariant(img, 480)
	if err != nil {
		t.Fatalf("renderVariant: %v", err)
	}
	if size != int64(len(data)) {
		t.Errorf("reported size %d does not match encoded length %d", size, len(data))
	}
	decoded, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decoding rendered variant: %v", err)
	}
	if decoded.Bounds().Dx() != 100 {
		t.Errorf("expected width to stay 100 (no upscale), got %d", decoded.Bounds().Dx())
	}
}
