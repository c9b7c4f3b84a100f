package adapters

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cloudillo/cloudillo/internal/coreerr"
	"github.com/cloudillo/cloudillo/internal/ids"
)

// FSBlobStore is the filesystem BlobStore implementation: a file's body
// and each of its rendered variants live under a two-level hash-prefix
// directory ("<root>/ab/cd/f1~abcd...") computed by ids.ParseFileID, so a
// single directory never accumulates more than a few hundred entries
// even at large scale (spec §4.J "blob id layout").
type FSBlobStore struct {
	root string
}

// NewFSBlobStore roots a BlobStore at dir, creating it if necessary.
func NewFSBlobStore(dir string) (*FSBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "creating blob store root", err)
	}
	return &FSBlobStore{root: dir}, nil
}

func (s *FSBlobStore) path(fileID string) (string, error) {
	l1, l2, _, err := ids.ParseFileID(fileID)
	if err != nil {
		return "", coreerr.Wrap(coreerr.ValidationError, "invalid file id", err)
	}
	return filepath.Join(s.root, l1, l2, fileID), nil
}

func (s *FSBlobStore) variantPath(fileID string, class VariantClass) (string, error) {
	base, err := s.path(fileID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%s", base, class), nil
}

func (s *FSBlobStore) writeAtomic(ctx context.Context, dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return coreerr.Wrap(coreerr.Internal, "creating blob directory", err)
	}
	tmp := dst + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "creating blob temp file", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return coreerr.Wrap(coreerr.Internal, "writing blob", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return coreerr.Wrap(coreerr.Internal, "closing blob temp file", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return coreerr.Wrap(coreerr.Internal, "renaming blob into place", err)
	}
	return nil
}

func (s *FSBlobStore) Put(ctx context.Context, fileID string, r io.Reader) error {
	dst, err := s.path(fileID)
	if err != nil {
		return err
	}
	return s.writeAtomic(ctx, dst, r)
}

func (s *FSBlobStore) Get(ctx context.Context, fileID string) (io.ReadCloser, error) {
	p, err := s.path(fileID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, coreerr.New(coreerr.NotFound, "blob not found: "+fileID)
		}
		return nil, coreerr.Wrap(coreerr.Internal, "opening blob", err)
	}
	return f, nil
}

func (s *FSBlobStore) Delete(ctx context.Context, fileID string) error {
	p, err := s.path(fileID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return coreerr.Wrap(coreerr.Internal, "deleting blob", err)
	}
	return nil
}

func (s *FSBlobStore) PutVariant(ctx context.Context, fileID string, class VariantClass, r io.Reader) error {
	dst, err := s.variantPath(fileID, class)
	if err != nil {
		return err
	}
	return s.writeAtomic(ctx, dst, r)
}

func (s *FSBlobStore) GetVariant(ctx context.Context, fileID string, class VariantClass) (io.ReadCloser, error) {
	p, err := s.variantPath(fileID, class)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, coreerr.New(coreerr.NotFound, fmt.Sprintf("variant %s of %s not found", class, fileID))
		}
		return nil, coreerr.Wrap(coreerr.Internal, "opening blob variant", err)
	}
	return f, nil
}
