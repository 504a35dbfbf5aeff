// Package chunkstore implements content-addressed storage for chunk files on
// the local filesystem and on S3.
package chunkstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/stratumdb/stratum"
	"github.com/stratumdb/stratum/errors"
)

// ChunkFileExt is the extension given to every stored chunk file.
const ChunkFileExt = ".chunk"

// Ensure type implements interface.
var _ stratum.ChunkStore = (*FileStore)(nil)

// FileStore keeps chunk files under a root directory, fanned out two levels
// deep by the leading bytes of the chunk id so no single directory grows
// unbounded.
type FileStore struct {
	dir string
}

// NewFileStore returns a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, errors.Wrapf(err, "mkdir %s", dir)
	}
	return &FileStore{dir: dir}, nil
}

// chunkPath returns dir/aa/bb/<id>.chunk where aa and bb are the first two
// byte pairs of the zero-padded hex id.
func (s *FileStore) chunkPath(chunkID stratum.ChunkID) string {
	name := fmt.Sprintf("%016x", uint64(chunkID))
	return filepath.Join(s.dir, name[:2], name[2:4], name+ChunkFileExt)
}

// PutChunk writes the chunk through a uniquely named temp file and renames it
// into place, so a crashed put never leaves a partial chunk at the final
// path.
func (s *FileStore) PutChunk(ctx context.Context, chunkID stratum.ChunkID, r io.Reader) error {
	path := s.chunkPath(chunkID)
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return errors.Wrapf(err, "mkdir %s", filepath.Dir(path))
	}

	tmp := path + "." + uuid.NewString() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return errors.Wrap(err, "creating temp chunk file")
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return errors.Wrap(err, "writing chunk")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return errors.Wrap(err, "syncing chunk")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "closing chunk")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "renaming chunk")
	}
	return nil
}

func (s *FileStore) OpenChunk(ctx context.Context, chunkID stratum.ChunkID) (io.ReadCloser, error) {
	f, err := os.Open(s.chunkPath(chunkID))
	if os.IsNotExist(err) {
		return nil, stratum.NewErrChunkNotFound(chunkID)
	} else if err != nil {
		return nil, errors.Wrap(err, "opening chunk")
	}
	return f, nil
}

func (s *FileStore) ChunkExists(ctx context.Context, chunkID stratum.ChunkID) (bool, error) {
	if _, err := os.Stat(s.chunkPath(chunkID)); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, errors.Wrap(err, "statting chunk")
	}
	return true, nil
}

// DeleteChunk removes the chunk file. Deleting a chunk that is already gone
// is not an error; the cleaner retries interrupted passes.
func (s *FileStore) DeleteChunk(ctx context.Context, chunkID stratum.ChunkID) error {
	if err := os.Remove(s.chunkPath(chunkID)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing chunk")
	}
	return nil
}
