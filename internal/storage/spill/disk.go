package spill

import (
	"context"
	stderr "errors"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/agentharbor/agentfs/pkg/errors"
)

// DiskStore keeps frames as files under a directory, fanned out by the
// first two characters of the key.
type DiskStore struct {
	dir    string
	logger *zap.Logger
}

// NewDiskStore creates the spill directory if needed.
func NewDiskStore(dir string, logger *zap.Logger) (*DiskStore, error) {
	if dir == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "spill directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(errors.ErrCodeSpillIO, err, "failed to create spill directory")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiskStore{dir: dir, logger: logger.Named("spill.disk")}, nil
}

// Name implements Store.
func (d *DiskStore) Name() string { return BackendDisk }

func (d *DiskStore) path(key string) string {
	return filepath.Join(d.dir, key[:2], key)
}

// Put writes the frame atomically through a temporary file.
func (d *DiskStore) Put(ctx context.Context, key string, frame []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	target := d.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
		return errors.Wrap(errors.ErrCodeSpillIO, err, "failed to create spill fan-out directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), key+".tmp-*")
	if err != nil {
		return errors.Wrap(errors.ErrCodeSpillIO, err, "failed to create spill file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(frame); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(errors.ErrCodeSpillIO, err, "failed to write spill file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(errors.ErrCodeSpillIO, err, "failed to close spill file")
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(errors.ErrCodeSpillIO, err, "failed to publish spill file")
	}
	return nil
}

// Get reads a frame. A missing frame means the chunk is lost and is
// reported as SPILL_CORRUPT.
func (d *DiskStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(d.path(key))
	if stderr.Is(err, fs.ErrNotExist) {
		return nil, errors.Newf(errors.ErrCodeSpillCorrupt, "spilled chunk %s is missing", key)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSpillIO, err, "failed to read spill file")
	}
	return data, nil
}

// Delete removes a frame; deleting a missing frame is not an error.
func (d *DiskStore) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	err := os.Remove(d.path(key))
	if err != nil && !stderr.Is(err, fs.ErrNotExist) {
		return errors.Wrap(errors.ErrCodeSpillIO, err, "failed to delete spill file")
	}
	return nil
}

// Close implements Store. Spilled frames belong to a single engine run and
// are left for the operator to clean up with the directory.
func (d *DiskStore) Close() error {
	return nil
}
