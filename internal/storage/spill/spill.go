// Package spill implements the secondary tiers the content store moves
// cold chunks to when resident memory crosses its threshold.
package spill

import (
	"context"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentharbor/agentfs/pkg/errors"
)

// Store is a flat key/value blob store for framed chunks.
type Store interface {
	Put(ctx context.Context, key string, frame []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Name() string
	Close() error
}

// Backend names.
const (
	BackendNone = "none"
	BackendDisk = "disk"
	BackendS3   = "s3"
)

// Options selects and configures a spill backend.
type Options struct {
	Backend   string
	Directory string
	S3        S3Config
}

// Open builds the configured backend. The none backend yields a nil Store.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch opts.Backend {
	case BackendNone, "":
		return nil, nil
	case BackendDisk:
		return NewDiskStore(opts.Directory, logger)
	case BackendS3:
		client, err := NewS3Client(ctx, opts.S3)
		if err != nil {
			return nil, err
		}
		return NewS3Store(client, opts.S3, logger)
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown spill backend %q", opts.Backend)
	}
}

// Key derives the spill key of a chunk from its checksum and id. The id
// keeps keys unique when identical bytes are spilled from distinct chunks.
func Key(sum [blake3Size]byte, chunkID uint64) string {
	return fmt.Sprintf("%s-%x", hex.EncodeToString(sum[:16]), chunkID)
}

func validKey(key string) error {
	if key == "" || len(key) < 3 {
		return errors.Newf(errors.ErrCodeInvalidArgument, "invalid spill key %q", key)
	}
	for _, r := range key {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f' || r == '-') {
			return errors.Newf(errors.ErrCodeInvalidArgument, "invalid spill key %q", key)
		}
	}
	return nil
}
