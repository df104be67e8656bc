// Package objstore implements the quarantine-records backend on an
// S3-compatible object store.
package objstore

import (
	"context"

	"github.com/StricklySoft/selfheal/pkg/catalog"
	"github.com/StricklySoft/selfheal/pkg/clients/minio"
	sserr "github.com/StricklySoft/selfheal/pkg/errors"
)

// Store is the object-store operations Quarantine needs.
// *minio.Client satisfies it.
type Store interface {
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string, meta map[string]string) error
	Remove(ctx context.Context, bucket, key string) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
}

var _ Store = (*minio.Client)(nil)

// Quarantine moves objects within a bucket by copy then delete.
type Quarantine struct {
	store Store
}

var _ catalog.Quarantiner = (*Quarantine)(nil)

// New returns a quarantiner over store.
func New(store Store) *Quarantine {
	return &Quarantine{store: store}
}

// Quarantine implements catalog.Quarantiner. A missing source whose
// destination exists was moved by an earlier attempt and is not an error.
func (q *Quarantine) Quarantine(ctx context.Context, bucket, key, destKey string, meta map[string]string) error {
	err := q.store.Copy(ctx, bucket, key, bucket, destKey, meta)
	if sserr.IsNotFound(err) {
		moved, existsErr := q.store.Exists(ctx, bucket, destKey)
		if existsErr != nil {
			return existsErr
		}
		if moved {
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}
	return q.store.Remove(ctx, bucket, key)
}

// Exists implements catalog.Quarantiner.
func (q *Quarantine) Exists(ctx context.Context, bucket, key string) (bool, error) {
	return q.store.Exists(ctx, bucket, key)
}
