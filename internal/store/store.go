package store

import (
	"context"
	"time"

	"github.com/hyperengineering/fieldsync/internal/types"
)

// BlobStore holds opaque values by key. It backs the local persistence
// adapter on devices and room snapshots on the relay.
type BlobStore interface {
	GetBlob(ctx context.Context, key string) ([]byte, error)
	PutBlob(ctx context.Context, key string, data []byte) error
	DeleteBlob(ctx context.Context, key string) error
	ListBlobKeys(ctx context.Context, prefix string) ([]string, error)
}

// EntityStore holds the authoritative server copy of each entity.
type EntityStore interface {
	GetEntity(ctx context.Context, kind types.EntityKind, id string) (*EntityRecord, error)
	PutEntity(ctx context.Context, kind types.EntityKind, entity types.Entity, sourceID string) (*EntityRecord, error)
	DeleteEntity(ctx context.Context, kind types.EntityKind, id, sourceID string) error
	ListEntities(ctx context.Context, kind types.EntityKind) ([]EntityRecord, error)
	GetChangesAfter(ctx context.Context, afterSeq int64, limit int) ([]Change, error)
	LatestSequence(ctx context.Context) (int64, error)
	CheckPushIdempotency(ctx context.Context, pushID string) ([]byte, bool, error)
	RecordPushIdempotency(ctx context.Context, pushID string, response []byte, ttl time.Duration) error
	CleanExpiredIdempotency(ctx context.Context) (int64, error)
}

// Store is the full SQLite-backed surface.
type Store interface {
	BlobStore
	EntityStore
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// EntityRecord is a stored entity with server bookkeeping.
type EntityRecord struct {
	Kind      types.EntityKind `json:"kind"`
	Entity    types.Entity     `json:"entity"`
	Version   int64            `json:"version"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Operation is the kind of change recorded in the change log.
type Operation string

const (
	OperationUpsert Operation = "upsert"
	OperationDelete Operation = "delete"
)

// Change is one change log row.
type Change struct {
	Sequence  int64            `json:"sequence"`
	Kind      types.EntityKind `json:"kind"`
	EntityID  string           `json:"entityId"`
	Operation Operation        `json:"operation"`
	Payload   types.Entity     `json:"payload,omitempty"`
	SourceID  string           `json:"sourceId"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Stats summarizes store contents.
type Stats struct {
	Blobs          int64 `json:"blobs"`
	Entities       int64 `json:"entities"`
	LatestSequence int64 `json:"latestSequence"`
}
