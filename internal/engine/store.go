// Package engine implements the record store backing the signing workflow.
package engine

import (
	"errors"

	"github.com/meridian-data/meridian-signer/pkg/schema"
)

var (
	// ErrBucketNotFound is returned when a requested bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")
	// ErrCollectionNotFound is returned when a requested collection does not exist within a bucket.
	ErrCollectionNotFound = errors.New("collection not found")
	// ErrRecordNotFound is returned when a requested record does not exist within a collection.
	ErrRecordNotFound = errors.New("record not found")
)

// Store is the storage contract the workflow and the replicator depend on.
// Both the in-memory engine and any future backend implement it.
type Store interface {
	// GetRecord returns a record, including tombstones (Deleted=true).
	GetRecord(bucket, collection, id string) (schema.Record, error)
	// PutRecord creates or updates a record. An empty ID is assigned by the
	// store. The collection is created implicitly on first write. The stored
	// record, with its bumped timestamp, is returned.
	PutRecord(bucket, collection string, rec schema.Record) (schema.Record, error)
	// DeleteRecord replaces a record with a tombstone and returns the record
	// as it was before deletion.
	DeleteRecord(bucket, collection, id string) (schema.Record, error)
	// ListRecords returns records sorted by id. Tombstones are included only
	// when requested.
	ListRecords(bucket, collection string, includeTombstones bool) ([]schema.Record, error)
	// CollectionTimestamp returns the highest record timestamp of the
	// collection, or 0 when it holds no records and no tombstones.
	CollectionTimestamp(bucket, collection string) (int64, error)

	// EnsureCollection creates an empty collection if it does not exist yet.
	// It reports whether a new collection was created.
	EnsureCollection(bucket, collection string) (bool, error)
	// GetCollection returns the collection metadata.
	GetCollection(bucket, collection string) (schema.CollectionInfo, error)
	// UpdateCollection applies a mutation to the collection metadata under
	// the store lock and bumps its last_modified. The apply func may return
	// an error to abort without side effects.
	UpdateCollection(bucket, collection string, apply func(*schema.CollectionInfo) error) (schema.CollectionInfo, error)
	// SetCollectionSignature commits a new signature envelope and bumps the
	// collection last_modified in a single lock acquisition.
	SetCollectionSignature(bucket, collection string, env schema.SignatureEnvelope) (schema.CollectionInfo, error)

	// ListBuckets returns all bucket IDs in the store.
	ListBuckets() ([]string, error)
	// ListCollections returns all collection IDs within a bucket.
	ListCollections(bucket string) ([]string, error)
}
