package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-data/meridian-signer/pkg/schema"
)

// collectionState holds a collection's metadata, its records (tombstones
// included) and the monotonic timestamp counter shared by both.
type collectionState struct {
	info    schema.CollectionInfo
	records map[string]schema.Record
	lastTS  int64
}

// MemStore is the thread-safe in-memory engine.
type MemStore struct {
	mu sync.RWMutex
	// Structure: [bucketID][collectionID]state
	buckets   map[string]map[string]*collectionState
	persister *Persistence
	wg        sync.WaitGroup
}

// NewMemStore initializes a store.
// It accepts existing data (from LoadAll) and a persister.
func NewMemStore(initial map[string]BucketSnapshot, p *Persistence) *MemStore {
	m := &MemStore{
		buckets:   make(map[string]map[string]*collectionState),
		persister: p,
	}
	for bucketID, snap := range initial {
		colls := make(map[string]*collectionState, len(snap.Collections))
		for collID, cs := range snap.Collections {
			state := &collectionState{
				info:    cs.Info,
				records: make(map[string]schema.Record, len(cs.Records)),
				lastTS:  cs.Info.LastModified,
			}
			for id, rec := range cs.Records {
				state.records[id] = rec
				if rec.LastModified > state.lastTS {
					state.lastTS = rec.LastModified
				}
			}
			colls[collID] = state
		}
		m.buckets[bucketID] = colls
	}
	return m
}

// Wait waits for all background persistence tasks to complete.
func (m *MemStore) Wait() {
	m.wg.Wait()
}

// tick returns the next timestamp for the collection. Timestamps are strictly
// increasing even when two writes land in the same millisecond.
func (cs *collectionState) tick() int64 {
	now := time.Now().UnixMilli()
	if now <= cs.lastTS {
		now = cs.lastTS + 1
	}
	cs.lastTS = now
	return now
}

// getState must be called while holding m.mu.
func (m *MemStore) getState(bucket, collection string) (*collectionState, error) {
	colls, ok := m.buckets[bucket]
	if !ok {
		return nil, ErrBucketNotFound
	}
	cs, ok := colls[collection]
	if !ok {
		return nil, ErrCollectionNotFound
	}
	return cs, nil
}

// ensureState must be called while holding m.mu for writing.
func (m *MemStore) ensureState(bucket, collection string) (*collectionState, bool) {
	if m.buckets[bucket] == nil {
		m.buckets[bucket] = make(map[string]*collectionState)
	}
	cs, ok := m.buckets[bucket][collection]
	if !ok {
		cs = &collectionState{
			info: schema.CollectionInfo{
				Bucket: bucket,
				ID:     collection,
				Status: schema.StatusWorkInProgress,
			},
			records: make(map[string]schema.Record),
		}
		cs.info.LastModified = cs.tick()
		m.buckets[bucket][collection] = cs
	}
	return cs, !ok
}

func (m *MemStore) GetRecord(bucket, collection, id string) (schema.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cs, err := m.getState(bucket, collection)
	if err != nil {
		return schema.Record{}, err
	}
	rec, ok := cs.records[id]
	if !ok {
		return schema.Record{}, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (m *MemStore) PutRecord(bucket, collection string, rec schema.Record) (schema.Record, error) {
	m.mu.Lock()
	cs, _ := m.ensureState(bucket, collection)

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Deleted = false
	rec.LastModified = cs.tick()
	cs.records[rec.ID] = rec.Clone()

	snapshot := m.snapshotBucket(bucket)
	m.mu.Unlock()

	m.persistBucket(bucket, snapshot)
	return rec, nil
}

func (m *MemStore) DeleteRecord(bucket, collection, id string) (schema.Record, error) {
	m.mu.Lock()
	cs, err := m.getState(bucket, collection)
	if err != nil {
		m.mu.Unlock()
		return schema.Record{}, err
	}
	before, ok := cs.records[id]
	if !ok || before.Deleted {
		m.mu.Unlock()
		return schema.Record{}, ErrRecordNotFound
	}
	cs.records[id] = schema.Record{
		ID:           id,
		Deleted:      true,
		LastModified: cs.tick(),
	}

	snapshot := m.snapshotBucket(bucket)
	m.mu.Unlock()

	m.persistBucket(bucket, snapshot)
	return before.Clone(), nil
}

func (m *MemStore) ListRecords(bucket, collection string, includeTombstones bool) ([]schema.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cs, err := m.getState(bucket, collection)
	if err != nil {
		return nil, err
	}
	out := make([]schema.Record, 0, len(cs.records))
	for _, rec := range cs.records {
		if rec.Deleted && !includeTombstones {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) CollectionTimestamp(bucket, collection string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cs, err := m.getState(bucket, collection)
	if err != nil {
		return 0, err
	}
	var max int64
	for _, rec := range cs.records {
		if rec.LastModified > max {
			max = rec.LastModified
		}
	}
	return max, nil
}

func (m *MemStore) EnsureCollection(bucket, collection string) (bool, error) {
	m.mu.Lock()
	_, created := m.ensureState(bucket, collection)
	var snapshot BucketSnapshot
	if created {
		snapshot = m.snapshotBucket(bucket)
	}
	m.mu.Unlock()

	if created {
		m.persistBucket(bucket, snapshot)
	}
	return created, nil
}

func (m *MemStore) GetCollection(bucket, collection string) (schema.CollectionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cs, err := m.getState(bucket, collection)
	if err != nil {
		return schema.CollectionInfo{}, err
	}
	return copyInfo(cs.info), nil
}

func (m *MemStore) UpdateCollection(bucket, collection string, apply func(*schema.CollectionInfo) error) (schema.CollectionInfo, error) {
	m.mu.Lock()
	cs, err := m.getState(bucket, collection)
	if err != nil {
		m.mu.Unlock()
		return schema.CollectionInfo{}, err
	}
	next := copyInfo(cs.info)
	if err := apply(&next); err != nil {
		m.mu.Unlock()
		return schema.CollectionInfo{}, err
	}
	next.Bucket = cs.info.Bucket
	next.ID = cs.info.ID
	next.LastModified = cs.tick()
	cs.info = next

	snapshot := m.snapshotBucket(bucket)
	m.mu.Unlock()

	m.persistBucket(bucket, snapshot)
	return copyInfo(next), nil
}

func (m *MemStore) SetCollectionSignature(bucket, collection string, env schema.SignatureEnvelope) (schema.CollectionInfo, error) {
	return m.UpdateCollection(bucket, collection, func(info *schema.CollectionInfo) error {
		sig := env
		info.Signature = &sig
		return nil
	})
}

func (m *MemStore) ListBuckets() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var list []string
	for id := range m.buckets {
		list = append(list, id)
	}
	sort.Strings(list)
	return list, nil
}

func (m *MemStore) ListCollections(bucket string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	colls, ok := m.buckets[bucket]
	if !ok {
		return nil, ErrBucketNotFound
	}
	var list []string
	for id := range colls {
		list = append(list, id)
	}
	sort.Strings(list)
	return list, nil
}

// snapshotBucket creates a deep copy of a bucket's state for background
// persistence. It MUST be called while holding m.mu.
func (m *MemStore) snapshotBucket(bucket string) BucketSnapshot {
	snap := BucketSnapshot{Collections: make(map[string]CollectionSnapshot)}
	for collID, cs := range m.buckets[bucket] {
		records := make(map[string]schema.Record, len(cs.records))
		for id, rec := range cs.records {
			records[id] = rec.Clone()
		}
		snap.Collections[collID] = CollectionSnapshot{
			Info:    copyInfo(cs.info),
			Records: records,
		}
	}
	return snap
}

func (m *MemStore) persistBucket(bucket string, snapshot BucketSnapshot) {
	if m.persister == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.persister.SaveBucket(bucket, snapshot)
	}()
}

func copyInfo(info schema.CollectionInfo) schema.CollectionInfo {
	out := info
	if info.Signature != nil {
		sig := *info.Signature
		out.Signature = &sig
	}
	return out
}
