// Package replicator copies a promoted source collection into its trusted
// destination and commits a fresh signature over the destination record set.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/meridian-data/meridian-signer/internal/canonical"
	"github.com/meridian-data/meridian-signer/internal/config"
	"github.com/meridian-data/meridian-signer/internal/engine"
	"github.com/meridian-data/meridian-signer/internal/events"
	"github.com/meridian-data/meridian-signer/internal/signer"
	"github.com/meridian-data/meridian-signer/pkg/schema"
)

// ErrReplicationPartial marks a failure that happened after the destination
// record set was already mutated but before the new signature was committed.
// Re-running the same promotion is safe: the next diff picks up exactly the
// remaining work.
var ErrReplicationPartial = errors.New("replication partially applied")

// Replicator applies source->destination replication under a per-pair lock.
type Replicator struct {
	store    engine.Store
	signers  map[string]signer.Signer
	notifier events.Notifier

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New wires the replicator to its storage, signers and event notifier.
func New(store engine.Store, signers map[string]signer.Signer, notifier events.Notifier) *Replicator {
	return &Replicator{
		store:    store,
		signers:  signers,
		notifier: notifier,
		locks:    make(map[string]*sync.Mutex),
	}
}

// pairLock returns the mutex serializing all replication work for one
// (source, destination) pair.
func (r *Replicator) pairLock(res config.Resource) *sync.Mutex {
	key := res.Source.String() + "->" + res.Destination.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[key] = lock
	}
	return lock
}

// Replicate runs the full pipeline for one configured resource:
// diff the record sets, apply the delta to the destination, serialize, sign,
// self-verify, then commit the signature envelope.
func (r *Replicator) Replicate(ctx context.Context, res config.Resource) (schema.SignatureEnvelope, error) {
	lock := r.pairLock(res)
	lock.Lock()
	defer lock.Unlock()

	s, ok := r.signers[res.Signer]
	if !ok {
		return schema.SignatureEnvelope{}, fmt.Errorf("no signer named %q", res.Signer)
	}

	logger := log.WithFields(log.Fields{
		"source":      res.Source.String(),
		"destination": res.Destination.String(),
		"signer":      res.Signer,
	})

	srcB, srcC := res.Source.Bucket, res.Source.Collection
	dstB, dstC := res.Destination.Bucket, res.Destination.Collection

	if created, err := r.store.EnsureCollection(dstB, dstC); err != nil {
		return schema.SignatureEnvelope{}, err
	} else if created {
		info, _ := r.store.GetCollection(dstB, dstC)
		r.notifier.Notify(events.New(schema.ActionCreate, collectionURI(dstB, dstC), nil, info, events.SystemIdentity))
	}

	source, err := r.store.ListRecords(srcB, srcC, true)
	if err != nil {
		return schema.SignatureEnvelope{}, fmt.Errorf("reading source: %w", err)
	}
	destination, err := r.store.ListRecords(dstB, dstC, true)
	if err != nil {
		return schema.SignatureEnvelope{}, fmt.Errorf("reading destination: %w", err)
	}

	applied, err := r.applyDiff(res, source, destination)
	if err != nil {
		return schema.SignatureEnvelope{}, err
	}
	logger.WithField("mutations", applied).Debug("destination updated")

	after, err := r.store.ListRecords(dstB, dstC, false)
	if err != nil {
		return schema.SignatureEnvelope{}, r.wrapPartial(applied, err)
	}
	timestamp, err := r.store.CollectionTimestamp(dstB, dstC)
	if err != nil {
		return schema.SignatureEnvelope{}, r.wrapPartial(applied, err)
	}
	payload, err := canonical.Serialize(after, timestamp)
	if err != nil {
		return schema.SignatureEnvelope{}, r.wrapPartial(applied, err)
	}

	// Nothing changed and the existing envelope still verifies: keep it.
	if applied == 0 {
		if info, err := r.store.GetCollection(dstB, dstC); err == nil && info.Signature != nil {
			if signer.Verify(payload, *info.Signature) == nil {
				logger.Debug("destination already up to date, keeping signature")
				return *info.Signature, nil
			}
		}
	}

	env, err := s.Sign(ctx, payload)
	if err != nil {
		return schema.SignatureEnvelope{}, r.wrapPartial(applied, err)
	}

	// A signature that does not verify right after signing means signer
	// misconfiguration or key corruption; the commit never happens.
	if err := signer.Verify(payload, env); err != nil {
		logger.WithError(err).Error("freshly produced signature failed self-check")
		return schema.SignatureEnvelope{}, r.wrapPartial(applied, err)
	}

	before, _ := r.store.GetCollection(dstB, dstC)
	info, err := r.store.SetCollectionSignature(dstB, dstC, env)
	if err != nil {
		return schema.SignatureEnvelope{}, r.wrapPartial(applied, err)
	}
	r.notifier.Notify(events.New(schema.ActionUpdate, collectionURI(dstB, dstC), before, info, events.SystemIdentity))

	logger.Info("collection signed")
	return env, nil
}

// applyDiff mutates the destination to mirror the source and emits one
// resource event per mutation. It returns the number of applied mutations.
func (r *Replicator) applyDiff(res config.Resource, source, destination []schema.Record) (int, error) {
	dstB, dstC := res.Destination.Bucket, res.Destination.Collection

	dstByID := make(map[string]schema.Record, len(destination))
	for _, rec := range destination {
		dstByID[rec.ID] = rec
	}
	srcIDs := make(map[string]bool, len(source))

	applied := 0
	for _, rec := range source {
		srcIDs[rec.ID] = true
		existing, exists := dstByID[rec.ID]

		if rec.Deleted {
			if !exists || existing.Deleted {
				continue
			}
			before, err := r.store.DeleteRecord(dstB, dstC, rec.ID)
			if err != nil {
				return applied, r.wrapPartial(applied, err)
			}
			applied++
			r.notifier.Notify(events.New(schema.ActionDelete, recordURI(dstB, dstC, rec.ID), before, nil, events.SystemIdentity))
			continue
		}

		if exists && !existing.Deleted && reflect.DeepEqual(existing.Data, rec.Data) {
			continue
		}

		pushed, err := r.store.PutRecord(dstB, dstC, schema.Record{ID: rec.ID, Data: rec.Data})
		if err != nil {
			return applied, r.wrapPartial(applied, err)
		}
		applied++
		if exists && !existing.Deleted {
			r.notifier.Notify(events.New(schema.ActionUpdate, recordURI(dstB, dstC, rec.ID), existing, pushed, events.SystemIdentity))
		} else {
			r.notifier.Notify(events.New(schema.ActionCreate, recordURI(dstB, dstC, rec.ID), nil, pushed, events.SystemIdentity))
		}
	}

	// Records present in the destination but absent from the source.
	for _, rec := range destination {
		if srcIDs[rec.ID] || rec.Deleted {
			continue
		}
		before, err := r.store.DeleteRecord(dstB, dstC, rec.ID)
		if err != nil {
			return applied, r.wrapPartial(applied, err)
		}
		applied++
		r.notifier.Notify(events.New(schema.ActionDelete, recordURI(dstB, dstC, rec.ID), before, nil, events.SystemIdentity))
	}

	return applied, nil
}

// wrapPartial tags an error with ErrReplicationPartial when the destination
// was already mutated; without mutations the cause passes through untouched
// so the caller sees the original condition (e.g. ErrSignerUnavailable).
func (r *Replicator) wrapPartial(applied int, err error) error {
	if applied == 0 {
		return err
	}
	return fmt.Errorf("%w: %w", ErrReplicationPartial, err)
}

func collectionURI(bucket, collection string) string {
	return fmt.Sprintf("/buckets/%s/collections/%s", bucket, collection)
}

func recordURI(bucket, collection, id string) string {
	return fmt.Sprintf("/buckets/%s/collections/%s/records/%s", bucket, collection, id)
}
