// Package workflow governs the review status of source collections and
// decides when a promotion triggers the signing pipeline.
package workflow

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/meridian-data/meridian-signer/internal/config"
	"github.com/meridian-data/meridian-signer/internal/engine"
	"github.com/meridian-data/meridian-signer/internal/events"
	"github.com/meridian-data/meridian-signer/pkg/schema"
)

var (
	// ErrInvalidTransition is returned when the requested status change is
	// not permitted from the current state. No side effects.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrForbidden is returned when the authorization collaborator denies
	// the transition. No side effects.
	ErrForbidden = errors.New("transition forbidden")
	// ErrUnmanaged is returned for collections that are not bound to any
	// source/destination mapping.
	ErrUnmanaged = errors.New("collection is not bound to a signing workflow")
)

// Authorizer is the external policy decision: may this identity move this
// collection to the target status? The machine consumes the boolean only.
type Authorizer interface {
	CanTransition(ctx context.Context, identity, bucket, collection string, target schema.Status) bool
}

// Replicator runs the signing pipeline for one configured resource.
type Replicator interface {
	Replicate(ctx context.Context, res config.Resource) (schema.SignatureEnvelope, error)
}

// Machine is the status state machine for all configured source collections.
type Machine struct {
	store      engine.Store
	auth       Authorizer
	replicator Replicator

	sources      map[string]config.Resource // keyed by source "bucket/collection"
	destinations map[string]bool

	toReviewEnabled bool
	allowSelfReview bool
}

// New wires the machine to its collaborators.
func New(store engine.Store, auth Authorizer, repl Replicator, resources []config.Resource, toReviewEnabled, allowSelfReview bool) *Machine {
	m := &Machine{
		store:           store,
		auth:            auth,
		replicator:      repl,
		sources:         make(map[string]config.Resource, len(resources)),
		destinations:    make(map[string]bool, len(resources)),
		toReviewEnabled: toReviewEnabled,
		allowSelfReview: allowSelfReview,
	}
	for _, res := range resources {
		m.sources[res.Source.String()] = res
		m.destinations[res.Destination.String()] = true
	}
	return m
}

// ResourceFor returns the mapping whose source is the given collection.
func (m *Machine) ResourceFor(bucket, collection string) (config.Resource, bool) {
	res, ok := m.sources[bucket+"/"+collection]
	return res, ok
}

// IsDestination reports whether the collection is a replication target and
// therefore read-only to everything but the replicator.
func (m *Machine) IsDestination(bucket, collection string) bool {
	return m.destinations[bucket+"/"+collection]
}

// legal reports whether current -> target is an allowed promotion or reset.
func (m *Machine) legal(current, target schema.Status) bool {
	switch target {
	case schema.StatusToReview:
		return m.toReviewEnabled && current == schema.StatusWorkInProgress
	case schema.StatusToSign:
		if m.toReviewEnabled {
			return current == schema.StatusToReview
		}
		return current == schema.StatusWorkInProgress || current == schema.StatusToReview
	case schema.StatusSigned:
		return current == schema.StatusToSign
	case schema.StatusWorkInProgress:
		// Declining a pending review or reopening is always legal.
		return current != schema.StatusWorkInProgress
	}
	return false
}

// RequestTransition validates and applies a status change requested by an
// identity. The signed transition triggers replication; its status only
// commits after the pipeline succeeds, so a failed promotion stays at
// to-sign and can be retried.
func (m *Machine) RequestTransition(ctx context.Context, identity, bucket, collection string, target schema.Status) (schema.CollectionInfo, error) {
	res, managed := m.ResourceFor(bucket, collection)
	if !managed {
		return schema.CollectionInfo{}, fmt.Errorf("%w: %s/%s", ErrUnmanaged, bucket, collection)
	}

	info, err := m.store.GetCollection(bucket, collection)
	if err != nil {
		return schema.CollectionInfo{}, err
	}

	if !m.legal(info.Status, target) {
		return schema.CollectionInfo{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, info.Status, target)
	}
	if !m.auth.CanTransition(ctx, identity, bucket, collection, target) {
		return schema.CollectionInfo{}, fmt.Errorf("%w: %q may not set status %s", ErrForbidden, identity, target)
	}
	if target == schema.StatusToSign && !m.allowSelfReview && identity != "" && identity == info.LastEditor {
		return schema.CollectionInfo{}, fmt.Errorf("%w: reviewer must differ from last editor", ErrForbidden)
	}

	if target == schema.StatusSigned {
		if _, err := m.replicator.Replicate(ctx, res); err != nil {
			log.WithFields(log.Fields{
				"source":      res.Source.String(),
				"destination": res.Destination.String(),
			}).WithError(err).Error("promotion failed, status stays at to-sign")
			return schema.CollectionInfo{}, err
		}
	}

	// Commit the status under the store lock, re-checking that no concurrent
	// request moved the collection in the meantime.
	expected := info.Status
	return m.store.UpdateCollection(bucket, collection, func(c *schema.CollectionInfo) error {
		if c.Status != expected && c.Status != target {
			return fmt.Errorf("%w: status changed concurrently to %s", ErrInvalidTransition, c.Status)
		}
		c.Status = target
		switch target {
		case schema.StatusToReview:
			c.LastEditor = identity
		case schema.StatusToSign:
			c.LastReviewer = identity
		case schema.StatusSigned:
			c.LastAuthor = events.SystemIdentity
		}
		return nil
	})
}

// OnRecordChange is invoked after any record mutation on a source
// collection. An edit while a review or signature is pending (or completed)
// reopens the cycle; the previous destination signature stays in place until
// the next successful promotion.
func (m *Machine) OnRecordChange(bucket, collection string) {
	if _, managed := m.ResourceFor(bucket, collection); !managed {
		return
	}
	_, err := m.store.UpdateCollection(bucket, collection, func(c *schema.CollectionInfo) error {
		if c.Status == schema.StatusWorkInProgress {
			return errNoChange
		}
		c.Status = schema.StatusWorkInProgress
		return nil
	})
	if err != nil && !errors.Is(err, errNoChange) && !errors.Is(err, engine.ErrCollectionNotFound) && !errors.Is(err, engine.ErrBucketNotFound) {
		log.WithError(err).Warn("could not reset collection status")
	}
}

var errNoChange = errors.New("no change")
