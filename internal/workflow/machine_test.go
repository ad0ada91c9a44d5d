package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-data/meridian-signer/internal/config"
	"github.com/meridian-data/meridian-signer/internal/engine"
	"github.com/meridian-data/meridian-signer/internal/events"
	"github.com/meridian-data/meridian-signer/pkg/schema"
)

type allowAll struct{}

func (allowAll) CanTransition(context.Context, string, string, string, schema.Status) bool {
	return true
}

type denyAll struct{}

func (denyAll) CanTransition(context.Context, string, string, string, schema.Status) bool {
	return false
}

// fakeReplicator records invocations and fails on demand.
type fakeReplicator struct {
	calls int
	fail  error
}

func (f *fakeReplicator) Replicate(_ context.Context, _ config.Resource) (schema.SignatureEnvelope, error) {
	f.calls++
	if f.fail != nil {
		return schema.SignatureEnvelope{}, f.fail
	}
	return schema.SignatureEnvelope{Signature: "fake"}, nil
}

var testResources = []config.Resource{{
	Source:      config.RefPair{Bucket: "staging", Collection: "certs"},
	Destination: config.RefPair{Bucket: "production", Collection: "certs"},
	Signer:      "local",
}}

func newTestMachine(t *testing.T, auth Authorizer, repl Replicator, toReview, selfReview bool) (*Machine, engine.Store) {
	t.Helper()
	store := engine.NewMemStore(nil, nil)
	_, err := store.EnsureCollection("staging", "certs")
	require.NoError(t, err)
	return New(store, auth, repl, testResources, toReview, selfReview), store
}

func TestFullReviewChain(t *testing.T) {
	repl := &fakeReplicator{}
	m, _ := newTestMachine(t, allowAll{}, repl, true, false)
	ctx := context.Background()

	info, err := m.RequestTransition(ctx, "alice", "staging", "certs", schema.StatusToReview)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusToReview, info.Status)
	assert.Equal(t, "alice", info.LastEditor)

	info, err = m.RequestTransition(ctx, "bob", "staging", "certs", schema.StatusToSign)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusToSign, info.Status)
	assert.Equal(t, "bob", info.LastReviewer)

	info, err = m.RequestTransition(ctx, "bob", "staging", "certs", schema.StatusSigned)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSigned, info.Status)
	assert.Equal(t, events.SystemIdentity, info.LastAuthor)
	assert.Equal(t, 1, repl.calls)
}

func TestInvalidTransitions(t *testing.T) {
	m, _ := newTestMachine(t, allowAll{}, &fakeReplicator{}, true, false)
	ctx := context.Background()

	for _, target := range []schema.Status{schema.StatusToSign, schema.StatusSigned, schema.StatusWorkInProgress} {
		_, err := m.RequestTransition(ctx, "alice", "staging", "certs", target)
		require.ErrorIs(t, err, ErrInvalidTransition, "wip -> %s must be rejected", target)
	}

	// A rejected request leaves the collection untouched.
	info, err := m.store.GetCollection("staging", "certs")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusWorkInProgress, info.Status)
}

func TestUnmanagedCollection(t *testing.T) {
	m, store := newTestMachine(t, allowAll{}, &fakeReplicator{}, true, false)
	_, err := store.EnsureCollection("staging", "other")
	require.NoError(t, err)

	_, err = m.RequestTransition(context.Background(), "alice", "staging", "other", schema.StatusToReview)
	require.ErrorIs(t, err, ErrUnmanaged)
}

func TestForbiddenByAuthorizer(t *testing.T) {
	m, _ := newTestMachine(t, denyAll{}, &fakeReplicator{}, true, false)

	_, err := m.RequestTransition(context.Background(), "alice", "staging", "certs", schema.StatusToReview)
	require.ErrorIs(t, err, ErrForbidden)
}

func TestSelfReviewBlocked(t *testing.T) {
	m, _ := newTestMachine(t, allowAll{}, &fakeReplicator{}, true, false)
	ctx := context.Background()

	_, err := m.RequestTransition(ctx, "alice", "staging", "certs", schema.StatusToReview)
	require.NoError(t, err)

	_, err = m.RequestTransition(ctx, "alice", "staging", "certs", schema.StatusToSign)
	require.ErrorIs(t, err, ErrForbidden)

	// Somebody else may approve.
	_, err = m.RequestTransition(ctx, "bob", "staging", "certs", schema.StatusToSign)
	require.NoError(t, err)
}

func TestSelfReviewAllowedWhenConfigured(t *testing.T) {
	m, _ := newTestMachine(t, allowAll{}, &fakeReplicator{}, true, true)
	ctx := context.Background()

	_, err := m.RequestTransition(ctx, "alice", "staging", "certs", schema.StatusToReview)
	require.NoError(t, err)
	_, err = m.RequestTransition(ctx, "alice", "staging", "certs", schema.StatusToSign)
	require.NoError(t, err)
}

func TestDeclineResetsToWorkInProgress(t *testing.T) {
	m, _ := newTestMachine(t, allowAll{}, &fakeReplicator{}, true, false)
	ctx := context.Background()

	_, err := m.RequestTransition(ctx, "alice", "staging", "certs", schema.StatusToReview)
	require.NoError(t, err)

	info, err := m.RequestTransition(ctx, "bob", "staging", "certs", schema.StatusWorkInProgress)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusWorkInProgress, info.Status)
}

func TestToReviewDisabledCollapsesChain(t *testing.T) {
	repl := &fakeReplicator{}
	m, _ := newTestMachine(t, allowAll{}, repl, false, false)
	ctx := context.Background()

	_, err := m.RequestTransition(ctx, "alice", "staging", "certs", schema.StatusToReview)
	require.ErrorIs(t, err, ErrInvalidTransition)

	info, err := m.RequestTransition(ctx, "alice", "staging", "certs", schema.StatusToSign)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusToSign, info.Status)

	info, err = m.RequestTransition(ctx, "alice", "staging", "certs", schema.StatusSigned)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSigned, info.Status)
	assert.Equal(t, 1, repl.calls)
}

func TestFailedReplicationKeepsToSign(t *testing.T) {
	repl := &fakeReplicator{fail: errors.New("signing service down")}
	m, store := newTestMachine(t, allowAll{}, repl, true, false)
	ctx := context.Background()

	_, err := m.RequestTransition(ctx, "alice", "staging", "certs", schema.StatusToReview)
	require.NoError(t, err)
	_, err = m.RequestTransition(ctx, "bob", "staging", "certs", schema.StatusToSign)
	require.NoError(t, err)

	_, err = m.RequestTransition(ctx, "bob", "staging", "certs", schema.StatusSigned)
	require.Error(t, err)

	info, err := store.GetCollection("staging", "certs")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusToSign, info.Status, "failed promotion must not commit the signed status")

	// The retry succeeds once the signer recovers.
	repl.fail = nil
	info, err = m.RequestTransition(ctx, "bob", "staging", "certs", schema.StatusSigned)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSigned, info.Status)
	assert.Equal(t, 2, repl.calls)
}

func TestRecordChangeReopensCycle(t *testing.T) {
	m, store := newTestMachine(t, allowAll{}, &fakeReplicator{}, true, false)
	ctx := context.Background()

	_, err := m.RequestTransition(ctx, "alice", "staging", "certs", schema.StatusToReview)
	require.NoError(t, err)

	m.OnRecordChange("staging", "certs")

	info, err := store.GetCollection("staging", "certs")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusWorkInProgress, info.Status)
}

func TestRecordChangeIgnoresUnmanaged(t *testing.T) {
	m, store := newTestMachine(t, allowAll{}, &fakeReplicator{}, true, false)
	_, err := store.EnsureCollection("staging", "other")
	require.NoError(t, err)

	// Must not panic or touch anything.
	m.OnRecordChange("staging", "other")

	info, err := store.GetCollection("staging", "other")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusWorkInProgress, info.Status)
}

func TestIsDestination(t *testing.T) {
	m, _ := newTestMachine(t, allowAll{}, &fakeReplicator{}, true, false)
	assert.True(t, m.IsDestination("production", "certs"))
	assert.False(t, m.IsDestination("staging", "certs"))
}
