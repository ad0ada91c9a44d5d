package signer

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/meridian-data/meridian-signer/pkg/schema"
)

// probePayload is a fixed payload used for sign+verify self-tests. It never
// touches any collection.
var probePayload = []byte(`{"data":[],"last_modified":"0"}`)

// SelfTest signs the probe payload and verifies the result, exercising the
// full round trip through the given signer.
func SelfTest(ctx context.Context, s Signer) error {
	env, err := s.Sign(ctx, probePayload)
	if err != nil {
		return err
	}
	return Verify(probePayload, env)
}

// HealthRegistry caches the most recent self-test result per configured
// signer for the heartbeat surface.
type HealthRegistry struct {
	mu      sync.RWMutex
	signers map[string]Signer
	results map[string]schema.SignerHealth
}

// NewHealthRegistry tracks the given signers. No self-test runs until
// RefreshAll is called.
func NewHealthRegistry(signers map[string]Signer) *HealthRegistry {
	return &HealthRegistry{
		signers: signers,
		results: make(map[string]schema.SignerHealth),
	}
}

// RefreshAll runs a self-test for every signer and stores the results.
func (h *HealthRegistry) RefreshAll(ctx context.Context) {
	for name, s := range h.signers {
		result := schema.SignerHealth{
			OK:        true,
			CheckedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := SelfTest(ctx, s); err != nil {
			result.OK = false
			result.Error = err.Error()
			log.WithField("signer", name).WithError(err).Error("signer self-test failed")
		}
		h.mu.Lock()
		h.results[name] = result
		h.mu.Unlock()
	}
}

// Snapshot returns a copy of the last known results.
func (h *HealthRegistry) Snapshot() map[string]schema.SignerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]schema.SignerHealth, len(h.results))
	for name, result := range h.results {
		out[name] = result
	}
	return out
}

// Healthy reports whether every signer passed its last self-test. Signers
// that were never tested count as unhealthy.
func (h *HealthRegistry) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.results) != len(h.signers) {
		return false
	}
	for _, result := range h.results {
		if !result.OK {
			return false
		}
	}
	return true
}
