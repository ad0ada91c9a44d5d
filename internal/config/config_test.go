package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-data/meridian-signer/pkg/schema"
)

func TestParseResourceString(t *testing.T) {
	res, err := ParseResourceString("staging/certs -> production/certs : autograph")
	require.NoError(t, err)
	assert.Equal(t, RefPair{Bucket: "staging", Collection: "certs"}, res.Source)
	assert.Equal(t, RefPair{Bucket: "production", Collection: "certs"}, res.Destination)
	assert.Equal(t, "autograph", res.Signer)
}

func TestParseResourceStringErrors(t *testing.T) {
	cases := []string{
		"staging/certs -> production/certs",    // no signer
		"staging/certs production/certs : s",   // no arrow
		"staging -> production/certs : s",      // source not bucket/collection
		"staging/certs -> production/certs : ", // empty signer
	}
	for _, c := range cases {
		_, err := ParseResourceString(c)
		assert.Error(t, err, "%q must be rejected", c)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meridian.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/meridian
groups:
  editors: [alice]
  reviewers: [bob]
signers:
  autograph:
    backend: remote
    url: https://autograph.example.com
    key_id: normandy
resources:
  - "staging/certs -> production/certs : autograph"
  - source:
      bucket: staging
      collection: addons
    destination:
      bucket: production
      collection: addons
    signer: autograph
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/meridian", cfg.DataDir)
	assert.Equal(t, "7610", cfg.HTTPPort) // default
	assert.True(t, cfg.ToReviewEnabled)   // default
	assert.False(t, cfg.AllowSelfReview)  // default

	require.Len(t, cfg.Resources, 2)
	assert.Equal(t, "staging/certs", cfg.Resources[0].Source.String())
	assert.Equal(t, "production/addons", cfg.Resources[1].Destination.String())
	assert.Equal(t, "autograph", cfg.Resources[1].Signer)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Signers: map[string]SignerConfig{
				"local": {Backend: "local", PrivateKeyPath: "/keys/ec.pem"},
			},
			Resources: []Resource{{
				Source:      RefPair{Bucket: "staging", Collection: "certs"},
				Destination: RefPair{Bucket: "production", Collection: "certs"},
				Signer:      "local",
			}},
		}
	}

	require.NoError(t, base().Validate())

	t.Run("no resources", func(t *testing.T) {
		cfg := base()
		cfg.Resources = nil
		require.Error(t, cfg.Validate())
	})

	t.Run("duplicate source", func(t *testing.T) {
		cfg := base()
		cfg.Resources = append(cfg.Resources, cfg.Resources[0])
		require.Error(t, cfg.Validate())
	})

	t.Run("source equals destination", func(t *testing.T) {
		cfg := base()
		cfg.Resources[0].Destination = cfg.Resources[0].Source
		require.Error(t, cfg.Validate())
	})

	t.Run("destination is also a source", func(t *testing.T) {
		cfg := base()
		cfg.Resources = append(cfg.Resources, Resource{
			Source:      RefPair{Bucket: "production", Collection: "certs"},
			Destination: RefPair{Bucket: "archive", Collection: "certs"},
			Signer:      "local",
		})
		require.Error(t, cfg.Validate())
	})

	t.Run("unknown signer", func(t *testing.T) {
		cfg := base()
		cfg.Resources[0].Signer = "ghost"
		require.Error(t, cfg.Validate())
	})

	t.Run("local signer without key", func(t *testing.T) {
		cfg := base()
		cfg.Signers["local"] = SignerConfig{Backend: "local"}
		require.Error(t, cfg.Validate())
	})

	t.Run("remote signer without url", func(t *testing.T) {
		cfg := base()
		cfg.Signers["local"] = SignerConfig{Backend: "remote"}
		require.Error(t, cfg.Validate())
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := base()
		cfg.Signers["local"] = SignerConfig{Backend: "hsm"}
		require.Error(t, cfg.Validate())
	})
}

func TestGroupAuthorizer(t *testing.T) {
	auth := NewGroupAuthorizer(&Config{
		EditorsGroup:   "editors",
		ReviewersGroup: "reviewers",
		Groups: map[string][]string{
			"editors":   {"alice"},
			"reviewers": {"bob"},
		},
	})
	ctx := context.Background()

	assert.True(t, auth.CanTransition(ctx, "alice", "staging", "certs", schema.StatusToReview))
	assert.False(t, auth.CanTransition(ctx, "bob", "staging", "certs", schema.StatusToReview))

	assert.True(t, auth.CanTransition(ctx, "bob", "staging", "certs", schema.StatusToSign))
	assert.True(t, auth.CanTransition(ctx, "bob", "staging", "certs", schema.StatusSigned))
	assert.False(t, auth.CanTransition(ctx, "alice", "staging", "certs", schema.StatusToSign))

	// Both roles may decline back to work-in-progress.
	assert.True(t, auth.CanTransition(ctx, "alice", "staging", "certs", schema.StatusWorkInProgress))
	assert.True(t, auth.CanTransition(ctx, "bob", "staging", "certs", schema.StatusWorkInProgress))

	// Unknown identities and empty identities are denied.
	assert.False(t, auth.CanTransition(ctx, "mallory", "staging", "certs", schema.StatusToReview))
	assert.False(t, auth.CanTransition(ctx, "", "staging", "certs", schema.StatusToReview))
}
