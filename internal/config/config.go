// Package config loads the static daemon configuration: source/destination
// mappings, signer backends and workflow policy. It is loaded exactly once at
// startup; anything malformed is a fatal startup error, never a per-request
// condition.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// RefPair identifies a collection by bucket and collection id.
type RefPair struct {
	Bucket     string `mapstructure:"bucket" json:"bucket"`
	Collection string `mapstructure:"collection" json:"collection"`
}

func (r RefPair) String() string {
	return r.Bucket + "/" + r.Collection
}

// Resource binds one source collection to one destination collection and a
// named signer.
type Resource struct {
	Source      RefPair `mapstructure:"source" json:"source"`
	Destination RefPair `mapstructure:"destination" json:"destination"`
	Signer      string  `mapstructure:"signer" json:"signer"`
}

// SignerConfig selects and parameterizes one signer backend.
type SignerConfig struct {
	// Backend is "local" or "remote".
	Backend string `mapstructure:"backend"`

	// Local backend.
	PrivateKeyPath      string `mapstructure:"private_key"`
	KeyEncryptionSecret string `mapstructure:"key_encryption_secret"`

	// Remote backend.
	URL        string `mapstructure:"url"`
	KeyID      string `mapstructure:"key_id"`
	Token      string `mapstructure:"token"`
	MaxRetries uint64 `mapstructure:"max_retries"`
}

// Config is the normalized daemon configuration.
type Config struct {
	DataDir  string `mapstructure:"data_dir"`
	HTTPPort string `mapstructure:"http_port"`

	ToReviewEnabled bool `mapstructure:"to_review_enabled"`
	AllowSelfReview bool `mapstructure:"allow_self_review"`

	EditorsGroup   string              `mapstructure:"editors_group"`
	ReviewersGroup string              `mapstructure:"reviewers_group"`
	Groups         map[string][]string `mapstructure:"groups"`

	Signers   map[string]SignerConfig `mapstructure:"signers"`
	Resources []Resource              `mapstructure:"-"`
}

// Load reads the configuration file at path and normalizes it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MERIDIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("data_dir", "./data")
	v.SetDefault("http_port", "7610")
	v.SetDefault("to_review_enabled", true)
	v.SetDefault("allow_self_review", false)
	v.SetDefault("editors_group", "editors")
	v.SetDefault("reviewers_group", "reviewers")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	resources, err := normalizeResources(v.Get("resources"))
	if err != nil {
		return nil, err
	}
	cfg.Resources = resources

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalizeResources accepts both the structured form and the legacy compact
// string form ("src-bucket/src-coll -> dst-bucket/dst-coll : signer") and
// collapses them into Resource structs.
func normalizeResources(raw any) ([]Resource, error) {
	if raw == nil {
		return nil, fmt.Errorf("config: at least one resource mapping is required")
	}
	entries, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("config: resources must be a list")
	}

	var out []Resource
	for i, entry := range entries {
		switch e := entry.(type) {
		case string:
			res, err := ParseResourceString(e)
			if err != nil {
				return nil, fmt.Errorf("config: resource %d: %w", i, err)
			}
			out = append(out, res)
		case map[string]any:
			res, err := decodeResourceMap(e)
			if err != nil {
				return nil, fmt.Errorf("config: resource %d: %w", i, err)
			}
			out = append(out, res)
		default:
			return nil, fmt.Errorf("config: resource %d has unsupported type %T", i, entry)
		}
	}
	return out, nil
}

// ParseResourceString parses the legacy one-line mapping form:
//
//	staging/certs -> production/certs : autograph
func ParseResourceString(s string) (Resource, error) {
	var res Resource

	head, signerName, hasSigner := strings.Cut(s, ":")
	if !hasSigner {
		return res, fmt.Errorf("missing signer name in %q", s)
	}
	srcPart, dstPart, hasArrow := strings.Cut(head, "->")
	if !hasArrow {
		return res, fmt.Errorf("missing '->' in %q", s)
	}

	src, err := parseRefPair(strings.TrimSpace(srcPart))
	if err != nil {
		return res, err
	}
	dst, err := parseRefPair(strings.TrimSpace(dstPart))
	if err != nil {
		return res, err
	}

	res.Source = src
	res.Destination = dst
	res.Signer = strings.TrimSpace(signerName)
	if res.Signer == "" {
		return res, fmt.Errorf("empty signer name in %q", s)
	}
	return res, nil
}

func parseRefPair(s string) (RefPair, error) {
	bucket, collection, ok := strings.Cut(s, "/")
	if !ok || bucket == "" || collection == "" {
		return RefPair{}, fmt.Errorf("%q is not of the form bucket/collection", s)
	}
	return RefPair{Bucket: bucket, Collection: collection}, nil
}

func decodeResourceMap(m map[string]any) (Resource, error) {
	var res Resource
	src, err := decodeRefPair(m["source"])
	if err != nil {
		return res, fmt.Errorf("source: %w", err)
	}
	dst, err := decodeRefPair(m["destination"])
	if err != nil {
		return res, fmt.Errorf("destination: %w", err)
	}
	signerName, _ := m["signer"].(string)
	res.Source = src
	res.Destination = dst
	res.Signer = signerName
	return res, nil
}

func decodeRefPair(raw any) (RefPair, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return RefPair{}, fmt.Errorf("expected a bucket/collection object")
	}
	bucket, _ := m["bucket"].(string)
	collection, _ := m["collection"].(string)
	if bucket == "" || collection == "" {
		return RefPair{}, fmt.Errorf("bucket and collection are both required")
	}
	return RefPair{Bucket: bucket, Collection: collection}, nil
}

// Validate checks cross-field consistency of the normalized configuration.
func (c *Config) Validate() error {
	if len(c.Resources) == 0 {
		return fmt.Errorf("config: at least one resource mapping is required")
	}

	seenSources := make(map[string]bool)
	sources := make(map[string]bool)
	for _, res := range c.Resources {
		sources[res.Source.String()] = true
	}
	for _, res := range c.Resources {
		src := res.Source.String()
		if seenSources[src] {
			return fmt.Errorf("config: source %s is mapped twice", src)
		}
		seenSources[src] = true

		if res.Source == res.Destination {
			return fmt.Errorf("config: resource %s maps onto itself", src)
		}
		if sources[res.Destination.String()] {
			return fmt.Errorf("config: destination %s is also a source", res.Destination)
		}

		signerCfg, ok := c.Signers[res.Signer]
		if !ok {
			return fmt.Errorf("config: resource %s references unknown signer %q", src, res.Signer)
		}
		if err := validateSigner(res.Signer, signerCfg); err != nil {
			return err
		}
	}
	return nil
}

func validateSigner(name string, cfg SignerConfig) error {
	switch cfg.Backend {
	case "local":
		if cfg.PrivateKeyPath == "" {
			return fmt.Errorf("config: local signer %q needs private_key", name)
		}
	case "remote":
		if cfg.URL == "" {
			return fmt.Errorf("config: remote signer %q needs url", name)
		}
	default:
		return fmt.Errorf("config: signer %q has unknown backend %q", name, cfg.Backend)
	}
	return nil
}
