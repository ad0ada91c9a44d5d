package signer

import (
	"fmt"
	"os"

	"github.com/meridian-data/meridian-signer/internal/config"
	"github.com/meridian-data/meridian-signer/internal/vault"
)

// FromConfig builds a signer from its static configuration. Key material
// problems surface here, at startup.
func FromConfig(name string, cfg config.SignerConfig) (Signer, error) {
	switch cfg.Backend {
	case "local":
		keyPEM, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("signer %q: %w", name, err)
		}
		if cfg.KeyEncryptionSecret != "" {
			decrypted, err := vault.Decrypt(string(keyPEM), vault.DeriveKey(cfg.KeyEncryptionSecret))
			if err != nil {
				return nil, fmt.Errorf("signer %q: decrypting private key: %w", name, err)
			}
			keyPEM = []byte(decrypted)
		}
		return NewLocalSigner(name, keyPEM)
	case "remote":
		return NewRemoteSigner(name, cfg.URL, cfg.KeyID, cfg.Token, cfg.MaxRetries), nil
	default:
		return nil, fmt.Errorf("signer %q: unknown backend %q", name, cfg.Backend)
	}
}

// BuildAll constructs every configured signer.
func BuildAll(cfg *config.Config) (map[string]Signer, error) {
	signers := make(map[string]Signer, len(cfg.Signers))
	for name, signerCfg := range cfg.Signers {
		s, err := FromConfig(name, signerCfg)
		if err != nil {
			return nil, err
		}
		signers[name] = s
	}
	return signers, nil
}
