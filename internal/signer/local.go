package signer

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"hash"
	"time"

	"github.com/meridian-data/meridian-signer/pkg/schema"
)

// LocalSigner signs payloads with an ECDSA private key held in memory.
// Signing is a pure local computation: once the key has been validated at
// startup, Sign does not fail.
type LocalSigner struct {
	name    string
	priv    *ecdsa.PrivateKey
	pubPEM  string
	mode    string
	hashAlg string
	newHash func() hash.Hash
}

// NewLocalSigner parses an EC private key in PEM form (SEC1 or PKCS#8).
// Unsupported curves and malformed keys are rejected here, at startup.
func NewLocalSigner(name string, keyPEM []byte) (*LocalSigner, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("signer %q: no PEM block in private key", name)
	}

	var priv *ecdsa.PrivateKey
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		priv = key
	} else if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		ec, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("signer %q: private key is not ECDSA", name)
		}
		priv = ec
	} else {
		return nil, fmt.Errorf("signer %q: cannot parse private key: %w", name, err)
	}

	s := &LocalSigner{name: name, priv: priv}
	switch priv.Curve {
	case elliptic.P256():
		s.mode, s.hashAlg, s.newHash = "p256ecdsa", "sha256", sha256.New
	case elliptic.P384():
		s.mode, s.hashAlg, s.newHash = "p384ecdsa", "sha384", sha512.New384
	default:
		return nil, fmt.Errorf("signer %q: unsupported curve %s", name, priv.Curve.Params().Name)
	}

	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("signer %q: cannot encode public key: %w", name, err)
	}
	s.pubPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	return s, nil
}

func (s *LocalSigner) Name() string {
	return s.name
}

// PublicKeyPEM returns the PKIX PEM encoding of the signing public key.
func (s *LocalSigner) PublicKeyPEM() string {
	return s.pubPEM
}

func (s *LocalSigner) Sign(_ context.Context, payload []byte) (schema.SignatureEnvelope, error) {
	h := s.newHash()
	h.Write(prefixed(payload))
	digest := h.Sum(nil)

	r, sv, err := ecdsa.Sign(rand.Reader, s.priv, digest)
	if err != nil {
		return schema.SignatureEnvelope{}, fmt.Errorf("signer %q: %w", s.name, err)
	}

	byteLen := (s.priv.Curve.Params().BitSize + 7) / 8
	sig := make([]byte, 2*byteLen)
	r.FillBytes(sig[:byteLen])
	sv.FillBytes(sig[byteLen:])

	return schema.SignatureEnvelope{
		Signature:         base64.RawURLEncoding.EncodeToString(sig),
		HashAlgorithm:     s.hashAlg,
		SignatureEncoding: "rs_base64url",
		PublicKey:         s.pubPEM,
		Mode:              s.mode,
		SignerID:          s.name,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// GenerateKeyPEM creates a fresh EC private key on the named curve and
// returns it in SEC1 PEM form. Used by the CLI keygen command and by tests.
func GenerateKeyPEM(curveName string) ([]byte, error) {
	var curve elliptic.Curve
	switch curveName {
	case "", "P-384":
		curve = elliptic.P384()
	case "P-256":
		curve = elliptic.P256()
	default:
		return nil, fmt.Errorf("unsupported curve %q", curveName)
	}
	priv, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}
