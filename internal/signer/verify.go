package signer

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"

	"github.com/meridian-data/meridian-signer/pkg/schema"
)

// Verify checks an envelope against the payload it claims to sign. It
// reconstructs the exact Content-Signature byte string and validates the
// ECDSA signature with the envelope's public key. Every failure mode wraps
// ErrVerificationFailed.
func Verify(payload []byte, env schema.SignatureEnvelope) error {
	pub, err := parsePublicKey(env.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	sig, err := decodeSignature(env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	byteLen := (pub.Curve.Params().BitSize + 7) / 8
	if len(sig) != 2*byteLen {
		return fmt.Errorf("%w: signature length %d does not match curve", ErrVerificationFailed, len(sig))
	}
	r := new(big.Int).SetBytes(sig[:byteLen])
	s := new(big.Int).SetBytes(sig[byteLen:])

	digest, err := hashPrefixed(payload, env.HashAlgorithm)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	if !ecdsa.Verify(pub, digest, r, s) {
		return fmt.Errorf("%w: signature does not match payload", ErrVerificationFailed)
	}
	return nil
}

func parsePublicKey(pubPEM string) (*ecdsa.PublicKey, error) {
	if pubPEM == "" {
		return nil, fmt.Errorf("envelope carries no public key")
	}
	block, _ := pem.Decode([]byte(pubPEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in public key")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cannot parse public key: %w", err)
	}
	ec, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not ECDSA")
	}
	return ec, nil
}

func decodeSignature(env schema.SignatureEnvelope) ([]byte, error) {
	switch env.SignatureEncoding {
	case "", "rs_base64url":
		sig, err := base64.RawURLEncoding.DecodeString(env.Signature)
		if err != nil {
			return nil, fmt.Errorf("cannot decode signature: %w", err)
		}
		return sig, nil
	default:
		return nil, fmt.Errorf("unsupported signature encoding %q", env.SignatureEncoding)
	}
}

func hashPrefixed(payload []byte, algorithm string) ([]byte, error) {
	msg := prefixed(payload)
	switch algorithm {
	case "sha256":
		sum := sha256.Sum256(msg)
		return sum[:], nil
	case "sha384":
		sum := sha512.Sum384(msg)
		return sum[:], nil
	case "sha512":
		sum := sha512.Sum512(msg)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
}
