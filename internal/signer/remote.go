package signer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/meridian-data/meridian-signer/pkg/schema"
)

const defaultMaxRetries = 4

// signRequest is one entry of the batch body sent to the signing service.
type signRequest struct {
	Input string `json:"input"`
	KeyID string `json:"keyid,omitempty"`
}

// signResponse is one entry of the service's response array.
type signResponse struct {
	Signature         string `json:"signature"`
	HashAlgorithm     string `json:"hash_algorithm"`
	SignatureEncoding string `json:"signature_encoding"`
	PublicKey         string `json:"public_key"`
	X5U               string `json:"x5u"`
	Ref               string `json:"ref"`
	Mode              string `json:"mode"`
}

// RemoteSigner delegates signing to an external service over HTTPS.
// Transient failures (network errors, 5xx) are retried with exponential
// backoff; once the budget is exhausted the caller gets ErrSignerUnavailable.
type RemoteSigner struct {
	name       string
	url        string
	keyID      string
	token      string
	maxRetries uint64
	client     *http.Client
	log        *log.Entry
}

// NewRemoteSigner builds a client for the signing service at url.
// maxRetries bounds the retry budget; 0 selects the default.
func NewRemoteSigner(name, url, keyID, token string, maxRetries uint64) *RemoteSigner {
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	return &RemoteSigner{
		name:       name,
		url:        url,
		keyID:      keyID,
		token:      token,
		maxRetries: maxRetries,
		client:     &http.Client{Timeout: 30 * time.Second},
		log:        log.WithField("signer", name),
	}
}

func (r *RemoteSigner) Name() string {
	return r.name
}

func (r *RemoteSigner) Sign(ctx context.Context, payload []byte) (schema.SignatureEnvelope, error) {
	body, err := json.Marshal([]signRequest{{
		Input: base64.StdEncoding.EncodeToString(prefixed(payload)),
		KeyID: r.keyID,
	}})
	if err != nil {
		return schema.SignatureEnvelope{}, err
	}

	var result signResponse
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url+"/sign/data", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if r.token != "" {
			req.Header.Set("Authorization", "Bearer "+r.token)
		}

		resp, err := r.client.Do(req)
		if err != nil {
			r.log.WithError(err).Warn("signing request failed, will retry")
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			r.log.Warnf("signing service returned %d, will retry", resp.StatusCode)
			return fmt.Errorf("signing service returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return backoff.Permanent(fmt.Errorf("%w: unexpected status %d", ErrBadSignerResponse, resp.StatusCode))
		}

		var entries []signResponse
		if err := json.Unmarshal(raw, &entries); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrBadSignerResponse, err))
		}
		if len(entries) == 0 || entries[0].Signature == "" {
			return backoff.Permanent(fmt.Errorf("%w: empty response", ErrBadSignerResponse))
		}
		result = entries[0]
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(newExponentialBackOff(), r.maxRetries), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		if errors.Is(err, ErrBadSignerResponse) {
			return schema.SignatureEnvelope{}, err
		}
		return schema.SignatureEnvelope{}, fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}

	env := schema.SignatureEnvelope{
		Signature:         result.Signature,
		HashAlgorithm:     result.HashAlgorithm,
		SignatureEncoding: result.SignatureEncoding,
		PublicKey:         result.PublicKey,
		X5U:               result.X5U,
		Ref:               result.Ref,
		Mode:              result.Mode,
		SignerID:          r.name,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}
	if env.HashAlgorithm == "" {
		env.HashAlgorithm = "sha384"
	}
	if env.SignatureEncoding == "" {
		env.SignatureEncoding = "rs_base64url"
	}
	return env, nil
}

func newExponentialBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0 // bounded by retry count, not wall clock
	return bo
}
