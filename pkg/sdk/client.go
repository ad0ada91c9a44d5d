// Package sdk provides the client-side library for interacting with a
// Meridian signer daemon over HTTP.
package sdk

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/meridian-data/meridian-signer/pkg/schema"
)

// Client is a remote client for the signer daemon.
type Client struct {
	base     string
	identity string
	hc       *http.Client
}

// Connect builds a client for the daemon at addr (host:port or a full URL)
// and checks reachability via the capabilities endpoint. If
// MERIDIAN_DISABLE_TLS is set to "true", certificate checks are skipped for
// self-signed internal traffic.
func Connect(addr string) (*Client, error) {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	base = strings.TrimSuffix(base, "/")

	transport := &http.Transport{}
	if os.Getenv("MERIDIAN_DISABLE_TLS") == "true" {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	c := &Client{
		base: base,
		hc:   &http.Client{Timeout: 30 * time.Second, Transport: transport},
	}
	if err := c.do("GET", "/capabilities", nil, nil); err != nil {
		return nil, fmt.Errorf("cannot reach %s: %w", base, err)
	}
	return c, nil
}

// WithIdentity sets the identity sent on mutating requests.
func (c *Client) WithIdentity(identity string) *Client {
	c.identity = identity
	return c
}

// apiError is the daemon's JSON error body.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (c *Client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.identity != "" {
		req.Header.Set("X-Identity", c.identity)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s)", apiErr.Error, apiErr.Code)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Collection returns the metadata of a collection, including its signature.
func (c *Client) Collection(bucket, collection string) (schema.CollectionInfo, error) {
	var info schema.CollectionInfo
	err := c.do("GET", collectionPath(bucket, collection), nil, &info)
	return info, err
}

// SetStatus requests a workflow transition.
func (c *Client) SetStatus(bucket, collection string, status schema.Status) (schema.CollectionInfo, error) {
	var info schema.CollectionInfo
	err := c.do("PATCH", collectionPath(bucket, collection), map[string]string{"status": string(status)}, &info)
	return info, err
}

// Records lists the live records of a collection.
func (c *Client) Records(bucket, collection string) ([]schema.Record, error) {
	var out struct {
		Data []schema.Record `json:"data"`
	}
	err := c.do("GET", collectionPath(bucket, collection)+"/records", nil, &out)
	return out.Data, err
}

// PutRecord creates or updates a record. An empty id lets the daemon assign one.
func (c *Client) PutRecord(bucket, collection, id string, data map[string]any) (schema.Record, error) {
	var rec schema.Record
	var err error
	if id == "" {
		err = c.do("POST", collectionPath(bucket, collection)+"/records", data, &rec)
	} else {
		err = c.do("PUT", collectionPath(bucket, collection)+"/records/"+id, data, &rec)
	}
	return rec, err
}

// DeleteRecord tombstones a record.
func (c *Client) DeleteRecord(bucket, collection, id string) error {
	return c.do("DELETE", collectionPath(bucket, collection)+"/records/"+id, nil, nil)
}

// Heartbeat returns the per-signer self-test results.
func (c *Client) Heartbeat() (map[string]schema.SignerHealth, error) {
	var out struct {
		Signers map[string]schema.SignerHealth `json:"signers"`
	}
	err := c.do("GET", "/heartbeat", nil, &out)
	return out.Signers, err
}

// Capabilities returns the daemon's configured mappings and policy.
func (c *Client) Capabilities() (map[string]any, error) {
	var out map[string]any
	err := c.do("GET", "/capabilities", nil, &out)
	return out, err
}

func collectionPath(bucket, collection string) string {
	return "/buckets/" + bucket + "/collections/" + collection
}
