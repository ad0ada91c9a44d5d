// Package schema defines universal data structures used across the Meridian signer.
package schema

// Record is a single entry in a collection. The payload is an arbitrary
// key/value document; a tombstone keeps the id and timestamp but no data.
type Record struct {
	ID           string         `json:"id"`
	Data         map[string]any `json:"data,omitempty"`
	LastModified int64          `json:"last_modified"`
	Deleted      bool           `json:"deleted,omitempty"`
}

// Clone returns a deep copy of the record so callers can mutate it freely.
func (r Record) Clone() Record {
	out := r
	if r.Data != nil {
		out.Data = make(map[string]any, len(r.Data))
		for k, v := range r.Data {
			out.Data[k] = v
		}
	}
	return out
}

// SignatureEnvelope carries a signature over the canonical serialization of a
// collection, plus the metadata needed to verify it. It is replaced wholesale
// on every successful signing.
type SignatureEnvelope struct {
	Signature         string `json:"signature"`
	HashAlgorithm     string `json:"hash_algorithm"`
	SignatureEncoding string `json:"signature_encoding"`
	PublicKey         string `json:"public_key,omitempty"`
	X5U               string `json:"x5u,omitempty"`
	Ref               string `json:"ref,omitempty"`
	Mode              string `json:"mode,omitempty"`
	SignerID          string `json:"signer_id,omitempty"`
	Timestamp         string `json:"timestamp,omitempty"`
}

// CollectionInfo is the metadata attached to a collection of records.
type CollectionInfo struct {
	Bucket       string             `json:"bucket"`
	ID           string             `json:"id"`
	Status       Status             `json:"status"`
	LastEditor   string             `json:"last_editor,omitempty"`
	LastReviewer string             `json:"last_reviewer,omitempty"`
	LastAuthor   string             `json:"last_author,omitempty"`
	LastModified int64              `json:"last_modified"`
	Signature    *SignatureEnvelope `json:"signature,omitempty"`
}

// Action classifies a resource mutation for event notification.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ResourceEvent describes a single mutation applied to a record or a
// collection, fanned out to downstream change-feed consumers.
type ResourceEvent struct {
	ID        string `json:"id"`
	Action    Action `json:"action"`
	Resource  string `json:"resource"`
	Old       any    `json:"old,omitempty"`
	New       any    `json:"new,omitempty"`
	Identity  string `json:"identity"`
	Timestamp int64  `json:"timestamp"`
}

// SignerHealth is the result of the most recent sign+verify self-test for a
// configured signer.
type SignerHealth struct {
	OK        bool   `json:"ok"`
	CheckedAt string `json:"checked_at"`
	Error     string `json:"error,omitempty"`
}
