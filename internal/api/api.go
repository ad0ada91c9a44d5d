// Package api exposes the record store and the review workflow over HTTP.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meridian-data/meridian-signer/internal/config"
	"github.com/meridian-data/meridian-signer/internal/engine"
	"github.com/meridian-data/meridian-signer/internal/events"
	"github.com/meridian-data/meridian-signer/internal/replicator"
	"github.com/meridian-data/meridian-signer/internal/signer"
	"github.com/meridian-data/meridian-signer/internal/workflow"
	"github.com/meridian-data/meridian-signer/pkg/schema"
)

// identityHeader carries the authenticated caller identity. Authentication
// itself happens upstream; the daemon only consumes the result.
const identityHeader = "X-Identity"

type Handler struct {
	Store    engine.Store
	Machine  *workflow.Machine
	Health   *signer.HealthRegistry
	Notifier events.Notifier
	Cfg      *config.Config
}

// writeError maps the stable error taxonomy onto HTTP statuses and codes.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrBucketNotFound),
		errors.Is(err, engine.ErrCollectionNotFound),
		errors.Is(err, engine.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "not_found"})
	case errors.Is(err, workflow.ErrInvalidTransition):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_transition"})
	case errors.Is(err, workflow.ErrUnmanaged):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "unmanaged_collection"})
	case errors.Is(err, workflow.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error(), "code": "forbidden"})
	case errors.Is(err, signer.ErrSignerUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "code": "signer_unavailable"})
	case errors.Is(err, signer.ErrVerificationFailed):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": "signature_verification_failed"})
	case errors.Is(err, replicator.ErrReplicationPartial):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": "replication_partial"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": "internal"})
	}
}

func (h *Handler) GetCollection(c *gin.Context) {
	info, err := h.Store.GetCollection(c.Param("bucket"), c.Param("collection"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// PatchCollection handles status transitions.
func (h *Handler) PatchCollection(c *gin.Context) {
	identity := c.GetHeader(identityHeader)
	if identity == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing " + identityHeader + " header", "code": "unauthenticated"})
		return
	}

	var input struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
		return
	}
	target, err := schema.ParseStatus(input.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_status"})
		return
	}

	info, err := h.Machine.RequestTransition(c.Request.Context(), identity, c.Param("bucket"), c.Param("collection"), target)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *Handler) ListRecords(c *gin.Context) {
	includeTombstones := c.Query("tombstones") == "true"
	records, err := h.Store.ListRecords(c.Param("bucket"), c.Param("collection"), includeTombstones)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": records})
}

func (h *Handler) GetRecord(c *gin.Context) {
	rec, err := h.Store.GetRecord(c.Param("bucket"), c.Param("collection"), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if rec.Deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "record was deleted", "code": "not_found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// guardWrite rejects record mutations on destination collections, which are
// writable only by the replicator.
func (h *Handler) guardWrite(c *gin.Context) (bucket, collection, identity string, ok bool) {
	bucket, collection = c.Param("bucket"), c.Param("collection")
	if h.Machine.IsDestination(bucket, collection) {
		c.JSON(http.StatusForbidden, gin.H{"error": "destination collections are read-only", "code": "forbidden"})
		return "", "", "", false
	}
	identity = c.GetHeader(identityHeader)
	if identity == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing " + identityHeader + " header", "code": "unauthenticated"})
		return "", "", "", false
	}
	return bucket, collection, identity, true
}

func (h *Handler) PutRecord(c *gin.Context) {
	bucket, collection, identity, ok := h.guardWrite(c)
	if !ok {
		return
	}

	var data map[string]any
	if err := c.ShouldBindJSON(&data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
		return
	}

	id := c.Param("id") // empty on POST: the store assigns one
	var old any
	action := schema.ActionCreate
	if id != "" {
		if existing, err := h.Store.GetRecord(bucket, collection, id); err == nil && !existing.Deleted {
			old = existing
			action = schema.ActionUpdate
		}
	}

	rec, err := h.Store.PutRecord(bucket, collection, schema.Record{ID: id, Data: data})
	if err != nil {
		writeError(c, err)
		return
	}

	h.Notifier.Notify(events.New(action, recordURI(bucket, collection, rec.ID), old, rec, identity))
	h.Machine.OnRecordChange(bucket, collection)

	status := http.StatusCreated
	if action == schema.ActionUpdate {
		status = http.StatusOK
	}
	c.JSON(status, rec)
}

func (h *Handler) DeleteRecord(c *gin.Context) {
	bucket, collection, identity, ok := h.guardWrite(c)
	if !ok {
		return
	}

	before, err := h.Store.DeleteRecord(bucket, collection, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	h.Notifier.Notify(events.New(schema.ActionDelete, recordURI(bucket, collection, before.ID), before, nil, identity))
	h.Machine.OnRecordChange(bucket, collection)

	c.JSON(http.StatusOK, gin.H{"deleted": before.ID})
}

func (h *Handler) ListBuckets(c *gin.Context) {
	buckets, err := h.Store.ListBuckets()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, buckets)
}

func (h *Handler) ListCollections(c *gin.Context) {
	collections, err := h.Store.ListCollections(c.Param("bucket"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, collections)
}

// Capabilities reports the configured mappings and workflow policy.
func (h *Handler) Capabilities(c *gin.Context) {
	signers := make([]string, 0, len(h.Cfg.Signers))
	for name := range h.Cfg.Signers {
		signers = append(signers, name)
	}
	c.JSON(http.StatusOK, gin.H{
		"resources":         h.Cfg.Resources,
		"signers":           signers,
		"editors_group":     h.Cfg.EditorsGroup,
		"reviewers_group":   h.Cfg.ReviewersGroup,
		"to_review_enabled": h.Cfg.ToReviewEnabled,
		"allow_self_review": h.Cfg.AllowSelfReview,
	})
}

// Heartbeat reports the last sign+verify self-test per signer.
func (h *Handler) Heartbeat(c *gin.Context) {
	status := http.StatusOK
	if !h.Health.Healthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"signers": h.Health.Snapshot()})
}

func recordURI(bucket, collection, id string) string {
	return "/buckets/" + bucket + "/collections/" + collection + "/records/" + id
}
