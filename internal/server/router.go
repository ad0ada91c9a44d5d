// Package server assembles the HTTP surface of the daemon.
package server

import (
	"crypto/tls"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meridian-data/meridian-signer/internal/api"
)

type Router struct {
	handler *api.Handler
	cert    *tls.Certificate
}

func NewRouter(h *api.Handler) *Router {
	return &Router{handler: h}
}

// SetCertificate sets the TLS certificate for the router
func (r *Router) SetCertificate(cert tls.Certificate) {
	r.cert = &cert
}

// Engine builds the gin engine with all routes registered.
func (r *Router) Engine() *gin.Engine {
	e := gin.New()
	e.Use(gin.Recovery())

	// CORS
	e.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, PATCH, DELETE")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-Identity, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	h := r.handler

	e.GET("/capabilities", h.Capabilities)
	e.GET("/heartbeat", h.Heartbeat)

	e.GET("/buckets", h.ListBuckets)
	e.GET("/buckets/:bucket/collections", h.ListCollections)
	e.GET("/buckets/:bucket/collections/:collection", h.GetCollection)
	e.PATCH("/buckets/:bucket/collections/:collection", h.PatchCollection)

	e.GET("/buckets/:bucket/collections/:collection/records", h.ListRecords)
	e.POST("/buckets/:bucket/collections/:collection/records", h.PutRecord)
	e.GET("/buckets/:bucket/collections/:collection/records/:id", h.GetRecord)
	e.PUT("/buckets/:bucket/collections/:collection/records/:id", h.PutRecord)
	e.DELETE("/buckets/:bucket/collections/:collection/records/:id", h.DeleteRecord)

	return e
}

// Listen serves the API, with TLS when a certificate was set.
func (r *Router) Listen(port string) error {
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r.Engine(),
	}
	if r.cert != nil {
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{*r.cert}}
		return srv.ListenAndServeTLS("", "")
	}
	return srv.ListenAndServe()
}
