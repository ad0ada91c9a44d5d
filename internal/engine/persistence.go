package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/meridian-data/meridian-signer/pkg/schema"
)

// CollectionSnapshot is the on-disk form of a collection: its metadata plus
// all records, tombstones included.
type CollectionSnapshot struct {
	Info    schema.CollectionInfo    `json:"info"`
	Records map[string]schema.Record `json:"records"`
}

// BucketSnapshot is the on-disk form of a bucket.
type BucketSnapshot struct {
	Collections map[string]CollectionSnapshot `json:"collections"`
}

// Persistence handles the disk I/O for the MemStore.
type Persistence struct {
	DataDir string
	mu      sync.Mutex // Protects concurrent writes to the filesystem
}

// NewPersistence initializes a persistence handler.
func NewPersistence(dir string) (*Persistence, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Persistence{DataDir: dir}, nil
}

// SaveBucket writes a single bucket's data to a JSON file atomically.
func (p *Persistence) SaveBucket(bucketID string, snap BucketSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	filePath := filepath.Join(p.DataDir, fmt.Sprintf("%s.json", bucketID))
	tempPath := filePath + ".tmp"

	bytes, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tempPath, bytes, 0o644); err != nil {
		return err
	}
	// Atomic rename: after a crash we have either the old file or the new
	// one, never a torn write.
	return os.Rename(tempPath, filePath)
}

// LoadAll returns all bucket data found in the data directory.
func (p *Persistence) LoadAll() (map[string]BucketSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	all := make(map[string]BucketSnapshot)

	files, err := os.ReadDir(p.DataDir)
	if err != nil {
		return nil, err
	}
	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}
		bucketID := file.Name()[:len(file.Name())-5] // Strip .json

		content, err := os.ReadFile(filepath.Join(p.DataDir, file.Name()))
		if err != nil {
			log.Warnf("could not read bucket file %s: %v", file.Name(), err)
			continue // Skip corrupted/unreadable files
		}
		var snap BucketSnapshot
		if err := json.Unmarshal(content, &snap); err != nil {
			log.Warnf("could not unmarshal bucket data from %s: %v", file.Name(), err)
			continue
		}
		all[bucketID] = snap
	}
	return all, nil
}
