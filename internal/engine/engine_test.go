package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/meridian-data/meridian-signer/pkg/schema"
)

func TestMemStore_PutGetDelete(t *testing.T) {
	ms := NewMemStore(nil, nil)

	rec, err := ms.PutRecord("staging", "certs", schema.Record{
		ID:   "cert-1",
		Data: map[string]any{"serial": "abc123"},
	})
	if err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}
	if rec.LastModified == 0 {
		t.Error("Expected a timestamp to be assigned")
	}

	got, err := ms.GetRecord("staging", "certs", "cert-1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.Data["serial"] != "abc123" {
		t.Errorf("Expected abc123, got %v", got.Data["serial"])
	}

	_, err = ms.GetRecord("staging", "certs", "missing")
	if err != ErrRecordNotFound {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}

	before, err := ms.DeleteRecord("staging", "certs", "cert-1")
	if err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}
	if before.Data["serial"] != "abc123" {
		t.Errorf("Expected pre-delete value, got %v", before.Data)
	}

	// Deleting again fails: the record is already a tombstone.
	_, err = ms.DeleteRecord("staging", "certs", "cert-1")
	if err != ErrRecordNotFound {
		t.Errorf("Expected ErrRecordNotFound on double delete, got %v", err)
	}

	tomb, err := ms.GetRecord("staging", "certs", "cert-1")
	if err != nil {
		t.Fatalf("GetRecord on tombstone failed: %v", err)
	}
	if !tomb.Deleted || tomb.Data != nil {
		t.Errorf("Expected a bare tombstone, got %+v", tomb)
	}
}

func TestMemStore_ImplicitCollectionCreation(t *testing.T) {
	ms := NewMemStore(nil, nil)

	_, err := ms.GetCollection("staging", "certs")
	if err != ErrBucketNotFound {
		t.Errorf("Expected ErrBucketNotFound, got %v", err)
	}

	ms.PutRecord("staging", "certs", schema.Record{ID: "a"})

	info, err := ms.GetCollection("staging", "certs")
	if err != nil {
		t.Fatalf("GetCollection failed: %v", err)
	}
	if info.Status != schema.StatusWorkInProgress {
		t.Errorf("Expected work-in-progress, got %s", info.Status)
	}
}

func TestMemStore_MonotonicTimestamps(t *testing.T) {
	ms := NewMemStore(nil, nil)

	var prev int64
	for i := 0; i < 50; i++ {
		rec, err := ms.PutRecord("b", "c", schema.Record{ID: fmt.Sprintf("r-%d", i)})
		if err != nil {
			t.Fatalf("PutRecord failed: %v", err)
		}
		if rec.LastModified <= prev {
			t.Fatalf("Timestamp did not increase: %d <= %d", rec.LastModified, prev)
		}
		prev = rec.LastModified
	}

	ts, err := ms.CollectionTimestamp("b", "c")
	if err != nil {
		t.Fatalf("CollectionTimestamp failed: %v", err)
	}
	if ts != prev {
		t.Errorf("Expected collection timestamp %d, got %d", prev, ts)
	}
}

func TestMemStore_ListRecordsSortedAndFiltered(t *testing.T) {
	ms := NewMemStore(nil, nil)
	ms.PutRecord("b", "c", schema.Record{ID: "zz"})
	ms.PutRecord("b", "c", schema.Record{ID: "aa"})
	ms.PutRecord("b", "c", schema.Record{ID: "mm"})
	ms.DeleteRecord("b", "c", "mm")

	live, err := ms.ListRecords("b", "c", false)
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(live) != 2 || live[0].ID != "aa" || live[1].ID != "zz" {
		t.Errorf("Expected [aa zz], got %v", live)
	}

	all, _ := ms.ListRecords("b", "c", true)
	if len(all) != 3 {
		t.Errorf("Expected 3 records including tombstone, got %d", len(all))
	}
	if !all[1].Deleted {
		t.Errorf("Expected mm to be a tombstone, got %+v", all[1])
	}
}

func TestMemStore_UpdateCollection(t *testing.T) {
	ms := NewMemStore(nil, nil)
	ms.EnsureCollection("b", "c")

	info, err := ms.UpdateCollection("b", "c", func(info *schema.CollectionInfo) error {
		info.Status = schema.StatusToReview
		info.LastEditor = "alice"
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateCollection failed: %v", err)
	}
	if info.Status != schema.StatusToReview || info.LastEditor != "alice" {
		t.Errorf("Metadata not applied: %+v", info)
	}

	// An apply error must leave the collection untouched.
	_, err = ms.UpdateCollection("b", "c", func(info *schema.CollectionInfo) error {
		info.Status = schema.StatusSigned
		return fmt.Errorf("abort")
	})
	if err == nil {
		t.Fatal("Expected error from apply func")
	}
	current, _ := ms.GetCollection("b", "c")
	if current.Status != schema.StatusToReview {
		t.Errorf("Aborted update leaked: %s", current.Status)
	}
}

func TestMemStore_SetCollectionSignature(t *testing.T) {
	ms := NewMemStore(nil, nil)
	ms.EnsureCollection("b", "c")
	before, _ := ms.GetCollection("b", "c")

	env := schema.SignatureEnvelope{Signature: "sig", HashAlgorithm: "sha384"}
	info, err := ms.SetCollectionSignature("b", "c", env)
	if err != nil {
		t.Fatalf("SetCollectionSignature failed: %v", err)
	}
	if info.Signature == nil || info.Signature.Signature != "sig" {
		t.Errorf("Signature not committed: %+v", info.Signature)
	}
	if info.LastModified <= before.LastModified {
		t.Error("Expected last_modified to be bumped")
	}
}

func TestPersistence(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "meridian-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	p, err := NewPersistence(tmpDir)
	if err != nil {
		t.Fatalf("NewPersistence failed: %v", err)
	}

	snap := BucketSnapshot{
		Collections: map[string]CollectionSnapshot{
			"certs": {
				Info: schema.CollectionInfo{Bucket: "staging", ID: "certs", Status: schema.StatusSigned},
				Records: map[string]schema.Record{
					"r1": {ID: "r1", Data: map[string]any{"k": "v"}, LastModified: 10},
				},
			},
		},
	}
	if err := p.SaveBucket("staging", snap); err != nil {
		t.Fatalf("SaveBucket failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpDir, "staging.json")); os.IsNotExist(err) {
		t.Fatal("Bucket file was not created")
	}

	all, err := p.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	loaded := all["staging"].Collections["certs"]
	if loaded.Info.Status != schema.StatusSigned {
		t.Errorf("Loaded status mismatch: %s", loaded.Info.Status)
	}
	if loaded.Records["r1"].Data["k"] != "v" {
		t.Errorf("Loaded record mismatch: %+v", loaded.Records["r1"])
	}
}

func TestMemStore_PersistenceRoundTrip(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "meridian-persistence-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	p, _ := NewPersistence(tmpDir)
	ms := NewMemStore(nil, p)

	if _, err := ms.PutRecord("b", "c", schema.Record{ID: "r1", Data: map[string]any{"k": "v"}}); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}
	ms.Wait() // Wait for background persistence

	all, _ := p.LoadAll()
	ms2 := NewMemStore(all, p)

	rec, err := ms2.GetRecord("b", "c", "r1")
	if err != nil {
		t.Fatalf("GetRecord on reloaded store failed: %v", err)
	}
	if rec.Data["k"] != "v" {
		t.Errorf("Expected v, got %v", rec.Data["k"])
	}

	// Timestamps must stay monotonic across a reload.
	next, _ := ms2.PutRecord("b", "c", schema.Record{ID: "r2"})
	if next.LastModified <= rec.LastModified {
		t.Errorf("Timestamp regressed after reload: %d <= %d", next.LastModified, rec.LastModified)
	}
}

func TestMemStore_Concurrent(t *testing.T) {
	ms := NewMemStore(nil, nil)
	const (
		numGoroutines = 10
		numOps        = 100
	)
	var wg sync.WaitGroup

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOps; j++ {
				recID := fmt.Sprintf("rec-%d-%d", id, j)
				ms.PutRecord("b", "c", schema.Record{ID: recID, Data: map[string]any{"n": j}})
				got, err := ms.GetRecord("b", "c", recID)
				if err != nil || got.Data["n"] != j {
					// We can't use t.Fatalf in a goroutine
					fmt.Printf("Concurrent error: expected %d, got %v, err %v\n", j, got.Data["n"], err)
				}
			}
		}(i)
	}
	wg.Wait()

	records, _ := ms.ListRecords("b", "c", false)
	if len(records) != numGoroutines*numOps {
		t.Errorf("Expected %d records, got %d", numGoroutines*numOps, len(records))
	}
}
