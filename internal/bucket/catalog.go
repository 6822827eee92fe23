package bucket

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// catalogBucketName is the single bbolt bucket (in the bbolt sense of the
// word, unrelated to our domain "bucket") that holds one row per on-disk
// record bucket this slave has written for the current job.
var catalogBucketName = []byte("buckets")

// entry is the catalog row for one (dataset_id, source_index, split_index).
type entry struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Sealed bool   `json:"sealed"`
	// Deleted distinguishes "never existed" (404) from "existed, now
	// removed on master command" (410), per SPEC_FULL.md §4.4.
	Deleted bool `json:"deleted"`
}

// Catalog is a per-job index of the buckets a slave holds on disk. It is
// opened fresh for each job and its file is removed when the job's scratch
// directory is torn down — it is a live cache, not durable state, so it
// introduces no persistence across job boundaries (SPEC_FULL.md §6).
type Catalog struct {
	db *bolt.DB
}

// OpenCatalog opens (creating if absent) the bbolt catalog database rooted
// at root/catalog.db.
func OpenCatalog(root string) (*Catalog, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(root, "catalog.db"), 0o644, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bucket catalog: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(catalogBucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Catalog{db: db}, nil
}

// Close closes the underlying database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func catalogKey(datasetID, sourceIndex, splitIndex int) []byte {
	return []byte(fmt.Sprintf("%d/%d/%d", datasetID, sourceIndex, splitIndex))
}

// Put records a sealed or in-progress bucket's location and size.
func (c *Catalog) Put(datasetID, sourceIndex, splitIndex int, path string, size int64, sealed bool) error {
	e := entry{Path: path, Size: size, Sealed: sealed}
	buf, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(catalogBucketName).Put(catalogKey(datasetID, sourceIndex, splitIndex), buf)
	})
}

// Lookup returns the catalog row for a bucket, and whether any row exists
// at all (false means "unknown", i.e. never written on this slave).
func (c *Catalog) Lookup(datasetID, sourceIndex, splitIndex int) (entry, bool, error) {
	var e entry
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(catalogBucketName).Get(catalogKey(datasetID, sourceIndex, splitIndex))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &e)
	})
	return e, found, err
}

// MarkDeleted tombstones a bucket so future lookups report 410 instead of
// 404, and removes the backing file.
func (c *Catalog) MarkDeleted(datasetID, sourceIndex, splitIndex int) error {
	e, found, err := c.Lookup(datasetID, sourceIndex, splitIndex)
	if err != nil {
		return err
	}
	if found && e.Path != "" {
		_ = os.Remove(e.Path)
	}
	e.Deleted = true
	e.Path = ""
	buf, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(catalogBucketName).Put(catalogKey(datasetID, sourceIndex, splitIndex), buf)
	})
}

// DeleteAllForDataset tombstones every bucket belonging to datasetID, used
// when the scheduler garbage-collects a closed dataset with no open
// consumers.
func (c *Catalog) DeleteAllForDataset(datasetID int) error {
	prefix := []byte(fmt.Sprintf("%d/", datasetID))
	var keys [][]byte
	err := c.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(catalogBucketName).Cursor()
		for k, _ := cur.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = cur.Next() {
			kk := append([]byte(nil), k...)
			keys = append(keys, kk)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		var e entry
		err := c.db.View(func(tx *bolt.Tx) error {
			v := tx.Bucket(catalogBucketName).Get(k)
			if v == nil {
				return nil
			}
			return json.Unmarshal(v, &e)
		})
		if err != nil {
			return err
		}
		if e.Path != "" {
			_ = os.Remove(e.Path)
		}
	}
	tomb, err := json.Marshal(entry{Deleted: true})
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(catalogBucketName)
		for _, k := range keys {
			if err := b.Put(k, tomb); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
