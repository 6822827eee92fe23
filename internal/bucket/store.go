// Package bucket implements the per-slave on-disk bucket store, its HTTP
// transport, and the client side of fetching a peer's buckets. This is the
// "bucket store (per worker)" component of SPEC_FULL.md §2 / §4.4.
package bucket

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Store roots one job's scratch tree and its bucket catalog. Path layout
// follows SPEC_FULL.md §6: {tmpdir}/{job_id}/{dataset_id}/{source_index}/{split_index}.bucket
type Store struct {
	Root    string // {tmpdir}/{job_id}
	Catalog *Catalog
}

// NewStore creates (or reopens) the scratch tree and catalog for jobID
// under tmpdir.
func NewStore(tmpdir, jobID string) (*Store, error) {
	root := filepath.Join(tmpdir, jobID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	cat, err := OpenCatalog(root)
	if err != nil {
		return nil, err
	}
	return &Store{Root: root, Catalog: cat}, nil
}

// Close releases the catalog handle. It does not delete the scratch tree;
// callers that want to reclaim disk call RemoveAll explicitly (normally
// done by the master telling every slave to drop_bucket, per dataset, as it
// is garbage-collected).
func (s *Store) Close() error {
	return s.Catalog.Close()
}

// RemoveAll tears down the entire job scratch tree, used when the job ends.
func (s *Store) RemoveAll() error {
	if err := s.Catalog.Close(); err != nil {
		return err
	}
	return os.RemoveAll(s.Root)
}

func (s *Store) path(datasetID, sourceIndex, splitIndex int) string {
	return filepath.Join(s.Root,
		strconv.Itoa(datasetID),
		strconv.Itoa(sourceIndex),
		strconv.Itoa(splitIndex)+".bucket")
}

// Writer is an in-progress bucket for one output split of one task attempt.
// It is append-only until Seal, matching "buckets are append-only during a
// task attempt and sealed at task completion."
type Writer struct {
	store       *Store
	datasetID   int
	sourceIndex int
	splitIndex  int
	file        *os.File
	buf         *bufio.Writer
	written     int64
}

// NewWriter creates a fresh bucket file for (datasetID, sourceIndex,
// splitIndex), truncating any leftover file from a discarded prior attempt
// (a failed attempt's buckets are discarded per the dataset invariants).
func (s *Store) NewWriter(datasetID, sourceIndex, splitIndex int) (*Writer, error) {
	p := s.path(datasetID, sourceIndex, splitIndex)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(p)
	if err != nil {
		return nil, err
	}
	return &Writer{
		store: s, datasetID: datasetID, sourceIndex: sourceIndex, splitIndex: splitIndex,
		file: f, buf: NewFrameWriter(f),
	}, nil
}

// Emit appends one record.
func (w *Writer) Emit(key, value []byte) error {
	if err := WriteFrame(w.buf, key, value); err != nil {
		return err
	}
	w.written += int64(8 + len(key) + len(value))
	return nil
}

// Seal flushes, closes, and records the bucket in the catalog as sealed.
func (w *Writer) Seal() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	return w.store.Catalog.Put(w.datasetID, w.sourceIndex, w.splitIndex, w.file.Name(), w.written, true)
}

// Discard closes and removes a bucket whose attempt failed.
func (w *Writer) Discard() error {
	_ = w.file.Close()
	return os.Remove(w.file.Name())
}

// OpenLocal opens a sealed bucket this slave itself wrote, for local
// (same-process) reads such as fetchall/data() served directly on the
// master in serial/bypass mode.
func (s *Store) OpenLocal(datasetID, sourceIndex, splitIndex int) (*os.File, error) {
	e, found, err := s.Catalog.Lookup(datasetID, sourceIndex, splitIndex)
	if err != nil {
		return nil, err
	}
	if !found || e.Deleted {
		return nil, fmt.Errorf("bucket %d/%d/%d not found locally", datasetID, sourceIndex, splitIndex)
	}
	return os.Open(e.Path)
}
