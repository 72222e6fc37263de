// Package memory implements the dialog-memory contract described by
// spec.md §4.4: an ordered log of question/response pairs, persisted as a
// single file with an atomic write-then-rename, read back through a
// recency window so the assistant "forgets beyond an hour" by default.
package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultWindow is the recency window Recent applies when the caller does
// not specify one; the Planner uses this.
const DefaultWindow = time.Hour

// Record is one remembered exchange.
type Record struct {
	Time     time.Time `json:"time"`
	Question string    `json:"question"`
	Response string    `json:"response"`
}

// Store is the dialog-memory contract. File is the in-process, file-backed
// default; memory/mongo offers the same interface over a durable
// collection.
type Store interface {
	Load(ctx context.Context) ([]Record, error)
	Append(ctx context.Context, question, response string) error
	Clear(ctx context.Context) error
	Recent(ctx context.Context, window time.Duration) ([]Record, error)
}

// File is a Store backed by a single JSON file.
type File struct {
	mu   sync.Mutex
	path string
}

// NewFile builds a File-backed Store persisting to path. The file and its
// parent directory are created lazily on first Append.
func NewFile(path string) *File {
	return &File{path: path}
}

// Load returns every remembered record, oldest first.
func (f *File) Load(ctx context.Context) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *File) load() ([]Record, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Append adds one question/response pair and persists the updated log.
// Callers must sanitize control tokens out of response before calling this
// (see the Turn Driver), so they never leak into future enrichment.
func (f *File) Append(ctx context.Context, question, response string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	records, err := f.load()
	if err != nil {
		return err
	}
	records = append(records, Record{
		Time:     time.Now().UTC(),
		Question: question,
		Response: response,
	})
	return f.persist(records)
}

// Clear removes every remembered record.
func (f *File) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.persist(nil)
}

// Recent returns records whose Time is within window of now, oldest first.
func (f *File) Recent(ctx context.Context, window time.Duration) ([]Record, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	records, err := f.Load(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-window)
	result := records[:0:0]
	for _, r := range records {
		if !r.Time.Before(cutoff) {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Time.Before(result[j].Time) })
	return result, nil
}

func (f *File) persist(records []Record) error {
	if records == nil {
		records = []Record{}
	}
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmpPath := f.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
