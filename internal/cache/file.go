package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileStore keeps every entry in one JSON document:
//
//	{"rules": {"<host>": {"lastUpdate": "...", "data": {...}, "fieldUpdated": {...}}}}
type FileStore struct {
	path string
	mu   sync.Mutex
}

type fileDoc struct {
	Rules map[string]*fileRecord `json:"rules"`
}

type fileRecord struct {
	LastUpdate   time.Time                  `json:"lastUpdate"`
	Data         map[string]json.RawMessage `json:"data"`
	FieldUpdated map[string]time.Time       `json:"fieldUpdated,omitempty"`
}

// NewFileStore returns a store backed by the file at path. The file is
// created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) read() (*fileDoc, error) {
	doc := &fileDoc{Rules: make(map[string]*fileRecord)}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache file: %w", err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse cache file: %w", err)
	}
	if doc.Rules == nil {
		doc.Rules = make(map[string]*fileRecord)
	}
	return doc, nil
}

func (s *FileStore) write(doc *fileDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context, hostID string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	rec, ok := doc.Rules[hostID]
	if !ok {
		return nil, nil
	}
	e := &Entry{
		HostID:       hostID,
		Fields:       rec.Data,
		LastUpdate:   rec.LastUpdate,
		FieldUpdated: rec.FieldUpdated,
	}
	if e.Fields == nil {
		e.Fields = make(map[string]json.RawMessage)
	}
	return e, nil
}

// SetField implements Store.
func (s *FileStore) SetField(ctx context.Context, hostID, field string, value json.RawMessage, at time.Time) error {
	return s.update(func(doc *fileDoc) {
		rec, ok := doc.Rules[hostID]
		if !ok {
			rec = &fileRecord{}
			doc.Rules[hostID] = rec
		}
		if rec.Data == nil {
			rec.Data = make(map[string]json.RawMessage)
		}
		if rec.FieldUpdated == nil {
			rec.FieldUpdated = make(map[string]time.Time)
		}
		rec.Data[field] = value
		rec.FieldUpdated[field] = at
		rec.LastUpdate = at
	})
}

// DeleteField implements Store.
func (s *FileStore) DeleteField(ctx context.Context, hostID, field string) error {
	return s.update(func(doc *fileDoc) {
		if rec, ok := doc.Rules[hostID]; ok {
			delete(rec.Data, field)
			delete(rec.FieldUpdated, field)
		}
	})
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, hostID string) error {
	return s.update(func(doc *fileDoc) {
		delete(doc.Rules, hostID)
	})
}

func (s *FileStore) update(fn func(*fileDoc)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	fn(doc)
	return s.write(doc)
}

// Hosts implements Store.
func (s *FileStore) Hosts(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	hosts := make([]string, 0, len(doc.Rules))
	for id := range doc.Rules {
		hosts = append(hosts, id)
	}
	sort.Strings(hosts)
	return hosts, nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

var _ Store = (*FileStore)(nil)
