package kv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// File persists each key as its own JSON document inside a directory. Writes go to
// a temporary file that is renamed over the target, so a crash never leaves a
// half-written record behind.
type File struct {
	dir string
	mu  sync.RWMutex
}

type fileRecord struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// NewFile opens (creating if needed) a file store rooted at dir.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, errors.New("kv: file store directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("kv: create %s: %w", dir, err)
	}
	return &File{dir: dir}, nil
}

// Dir returns the directory backing the store.
func (f *File) Dir() string { return f.dir }

func (f *File) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:])+".json")
}

func (f *File) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	rec, err := readRecord(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rec.Value, true, nil
}

func (f *File) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(fileRecord{Key: key, Value: value})
	if err != nil {
		return err
	}
	target := f.path(key)
	tmp := fmt.Sprintf("%s.tmp.%d", target, rand.Int())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (f *File) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return removeIfExists(f.path(key))
}

func (f *File) MultiRemove(_ context.Context, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for _, k := range keys {
		if err := removeIfExists(f.path(k)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Keys reads every record in the directory; temporary files are ignored.
func (f *File) Keys(_ context.Context) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		rec, err := readRecord(filepath.Join(f.dir, name))
		if err != nil {
			continue
		}
		keys = append(keys, rec.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func readRecord(path string) (*fileRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("kv: corrupt record %s: %w", filepath.Base(path), err)
	}
	return &rec, nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
