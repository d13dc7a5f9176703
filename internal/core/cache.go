package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Cache stores layers by key.
//
// Implementations must make Put atomic: a reader either sees the complete
// layer or nothing. Get returns (nil, nil) for a missing key.
type Cache interface {
	Has(ctx context.Context, key LayerKey) (bool, error)
	Get(ctx context.Context, key LayerKey) (*Layer, error)
	Put(ctx context.Context, layer *Layer) error
}

// FileCache stores layers on the local filesystem:
//
//	{Dir}/
//	  {key[0:2]}/
//	    {key}/
//	      metadata.json   layer without file contents
//	      blobs/{i}.blob  content of Files[i] (regular files only)
type FileCache struct {
	Dir string
}

// NewFileCache creates a filesystem cache rooted at dir.
func NewFileCache(dir string) *FileCache {
	return &FileCache{Dir: dir}
}

func (c *FileCache) Has(_ context.Context, key LayerKey) (bool, error) {
	_, err := os.Stat(filepath.Join(c.entryPath(key), "metadata.json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("checking cache entry: %w", err)
	}
	return true, nil
}

func (c *FileCache) Get(_ context.Context, key LayerKey) (*Layer, error) {
	entryDir := c.entryPath(key)
	data, err := os.ReadFile(filepath.Join(entryDir, "metadata.json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cache metadata: %w", err)
	}

	var layer Layer
	if err := json.Unmarshal(data, &layer); err != nil {
		return nil, fmt.Errorf("parsing cache metadata: %w", err)
	}
	if layer.Key != key {
		return nil, fmt.Errorf("cache entry %s holds layer %s", key.Short(), layer.Key.Short())
	}

	blobsDir := filepath.Join(entryDir, "blobs")
	for i := range layer.Files {
		if layer.Files[i].Kind != KindFile {
			continue
		}
		content, err := os.ReadFile(filepath.Join(blobsDir, fmt.Sprintf("%d.blob", i)))
		if err != nil {
			return nil, fmt.Errorf("reading blob %d of %s: %w", i, key.Short(), err)
		}
		layer.Files[i].Content = content
	}
	return &layer, nil
}

func (c *FileCache) Put(_ context.Context, layer *Layer) error {
	if layer == nil {
		return errors.New("layer is nil")
	}

	entryDir := c.entryPath(layer.Key)
	parentDir := filepath.Dir(entryDir)
	if err := os.MkdirAll(parentDir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	// Stage in a sibling temp dir and rename into place so a crash never
	// leaves a half-written entry at the canonical path.
	tmpDir, err := os.MkdirTemp(parentDir, "tmp-"+layer.Key.Short()+"-")
	if err != nil {
		return fmt.Errorf("creating temp cache entry: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	blobsDir := filepath.Join(tmpDir, "blobs")
	if err := os.MkdirAll(blobsDir, 0o755); err != nil {
		return fmt.Errorf("creating blobs dir: %w", err)
	}

	meta := *layer
	meta.Files = make([]LayerFile, len(layer.Files))
	for i, f := range layer.Files {
		if f.Kind == KindFile {
			if err := writeFileAtomic(filepath.Join(blobsDir, fmt.Sprintf("%d.blob", i)), f.Content, 0o644); err != nil {
				return fmt.Errorf("writing blob %d: %w", i, err)
			}
		}
		f.Content = nil
		meta.Files[i] = f
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cache metadata: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(tmpDir, "metadata.json"), data, 0o644); err != nil {
		return fmt.Errorf("writing cache metadata: %w", err)
	}

	// A crash between remove and rename yields a miss, never a corrupt hit.
	_ = os.RemoveAll(entryDir)
	if err := os.Rename(tmpDir, entryDir); err != nil {
		return fmt.Errorf("committing cache entry: %w", err)
	}
	committed = true
	return nil
}

func (c *FileCache) entryPath(key LayerKey) string {
	k := string(key)
	if len(k) < 2 {
		return filepath.Join(c.Dir, k)
	}
	return filepath.Join(c.Dir, k[:2], k)
}

// MemoryCache keeps layers in process memory.
type MemoryCache struct {
	mu     sync.RWMutex
	layers map[LayerKey]*Layer
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{layers: make(map[LayerKey]*Layer)}
}

func (c *MemoryCache) Has(_ context.Context, key LayerKey) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.layers[key]
	return ok, nil
}

func (c *MemoryCache) Get(_ context.Context, key LayerKey) (*Layer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.layers[key]
	if !ok {
		return nil, nil
	}
	return l.Clone(), nil
}

func (c *MemoryCache) Put(_ context.Context, layer *Layer) error {
	if layer == nil {
		return errors.New("layer is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layers[layer.Key] = layer.Clone()
	return nil
}

// Len returns the number of stored layers.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.layers)
}

// NoCache never hits and discards writes. Every build executes every step.
type NoCache struct{}

func (NoCache) Has(context.Context, LayerKey) (bool, error)    { return false, nil }
func (NoCache) Get(context.Context, LayerKey) (*Layer, error) { return nil, nil }
func (NoCache) Put(context.Context, *Layer) error              { return nil }

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
