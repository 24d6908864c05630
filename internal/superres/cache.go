package superres

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// DefaultPattern names the model artifact for a scale factor inside the model directory.
const DefaultPattern = "sr_x%d.srnn"

// Model upscales images by a fixed factor.
type Model interface {
	Scale() int
	Upscale(ctx context.Context, img image.Image) (image.Image, error)
}

// Loader loads the model for a scale factor.
type Loader interface {
	Load(factor int) (Model, error)
}

// FileLoader loads SRNN artifacts from a directory.
type FileLoader struct {
	dir     string
	pattern string
}

// NewFileLoader creates a FileLoader reading files named after pattern from dir.
func NewFileLoader(dir string) *FileLoader {
	return &FileLoader{dir: dir, pattern: DefaultPattern}
}

// Path returns the artifact path for factor.
func (l *FileLoader) Path(factor int) string {
	return filepath.Join(l.dir, fmt.Sprintf(l.pattern, factor))
}

// Load reads and validates the artifact for factor.
func (l *FileLoader) Load(factor int) (Model, error) {
	path := l.Path(factor)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening model: %w", err)
	}
	defer f.Close()

	network, err := ReadNetwork(f)
	if err != nil {
		return nil, fmt.Errorf("reading model %s: %w", path, err)
	}
	if network.Scale() != factor {
		return nil, fmt.Errorf("model %s has scale %d, want %d", path, network.Scale(), factor)
	}
	return network, nil
}

// Cache holds one loaded model per scale factor. Models are loaded on first
// use, at most once per factor even under concurrent requests, and never
// evicted. Failed loads are not cached.
type Cache struct {
	loader Loader
	group  singleflight.Group

	mu     sync.RWMutex
	models map[int]Model
}

// NewCache creates an empty cache backed by loader.
func NewCache(loader Loader) *Cache {
	return &Cache{
		loader: loader,
		models: make(map[int]Model),
	}
}

// Get returns the model for factor, loading it if needed.
func (c *Cache) Get(factor int) (Model, error) {
	if m, ok := c.lookup(factor); ok {
		return m, nil
	}

	v, err, _ := c.group.Do(strconv.Itoa(factor), func() (any, error) {
		// Another caller may have finished loading between lookup and Do.
		if m, ok := c.lookup(factor); ok {
			return m, nil
		}
		m, err := c.loader.Load(factor)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.models[factor] = m
		c.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Model), nil
}

func (c *Cache) lookup(factor int) (Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[factor]
	return m, ok
}
