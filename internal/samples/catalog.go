package samples

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

var ErrSampleNotFound = errors.New("sample not found")

type Sample struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	Available bool   `json:"available"`
}

// Catalog maps sample identifiers to wave files. It is fixed at construction;
// file presence is checked on every lookup.
type Catalog struct {
	paths map[string]string
}

// New builds a catalog from explicit entries plus every *.wav in the samples
// directory (identifier = file stem). Explicit entries win.
func New(cfg config.SamplesConfig) (*Catalog, error) {
	c := &Catalog{paths: make(map[string]string)}
	if cfg.Directory != "" {
		matches, err := filepath.Glob(filepath.Join(cfg.Directory, "*.wav"))
		if err != nil {
			return nil, fmt.Errorf("scan samples directory: %w", err)
		}
		for _, path := range matches {
			id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			c.paths[id] = path
		}
	}
	for id, path := range cfg.Entries {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("sample entry with empty id")
		}
		if path == "" {
			return nil, fmt.Errorf("sample %q has no path", id)
		}
		c.paths[id] = path
	}
	return c, nil
}

// Lookup returns the path for id, or ErrSampleNotFound when the id is unknown
// or its file is not a readable regular file.
func (c *Catalog) Lookup(id string) (string, error) {
	path, ok := c.paths[id]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrSampleNotFound, id)
	}
	if !available(path) {
		return "", fmt.Errorf("%w: %q (%s)", ErrSampleNotFound, id, path)
	}
	return path, nil
}

func (c *Catalog) List() []Sample {
	out := make([]Sample, 0, len(c.paths))
	for id, path := range c.paths {
		out = append(out, Sample{ID: id, Path: path, Available: available(path)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func available(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
