package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"
)

var cacheNameRe = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// DiskCache is a persistent on-disk memo of tiles, laid out as
// {root}/{source}/{z}/{x}/{y}.{ext}. Entries live until invalidated;
// there is no TTL and no eviction. The row scheme is fixed per instance
// and never mixed within one tree.
type DiskCache struct {
	Root   string
	Scheme Scheme
	folder string
	ext    string
}

// NewDiskCache creates a cache tree namespaced by the source basename.
func NewDiskCache(root, basename, format string, scheme Scheme) *DiskCache {
	sub := cacheNameRe.ReplaceAllString(strings.ToLower(basename), "")
	ext := format
	if ext == "" {
		ext = PNG
	}
	if scheme == "" {
		scheme = SchemeWMTS
	}
	return &DiskCache{
		Root:   root,
		Scheme: scheme,
		folder: filepath.Join(root, sub),
		ext:    ext,
	}
}

// Folder is the directory holding this cache's tiles.
func (c *DiskCache) Folder() string {
	return c.folder
}

func (c *DiskCache) tileFullPath(t TileXyz) string {
	t = t.ToScheme(c.Scheme)
	dir := filepath.Join(c.folder, fmt.Sprintf("%d", t.Z), fmt.Sprintf("%d", t.X))
	return filepath.Join(dir, fmt.Sprintf("%d.%s", t.Y, c.ext))
}

// Get returns the cached payload, if any.
func (c *DiskCache) Get(t TileXyz) ([]byte, bool) {
	data, err := os.ReadFile(c.tileFullPath(t))
	if err != nil {
		return nil, false
	}
	return data, true
}

// Put writes the payload under a temporary name and renames it into place,
// so concurrent readers never observe a partial file.
func (c *DiskCache) Put(t TileXyz, data []byte) error {
	path := c.tileFullPath(t)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	log.Debugf("save %d bytes to %s", len(data), path)
	return os.Rename(tmp.Name(), path)
}

// Invalidate removes one entry and prunes emptied parent directories.
func (c *DiskCache) Invalidate(t TileXyz) error {
	path := c.tileFullPath(t)
	if err := os.Remove(path); err != nil {
		return err
	}
	parent := filepath.Dir(path)
	for i := 0; i < 2; i++ {
		if err := os.Remove(parent); err != nil {
			break
		}
		parent = filepath.Dir(parent)
	}
	return nil
}

// Clean drops the whole cache tree for this source.
func (c *DiskCache) Clean() error {
	log.Debugf("clean-up %s", c.folder)
	return os.RemoveAll(c.folder)
}
