package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestDiskCacheRoundTrip(t *testing.T) {
	root := t.TempDir()
	cache := NewDiskCache(root, "Demo Source:1", PNG, SchemeWMTS)
	tile := TileXyz{X: 1, Y: 2, Z: 3, Scheme: SchemeWMTS}

	if _, ok := cache.Get(tile); ok {
		t.Fatalf("expected miss on empty cache")
	}
	payload := []byte("tile-bytes")
	if err := cache.Put(tile, payload); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, ok := cache.Get(tile)
	if !ok {
		t.Fatalf("expected hit after Put")
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %q", got)
	}
	// basename is sanitized, layout is {source}/{z}/{x}/{y}.{ext}
	want := filepath.Join(root, "demosource1", "3", "1", "2.png")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected tile file at %s: %v", want, err)
	}
}

func TestDiskCacheSchemeLayout(t *testing.T) {
	root := t.TempDir()
	cache := NewDiskCache(root, "src", PNG, SchemeTMS)
	tile := TileXyz{X: 0, Y: 0, Z: 1, Scheme: SchemeWMTS}
	if err := cache.Put(tile, []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	// WMTS row 0 at zoom 1 lands on TMS row 1 in a TMS tree
	want := filepath.Join(root, "src", "1", "0", "1.png")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected tile file at %s: %v", want, err)
	}
	if _, ok := cache.Get(tile); !ok {
		t.Fatalf("expected hit through scheme conversion")
	}
}

func TestDiskCacheInvalidate(t *testing.T) {
	root := t.TempDir()
	cache := NewDiskCache(root, "src", PNG, SchemeWMTS)
	tile := TileXyz{X: 5, Y: 6, Z: 7, Scheme: SchemeWMTS}
	if err := cache.Put(tile, []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := cache.Invalidate(tile); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if _, ok := cache.Get(tile); ok {
		t.Fatalf("expected miss after Invalidate")
	}
	// emptied zoom/column directories are pruned
	if _, err := os.Stat(filepath.Join(root, "src", "7")); !os.IsNotExist(err) {
		t.Fatalf("expected pruned zoom directory, got %v", err)
	}
}

func TestDiskCacheClean(t *testing.T) {
	root := t.TempDir()
	cache := NewDiskCache(root, "src", PNG, SchemeWMTS)
	if err := cache.Put(TileXyz{X: 0, Y: 0, Z: 0, Scheme: SchemeWMTS}, []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := cache.Clean(); err != nil {
		t.Fatalf("Clean failed: %v", err)
	}
	if _, err := os.Stat(cache.Folder()); !os.IsNotExist(err) {
		t.Fatalf("expected cache folder removed, got %v", err)
	}
}
