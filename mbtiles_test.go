package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func buildArchive(t *testing.T, withGrids bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.mbtiles")
	w, err := NewMBTilesWriter(path, withGrids)
	if err != nil {
		t.Fatalf("NewMBTilesWriter failed: %v", err)
	}
	tile := TileXyz{X: 1, Y: 0, Z: 1, Scheme: SchemeWMTS}
	if err := w.PutTile(tile, []byte("tile-data")); err != nil {
		t.Fatalf("PutTile failed: %v", err)
	}
	if withGrids {
		grid := []byte(`{"grid":["  "],"keys":["","1"]}`)
		data := map[string]json.RawMessage{"1": json.RawMessage(`{"name":"park"}`)}
		if err := w.PutGrid(tile, grid, data); err != nil {
			t.Fatalf("PutGrid failed: %v", err)
		}
	}
	w.SetMetadata(map[string]string{
		"name":    "test",
		"format":  PNG,
		"version": MBTileVersion,
	})
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return path
}

func TestMBTilesRoundTrip(t *testing.T) {
	path := buildArchive(t, false)
	r, err := OpenMBTilesReader(path)
	if err != nil {
		t.Fatalf("OpenMBTilesReader failed: %v", err)
	}
	defer r.Close()

	data, err := r.Tile(TileXyz{X: 1, Y: 0, Z: 1, Scheme: SchemeWMTS})
	if err != nil {
		t.Fatalf("Tile failed: %v", err)
	}
	if !bytes.Equal(data, []byte("tile-data")) {
		t.Fatalf("payload mismatch: %q", data)
	}
	// the same column on the opposite row must not exist: rows are stored
	// flipped, so a symmetric read bug would surface here
	if _, err := r.Tile(TileXyz{X: 1, Y: 1, Z: 1, Scheme: SchemeWMTS}); !errors.Is(err, ErrTileNotFound) {
		t.Fatalf("expected ErrTileNotFound, got %v", err)
	}

	meta, err := r.Metadata()
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	if meta["name"] != "test" || meta["format"] != PNG {
		t.Fatalf("unexpected metadata %v", meta)
	}
	if r.Format() != PNG {
		t.Fatalf("expected png format, got %s", r.Format())
	}
	levels, err := r.ZoomLevels()
	if err != nil {
		t.Fatalf("ZoomLevels failed: %v", err)
	}
	if len(levels) != 1 || levels[0] != 1 {
		t.Fatalf("expected zoom levels [1], got %v", levels)
	}
}

func TestMBTilesReaderAsSource(t *testing.T) {
	path := buildArchive(t, false)
	r, err := OpenMBTilesReader(path)
	if err != nil {
		t.Fatalf("OpenMBTilesReader failed: %v", err)
	}
	defer r.Close()

	content, err := r.Fetch(TileXyz{X: 1, Y: 0, Z: 1, Scheme: SchemeWMTS})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if content.Format != PNG {
		t.Fatalf("expected png content, got %s", content.Format)
	}
	// a hole in an archive is permanent, not transient
	if _, err := r.Fetch(TileXyz{X: 0, Y: 0, Z: 5, Scheme: SchemeWMTS}); !errors.Is(err, ErrSourceRejected) {
		t.Fatalf("expected ErrSourceRejected, got %v", err)
	}
}

func TestMBTilesGridRoundTrip(t *testing.T) {
	path := buildArchive(t, true)
	r, err := OpenMBTilesReader(path)
	if err != nil {
		t.Fatalf("OpenMBTilesReader failed: %v", err)
	}
	defer r.Close()
	tile := TileXyz{X: 1, Y: 0, Z: 1, Scheme: SchemeWMTS}

	raw, data, err := r.GridRaw(tile)
	if err != nil {
		t.Fatalf("GridRaw failed: %v", err)
	}
	if !bytes.Equal(raw, []byte(`{"grid":["  "],"keys":["","1"]}`)) {
		t.Fatalf("grid blob mismatch: %s", raw)
	}
	if string(data["1"]) != `{"name":"park"}` {
		t.Fatalf("grid data mismatch: %v", data)
	}

	body, err := r.Grid(tile, "cb")
	if err != nil {
		t.Fatalf("Grid failed: %v", err)
	}
	if !strings.HasPrefix(body, "cb(") || !strings.HasSuffix(body, ");") {
		t.Fatalf("expected jsonp wrapping, got %s", body)
	}
	if !strings.Contains(body, `"park"`) {
		t.Fatalf("feature data missing from grid body: %s", body)
	}

	if _, err := r.Grid(TileXyz{X: 0, Y: 0, Z: 4, Scheme: SchemeWMTS}, "cb"); !errors.Is(err, ErrTileNotFound) {
		t.Fatalf("expected ErrTileNotFound, got %v", err)
	}
}

func TestMBTilesGridNotEnabled(t *testing.T) {
	path := buildArchive(t, false)
	r, err := OpenMBTilesReader(path)
	if err != nil {
		t.Fatalf("OpenMBTilesReader failed: %v", err)
	}
	defer r.Close()
	if _, err := r.Grid(TileXyz{X: 1, Y: 0, Z: 1, Scheme: SchemeWMTS}, "cb"); !errors.Is(err, ErrGridNotEnabled) {
		t.Fatalf("expected ErrGridNotEnabled, got %v", err)
	}
}

func TestMBTilesRollbackRemovesCreatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doomed.mbtiles")
	w, err := NewMBTilesWriter(path, false)
	if err != nil {
		t.Fatalf("NewMBTilesWriter failed: %v", err)
	}
	if err := w.PutTile(TileXyz{X: 0, Y: 0, Z: 0, Scheme: SchemeWMTS}, []byte("x")); err != nil {
		t.Fatalf("PutTile failed: %v", err)
	}
	if err := w.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("a rolled back build must leave no file behind, got %v", err)
	}
}

func TestOpenMBTilesReaderMissingFile(t *testing.T) {
	if _, err := OpenMBTilesReader(filepath.Join(t.TempDir(), "absent.mbtiles")); err == nil {
		t.Fatalf("expected error for missing archive")
	}
}
