package main

import (
	"bytes"
	"compress/zlib"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// MBTileVersion mbtiles版本号
const MBTileVersion = "1.2"

var (
	// ErrTileNotFound the archive has no tile at that coordinate
	ErrTileNotFound = errors.New("tile not found")
	// ErrGridNotEnabled the archive carries no UTF-Grid tables
	ErrGridNotEnabled = errors.New("grid not enabled")
	// ErrArchiveWrite storage engine failure, fatal for the build
	ErrArchiveWrite = errors.New("archive write failure")
)

// MBTilesReader provides read access to an existing tile archive. It also
// implements TileSource, so an archive can feed another build. Concurrent
// readers need no coordination.
type MBTilesReader struct {
	Filename string
	db       *sql.DB
	format   string
}

// OpenMBTilesReader opens an existing archive file.
func OpenMBTilesReader(path string) (*MBTilesReader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open mbtiles %s: %w", path, err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	return &MBTilesReader{Filename: path, db: db}, nil
}

// Metadata returns the archive's key/value metadata.
func (r *MBTilesReader) Metadata() (map[string]string, error) {
	rows, err := r.db.Query("select name, value from metadata")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	meta := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		meta[name] = value
	}
	return meta, rows.Err()
}

// ZoomLevels returns the sorted distinct zoom levels present.
func (r *MBTilesReader) ZoomLevels() ([]int, error) {
	rows, err := r.db.Query("select distinct(zoom_level) from tiles order by zoom_level")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var levels []int
	for rows.Next() {
		var z int
		if err := rows.Scan(&z); err != nil {
			return nil, err
		}
		levels = append(levels, z)
	}
	return levels, rows.Err()
}

// Tile returns the stored bytes for one coordinate. Rows are stored in TMS
// order; the flip happens here for WMTS callers.
func (r *MBTilesReader) Tile(t TileXyz) ([]byte, error) {
	tms := t.ToScheme(SchemeTMS)
	var data []byte
	err := r.db.QueryRow(
		"select tile_data from tiles where zoom_level=? and tile_column=? and tile_row=?",
		tms.Z, tms.X, tms.Y).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s in %s", ErrTileNotFound, t.ToString(), r.Filename)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (r *MBTilesReader) hasGrids() (bool, error) {
	var name string
	err := r.db.QueryRow(
		"select name from sqlite_master where type in ('table','view') and name='grids'").Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Grid returns the UTF-Grid JSON for one coordinate wrapped as a jsonp
// callback: `callback(<json>);`. The stored grid blob is zlib-compressed and
// the per-key feature data lives in separate grid_data rows, joined up here.
func (r *MBTilesReader) Grid(t TileXyz, callback string) (string, error) {
	raw, data, err := r.GridRaw(t)
	if err != nil {
		return "", err
	}
	var grid map[string]interface{}
	if err := json.Unmarshal(raw, &grid); err != nil {
		return "", err
	}
	grid["data"] = data
	serialized, err := json.Marshal(grid)
	if err != nil {
		return "", err
	}
	if callback == "" {
		callback = "grid"
	}
	return fmt.Sprintf("%s(%s);", callback, serialized), nil
}

// GridProvider is implemented by sources that can hand over raw UTF-Grid
// parts (grid object bytes + per-key feature data) for re-archiving.
type GridProvider interface {
	GridRaw(t TileXyz) ([]byte, map[string]json.RawMessage, error)
}

// GridRaw returns the decompressed grid object and the per-key feature data
// without reassembling them, for copying into another archive.
func (r *MBTilesReader) GridRaw(t TileXyz) ([]byte, map[string]json.RawMessage, error) {
	ok, err := r.hasGrids()
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrGridNotEnabled, r.Filename)
	}
	tms := t.ToScheme(SchemeTMS)
	var blob []byte
	err = r.db.QueryRow(
		"select grid from grids where zoom_level=? and tile_column=? and tile_row=?",
		tms.Z, tms.X, tms.Y).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil, fmt.Errorf("%w: grid %s in %s", ErrTileNotFound, t.ToString(), r.Filename)
	}
	if err != nil {
		return nil, nil, err
	}
	zr, err := zlib.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, nil, err
	}
	raw, err := io.ReadAll(zr)
	zr.Close()
	if err != nil {
		return nil, nil, err
	}
	rows, err := r.db.Query(
		"select key_name, key_json from grid_data where zoom_level=? and tile_column=? and tile_row=?",
		tms.Z, tms.X, tms.Y)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	data := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, nil, err
		}
		data[key] = json.RawMessage(value)
	}
	return raw, data, rows.Err()
}

// Basename 来源标识
func (r *MBTilesReader) Basename() string {
	return filepath.Base(r.Filename)
}

// Format reads the tile format from metadata, defaulting to png.
func (r *MBTilesReader) Format() string {
	if r.format != "" {
		return r.format
	}
	meta, err := r.Metadata()
	if err == nil {
		if f, ok := meta["format"]; ok {
			r.format = f
		}
	}
	if r.format == "" {
		r.format = PNG
	}
	return r.format
}

// Fetch implements TileSource. A missing tile in an archive is permanent.
func (r *MBTilesReader) Fetch(t TileXyz) (TileContent, error) {
	data, err := r.Tile(t)
	if err != nil {
		if errors.Is(err, ErrTileNotFound) {
			return TileContent{}, fmt.Errorf("%w: %s", ErrSourceRejected, err)
		}
		return TileContent{}, fmt.Errorf("%w: %s", ErrSourceUnavailable, err)
	}
	return TileContent{Data: data, Format: r.Format()}, nil
}

// Close releases the archive file.
func (r *MBTilesReader) Close() error {
	return r.db.Close()
}

// Writer flavors
const (
	FlavorMBTiles = "mbtiles"
	FlavorMysql   = "mysql"
)

// MBTilesWriter builds or appends to a tile archive. Every tile and grid
// insert for one build lives in a single transaction: either the whole
// coverage commits, or nothing does.
type MBTilesWriter struct {
	File    string
	flavor  string
	db      *sql.DB
	tx      *sql.Tx
	meta    map[string]string
	created bool
}

// NewMBTilesWriter opens (creating if absent) an sqlite archive at path
// and starts the build transaction. withGrids prepares the UTF-Grid tables.
func NewMBTilesWriter(path string, withGrids bool) (*MBTilesWriter, error) {
	_, statErr := os.Stat(path)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	w := &MBTilesWriter{
		File:    path,
		flavor:  FlavorMBTiles,
		db:      db,
		meta:    make(map[string]string),
		created: os.IsNotExist(statErr),
	}
	if err := w.setup(withGrids); err != nil {
		db.Close()
		if w.created {
			os.Remove(path)
		}
		return nil, err
	}
	return w, nil
}

// NewMysqlWriter opens a writer against a mysql DSN with the same logical
// schema as the mbtiles file.
func NewMysqlWriter(conn string, withGrids bool) (*MBTilesWriter, error) {
	db, err := sql.Open("mysql", conn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	w := &MBTilesWriter{
		File:   conn,
		flavor: FlavorMysql,
		db:     db,
		meta:   make(map[string]string),
	}
	if err := w.setup(withGrids); err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

func optimizeConnection(db *sql.DB) error {
	_, err := db.Exec("PRAGMA synchronous=1")
	if err != nil {
		return err
	}
	_, err = db.Exec("PRAGMA locking_mode=EXCLUSIVE")
	if err != nil {
		return err
	}
	_, err = db.Exec("PRAGMA journal_mode=OFF")
	if err != nil {
		return err
	}
	return nil
}

func (w *MBTilesWriter) setup(withGrids bool) error {
	blob, text := "blob", "text"
	if w.flavor == FlavorMysql {
		blob, text = "mediumblob", "mediumtext"
	} else {
		if err := optimizeConnection(w.db); err != nil {
			return err
		}
	}
	stmts := []string{
		"create table if not exists tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data " + blob + ");",
		"create table if not exists metadata (name varchar(50), value " + text + ");",
	}
	if withGrids {
		stmts = append(stmts,
			"create table if not exists grids (zoom_level integer, tile_column integer, tile_row integer, grid "+blob+");",
			"create table if not exists grid_data (zoom_level integer, tile_column integer, tile_row integer, key_name "+text+", key_json "+text+");",
		)
	}
	for _, stmt := range stmts {
		if _, err := w.db.Exec(stmt); err != nil {
			return fmt.Errorf("%w: %s", ErrArchiveWrite, err)
		}
	}
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrArchiveWrite, err)
	}
	w.tx = tx
	return nil
}

func (w *MBTilesWriter) insertVerb() string {
	if w.flavor == FlavorMysql {
		return "insert ignore"
	}
	return "insert or ignore"
}

// PutTile stages one tile in the build transaction. WMTS rows are flipped
// to TMS at this boundary; the stored row convention is always TMS.
func (w *MBTilesWriter) PutTile(t TileXyz, data []byte) error {
	tms := t.ToScheme(SchemeTMS)
	_, err := w.tx.Exec(
		w.insertVerb()+" into tiles (zoom_level, tile_column, tile_row, tile_data) values (?, ?, ?, ?)",
		tms.Z, tms.X, tms.Y, data)
	if err != nil {
		return fmt.Errorf("%w: tile %s: %s", ErrArchiveWrite, t.ToString(), err)
	}
	return nil
}

// PutGrid stages one UTF-Grid payload: the grid object (keys + encoded rows)
// zlib-compressed, and one grid_data row per feature key.
func (w *MBTilesWriter) PutGrid(t TileXyz, gridJSON []byte, keyData map[string]json.RawMessage) error {
	tms := t.ToScheme(SchemeTMS)
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(gridJSON); err != nil {
		return fmt.Errorf("%w: %s", ErrArchiveWrite, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("%w: %s", ErrArchiveWrite, err)
	}
	_, err := w.tx.Exec(
		w.insertVerb()+" into grids (zoom_level, tile_column, tile_row, grid) values (?, ?, ?, ?)",
		tms.Z, tms.X, tms.Y, buf.Bytes())
	if err != nil {
		return fmt.Errorf("%w: grid %s: %s", ErrArchiveWrite, t.ToString(), err)
	}
	for key, value := range keyData {
		_, err := w.tx.Exec(
			w.insertVerb()+" into grid_data (zoom_level, tile_column, tile_row, key_name, key_json) values (?, ?, ?, ?, ?)",
			tms.Z, tms.X, tms.Y, key, string(value))
		if err != nil {
			return fmt.Errorf("%w: grid data %s/%s: %s", ErrArchiveWrite, t.ToString(), key, err)
		}
	}
	return nil
}

// SetMetadata stages metadata; it is persisted on Commit.
func (w *MBTilesWriter) SetMetadata(meta map[string]string) {
	for name, value := range meta {
		w.meta[name] = value
	}
}

// Commit persists metadata, commits the build transaction and optimizes
// the archive (unique indexes, ANALYZE, VACUUM).
func (w *MBTilesWriter) Commit() error {
	for name, value := range w.meta {
		_, err := w.tx.Exec(
			w.insertVerb()+" into metadata (name, value) values (?, ?)", name, value)
		if err != nil {
			w.tx.Rollback()
			return fmt.Errorf("%w: metadata %s: %s", ErrArchiveWrite, name, err)
		}
	}
	if err := w.tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %s", ErrArchiveWrite, err)
	}
	w.tx = nil
	_, _ = w.db.Exec("create unique index if not exists name on metadata (name)")
	_, _ = w.db.Exec("create unique index if not exists tile_index on tiles (zoom_level, tile_column, tile_row)")
	if w.flavor == FlavorMBTiles {
		if _, err := w.db.Exec("ANALYZE"); err != nil {
			log.Warnf("analyze failed: %s", err)
		}
		if _, err := w.db.Exec("VACUUM"); err != nil {
			log.Warnf("vacuum failed: %s", err)
		}
	}
	return nil
}

// Rollback abandons the build. A file created by this writer is removed so
// a failed run leaves nothing behind; appending to an existing archive
// leaves the prior state intact.
func (w *MBTilesWriter) Rollback() error {
	var err error
	if w.tx != nil {
		err = w.tx.Rollback()
		w.tx = nil
	}
	w.db.Close()
	if w.flavor == FlavorMBTiles && w.created {
		os.Remove(w.File)
	}
	return err
}

// Close releases the store. Commit or Rollback must have run first; an
// open transaction at this point is a bug and is rolled back loudly.
func (w *MBTilesWriter) Close() error {
	if w.tx != nil {
		log.Errorf("writer closed with open transaction, rolling back")
		w.tx.Rollback()
		w.tx = nil
	}
	return w.db.Close()
}
