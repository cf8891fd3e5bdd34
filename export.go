package main

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"os"
	"path/filepath"
	"strings"

	"github.com/cheggaaa/pb/v3"
	log "github.com/sirupsen/logrus"
)

// ExportImage stitches every tile of a single-zoom coverage onto one canvas
// and writes it to outPath (.png or .jpg). Tiles are pasted at pixel offsets
// derived from their position within the coverage.
func ExportImage(comp *Compositor, bbox LngLatBbox, zoom int, outPath string) error {
	tiles, err := TilesList([]LngLatBbox{bbox}, []int{zoom})
	if err != nil {
		return err
	}
	format := PNG
	switch strings.ToLower(filepath.Ext(outPath)) {
	case ".jpg", ".jpeg":
		format = JPG
	case ".png", "":
	default:
		return fmt.Errorf("%w: unsupported export extension %s", ErrInvalidContent, filepath.Ext(outPath))
	}

	minCol, minRow := tiles[0].X, tiles[0].Y
	maxCol, maxRow := tiles[0].X, tiles[0].Y
	for _, t := range tiles {
		if t.X < minCol {
			minCol = t.X
		}
		if t.X > maxCol {
			maxCol = t.X
		}
		if t.Y < minRow {
			minRow = t.Y
		}
		if t.Y > maxRow {
			maxRow = t.Y
		}
	}

	var canvas *image.NRGBA
	tileSizePx := 0
	bar := pb.StartNew(len(tiles))
	for _, t := range tiles {
		content, err := comp.Composite(t)
		if err != nil {
			if comp.BestEffort {
				log.Warnf("skip %s: %s", t.ToString(), err)
				bar.Increment()
				continue
			}
			return err
		}
		img, _, err := image.Decode(bytes.NewReader(content.Data))
		if err != nil {
			return fmt.Errorf("%w: decode %s: %s", ErrInvalidContent, t.ToString(), err)
		}
		if canvas == nil {
			tileSizePx = img.Bounds().Dx()
			canvas = image.NewNRGBA(image.Rect(0, 0,
				(maxCol-minCol+1)*tileSizePx, (maxRow-minRow+1)*tileSizePx))
		}
		offset := image.Pt((t.X-minCol)*tileSizePx, (t.Y-minRow)*tileSizePx)
		rect := image.Rectangle{Min: offset, Max: offset.Add(img.Bounds().Size())}
		draw.Draw(canvas, rect, img, img.Bounds().Min, draw.Src)
		bar.Increment()
	}
	bar.Finish()
	if canvas == nil {
		return fmt.Errorf("%w: no tiles exported", ErrInvalidContent)
	}
	out, err := encodeImage(canvas, format)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(outPath); dir != "." {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return err
		}
	}
	log.Infof("export %dx%d image to %s", canvas.Bounds().Dx(), canvas.Bounds().Dy(), outPath)
	return os.WriteFile(outPath, out, 0644)
}
