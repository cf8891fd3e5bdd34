package main

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"

	log "github.com/sirupsen/logrus"
)

// Layer is one entry in a compositor stack: a retrieval pipeline plus an
// opacity and a filter chain.
type Layer struct {
	Pipeline Pipeline
	Opacity  float64
	Filters  []Filter
}

// NewLayer builds a layer, clamping opacity into [0,1].
func NewLayer(src TileSource, cache *DiskCache, opacity float64, filters ...Filter) Layer {
	if opacity < 0 {
		opacity = 0
	}
	if opacity > 1 {
		opacity = 1
	}
	return Layer{
		Pipeline: Pipeline{Source: src, Cache: cache},
		Opacity:  opacity,
		Filters:  filters,
	}
}

// Compositor blends an ordered stack of layers, bottom first, into one
// output tile. Stateless per call, safe to run across coordinates in
// parallel.
type Compositor struct {
	Layers []Layer
	// Format pins the output encoding; empty means the base layer's format.
	Format string
	// BestEffort skips failing non-base layers instead of aborting the tile.
	BestEffort bool
}

func (c *Compositor) outputFormat() string {
	if c.Format != "" {
		return c.Format
	}
	return c.Layers[0].Pipeline.Source.Format()
}

// Base is the bottom layer's source.
func (c *Compositor) Base() TileSource {
	return c.Layers[0].Pipeline.Source
}

// Composite retrieves every layer at the coordinate, applies each layer's
// filter chain, and alpha-blends the stack. A base-layer failure is always
// fatal for the tile; upper-layer failures honor the BestEffort policy.
func (c *Compositor) Composite(t TileXyz) (TileContent, error) {
	if len(c.Layers) == 0 {
		return TileContent{}, fmt.Errorf("%w: no layers", ErrInvalidContent)
	}
	base := &c.Layers[0]
	// A single fully-opaque unfiltered layer passes through untouched, so
	// non-raster payloads (pbf) survive and rasters skip a re-encode.
	if len(c.Layers) == 1 && base.Opacity >= 1 && len(base.Filters) == 0 &&
		(c.Format == "" || c.Format == base.Pipeline.Source.Format()) {
		data, err := base.Pipeline.Tile(t)
		if err != nil {
			return TileContent{}, err
		}
		return TileContent{Data: data, Format: base.Pipeline.Source.Format()}, nil
	}
	if f := c.outputFormat(); f != PNG && f != JPG {
		return TileContent{}, fmt.Errorf("%w: cannot blend %s tiles", ErrInvalidContent, f)
	}

	var acc draw.Image
	for i := range c.Layers {
		layer := &c.Layers[i]
		data, err := layer.Pipeline.Tile(t)
		if err != nil {
			if i == 0 {
				return TileContent{}, err
			}
			if c.BestEffort {
				log.Warnf("skip layer %d (%s) for %s: %s", i, layer.Pipeline.Source.Basename(), t.ToString(), err)
				continue
			}
			return TileContent{}, err
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return TileContent{}, fmt.Errorf("%w: decode layer %d: %s", ErrInvalidContent, i, err)
		}
		for _, f := range layer.Filters {
			img = f.Process(img)
		}
		if acc == nil {
			acc = image.NewNRGBA(image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy()))
		}
		blend(acc, img, layer.Opacity)
	}
	if acc == nil {
		return TileContent{}, fmt.Errorf("%w: all layers failed for %s", ErrInvalidContent, t.ToString())
	}
	out, err := encodeImage(acc, c.outputFormat())
	if err != nil {
		return TileContent{}, err
	}
	return TileContent{Data: out, Format: c.outputFormat()}, nil
}

// blend draws src over dst scaled by the layer opacity, respecting the
// source's own alpha channel first.
func blend(dst draw.Image, src image.Image, opacity float64) {
	a := uint8(opacity*255 + 0.5)
	if a == 0 {
		return
	}
	mask := image.NewUniform(color.Alpha{A: a})
	draw.DrawMask(dst, dst.Bounds(), src, src.Bounds().Min, mask, image.Point{}, draw.Over)
}

func encodeImage(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case PNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
	case JPG:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: cannot encode %s", ErrInvalidContent, format)
	}
	return buf.Bytes(), nil
}
