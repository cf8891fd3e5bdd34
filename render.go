package main

import (
	"fmt"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// Renderer is the external rendering collaborator: a stylesheet plus a
// geographic bbox in, raw image bytes out. The engine never parses styles
// or draws vectors itself.
type Renderer interface {
	Render(styleRef string, bbox LngLatBbox, tileSizePx int) ([]byte, error)
}

// GridRenderer is implemented by renderers that can also produce UTF-Grid
// payloads for interactive feature lookups.
type GridRenderer interface {
	RenderGrid(styleRef string, bbox LngLatBbox, tileSizePx int, fields []string, layer string) ([]byte, error)
}

// RendererSource renders tiles locally through a Renderer.
type RendererSource struct {
	Renderer   Renderer
	Style      string
	TileFormat string
	TileSize   int
}

// NewRendererSource wraps a renderer and a stylesheet reference as a source.
func NewRendererSource(r Renderer, style string) (*RendererSource, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: no renderer available", ErrSourceRejected)
	}
	return &RendererSource{Renderer: r, Style: style, TileFormat: PNG, TileSize: TileSize}, nil
}

// Basename 来源标识
func (s *RendererSource) Basename() string {
	return filepath.Base(s.Style)
}

// Format 瓦片格式
func (s *RendererSource) Format() string {
	if s.TileFormat == "" {
		return PNG
	}
	return s.TileFormat
}

func (s *RendererSource) tileSize() int {
	if s.TileSize > 0 {
		return s.TileSize
	}
	return TileSize
}

// Fetch renders the tile's bbox. Renderer failures are permanent: a style
// that fails once fails every time.
func (s *RendererSource) Fetch(t TileXyz) (TileContent, error) {
	log.Debugf("render tile %s with style %s", t.ToString(), s.Style)
	data, err := s.Renderer.Render(s.Style, t.Bounds(), s.tileSize())
	if err != nil {
		return TileContent{}, fmt.Errorf("%w: render %v: %s", ErrSourceRejected, t, err)
	}
	return TileContent{Data: data, Format: s.Format()}, nil
}

// FetchGrid renders the UTF-Grid payload for the tile, when the underlying
// renderer supports grids.
func (s *RendererSource) FetchGrid(t TileXyz, fields []string, layer string) ([]byte, error) {
	gr, ok := s.Renderer.(GridRenderer)
	if !ok {
		return nil, fmt.Errorf("%w: renderer has no grid support", ErrSourceRejected)
	}
	return gr.RenderGrid(s.Style, t.Bounds(), s.tileSize(), fields, layer)
}
