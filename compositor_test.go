package main

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"testing"
)

// staticSource serves one fixed payload for every coordinate.
type staticSource struct {
	name   string
	data   []byte
	format string
	err    error
}

func (s *staticSource) Fetch(TileXyz) (TileContent, error) {
	if s.err != nil {
		return TileContent{}, s.err
	}
	return TileContent{Data: s.data, Format: s.format}, nil
}

func (s *staticSource) Basename() string { return s.name }

func (s *staticSource) Format() string { return s.format }

func solidTile(t *testing.T, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, TileSize, TileSize))
	for y := 0; y < TileSize; y++ {
		for x := 0; x < TileSize; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return buf.Bytes()
}

func decodePixel(t *testing.T, data []byte) color.NRGBA {
	t.Helper()
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return color.NRGBAModel.Convert(img.At(10, 10)).(color.NRGBA)
}

var testTile = TileXyz{X: 0, Y: 0, Z: 1, Scheme: SchemeWMTS}

func TestCompositeSingleLayerPassthrough(t *testing.T) {
	payload := solidTile(t, color.NRGBA{R: 255, A: 255})
	comp := &Compositor{Layers: []Layer{
		NewLayer(&staticSource{name: "base", data: payload, format: PNG}, nil, 1.0),
	}}
	content, err := comp.Composite(testTile)
	if err != nil {
		t.Fatalf("Composite failed: %v", err)
	}
	if !bytes.Equal(content.Data, payload) {
		t.Fatalf("single opaque layer should pass through unchanged")
	}
	if content.Format != PNG {
		t.Fatalf("expected png, got %s", content.Format)
	}
}

func TestCompositePassthroughKeepsVectorTiles(t *testing.T) {
	payload := []byte{0x1a, 0x02, 0x00, 0x00}
	comp := &Compositor{Layers: []Layer{
		NewLayer(&staticSource{name: "vec", data: payload, format: PBF}, nil, 1.0),
	}}
	content, err := comp.Composite(testTile)
	if err != nil {
		t.Fatalf("Composite failed: %v", err)
	}
	if content.Format != PBF || !bytes.Equal(content.Data, payload) {
		t.Fatalf("vector payload should survive untouched")
	}
}

func TestCompositeRejectsVectorBlend(t *testing.T) {
	comp := &Compositor{Layers: []Layer{
		NewLayer(&staticSource{name: "vec", data: []byte{1}, format: PBF}, nil, 0.5),
	}}
	if _, err := comp.Composite(testTile); !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("expected ErrInvalidContent for vector blend, got %v", err)
	}
}

func TestCompositeTopLayerOpacity(t *testing.T) {
	red := solidTile(t, color.NRGBA{R: 255, A: 255})
	blue := solidTile(t, color.NRGBA{B: 255, A: 255})
	for _, tc := range []struct {
		opacity float64
		want    color.NRGBA
	}{
		{0.0, color.NRGBA{R: 255, A: 255}},
		{1.0, color.NRGBA{B: 255, A: 255}},
	} {
		comp := &Compositor{Layers: []Layer{
			NewLayer(&staticSource{name: "base", data: red, format: PNG}, nil, 1.0),
			NewLayer(&staticSource{name: "top", data: blue, format: PNG}, nil, tc.opacity),
		}}
		content, err := comp.Composite(testTile)
		if err != nil {
			t.Fatalf("Composite at opacity %.1f failed: %v", tc.opacity, err)
		}
		if got := decodePixel(t, content.Data); got != tc.want {
			t.Fatalf("opacity %.1f: expected %v, got %v", tc.opacity, tc.want, got)
		}
	}
}

func TestCompositeBaseFailureFatal(t *testing.T) {
	fetchErr := fmt.Errorf("%w: gone", ErrSourceRejected)
	comp := &Compositor{
		BestEffort: true,
		Layers: []Layer{
			NewLayer(&staticSource{name: "base", err: fetchErr, format: PNG}, nil, 1.0),
			NewLayer(&staticSource{name: "top", data: solidTile(t, color.NRGBA{B: 255, A: 255}), format: PNG}, nil, 0.5),
		},
	}
	if _, err := comp.Composite(testTile); !errors.Is(err, ErrSourceRejected) {
		t.Fatalf("base failure must abort the tile, got %v", err)
	}
}

func TestCompositeBestEffortSkipsUpperLayer(t *testing.T) {
	red := solidTile(t, color.NRGBA{R: 255, A: 255})
	fetchErr := fmt.Errorf("%w: gone", ErrSourceRejected)
	layers := []Layer{
		NewLayer(&staticSource{name: "base", data: red, format: PNG}, nil, 1.0),
		NewLayer(&staticSource{name: "top", err: fetchErr, format: PNG}, nil, 0.5),
	}

	strict := &Compositor{Layers: layers}
	if _, err := strict.Composite(testTile); !errors.Is(err, ErrSourceRejected) {
		t.Fatalf("strict mode must surface the layer failure, got %v", err)
	}

	lenient := &Compositor{Layers: layers, BestEffort: true}
	content, err := lenient.Composite(testTile)
	if err != nil {
		t.Fatalf("best effort should skip the failing layer: %v", err)
	}
	if got := decodePixel(t, content.Data); got != (color.NRGBA{R: 255, A: 255}) {
		t.Fatalf("expected base pixels, got %v", got)
	}
}

func TestCompositeAppliesFilters(t *testing.T) {
	gray := solidTile(t, color.NRGBA{R: 100, G: 150, B: 200, A: 255})
	comp := &Compositor{Layers: []Layer{
		NewLayer(&staticSource{name: "base", data: gray, format: PNG}, nil, 1.0, GrayScale{}),
	}}
	content, err := comp.Composite(testTile)
	if err != nil {
		t.Fatalf("Composite failed: %v", err)
	}
	want := color.NRGBA{R: 140, G: 140, B: 140, A: 255}
	if got := decodePixel(t, content.Data); got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestNewLayerClampsOpacity(t *testing.T) {
	if l := NewLayer(&staticSource{}, nil, 1.5); l.Opacity != 1 {
		t.Fatalf("expected opacity clamped to 1, got %f", l.Opacity)
	}
	if l := NewLayer(&staticSource{}, nil, -0.5); l.Opacity != 0 {
		t.Fatalf("expected opacity clamped to 0, got %f", l.Opacity)
	}
}
