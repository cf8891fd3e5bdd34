package main

import (
	"image"
	"image/color"
	"testing"
)

func singlePixel(c color.NRGBA) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.SetNRGBA(0, 0, c)
	return img
}

func TestGrayScale(t *testing.T) {
	out := GrayScale{}.Process(singlePixel(color.NRGBA{R: 100, G: 150, B: 200, A: 128}))
	got := color.NRGBAModel.Convert(out.At(0, 0)).(color.NRGBA)
	want := color.NRGBA{R: 140, G: 140, B: 140, A: 128}
	if got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestParseHexColor(t *testing.T) {
	c, err := ParseHexColor("#ff8000")
	if err != nil {
		t.Fatalf("ParseHexColor failed: %v", err)
	}
	if c != (color.NRGBA{R: 255, G: 128, B: 0, A: 255}) {
		t.Fatalf("unexpected color %v", c)
	}
	c, err = ParseHexColor("00ff0080")
	if err != nil {
		t.Fatalf("ParseHexColor with alpha failed: %v", err)
	}
	if c.A != 0x80 {
		t.Fatalf("expected alpha 0x80, got %x", c.A)
	}
	for _, bad := range []string{"", "#fff", "#zzzzzz"} {
		if _, err := ParseHexColor(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestColorToAlphaExactMatch(t *testing.T) {
	f := ColorToAlpha{Color: color.NRGBA{R: 255, G: 255, B: 255, A: 255}}
	out := f.Process(singlePixel(color.NRGBA{R: 255, G: 255, B: 255, A: 255}))
	got := color.NRGBAModel.Convert(out.At(0, 0)).(color.NRGBA)
	if got.A != 0 {
		t.Fatalf("matching pixel must become transparent, got %v", got)
	}
}

func TestColorToAlphaOppositeUntouched(t *testing.T) {
	f := ColorToAlpha{Color: color.NRGBA{R: 255, G: 255, B: 255, A: 255}}
	out := f.Process(singlePixel(color.NRGBA{R: 0, G: 0, B: 0, A: 255}))
	got := color.NRGBAModel.Convert(out.At(0, 0)).(color.NRGBA)
	want := color.NRGBA{R: 0, G: 0, B: 0, A: 255}
	if got != want {
		t.Fatalf("maximally distant pixel must keep full alpha, got %v", got)
	}
}

func TestColorToAlphaTolerance(t *testing.T) {
	f := ColorToAlpha{Color: color.NRGBA{R: 255, G: 255, B: 255, A: 255}, Tolerance: 0.2}
	// off-white, within tolerance of the target
	out := f.Process(singlePixel(color.NRGBA{R: 240, G: 240, B: 240, A: 255}))
	got := color.NRGBAModel.Convert(out.At(0, 0)).(color.NRGBA)
	if got.A != 0 {
		t.Fatalf("near-match within tolerance must be transparent, got %v", got)
	}
}

func TestFilterBasenames(t *testing.T) {
	gs := GrayScale{}
	if gs.Basename() != "GrayScale" {
		t.Fatalf("unexpected basename %s", gs.Basename())
	}
	f := ColorToAlpha{Color: color.NRGBA{R: 0xff, G: 0x00, B: 0x80}}
	if f.Basename() != "ColorToAlphaff0080" {
		t.Fatalf("unexpected basename %s", f.Basename())
	}
}
