package main

import (
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"
)

// Filter is a pure image transform applied to a layer before blending.
type Filter interface {
	Basename() string
	Process(img image.Image) image.Image
}

// GrayScale converts a layer to its luminance, keeping the alpha channel.
type GrayScale struct{}

// Basename 滤镜标识
func (GrayScale) Basename() string {
	return "GrayScale"
}

// Process implements Filter.
func (GrayScale) Process(img image.Image) image.Image {
	bounds := img.Bounds()
	out := image.NewNRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			// Rec. 601 luma
			l := uint8((299*int(c.R) + 587*int(c.G) + 114*int(c.B)) / 1000)
			out.SetNRGBA(x, y, color.NRGBA{R: l, G: l, B: l, A: c.A})
		}
	}
	return out
}

// ColorToAlpha turns pixels matching a target color transparent, scaling
// partial matches by their maximum channel difference ratio. Tolerance is
// the ratio below which a pixel becomes fully transparent.
type ColorToAlpha struct {
	Color     color.NRGBA
	Tolerance float64
}

// ParseHexColor converts "#RRGGBB" or "#RRGGBBAA" to a color.
func ParseHexColor(s string) (color.NRGBA, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "#"))
	if len(s) != 6 && len(s) != 8 {
		return color.NRGBA{}, fmt.Errorf("input #%s is not in #RRGGBB format", s)
	}
	v, err := strconv.ParseUint(s[:6], 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("input #%s is not in #RRGGBB format", s)
	}
	c := color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
	if len(s) == 8 {
		a, err := strconv.ParseUint(s[6:8], 16, 16)
		if err != nil {
			return color.NRGBA{}, fmt.Errorf("input #%s is not in #RRGGBB format", s)
		}
		c.A = uint8(a)
	}
	return c, nil
}

// Basename 滤镜标识
func (f ColorToAlpha) Basename() string {
	return fmt.Sprintf("ColorToAlpha%02x%02x%02x", f.Color.R, f.Color.G, f.Color.B)
}

// difference ratio between a source channel and the target channel,
// normalized to [0,1] whichever side of the target the source falls on.
func channelRatio(src, target float64) float64 {
	if src > target && target < 255 {
		return (src - target) / (255 - target)
	}
	if src < target && target > 0 {
		return (target - src) / target
	}
	return 0
}

// Process implements Filter.
func (f ColorToAlpha) Process(img image.Image) image.Image {
	bounds := img.Bounds()
	out := image.NewNRGBA(bounds)
	tr, tg, tb := float64(f.Color.R), float64(f.Color.G), float64(f.Color.B)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			sr, sg, sb := float64(c.R), float64(c.G), float64(c.B)
			ratio := channelRatio(sr, tr)
			if r := channelRatio(sg, tg); r > ratio {
				ratio = r
			}
			if r := channelRatio(sb, tb); r > ratio {
				ratio = r
			}
			if ratio <= f.Tolerance {
				out.SetNRGBA(x, y, color.NRGBA{})
				continue
			}
			// Undo the target color's contribution from each channel.
			unmix := func(src, target float64) uint8 {
				v := (src-target)/ratio + target
				if v < 0 {
					v = 0
				}
				if v > 255 {
					v = 255
				}
				return uint8(v)
			}
			out.SetNRGBA(x, y, color.NRGBA{
				R: unmix(sr, tr),
				G: unmix(sg, tg),
				B: unmix(sb, tb),
				A: uint8(float64(c.A) * ratio),
			})
		}
	}
	return out
}
