package main

import (
	"bytes"
	"fmt"
)

// TileSize 默认瓦片大小
const TileSize = 256

// Constants representing TileFormat types
const (
	GZIP string = "gzip" // encoding = gzip
	ZLIB        = "zlib" // encoding = deflate
	PNG         = "png"
	JPG         = "jpg"
	PBF         = "pbf"
	WEBP        = "webp"
	GRID        = "json" // UTF-Grid payload
)

// TileContent 瓦片内容
type TileContent struct {
	Data   []byte
	Format string
}

// Tile 瓦片坐标+内容
type Tile struct {
	T TileXyz
	C []byte
}

// MediaType returns the HTTP content type for a tile format.
func MediaType(format string) string {
	switch format {
	case PNG:
		return "image/png"
	case JPG:
		return "image/jpeg"
	case WEBP:
		return "image/webp"
	case PBF:
		return "application/x-protobuf"
	case GRID:
		return "application/json"
	}
	return "application/octet-stream"
}

// FormatFromMediaType maps a content type back to a tile format tag.
func FormatFromMediaType(mediaType string) string {
	switch mediaType {
	case "image/png":
		return PNG
	case "image/jpeg", "image/jpg":
		return JPG
	case "image/webp":
		return WEBP
	case "application/x-protobuf", "application/vnd.mapbox-vector-tile":
		return PBF
	case "application/json":
		return GRID
	}
	return ""
}

var (
	pngMagic  = []byte{0x89, 0x50, 0x4e, 0x47}
	jpegMagic = []byte{0xff, 0xd8, 0xff}
	riffMagic = []byte("RIFF")
)

// ValidateContent checks a fetched payload is non-empty and looks like the
// declared format. Formats without a stable signature pass on non-empty.
func ValidateContent(data []byte, format string) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidContent)
	}
	switch format {
	case PNG:
		if !bytes.HasPrefix(data, pngMagic) {
			return fmt.Errorf("%w: payload is not png", ErrInvalidContent)
		}
	case JPG:
		if !bytes.HasPrefix(data, jpegMagic) {
			return fmt.Errorf("%w: payload is not jpeg", ErrInvalidContent)
		}
	case WEBP:
		if !bytes.HasPrefix(data, riffMagic) {
			return fmt.Errorf("%w: payload is not webp", ErrInvalidContent)
		}
	}
	return nil
}
