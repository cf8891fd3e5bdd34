package main

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/maptile/tilecover"
)

const threeSixty float64 = 360.0
const oneEighty float64 = 180.0
const radius float64 = 6378137.0
const webMercatorLatLimit float64 = 85.05112877980659

// ErrInvalidCoverage 覆盖范围参数错误
var ErrInvalidCoverage = errors.New("invalid coverage")

// Scheme 瓦片行号方向
type Scheme string

const (
	// SchemeWMTS row 0 = north
	SchemeWMTS Scheme = "wmts"
	// SchemeTMS row 0 = south
	SchemeTMS Scheme = "tms"
)

// TileXyz 瓦片坐标
type TileXyz struct {
	X      int
	Y      int
	Z      int
	Scheme Scheme
}

func flipY(y, z int) int {
	return (1 << z) - y - 1
}

// ToScheme returns the same tile with its row expressed in the given scheme.
func (tile TileXyz) ToScheme(s Scheme) TileXyz {
	if tile.Scheme == s {
		return tile
	}
	return TileXyz{X: tile.X, Y: flipY(tile.Y, tile.Z), Z: tile.Z, Scheme: s}
}

// ToString returns a string representation of the tile.
func (tile TileXyz) ToString() string {
	return fmt.Sprintf("{%d/%d/%d %s}", tile.Z, tile.X, tile.Y, tile.Scheme)
}

// LngLat holds a standard geographic coordinate pair in decimal degrees
type LngLat struct {
	Lng, Lat float64
}

// LngLatBbox bounding box in decimal degrees, WGS84
type LngLatBbox struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// Validate rejects malformed boxes before any tile math runs.
// A box crossing the antimeridian must be passed as two boxes.
func (b *LngLatBbox) Validate() error {
	if math.Abs(b.West) > 180 || math.Abs(b.East) > 180 ||
		math.Abs(b.South) > 90 || math.Abs(b.North) > 90 {
		return fmt.Errorf("%w: coordinates exceed [-180,180], [-90,90]: %v", ErrInvalidCoverage, *b)
	}
	if b.West >= b.East || b.South >= b.North {
		return fmt.Errorf("%w: bounding box order is (west, south, east, north): %v", ErrInvalidCoverage, *b)
	}
	return nil
}

// clamp pulls the box inside the web mercator latitude limits.
func (b *LngLatBbox) clamp() LngLatBbox {
	return LngLatBbox{
		West:  math.Max(-180.0, b.West),
		South: math.Max(-webMercatorLatLimit, b.South),
		East:  math.Min(180.0, b.East),
		North: math.Min(webMercatorLatLimit, b.North),
	}
}

// Intersects returns true if this bounding box intersects with the other bounding box.
func (b *LngLatBbox) Intersects(o *LngLatBbox) bool {
	latOverlaps := (o.North > b.South) && (o.South < b.North)
	lngOverlaps := (o.East > b.West) && (o.West < b.East)
	return latOverlaps && lngOverlaps
}

// XY holds a Spherical Mercator point
type XY struct {
	X, Y float64
}

func deg2rad(deg float64) float64 {
	return deg * (math.Pi / oneEighty)
}

func rad2deg(rad float64) float64 {
	return rad * (oneEighty / math.Pi)
}

// GetTile returns the WMTS tile containing the given position at the given zoom
func GetTile(lng float64, lat float64, zoom int) TileXyz {
	latRad := deg2rad(lat)
	n := math.Pow(2.0, float64(zoom))
	x := int(math.Floor((lng + oneEighty) / threeSixty * n))
	y := int(math.Floor((1.0 - math.Log(math.Tan(latRad)+(1.0/math.Cos(latRad)))/math.Pi) / 2.0 * n))
	return TileXyz{X: x, Y: y, Z: zoom, Scheme: SchemeWMTS}
}

func clampIndex(v, z int) int {
	if v < 0 {
		return 0
	}
	if max := (1 << z) - 1; v > max {
		return max
	}
	return v
}

// TilesList enumerates every tile covering the given boxes at the given zoom
// levels. The result is deduplicated and ordered by zoom, then row, then
// column, so builds and archive writes are reproducible.
func TilesList(bboxes []LngLatBbox, zoomLevels []int) ([]TileXyz, error) {
	if len(bboxes) == 0 || len(zoomLevels) == 0 {
		return nil, fmt.Errorf("%w: empty bounding box or zoom list", ErrInvalidCoverage)
	}
	for i := range bboxes {
		if err := bboxes[i].Validate(); err != nil {
			return nil, err
		}
	}
	for _, z := range zoomLevels {
		if z < 0 {
			return nil, fmt.Errorf("%w: negative zoom level %d", ErrInvalidCoverage, z)
		}
	}
	seen := make(map[TileXyz]struct{})
	var list []TileXyz
	for _, z := range zoomLevels {
		for i := range bboxes {
			box := bboxes[i].clamp()
			ul := GetTile(box.West, box.North, z)
			lr := GetTile(box.East, box.South, z)
			colMin, colMax := clampIndex(ul.X, z), clampIndex(lr.X, z)
			rowMin, rowMax := clampIndex(ul.Y, z), clampIndex(lr.Y, z)
			for y := rowMin; y <= rowMax; y++ {
				for x := colMin; x <= colMax; x++ {
					t := TileXyz{X: x, Y: y, Z: z, Scheme: SchemeWMTS}
					if _, ok := seen[t]; ok {
						continue
					}
					seen[t] = struct{}{}
					list = append(list, t)
				}
			}
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Z != list[j].Z {
			return list[i].Z < list[j].Z
		}
		if list[i].Y != list[j].Y {
			return list[i].Y < list[j].Y
		}
		return list[i].X < list[j].X
	})
	return list, nil
}

// CollectionTiles covers a geojson geometry collection at one zoom level.
func CollectionTiles(c orb.Collection, zoom int) []TileXyz {
	set := make(maptile.Set)
	for _, g := range c {
		cover, err := tilecover.Geometry(g, maptile.Zoom(zoom))
		if err != nil {
			continue
		}
		set.Merge(cover)
	}
	var list []TileXyz
	for mt, ok := range set {
		if !ok {
			continue
		}
		list = append(list, TileXyz{X: int(mt.X), Y: int(mt.Y), Z: int(mt.Z), Scheme: SchemeWMTS})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Y != list[j].Y {
			return list[i].Y < list[j].Y
		}
		return list[i].X < list[j].X
	})
	return list
}

// Ul returns the upper left corner of the tile in decimal degrees
func (tile TileXyz) Ul() LngLat {
	t := tile.ToScheme(SchemeWMTS)
	n := math.Pow(2.0, float64(t.Z))
	lonDeg := float64(t.X)/n*threeSixty - oneEighty
	latRad := math.Atan(math.Sinh(math.Pi * (1 - (2 * float64(t.Y) / n))))
	return LngLat{lonDeg, rad2deg(latRad)}
}

// Bounds returns the geographic bbox of the tile
func (tile TileXyz) Bounds() LngLatBbox {
	t := tile.ToScheme(SchemeWMTS)
	a := t.Ul()
	shifted := TileXyz{X: t.X + 1, Y: t.Y + 1, Z: t.Z, Scheme: SchemeWMTS}
	b := shifted.Ul()
	return LngLatBbox{West: a.Lng, South: b.Lat, East: b.Lng, North: a.Lat}
}

// ToXY transforms WGS84 DD to Spherical Mercator meters
func ToXY(ll LngLat) XY {
	x := radius * deg2rad(ll.Lng)
	lat := math.Max(math.Min(webMercatorLatLimit, ll.Lat), -webMercatorLatLimit)
	intrx := (math.Pi * 0.25) + (0.5 * deg2rad(lat))
	y := radius * math.Log(math.Tan(intrx))
	return XY{x, y}
}

// MercatorBounds returns the EPSG:3857 bbox of the tile in meters,
// as (minx, miny, maxx, maxy).
func (tile TileXyz) MercatorBounds() (float64, float64, float64, float64) {
	b := tile.Bounds()
	min := ToXY(LngLat{b.West, b.South})
	max := ToXY(LngLat{b.East, b.North})
	return min.X, min.Y, max.X, max.Y
}
