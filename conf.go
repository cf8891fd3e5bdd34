package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var conf *Conf

// Conf 配置
type Conf struct {
	App struct {
		Version string `toml:"version"`
		Title   string `toml:"title"`
	} `toml:"app"`
	Output struct {
		Format    string `toml:"format"` // mbtiles | mysql | files
		Directory string `toml:"directory"`
		Conn      string `toml:"conn"` // mysql dsn
		LogDir    string `toml:"logDir"`
		Grids     bool   `toml:"grids"`
	} `toml:"output"`
	Task struct {
		Workers  int    `toml:"workers"`
		Savepipe int    `toml:"savepipe"`
		Retries  int    `toml:"retries"`
		Backoff  int    `toml:"backoff"` // seconds, grows linearly per attempt
		Timeout  int    `toml:"timeout"` // seconds per fetch
		Strict   bool   `toml:"strict"`
		Redis    bool   `toml:"redis"`
		RedisURI string `toml:"redisUri"`
	} `toml:"task"`
	Cache struct {
		Enable    bool   `toml:"enable"`
		Directory string `toml:"directory"`
		Scheme    string `toml:"scheme"` // tms | wmts, fixed per cache tree
	} `toml:"cache"`
	Serve struct {
		Addr string `toml:"addr"`
		File string `toml:"file"`
	} `toml:"serve"`
	Tm struct {
		Name        string    `toml:"name"`
		Description string    `toml:"description"`
		Attribution string    `toml:"attribution"`
		Format      string    `toml:"format"`
		Min         int       `toml:"min"`
		Max         int       `toml:"max"`
		Bounds      []float64 `toml:"bounds"` // west, south, east, north
	} `toml:"tm"`
	Lrs []LayerConf `toml:"lrs"`
}

// LayerConf 图层配置
type LayerConf struct {
	Type      string       `toml:"type"` // url | wms | mbtiles | render
	URL       string       `toml:"url"`
	Layers    []string     `toml:"layers"` // wms layer names
	Style     string       `toml:"style"`
	File      string       `toml:"file"`
	Format    string       `toml:"format"`
	Opacity   float64      `toml:"opacity"`
	Geojson   string       `toml:"geojson"`
	Filters   []FilterConf `toml:"filters"`
}

// FilterConf 滤镜配置
type FilterConf struct {
	Type      string  `toml:"type"` // grayscale | colortoalpha
	Color     string  `toml:"color"`
	Tolerance float64 `toml:"tolerance"`
}

// InitConf 初始化配置
func InitConf(cfgFile string) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		log.Warnf("config file(%s) not exist", cfgFile)
	}
	viper.SetConfigType("toml")
	viper.SetConfigFile(cfgFile)
	viper.AutomaticEnv() // read in environment variables that match
	err := viper.ReadInConfig()
	if err != nil {
		log.Warnf("read config file(%s) error, details: %s", viper.ConfigFileUsed(), err)
	}
	viper.SetDefault("app.version", "v 0.1.0")
	viper.SetDefault("app.title", "MapCloud Compositor")
	viper.SetDefault("output.format", "mbtiles")
	viper.SetDefault("output.directory", "output")
	viper.SetDefault("task.workers", 4)
	viper.SetDefault("task.savepipe", 8)
	viper.SetDefault("task.retries", DownloadRetries)
	viper.SetDefault("task.backoff", 1)
	viper.SetDefault("task.timeout", 60)
	viper.SetDefault("task.redisUri", "127.0.0.1:6379")
	viper.SetDefault("cache.enable", true)
	viper.SetDefault("cache.directory", "cache")
	viper.SetDefault("cache.scheme", string(SchemeWMTS))
	viper.SetDefault("serve.addr", ":8080")
	viper.SetDefault("tm.format", PNG)

	if err := viper.Unmarshal(&conf); err != nil {
		log.Fatalf("unmarshal config failed: %s", err)
	}
}

func (c *Conf) cacheScheme() Scheme {
	if c.Cache.Scheme == string(SchemeTMS) {
		return SchemeTMS
	}
	return SchemeWMTS
}

func (c *Conf) httpClient() *http.Client {
	return &http.Client{Timeout: time.Duration(c.Task.Timeout) * time.Second}
}

// layerCache returns the cache tree for one source, or nil when caching is
// disabled for the run.
func (c *Conf) layerCache(src TileSource) *DiskCache {
	if !c.Cache.Enable {
		return nil
	}
	return NewDiskCache(c.Cache.Directory, src.Basename(), src.Format(), c.cacheScheme())
}

// BuildLayers assembles the compositor stack from the lrs config sections.
// The first section is the base layer.
func (c *Conf) BuildLayers(renderer Renderer) ([]Layer, error) {
	if len(c.Lrs) == 0 {
		return nil, fmt.Errorf("empty layer config")
	}
	client := c.httpClient()
	var layers []Layer
	for i, lc := range c.Lrs {
		format := lc.Format
		if format == "" {
			format = c.Tm.Format
		}
		var src TileSource
		switch lc.Type {
		case "", "url":
			s := NewRemoteURLSource(lc.URL, format)
			s.Client = client
			src = s
		case "wms":
			s := NewWMSSource(lc.URL, lc.Layers, format)
			s.Client = client
			src = s
		case "mbtiles":
			r, err := OpenMBTilesReader(lc.File)
			if err != nil {
				return nil, fmt.Errorf("layer %d: %w", i, err)
			}
			src = r
		case "render":
			s, err := NewRendererSource(renderer, lc.Style)
			if err != nil {
				return nil, fmt.Errorf("layer %d: %w", i, err)
			}
			s.TileFormat = format
			src = s
		default:
			return nil, fmt.Errorf("layer %d: unknown source type %q", i, lc.Type)
		}
		filters, err := buildFilters(lc.Filters)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		opacity := lc.Opacity
		if opacity == 0 {
			opacity = 1.0 // omitted in config
		}
		layer := NewLayer(src, c.layerCache(src), opacity, filters...)
		layer.Pipeline.Retries = c.Task.Retries
		layer.Pipeline.Backoff = time.Duration(c.Task.Backoff) * time.Second
		layers = append(layers, layer)
	}
	return layers, nil
}

func buildFilters(fcs []FilterConf) ([]Filter, error) {
	var filters []Filter
	for _, fc := range fcs {
		switch fc.Type {
		case "grayscale":
			filters = append(filters, GrayScale{})
		case "colortoalpha":
			c, err := ParseHexColor(fc.Color)
			if err != nil {
				return nil, err
			}
			filters = append(filters, ColorToAlpha{Color: c, Tolerance: fc.Tolerance})
		default:
			return nil, fmt.Errorf("unknown filter type %q", fc.Type)
		}
	}
	return filters, nil
}

// TmBbox returns the configured coverage bbox, defaulting to the whole
// mercator world when absent.
func (c *Conf) TmBbox() (LngLatBbox, error) {
	if len(c.Tm.Bounds) == 0 {
		return LngLatBbox{West: -180, South: -85.0511, East: 180, North: 85.0511}, nil
	}
	if len(c.Tm.Bounds) != 4 {
		return LngLatBbox{}, fmt.Errorf("%w: tm.bounds needs 4 values", ErrInvalidCoverage)
	}
	b := LngLatBbox{West: c.Tm.Bounds[0], South: c.Tm.Bounds[1], East: c.Tm.Bounds[2], North: c.Tm.Bounds[3]}
	return b, b.Validate()
}
