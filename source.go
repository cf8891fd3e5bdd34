package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// DownloadRetries 下载重试次数
const DownloadRetries = 3

// DownloadBackoff base wait between attempts, grows linearly per attempt.
const DownloadBackoff = time.Second

// Error taxonomy for the retrieval pipeline. Transient errors are retried,
// permanent ones surface immediately.
var (
	// ErrSourceUnavailable transient network/server failure
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrSourceRejected permanent refusal (404, bad style, missing tile)
	ErrSourceRejected = errors.New("source rejected request")
	// ErrInvalidContent payload failed validation
	ErrInvalidContent = errors.New("invalid tile content")
)

// TileSource 瓦片来源
type TileSource interface {
	// Fetch retrieves the content for one WMTS coordinate.
	Fetch(t TileXyz) (TileContent, error)
	// Basename identifies the source for cache namespacing.
	Basename() string
	// Format is the tile format this source yields.
	Format() string
}

// RemoteURLSource downloads tiles from a templated URL
// ({s}, {x}, {y}, {z} keywords) with subdomain rotation.
type RemoteURLSource struct {
	URL        string
	Subdomains []string
	TileFormat string
	Headers    map[string]string
	Client     *http.Client
}

// NewRemoteURLSource builds a source for the given URL template.
func NewRemoteURLSource(tilesURL, format string) *RemoteURLSource {
	return &RemoteURLSource{
		URL:        tilesURL,
		Subdomains: []string{"a", "b", "c"},
		TileFormat: format,
	}
}

// Basename 来源标识
func (s *RemoteURLSource) Basename() string {
	u, err := url.Parse(s.URL)
	if err != nil {
		return s.URL
	}
	return u.Host + u.Path
}

// Format 瓦片格式
func (s *RemoteURLSource) Format() string {
	if s.TileFormat == "" {
		return PNG
	}
	return s.TileFormat
}

func (s *RemoteURLSource) tileURL(t TileXyz) string {
	u := s.URL
	if strings.Contains(u, "{s}") && len(s.Subdomains) > 0 {
		sub := s.Subdomains[(t.X+t.Y)%len(s.Subdomains)]
		u = strings.Replace(u, "{s}", sub, -1)
	}
	u = strings.Replace(u, "{x}", strconv.Itoa(t.X), -1)
	u = strings.Replace(u, "{y}", strconv.Itoa(t.Y), -1)
	u = strings.Replace(u, "{z}", strconv.Itoa(t.Z), -1)
	return u
}

func (s *RemoteURLSource) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

// Fetch downloads the tile, classifying failures as transient or permanent.
func (s *RemoteURLSource) Fetch(t TileXyz) (TileContent, error) {
	u := s.tileURL(t.ToScheme(SchemeWMTS))
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return TileContent{}, fmt.Errorf("%w: %s", ErrSourceRejected, err)
	}
	for header, value := range s.Headers {
		req.Header.Set(header, value)
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return TileContent{}, fmt.Errorf("%w: %s", ErrSourceUnavailable, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warnf("response close failure")
		}
	}()
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return TileContent{}, fmt.Errorf("%w: status code %d for %s", ErrSourceRejected, resp.StatusCode, u)
		}
		return TileContent{}, fmt.Errorf("%w: status code %d for %s", ErrSourceUnavailable, resp.StatusCode, u)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return TileContent{}, fmt.Errorf("%w: read %v: %s", ErrSourceUnavailable, t, err)
	}
	return TileContent{Data: body, Format: s.Format()}, nil
}

// Pipeline runs the full retrieval chain for one source: disk cache,
// bounded retries with linear backoff, payload validation, cache write.
type Pipeline struct {
	Source  TileSource
	Cache   *DiskCache // nil disables caching
	Retries int
	Backoff time.Duration
}

func (p *Pipeline) retries() int {
	if p.Retries > 0 {
		return p.Retries
	}
	return DownloadRetries
}

func (p *Pipeline) backoff() time.Duration {
	if p.Backoff > 0 {
		return p.Backoff
	}
	return DownloadBackoff
}

// Tile returns the payload for one coordinate. The cache is authoritative:
// a hit is returned as-is and never revalidated upstream.
func (p *Pipeline) Tile(t TileXyz) ([]byte, error) {
	if p.Cache != nil {
		if data, ok := p.Cache.Get(t); ok {
			log.Debugf("cache hit %s from %s", t.ToString(), p.Source.Basename())
			return data, nil
		}
	}
	var content TileContent
	var err error
	for attempt := 1; attempt <= p.retries(); attempt++ {
		content, err = p.Source.Fetch(t)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrSourceUnavailable) {
			return nil, err
		}
		if attempt < p.retries() {
			wait := time.Duration(attempt) * p.backoff()
			log.Debugf("fetch %s failed, retry in %s (%d left): %s", t.ToString(), wait, p.retries()-attempt, err)
			time.Sleep(wait)
		}
	}
	if err != nil {
		return nil, err
	}
	if err := ValidateContent(content.Data, p.Source.Format()); err != nil {
		return nil, err
	}
	if p.Cache != nil {
		if err := p.Cache.Put(t, content.Data); err != nil {
			log.Warnf("cache write %s failed: %s", t.ToString(), err)
		}
	}
	return content.Data, nil
}
