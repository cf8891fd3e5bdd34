package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// RunServer exposes an existing archive read-only over HTTP:
// /metadata, /tiles/:z/:x/:y (WMTS rows), /grids/:z/:x/:y?callback=cb.
func RunServer(addr, file string) error {
	reader, err := OpenMBTilesReader(file)
	if err != nil {
		return err
	}
	defer reader.Close()
	contentType := MediaType(reader.Format())

	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	r.GET("/metadata", func(c *gin.Context) {
		meta, err := reader.Metadata()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, meta)
	})

	r.GET("/tiles/:z/:x/:y", func(c *gin.Context) {
		t, ok := parseTileParams(c)
		if !ok {
			return
		}
		data, err := reader.Tile(t)
		if err != nil {
			if errors.Is(err, ErrTileNotFound) {
				c.Status(http.StatusNotFound)
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, contentType, data)
	})

	r.GET("/grids/:z/:x/:y", func(c *gin.Context) {
		t, ok := parseTileParams(c)
		if !ok {
			return
		}
		callback := c.DefaultQuery("callback", "grid")
		body, err := reader.Grid(t, callback)
		if err != nil {
			switch {
			case errors.Is(err, ErrTileNotFound):
				c.Status(http.StatusNotFound)
			case errors.Is(err, ErrGridNotEnabled):
				c.JSON(http.StatusBadRequest, gin.H{"error": "archive has no grid data"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.Data(http.StatusOK, "application/javascript; charset=utf-8", []byte(body))
	})

	log.Infof("serving %s on %s", file, addr)
	return r.Run(addr)
}

// parseTileParams reads z/x/y path params; y may carry a file extension.
func parseTileParams(c *gin.Context) (TileXyz, bool) {
	z, err1 := strconv.Atoi(c.Param("z"))
	x, err2 := strconv.Atoi(c.Param("x"))
	ypart := c.Param("y")
	if i := strings.IndexByte(ypart, '.'); i >= 0 {
		ypart = ypart[:i]
	}
	y, err3 := strconv.Atoi(ypart)
	if err1 != nil || err2 != nil || err3 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tile coordinates must be integers"})
		return TileXyz{}, false
	}
	return TileXyz{X: x, Y: y, Z: z, Scheme: SchemeWMTS}, true
}
