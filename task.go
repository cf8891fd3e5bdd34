package main

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// State 任务状态
type State int

const (
	Initialize State = iota
	Running
	Ending
	Aborting
	Terminated
)

type saveItem struct {
	tile     Tile
	gridJSON []byte
	gridData map[string]json.RawMessage
}

// BuildReport summarizes one build run.
type BuildReport struct {
	Total       int
	Succeeded   int
	Failed      int
	FailedTiles []TileXyz
}

// Task 构建任务
type Task struct {
	ID          string
	Name        string
	Description string
	File        string
	MinZoom     int
	MaxZoom     int
	CurZoom     int
	CurCol      int
	StartCol    int
	Bbox        LngLatBbox
	Format      string
	Attribution string

	Compositor *Compositor
	Coverage   []TileXyz

	writer       *MBTilesWriter
	store        *redisStore
	outformat    string
	strict       bool
	grids        bool
	workerCount  int
	savePipeSize int

	wg         sync.WaitGroup
	pipeWG     sync.WaitGroup
	abortOnce  sync.Once
	abort      chan struct{}
	workers    chan TileXyz
	savingpipe chan saveItem
	signal     State

	mu        sync.Mutex
	failures  map[TileXyz]error
	succeeded int
	saveErr   error
}

// NewTask 创建构建任务. A non-empty id resumes a previous run's redis cursor.
func NewTask(comp *Compositor, c *Conf, id string) (*Task, error) {
	if len(comp.Layers) == 0 {
		return nil, errors.New("empty layer")
	}
	bbox, err := c.TmBbox()
	if err != nil {
		return nil, err
	}
	coverage, err := computeCoverage(c, bbox)
	if err != nil {
		return nil, err
	}
	task := &Task{
		ID:           uuid.New().String(),
		Name:         c.Tm.Name,
		Description:  c.Tm.Description,
		MinZoom:      c.Tm.Min,
		MaxZoom:      c.Tm.Max,
		CurZoom:      c.Tm.Min,
		StartCol:     -1,
		Bbox:         bbox,
		Format:       c.Tm.Format,
		Attribution:  c.Tm.Attribution,
		Compositor:   comp,
		Coverage:     coverage,
		outformat:    c.Output.Format,
		strict:       c.Task.Strict,
		grids:        c.Output.Grids,
		workerCount:  c.Task.Workers,
		savePipeSize: c.Task.Savepipe,
		signal:       Initialize,
		abort:        make(chan struct{}),
		failures:     make(map[TileXyz]error),
	}
	if id != "" {
		task.ID = id
	}
	if c.Task.Redis {
		task.store = newRedisStore(c.Task.RedisURI, task.ID)
		if cz, cx := task.store.getCursor(); cz != -1 && cx != -1 {
			task.MinZoom = cz
			task.StartCol = cx
		}
	}
	task.workers = make(chan TileXyz, task.workerCount)
	task.savingpipe = make(chan saveItem, task.savePipeSize)

	switch task.outformat {
	case FlavorMBTiles:
		outdir := c.Output.Directory
		os.MkdirAll(outdir, os.ModePerm)
		task.File = filepath.Join(outdir, fmt.Sprintf("%s.mbtiles", task.Name))
		task.writer, err = NewMBTilesWriter(task.File, task.grids)
	case FlavorMysql:
		task.writer, err = NewMysqlWriter(c.Output.Conn, task.grids)
	case "files":
		task.File = c.Output.Directory
		os.MkdirAll(task.File, os.ModePerm)
	default:
		return nil, fmt.Errorf("unknown output format %q", task.outformat)
	}
	if err != nil {
		log.Errorf("database connect and prepare error")
		return nil, err
	}
	http.DefaultTransport.(*http.Transport).MaxIdleConnsPerHost = task.workerCount
	http.DefaultTransport.(*http.Transport).MaxConnsPerHost = task.workerCount
	http.DefaultTransport.(*http.Transport).IdleConnTimeout = time.Second * 5
	http.DefaultTransport.(*http.Transport).MaxIdleConns = task.workerCount
	return task, nil
}

// computeCoverage merges the bbox coverage with any layer geojson coverages
// into one deduplicated, stably-ordered list.
func computeCoverage(c *Conf, bbox LngLatBbox) ([]TileXyz, error) {
	var zooms []int
	for z := c.Tm.Min; z <= c.Tm.Max; z++ {
		zooms = append(zooms, z)
	}
	var geojsons []string
	for _, lc := range c.Lrs {
		if lc.Geojson != "" {
			geojsons = append(geojsons, lc.Geojson)
		}
	}
	if len(geojsons) == 0 {
		return TilesList([]LngLatBbox{bbox}, zooms)
	}
	seen := make(map[TileXyz]struct{})
	var list []TileXyz
	for _, z := range zooms {
		for _, path := range geojsons {
			collection, err := loadCollection(path)
			if err != nil {
				return nil, err
			}
			for _, t := range CollectionTiles(collection, z) {
				if _, ok := seen[t]; ok {
					continue
				}
				seen[t] = struct{}{}
				list = append(list, t)
			}
		}
	}
	return list, nil
}

// MetaItems 输出元数据
func (task *Task) MetaItems() map[string]string {
	b := task.Bbox
	x := (b.West + b.East) / 2
	y := (b.South + b.North) / 2
	return map[string]string{
		"id":          task.ID,
		"name":        task.Name,
		"type":        "baselayer",
		"description": task.Description,
		"attribution": task.Attribution,
		"format":      task.Format,
		"pixel_scale": strconv.Itoa(TileSize),
		"version":     MBTileVersion,
		"bounds":      fmt.Sprintf(`%f,%f,%f,%f`, b.West, b.South, b.East, b.North),
		"center":      fmt.Sprintf(`%f,%f,%d`, x, y, (task.MinZoom+task.MaxZoom)/2),
		"minzoom":     strconv.Itoa(task.MinZoom),
		"maxzoom":     strconv.Itoa(task.MaxZoom),
	}
}

// Abort stops issuing new work. In-flight fetches drain; nothing commits.
func (task *Task) Abort() {
	task.abortOnce.Do(func() {
		task.signal = Aborting
		close(task.abort)
	})
}

func (task *Task) aborted() bool {
	select {
	case <-task.abort:
		return true
	default:
		return false
	}
}

// savePipe 保存瓦片管道. Owns the writer transaction; a failed insert
// poisons the build but keeps draining so workers never block.
func (task *Task) savePipe() {
	defer task.pipeWG.Done()
	for item := range task.savingpipe {
		if task.saveFailed() {
			continue
		}
		if err := task.writer.PutTile(item.tile.T, item.tile.C); err != nil {
			task.setSaveErr(err)
			log.Errorf("save tile to %s error ~ %s", task.outformat, err)
			continue
		}
		if item.gridJSON != nil {
			if err := task.writer.PutGrid(item.tile.T, item.gridJSON, item.gridData); err != nil {
				task.setSaveErr(err)
				log.Errorf("save grid to %s error ~ %s", task.outformat, err)
			}
		}
	}
}

func (task *Task) setSaveErr(err error) {
	task.mu.Lock()
	defer task.mu.Unlock()
	if task.saveErr == nil {
		task.saveErr = err
	}
}

func (task *Task) saveFailed() bool {
	task.mu.Lock()
	defer task.mu.Unlock()
	return task.saveErr != nil
}

func (task *Task) recordFailure(t TileXyz, err error) {
	task.mu.Lock()
	task.failures[t] = err
	task.mu.Unlock()
	if task.store != nil {
		permanent := errors.Is(err, ErrSourceRejected) || errors.Is(err, ErrInvalidContent)
		task.store.errTile(t, err.Error(), permanent)
	}
}

func (task *Task) markSuccess(t TileXyz) {
	task.mu.Lock()
	delete(task.failures, t)
	task.succeeded++
	task.mu.Unlock()
	if task.store != nil {
		task.store.cleanFail(t)
	}
}

// transientFailures are the coordinates worth one more pass.
func (task *Task) transientFailures() []TileXyz {
	task.mu.Lock()
	defer task.mu.Unlock()
	var list []TileXyz
	for t, err := range task.failures {
		if errors.Is(err, ErrSourceRejected) || errors.Is(err, ErrInvalidContent) {
			continue
		}
		list = append(list, t)
	}
	return list
}

// tileWorker 瓦片处理器: composite one coordinate and hand it to the pipe.
func (task *Task) tileWorker(t TileXyz) {
	defer func() {
		task.wg.Done()
		<-task.workers
	}()
	content, err := task.Compositor.Composite(t)
	if err != nil {
		log.Errorf("composite %s error, details: %s ~", t.ToString(), err)
		task.recordFailure(t, err)
		return
	}
	data := content.Data
	if content.Format == PBF && !bytes.HasPrefix(data, []byte{0x1f, 0x8b}) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			log.Fatal(err)
		}
		if err := zw.Close(); err != nil {
			log.Fatal(err)
		}
		data = buf.Bytes()
	}
	item := saveItem{tile: Tile{T: t, C: data}}
	if task.grids && task.writer != nil {
		if gp, ok := task.Compositor.Base().(GridProvider); ok {
			gridJSON, gridData, err := gp.GridRaw(t)
			if err == nil {
				item.gridJSON = gridJSON
				item.gridData = gridData
			} else if !errors.Is(err, ErrTileNotFound) && !errors.Is(err, ErrGridNotEnabled) {
				log.Warnf("grid %s error ~ %s", t.ToString(), err)
			}
		}
	}
	if task.writer != nil {
		if !task.aborted() {
			task.savingpipe <- item
		}
	} else {
		if err := saveToFiles(item.tile, task.File, content.Format); err != nil {
			log.Errorf("create %v tile file error ~ %s", t, err)
			task.recordFailure(t, err)
			return
		}
	}
	task.markSuccess(t)
}

// saveToFiles 保存瓦片到文件目录
func saveToFiles(tile Tile, rootdir, format string) error {
	dir := filepath.Join(rootdir, strconv.Itoa(tile.T.Z), strconv.Itoa(tile.T.X))
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return err
	}
	fileName := filepath.Join(dir, fmt.Sprintf("%d.%s", tile.T.Y, format))
	return os.WriteFile(fileName, tile.C, os.ModePerm)
}

func (task *Task) dispatch(tiles []TileXyz, bar *pb.ProgressBar) {
	for _, tile := range tiles {
		if task.StartCol != -1 && tile.Z == task.MinZoom && tile.X < task.StartCol-1 {
			bar.Increment()
			continue
		}
		if task.CurCol != tile.X || task.CurZoom != tile.Z {
			task.CurCol = tile.X
			task.CurZoom = tile.Z
			if task.store != nil {
				task.store.saveCursor(task.CurZoom, task.CurCol)
			}
		}
		select {
		case task.workers <- tile:
			bar.Increment()
			task.wg.Add(1)
			go task.tileWorker(tile)
		case <-task.abort:
			log.Infof("task %s got canceled.", task.ID)
			return
		}
	}
}

// Build runs the whole coverage. Either every staged tile commits as one
// transaction, or the archive is left untouched.
func (task *Task) Build() (BuildReport, error) {
	task.signal = Running
	if task.writer != nil {
		task.pipeWG.Add(1)
		go task.savePipe()
	}

	// per-zoom progress, ascending zoom as the coverage is ordered
	start := 0
	for start < len(task.Coverage) {
		if task.aborted() {
			break
		}
		zoom := task.Coverage[start].Z
		end := start
		for end < len(task.Coverage) && task.Coverage[end].Z == zoom {
			end++
		}
		group := task.Coverage[start:end]
		if zoom < task.MinZoom {
			start = end
			continue
		}
		log.Infof("zoom %d : %d tiles", zoom, len(group))
		bar := pb.StartNew(len(group))
		task.dispatch(group, bar)
		task.wg.Wait()
		bar.Finish()
		start = end
	}

	// one extra pass over transient failures
	if !task.aborted() {
		task.StartCol = -1
		retry := task.transientFailures()
		if task.store != nil {
			retry = task.store.failList()
		}
		if len(retry) > 0 {
			log.Infof("retrying %d failed tiles", len(retry))
			bar := pb.StartNew(len(retry))
			task.dispatch(retry, bar)
			task.wg.Wait()
			bar.Finish()
		}
	}

	task.signal = Ending
	if task.writer != nil {
		close(task.savingpipe)
		task.pipeWG.Wait()
	}

	report := task.report()
	err := task.finalize(report)
	task.signal = Terminated
	if task.store != nil {
		task.store.Close()
	}
	if err != nil {
		return report, err
	}
	log.Infof("task %s finished: %d/%d tiles (%d failed) ~", task.ID, report.Succeeded, report.Total, report.Failed)
	return report, nil
}

func (task *Task) report() BuildReport {
	task.mu.Lock()
	defer task.mu.Unlock()
	report := BuildReport{Total: len(task.Coverage), Succeeded: task.succeeded}
	for t := range task.failures {
		report.FailedTiles = append(report.FailedTiles, t)
	}
	report.Failed = len(report.FailedTiles)
	return report
}

func (task *Task) finalize(report BuildReport) error {
	if task.writer == nil {
		return nil
	}
	task.mu.Lock()
	saveErr := task.saveErr
	task.mu.Unlock()
	switch {
	case task.aborted():
		task.writer.Rollback()
		return fmt.Errorf("task %s aborted, archive rolled back", task.ID)
	case saveErr != nil:
		task.writer.Rollback()
		return saveErr
	case task.strict && report.Failed > 0:
		task.writer.Rollback()
		return fmt.Errorf("%d tiles failed in strict mode, archive rolled back", report.Failed)
	}
	task.writer.SetMetadata(task.MetaItems())
	if err := task.writer.Commit(); err != nil {
		task.writer.Rollback()
		return err
	}
	if task.store != nil && report.Failed == 0 {
		task.store.cleanInfo()
	}
	return task.writer.Close()
}
