package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	nested "github.com/antonfisher/nested-logrus-formatter"
)

//flag
var (
	hf bool
	cf string
	lf string
	tf string
	zf int
	of string
)

func init() {
	flag.BoolVar(&hf, "h", false, "this help")
	flag.StringVar(&cf, "c", "conf.toml", "set config `file`")
	flag.StringVar(&lf, "l", "info", "set log level")
	flag.StringVar(&tf, "t", "", "resume task `id`")
	flag.IntVar(&zf, "z", -1, "export zoom level")
	flag.StringVar(&of, "o", "", "export output file")
	flag.Usage = usage
	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		ShowFullLevel:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	// then wrap the log output with it
	file, err := os.OpenFile("tilecompose.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err == nil {
		log.SetOutput(io.MultiWriter(file, os.Stdout))
	} else {
		log.Info("failed to log to file.")
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `tilecompose version: tilecompose/1.0
Usage: tilecompose [-h] [-c filename] [-l level] [build|export|serve|clean]
`)
	flag.PrintDefaults()
}

func main() {
	flag.Parse()
	if hf {
		flag.Usage()
		return
	}
	if cf == "" {
		cf = "conf.toml"
	}
	InitConf(cf)
	if dir := conf.Output.LogDir; dir != "" {
		os.MkdirAll(dir, os.ModePerm)
		file, err := os.OpenFile(filepath.Join(dir, "tilecompose.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			log.SetOutput(io.MultiWriter(file, os.Stdout))
		}
	}
	if level, err := log.ParseLevel(lf); err == nil {
		log.SetLevel(level)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "build"
	}
	switch cmd {
	case "build":
		runBuild()
	case "export":
		runExport()
	case "serve":
		if err := RunServer(conf.Serve.Addr, conf.Serve.File); err != nil {
			log.Fatalf("serve failed: %s", err)
		}
	case "clean":
		runClean()
	default:
		flag.Usage()
		os.Exit(1)
	}
}

func newCompositor() *Compositor {
	layers, err := conf.BuildLayers(nil)
	if err != nil {
		log.Fatalf("layer config error: %s", err)
	}
	return &Compositor{
		Layers:     layers,
		Format:     conf.Tm.Format,
		BestEffort: !conf.Task.Strict,
	}
}

func runBuild() {
	start := time.Now()
	task, err := NewTask(newCompositor(), conf, tf)
	if err != nil {
		log.Fatalf("task setup error: %s", err)
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sigs
		log.Infof("signal received, stopping task %s", task.ID)
		task.Abort()
	}()
	report, err := task.Build()
	if err != nil {
		log.Fatalf("build failed: %s", err)
	}
	for _, t := range report.FailedTiles {
		log.Warnf("failed tile %s", t.ToString())
	}
	secs := time.Since(start).Seconds()
	fmt.Printf("\n%.3fs finished...", secs)
}

func runExport() {
	bbox, err := conf.TmBbox()
	if err != nil {
		log.Fatalf("coverage error: %s", err)
	}
	zoom := zf
	if zoom < 0 {
		zoom = conf.Tm.Max
	}
	out := of
	if out == "" {
		out = filepath.Join(conf.Output.Directory, conf.Tm.Name+".png")
	}
	start := time.Now()
	if err := ExportImage(newCompositor(), bbox, zoom, out); err != nil {
		log.Fatalf("export failed: %s", err)
	}
	secs := time.Since(start).Seconds()
	fmt.Printf("\n%.3fs finished...", secs)
}

func runClean() {
	if conf.Cache.Directory == "" {
		return
	}
	log.Infof("clean cache directory %s", conf.Cache.Directory)
	if err := os.RemoveAll(conf.Cache.Directory); err != nil {
		log.Fatalf("clean failed: %s", err)
	}
}
