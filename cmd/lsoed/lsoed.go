package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"golang.org/x/sys/unix"

	"github.com/arrcus/go-lsoe/config"
	"github.com/arrcus/go-lsoe/ifmon"
	"github.com/arrcus/go-lsoe/lsoe"
	"github.com/arrcus/go-lsoe/rfc7752"
)

const (
	exitClean     = 0
	exitFatal     = 1
	exitBadConfig = 2
)

type application struct {
	logger   log.Logger
	cfg      *config.Config
	monitor  *ifmon.Monitor
	engine   *lsoe.Engine
	reporter *rfc7752.Reporter
	sigChan  chan os.Signal
}

func newApplication(cfg *config.Config, verbose bool) (app *application, err error) {
	app = &application{
		cfg:     cfg,
		sigChan: make(chan os.Signal, 1),
	}

	signal.Notify(app.sigChan, unix.SIGINT, unix.SIGTERM)

	logger := log.NewLogfmtLogger(os.Stderr)
	if verbose {
		app.logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		app.logger = level.NewFilter(logger, level.AllowInfo())
	}

	app.monitor, err = ifmon.New(log.With(app.logger, "component", "ifmon"), ifmon.Config{
		Interfaces:      cfg.Interfaces,
		IncludeLoopback: cfg.IncludeLoopback,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create interface monitor: %v", err)
	}

	var reporter lsoe.Reporter
	if cfg.ReportURL != "" {
		app.reporter = rfc7752.New(log.With(app.logger, "component", "rfc7752"), cfg.ReportURL)
		reporter = app.reporter
	}

	app.engine = lsoe.NewEngine(
		log.With(app.logger, "component", "engine"),
		cfg.Engine,
		reporter,
		app.monitor.Events(),
		nil)

	return
}

func (app *application) run() int {
	go func() {
		<-app.sigChan
		level.Info(app.logger).Log("message", "received signal, shutting down")
		app.monitor.Close()
		app.engine.Shutdown()
	}()

	go app.monitor.Run()

	err := app.engine.Run()
	if app.reporter != nil {
		app.reporter.Close()
	}
	if err != nil {
		level.Error(app.logger).Log("message", "engine failed", "error", err)
		return exitFatal
	}
	return exitClean
}

func main() {
	cfgPathPtr := flag.String("config", "/etc/lsoed/lsoed.toml", "specify configuration file path")
	verbosePtr := flag.Bool("verbose", false, "toggle verbose log output")
	flag.Parse()

	cfg, err := config.LoadFile(*cfgPathPtr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(exitBadConfig)
	}

	app, err := newApplication(cfg, *verbosePtr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to instantiate application: %v\n", err)
		os.Exit(exitFatal)
	}

	os.Exit(app.run())
}
