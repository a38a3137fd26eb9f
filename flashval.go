package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"lautenbacher.net/flashval/config"
	"lautenbacher.net/flashval/link"
	"lautenbacher.net/flashval/logging"
	"lautenbacher.net/flashval/platform"
	"lautenbacher.net/flashval/util"
	"lautenbacher.net/flashval/validator"
)

func main() {
	cfile := flag.String("config", config.CONFILE, "Config file to use")
	realp := flag.Bool("real", false, "Drive the real SPI flash instead of the simulation")
	monitorp := flag.Bool("monitor", false, "Show the terminal monitor")
	flag.Parse()

	os.Exit(run(*cfile, *realp, *monitorp))
}

func logOptions(conf *config.Config, withMonitor bool) logging.Options {
	lc := conf.Logging.Daemon
	if withMonitor {
		lc = conf.Logging.Monitor
	}
	return logging.Options{Level: lc.Level, Format: lc.Format, File: lc.File, Hold: withMonitor}
}

func run(cfile string, realHW, withMonitor bool) int {
	conf, err := config.ReadConfig(cfile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := logging.Init(logOptions(conf, withMonitor)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer logging.Close()

	sh := &shared{
		signals:  make(chan os.Signal, 4),
		history:  validator.NewHistory(conf.Validation.HistorySize),
		progress: util.NewLatest[validator.Progress](),
	}
	if conf.Serial.Port == "" && !withMonitor {
		sh.stdio = link.StandardStreams()
	}
	signal.Notify(sh.signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sh.signals)

	if stopWatch, err := watchConfig(cfile, sh.signals); err != nil {
		slog.Warn("Config file is not watched", "error", err)
	} else {
		defer stopWatch()
	}

	for {
		pl, err := platform.New(conf, realHW)
		if err != nil {
			slog.Error("Can't create platform", "error", err)
			return 1
		}
		f := newFixture(conf, cfile, pl, sh)
		if err := f.start(sh, withMonitor, realHW); err != nil {
			slog.Error("Can't start fixture", "error", err)
			return 1
		}
		slog.Info("Fixture running", "real", realHW, "monitor", withMonitor)

		sig := <-sh.signals
		slog.Info("Received signal", "signal", sig)
		f.stop()
		if sig != syscall.SIGHUP {
			return 0
		}

		next, err := config.ReadConfig(cfile)
		if err != nil {
			slog.Error("Reload failed, keeping previous configuration", "error", err)
			continue
		}
		conf = next
		if err := logging.Init(logOptions(conf, withMonitor)); err != nil {
			slog.Error("Can't reinitialise logging", "error", err)
		}
	}
}

// watchConfig turns writes to cfile into SIGHUP on signals. The
// directory is watched so editors that replace the file are seen too.
func watchConfig(cfile string, signals chan<- os.Signal) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(cfile)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				slog.Info("Config file changed", "file", ev.Name, "op", ev.Op.String())
				select {
				case signals <- syscall.SIGHUP:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watcher error", "error", err)
			}
		}
	}()
	return func() { watcher.Close() }, nil
}
