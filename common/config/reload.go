package config

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

var current atomic.Pointer[Dynamic]

func init() {
	d := defaultDynamic()
	current.Store(&d)
}

// Current returns the dynamic config snapshot in effect right now. This
// is a copy-on-write read: callers should take this reference once at
// request entry and use it for the whole request rather than calling
// Current() repeatedly mid-request.
func Current() *Dynamic {
	return current.Load()
}

// LoadFile reads ConfigFile (if set) and overlays it onto the env-derived
// defaults, then swaps it in atomically. Safe to call concurrently with
// in-flight requests reading Current().
func LoadFile() error {
	if ConfigFile == "" {
		return nil
	}

	raw, err := os.ReadFile(ConfigFile)
	if err != nil {
		return errors.Wrapf(err, "read config file %s", ConfigFile)
	}

	d := defaultDynamic()
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return errors.Wrapf(err, "parse config file %s", ConfigFile)
	}
	current.Store(&d)
	return nil
}

// Watch starts an fsnotify watch on ConfigFile that debounces rapid writes
// (editors often emit several events per save) and reloads on settle. It
// blocks until stop is closed; callers should run it in its own goroutine
// as part of the startup errgroup (see cmd/main.go).
func Watch(log *zap.Logger, stop <-chan struct{}) error {
	if ConfigFile == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create config watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(ConfigFile); err != nil {
		return errors.Wrapf(err, "watch config file %s", ConfigFile)
	}

	const debounce = 250 * time.Millisecond
	var timer *time.Timer
	reload := func() {
		if err := LoadFile(); err != nil {
			log.Error("failed to hot-reload config", zap.Error(err))
			return
		}
		log.Info("config reloaded", zap.String("file", ConfigFile))
	}

	for {
		select {
		case <-stop:
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("config watcher error", zap.Error(werr))
		}
	}
}
