package kernel

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher reapplies the reloadable scheduler tunables whenever the
// config file is rewritten. Memory shapes are ignored on reload; they
// are fixed at boot.
type ConfigWatcher struct {
	w     *fsnotify.Watcher
	path  string
	sched *Scheduler
	log   *slog.Logger
	done  chan struct{}
}

// WatchConfig starts watching path and applies quantum_base and
// aging_threshold changes to the scheduler.
func WatchConfig(path string, sched *Scheduler, log *slog.Logger) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}
	cw := &ConfigWatcher{w: w, path: path, sched: sched, log: log, done: make(chan struct{})}
	go cw.loop()
	return cw, nil
}

func (cw *ConfigWatcher) loop() {
	defer close(cw.done)
	for {
		select {
		case ev, ok := <-cw.w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cw.reload()
		case err, ok := <-cw.w.Errors:
			if !ok {
				return
			}
			cw.log.Warn("config watch error", "err", err)
		}
	}
}

func (cw *ConfigWatcher) reload() {
	cfg, err := LoadConfig(cw.path)
	if err != nil {
		cw.log.Warn("config reload rejected", "path", cw.path, "err", err)
		return
	}
	cw.sched.SetQuantumBase(cfg.QuantumBase)
	cw.sched.SetAgingThreshold(cfg.AgingThreshold)
	cw.log.Info("scheduler tunables reloaded",
		"quantum_base", cfg.QuantumBase, "aging_threshold", cfg.AgingThreshold)
}

// Close stops the watcher and waits for the loop to exit.
func (cw *ConfigWatcher) Close() error {
	err := cw.w.Close()
	<-cw.done
	return err
}
