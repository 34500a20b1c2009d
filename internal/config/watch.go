package config

import (
	"reflect"

	"github.com/fsnotify/fsnotify"

	"github.com/syuink/node/internal/logging"
	"github.com/syuink/node/internal/proto"
)

var log = logging.Logger("config")

// Watch watches path for writes and invokes onServicesChanged whenever the
// reloaded, re-validated config's Services block differs from the last
// known value. This is the Go-idiomatic stand-in for the original's CLI
// `--services` reload path (original_source/apps/cli/src/main.rs re-reads
// configuration on a signal): instead of a SIGHUP handler, a changed file
// on disk drives the same runtime command an embedder could issue directly
// (node.Supervisor.UpdateServices).
//
// Watch runs until stop is closed. Reload errors are logged and ignored —
// a config file mid-write may briefly fail to parse.
func Watch(path string, stop <-chan struct{}, onServicesChanged func([]proto.ServiceDecl)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return err
	}

	last, err := Load(path)
	if err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Warnf("config reload failed, keeping previous: %v", err)
					continue
				}
				if !reflect.DeepEqual(cfg.Services, last.Services) {
					last = cfg
					onServicesChanged(cfg.Services)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("config watch error: %v", err)
			}
		}
	}()

	return nil
}
