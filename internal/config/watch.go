package config

import (
	"context"
	"log"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the YAML file at path whenever it is written and hands the
// result to onChange. A reload that fails validation is logged and the
// previous config stays in effect. Watch returns when ctx is done.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}
	log.Printf("config_watch path=%s", path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// editors that save by rename show up as Create
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := LoadFile(path)
			if err != nil {
				log.Printf("config_reload_failed path=%s err=%q", path, err.Error())
				continue
			}
			log.Printf("config_reloaded path=%s session_timeout_min=%d", path, cfg.SessionTimeoutMinutes)
			onChange(cfg)
			_ = watcher.Add(path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("config_watch_error path=%s err=%q", path, err.Error())
		}
	}
}
