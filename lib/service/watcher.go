/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package service

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gravitational/trace"
)

// watchDebounce coalesces the burst of events editors emit on save into
// a single reload.
const watchDebounce = 250 * time.Millisecond

// watchConfig reloads the configuration whenever the config file
// changes on disk. The parent directory is watched rather than the file
// itself, so atomic rename-style saves keep working. Returns a stop
// function.
func (d *Daemon) watchConfig() (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	configPath, err := filepath.Abs(d.cfg.ConfigPath)
	if err != nil {
		watcher.Close()
		return nil, trace.ConvertSystemError(err)
	}
	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		watcher.Close()
		return nil, trace.Wrap(err)
	}

	go func() {
		var debounce *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != configPath {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(watchDebounce, func() {
					if _, err := d.holder.Reload(); err != nil {
						d.log.WithError(err).Warn("Config reload from file watch failed.")
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.log.WithError(err).Warn("Config watcher error.")
			}
		}
	}()

	d.log.WithField("path", configPath).Info("Watching config file for changes.")
	return func() { watcher.Close() }, nil
}
