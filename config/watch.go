// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Editors tend to write a file in several steps, changes closer together than
// this are merged into one reload
const settleTime = 100 * time.Millisecond

// Watch reloads the config at path whenever it changes and hands every config
// that loaded fine to onChange. Broken files are logged and skipped.
// Blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	if path == "" {
		return fmt.Errorf("%w: no config file to watch", ErrInvalid)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, editors replace the file instead of writing it
	path = filepath.Clean(path)
	if err = watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	log := logrus.WithField("file", path)

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warnln("Config watcher error")
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			settle = time.After(settleTime)
		case <-settle:
			settle = nil
			conf, err := Load(path)
			if err != nil {
				log.WithError(err).Warnln("Ignoring broken config")
				continue
			}
			log.Debugln("Config reloaded")
			onChange(conf)
		}
	}
}
