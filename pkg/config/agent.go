/*
Copyright 2024 The Elastic Recheck Authors.

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

package config

import (
	"context"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ChannelConfigAgent serves the current channel config and reloads it
// when the file changes on disk. A failed reload keeps the previous
// config; operators fix the file and save again.
type ChannelConfigAgent struct {
	path string
	log  *logrus.Entry

	mu  sync.RWMutex
	cfg *ChannelConfig
}

// NewChannelConfigAgent loads path once, failing hard on the initial
// load so a broken config cannot make it past startup.
func NewChannelConfigAgent(path string, log *logrus.Entry) (*ChannelConfigAgent, error) {
	cfg, err := LoadChannelConfig(path)
	if err != nil {
		return nil, err
	}
	return &ChannelConfigAgent{path: path, log: log, cfg: cfg}, nil
}

// Config returns the current channel config. The returned value is
// shared and must be treated as read-only.
func (a *ChannelConfigAgent) Config() *ChannelConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Start watches the config file until ctx is done, reloading on writes.
// Editors that replace the file are handled by re-adding the watch.
func (a *ChannelConfigAgent) Start(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(a.path); err != nil {
		w.Close()
		return err
	}
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				if ev.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
					// Atomic replace: the watch follows the old inode.
					if err := w.Add(a.path); err != nil {
						a.log.WithError(err).Error("Lost watch on channel config.")
						continue
					}
				}
				a.reload()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				a.log.WithError(err).Error("Channel config watch error.")
			}
		}
	}()
	return nil
}

func (a *ChannelConfigAgent) reload() {
	cfg, err := LoadChannelConfig(a.path)
	if err != nil {
		a.log.WithError(err).Error("Failed to reload channel config, keeping previous one.")
		return
	}
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	a.log.WithField("channels", len(cfg.Channels)).Info("Reloaded channel config.")
}
