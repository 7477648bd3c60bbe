// Copyright 2026 The Compass Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// LoaderOptions configures a config Loader.
type LoaderOptions struct {
	// Path to the YAML config file. Empty means defaults + env only.
	Path string

	// Watch enables hot reload on file change.
	Watch bool

	// OnChange is invoked with the freshly loaded config after a reload.
	// Errors are logged, not fatal; the previous config stays live.
	OnChange func(*Config) error
}

// Loader loads the Compass configuration from a YAML file with environment
// variable expansion and env overrides, and optionally watches it for changes.
type Loader struct {
	koanf   *koanf.Koanf
	options LoaderOptions
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLoader creates a config loader.
func NewLoader(opts LoaderOptions) *Loader {
	return &Loader{
		koanf:   koanf.New("."),
		options: opts,
		done:    make(chan struct{}),
	}
}

// Load reads, expands, defaults and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	LoadDotEnv()

	cfg := &Config{}

	if l.options.Path != "" {
		raw, err := os.ReadFile(l.options.Path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.options.Path, err)
		}

		expanded := ExpandEnvVars(string(raw))

		if err := l.koanf.Load(file.Provider(l.options.Path), kyaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", l.options.Path, err)
		}

		// koanf gives structure checks; the expanded text is what we decode.
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", l.options.Path, err)
		}
	}

	ApplyEnvOverrides(cfg)
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// StartWatch begins watching the config file for changes. No-op when watch is
// disabled or no path was given.
func (l *Loader) StartWatch() error {
	if !l.options.Watch || l.options.Path == "" || l.options.OnChange == nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	l.watcher = watcher

	// Watch the directory: editors replace files instead of writing in place.
	if err := watcher.Add(filepath.Dir(l.options.Path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", l.options.Path, err)
	}

	go func() {
		target := filepath.Clean(l.options.Path)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := l.Load()
				if err != nil {
					slog.Warn("Config reload failed, keeping previous config", "error", err)
					continue
				}
				if err := l.options.OnChange(cfg); err != nil {
					slog.Warn("Config change handler failed", "error", err)
					continue
				}
				slog.Info("Config reloaded", "path", l.options.Path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Config watcher error", "error", err)
			case <-l.done:
				return
			}
		}
	}()

	return nil
}

// Close stops the watcher.
func (l *Loader) Close() error {
	close(l.done)
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
