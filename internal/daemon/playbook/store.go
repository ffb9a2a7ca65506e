// Copyright 2025 Tom Barlow
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

package playbook

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	sderrors "github.com/tombee/sandboxd/pkg/errors"
)

// Store holds the playbooks loaded from a directory and reloads them
// when files change. Reloads are rate limited so editor save storms
// collapse into a single scan.
type Store struct {
	mu        sync.RWMutex
	dir       string
	playbooks map[string]*Playbook
	logger    *slog.Logger
	reloads   *rate.Limiter
}

// NewStore creates a store over dir. Call Load before Get.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:       dir,
		playbooks: make(map[string]*Playbook),
		logger:    logger.With("component", "playbooks"),
		reloads:   rate.NewLimiter(rate.Limit(2), 1),
	}
}

// Load scans the directory and replaces the in-memory set. Files that
// fail to parse are logged and skipped; a missing directory yields an
// empty set.
func (s *Store) Load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("playbooks directory does not exist", "dir", s.dir)
			s.mu.Lock()
			s.playbooks = make(map[string]*Playbook)
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read playbooks directory: %w", err)
	}

	loaded := make(map[string]*Playbook)
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		pb, err := LoadFile(path)
		if err != nil {
			s.logger.Warn("skipping invalid playbook", "path", path, "error", err)
			continue
		}
		if pb.Name == "" {
			pb.Name = strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		}
		if _, dup := loaded[pb.Name]; dup {
			s.logger.Warn("duplicate playbook name, keeping first", "name", pb.Name, "path", path)
			continue
		}
		loaded[pb.Name] = pb
	}

	s.mu.Lock()
	s.playbooks = loaded
	s.mu.Unlock()

	s.logger.Info("playbooks loaded", "dir", s.dir, "count", len(loaded))
	return nil
}

// Get returns the playbook by name.
func (s *Store) Get(name string) (*Playbook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pb, ok := s.playbooks[name]
	if !ok {
		return nil, &sderrors.NotFoundError{Resource: "playbook", ID: name}
	}
	return pb, nil
}

// Names returns the loaded playbook names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.playbooks))
	for name := range s.playbooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Watch reloads the store whenever YAML files in the directory change.
// Blocks until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}
	s.logger.Info("watching playbooks directory", "dir", s.dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isYAML(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !s.reloads.Allow() {
				if err := s.reloads.Wait(ctx); err != nil {
					return err
				}
				// Drain whatever piled up during the wait; the scan
				// below picks up all of it.
				for {
					select {
					case <-watcher.Events:
						continue
					default:
					}
					break
				}
			}
			if err := s.Load(); err != nil {
				s.logger.Error("reload failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("watch error", "error", err)
		}
	}
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
