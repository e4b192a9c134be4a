// SPDX-License-Identifier: MIT

package mixer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/camdeck/camdeck/internal/camerr"
	"github.com/camdeck/camdeck/internal/log"
)

// Store keeps the scene library loaded from one JSON file per scene.
// Edits on disk are picked up live through fsnotify; invalid files are
// rejected and the previous version stays active.
type Store struct {
	dir     string
	logger  zerolog.Logger
	watcher *fsnotify.Watcher

	mu     sync.RWMutex
	scenes map[string]*Scene

	onChange func(sceneID string)
	done     chan struct{}
}

// NewStore loads every scene in dir. The directory is created when
// missing so a fresh install starts with an empty library.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create scenes dir: %w", err)
	}
	st := &Store{
		dir:    dir,
		logger: log.WithComponent("scenes"),
		scenes: make(map[string]*Scene),
		done:   make(chan struct{}),
	}
	if err := st.loadAll(); err != nil {
		return nil, err
	}
	return st, nil
}

// Watch starts live reload of edited scene files. onChange is invoked
// with the scene ID after a successful reload; the engine uses it to
// re-apply the active scene.
func (st *Store) Watch(onChange func(sceneID string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("scene watcher: %w", err)
	}
	if err := watcher.Add(st.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", st.dir, err)
	}
	st.watcher = watcher
	st.onChange = onChange
	go st.watchLoop()
	return nil
}

// Close stops the watcher.
func (st *Store) Close() error {
	if st.watcher == nil {
		return nil
	}
	err := st.watcher.Close()
	<-st.done
	return err
}

func (st *Store) watchLoop() {
	defer close(st.done)

	// Editors fire several events per save; coalesce them briefly.
	var (
		pending = make(map[string]struct{})
		timer   *time.Timer
		timerC  <-chan time.Time
	)

	for {
		select {
		case ev, ok := <-st.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pending[ev.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(200 * time.Millisecond)
				timerC = timer.C
			}
		case err, ok := <-st.watcher.Errors:
			if !ok {
				return
			}
			st.logger.Warn().Err(err).Msg("scene watcher error")
		case <-timerC:
			for name := range pending {
				st.reloadFile(name)
			}
			pending = make(map[string]struct{})
			timer = nil
			timerC = nil
		}
	}
}

func (st *Store) reloadFile(name string) {
	id := strings.TrimSuffix(filepath.Base(name), ".json")

	if _, err := os.Stat(name); err != nil {
		st.mu.Lock()
		delete(st.scenes, id)
		st.mu.Unlock()
		st.logger.Info().Str(log.FieldSceneID, id).Msg("scene removed")
		return
	}

	scene, err := readScene(name)
	if err != nil {
		st.logger.Warn().Err(err).Str(log.FieldSceneID, id).
			Msg("ignoring invalid scene file")
		return
	}
	st.mu.Lock()
	st.scenes[scene.SceneID] = scene
	st.mu.Unlock()
	st.logger.Info().Str(log.FieldSceneID, scene.SceneID).Msg("scene reloaded")

	if st.onChange != nil {
		st.onChange(scene.SceneID)
	}
}

func (st *Store) loadAll() error {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		scene, err := readScene(filepath.Join(st.dir, e.Name()))
		if err != nil {
			st.logger.Warn().Err(err).Str("file", e.Name()).
				Msg("skipping invalid scene file")
			continue
		}
		st.scenes[scene.SceneID] = scene
	}
	st.logger.Info().Int("count", len(st.scenes)).Msg("scene library loaded")
	return nil
}

func readScene(path string) (*Scene, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from our own dir listing
	if err != nil {
		return nil, err
	}
	var scene Scene
	if err := json.Unmarshal(data, &scene); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if err := scene.Validate(); err != nil {
		return nil, err
	}
	return &scene, nil
}

// Get returns a scene by ID.
func (st *Store) Get(id string) (*Scene, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	scene, ok := st.scenes[id]
	if !ok {
		return nil, camerr.Newf(camerr.KindConfigInvalid, "unknown scene %q", id)
	}
	copyScene := *scene
	copyScene.Slots = append([]Slot(nil), scene.Slots...)
	return &copyScene, nil
}

// List returns all scenes sorted by ID.
func (st *Store) List() []*Scene {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Scene, 0, len(st.scenes))
	for _, scene := range st.scenes {
		copyScene := *scene
		copyScene.Slots = append([]Slot(nil), scene.Slots...)
		out = append(out, &copyScene)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SceneID < out[j].SceneID })
	return out
}

// Put validates and persists a scene, replacing any existing file.
func (st *Store) Put(scene *Scene) error {
	if err := scene.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(scene, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal scene %s: %w", scene.SceneID, err)
	}
	path := filepath.Join(st.dir, scene.SceneID+".json")
	if err := renameio.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("write scene %s: %w", scene.SceneID, err)
	}
	st.mu.Lock()
	st.scenes[scene.SceneID] = scene
	st.mu.Unlock()
	return nil
}
