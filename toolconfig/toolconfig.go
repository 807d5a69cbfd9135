// Package toolconfig owns ToolProxyConfig, the per-tool runtime
// configuration record described in spec.md §3: local listening port,
// local shared secret, upstream base URL/key, optional profile and
// pricing template. Configs are persisted as a single JSON file with
// atomic read-modify-write and timestamped backups (spec.md §6), and
// each tool's config is held behind a writer-biased interior-mutable
// cell so the proxy manager can swap it without tearing down a running
// listener (spec.md §3 invariant, §5 "shared mutable config").
package toolconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ToolProxyConfig is the per-tool runtime configuration record.
type ToolProxyConfig struct {
	ToolID            string `json:"tool_id"`
	Port              int    `json:"port"`
	BindPublic        bool   `json:"bind_public"`
	LocalSharedSecret string `json:"local_shared_secret"`
	UpstreamBaseURL   string `json:"upstream_base_url"`
	UpstreamAPIKey    string `json:"upstream_api_key"`
	ProfileName       string `json:"profile_name,omitempty"`
	PricingTemplateID string `json:"pricing_template_id,omitempty"`
	Enabled           bool   `json:"enabled"`
}

// Clone returns a deep copy safe to hand to a reader that will suspend
// (await a channel, do I/O) before using the value again.
func (c *ToolProxyConfig) Clone() *ToolProxyConfig {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// cell is a writer-biased interior-mutable holder for one tool's config.
// Updates replace the pointer rather than mutating fields in place, so a
// reader that has already loaded the pointer never observes a half
// written struct.
type cell struct {
	mu  sync.RWMutex
	cfg *ToolProxyConfig
}

func (c *cell) load() *ToolProxyConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *cell) store(cfg *ToolProxyConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

// Store owns the on-disk tools.json file and the in-memory cells for
// every configured tool.
type Store struct {
	path   string
	logger zerolog.Logger

	mu    sync.RWMutex
	cells map[string]*cell

	watcher *fsnotify.Watcher

	onChangeMu sync.Mutex
	onChange   []func(toolID string, cfg *ToolProxyConfig)
}

// NewStore creates a Store backed by <dataDir>/tools.json.
func NewStore(dataDir string, logger zerolog.Logger) *Store {
	return &Store{
		path:   filepath.Join(dataDir, "tools.json"),
		logger: logger,
		cells:  make(map[string]*cell),
	}
}

// Load reads tools.json into memory, creating an empty file if absent.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s.persist(map[string]*ToolProxyConfig{})
	}
	if err != nil {
		return fmt.Errorf("read tool config: %w", err)
	}

	var entries map[string]*ToolProxyConfig
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse tool config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cells = make(map[string]*cell, len(entries))
	for id, cfg := range entries {
		cfg.ToolID = id
		s.cells[id] = &cell{cfg: cfg}
	}
	return nil
}

// Get returns a snapshot clone of the named tool's config.
func (s *Store) Get(toolID string) (*ToolProxyConfig, bool) {
	s.mu.RLock()
	c, ok := s.cells[toolID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return c.load().Clone(), true
}

// All returns a snapshot of every configured tool.
func (s *Store) All() map[string]*ToolProxyConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*ToolProxyConfig, len(s.cells))
	for id, c := range s.cells {
		out[id] = c.load().Clone()
	}
	return out
}

// Set writes a new config for a tool: updates the in-memory cell under
// its write lock (visible to the next request per spec.md §5), persists
// the whole table atomically with a timestamped backup of the previous
// file, and notifies reconfigure listeners (the proxy manager).
func (s *Store) Set(toolID string, cfg *ToolProxyConfig) error {
	cfg = cfg.Clone()
	cfg.ToolID = toolID

	s.mu.Lock()
	c, ok := s.cells[toolID]
	if !ok {
		c = &cell{}
		s.cells[toolID] = c
	}
	c.store(cfg)
	snapshot := make(map[string]*ToolProxyConfig, len(s.cells))
	for id, cc := range s.cells {
		snapshot[id] = cc.load()
	}
	s.mu.Unlock()

	if err := s.persist(snapshot); err != nil {
		return err
	}

	s.onChangeMu.Lock()
	listeners := append([]func(string, *ToolProxyConfig){}, s.onChange...)
	s.onChangeMu.Unlock()
	for _, fn := range listeners {
		fn(toolID, cfg.Clone())
	}
	return nil
}

// OnChange registers a callback invoked after Set persists a new config,
// or after an external edit is picked up by Watch.
func (s *Store) OnChange(fn func(toolID string, cfg *ToolProxyConfig)) {
	s.onChangeMu.Lock()
	defer s.onChangeMu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// persist writes the config table to disk atomically (write-to-temp,
// fsync, rename) after copying the previous file to a timestamped
// backup, per spec.md §6 ("{base}.{epoch}.bak").
func (s *Store) persist(entries map[string]*ToolProxyConfig) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	if existing, err := os.ReadFile(s.path); err == nil {
		backup := fmt.Sprintf("%s.%d.bak", s.path, time.Now().UnixNano())
		_ = os.WriteFile(backup, existing, 0o600)
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tool config: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open temp tool config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp tool config: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync temp tool config: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp tool config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename tool config: %w", err)
	}
	return nil
}

// Watch starts an fsnotify watch on the config file so external edits
// (a hand-edited tools.json, or another process) trigger a reload and
// fire the same OnChange listeners as Set. Watch is best-effort: if the
// underlying watcher cannot be created, it logs and returns nil rather
// than failing startup.
func (s *Store) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn().Err(err).Msg("tool config watch disabled")
		return nil
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		s.logger.Warn().Err(err).Msg("tool config watch disabled")
		w.Close()
		return nil
	}
	s.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				before := s.All()
				if err := s.Load(); err != nil {
					s.logger.Warn().Err(err).Msg("reload tool config after external edit failed")
					continue
				}
				s.notifyDiff(before)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn().Err(err).Msg("tool config watcher error")
			}
		}
	}()
	return nil
}

func (s *Store) notifyDiff(before map[string]*ToolProxyConfig) {
	after := s.All()
	s.onChangeMu.Lock()
	listeners := append([]func(string, *ToolProxyConfig){}, s.onChange...)
	s.onChangeMu.Unlock()

	for id, cfg := range after {
		if prev, ok := before[id]; !ok || *prev != *cfg {
			for _, fn := range listeners {
				fn(id, cfg.Clone())
			}
		}
	}
}

// Close stops the fsnotify watcher, if any.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
