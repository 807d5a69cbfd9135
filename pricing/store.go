package pricing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const defaultTemplatesFile = "default_templates.json"

// snapshot is the immutable, atomically-published view of every
// template currently known to the store (spec.md §5: "pricing templates
// are held in an immutable snapshot behind a read-only pointer").
type snapshot struct {
	templates map[string]*PricingTemplate
}

// defaultTemplateMap is the small versioned file mapping tool_id →
// template_id used when a request carries no explicit template
// selection. Migrated 1→2 per spec.md §4.5 (Codex's default moves from
// the Claude preset to the OpenAI preset).
type defaultTemplateMap struct {
	Version int               `json:"version"`
	Tools   map[string]string `json:"tools"`
}

const currentDefaultMapVersion = 2

// Store owns the set of pricing templates and the default-template
// mapping, both persisted as JSON under <dataDir>/pricing.
type Store struct {
	dir    string
	logger zerolog.Logger

	current atomic.Pointer[snapshot]

	defaultMapPath string
	defaultMap     atomic.Pointer[defaultTemplateMap]
}

// NewStore creates a Store rooted at <dataDir>/pricing.
func NewStore(dataDir string, logger zerolog.Logger) *Store {
	return &Store{
		dir:            filepath.Join(dataDir, "pricing"),
		logger:         logger,
		defaultMapPath: filepath.Join(dataDir, "pricing", defaultTemplatesFile),
	}
}

// Load reads every *.json template file under the pricing directory,
// seeds the three built-in presets when absent, loads (and migrates)
// the default-template mapping, and publishes the initial snapshot.
func (s *Store) Load() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create pricing dir: %w", err)
	}

	templates := builtinTemplates()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read pricing dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == defaultTemplatesFile || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.logger.Warn().Err(err).Str("file", e.Name()).Msg("skip unreadable pricing template")
			continue
		}
		var tmpl PricingTemplate
		if err := json.Unmarshal(data, &tmpl); err != nil {
			s.logger.Warn().Err(err).Str("file", e.Name()).Msg("skip malformed pricing template")
			continue
		}
		templates[tmpl.ID] = &tmpl
	}

	if err := s.validateNoCycles(templates); err != nil {
		return err
	}

	s.current.Store(&snapshot{templates: templates})

	if err := s.loadDefaultMap(); err != nil {
		return err
	}
	return nil
}

func (s *Store) loadDefaultMap() error {
	data, err := os.ReadFile(s.defaultMapPath)
	if os.IsNotExist(err) {
		fresh := &defaultTemplateMap{
			Version: currentDefaultMapVersion,
			Tools: map[string]string{
				"claude-code": "builtin_claude",
				"codex":       "builtin_openai",
				"gemini-cli":  "builtin_gemini",
				"amp":         "builtin_claude",
			},
		}
		s.defaultMap.Store(fresh)
		return s.persistDefaultMap(fresh)
	}
	if err != nil {
		return fmt.Errorf("read default template map: %w", err)
	}

	var m defaultTemplateMap
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse default template map: %w", err)
	}
	if m.Version < 2 {
		if id, ok := m.Tools["codex"]; ok && id == "builtin_claude" {
			m.Tools["codex"] = "builtin_openai"
		}
		m.Version = 2
		if err := s.persistDefaultMap(&m); err != nil {
			return err
		}
	}
	s.defaultMap.Store(&m)
	return nil
}

func (s *Store) persistDefaultMap(m *defaultTemplateMap) error {
	return atomicWriteJSON(s.defaultMapPath, m)
}

// DefaultTemplateID returns the template used for toolID when no
// explicit selection is present.
func (s *Store) DefaultTemplateID(toolID string) string {
	m := s.defaultMap.Load()
	if m == nil {
		return "builtin_claude"
	}
	if id, ok := m.Tools[toolID]; ok {
		return id
	}
	return "builtin_claude"
}

// Get returns one template from the current snapshot.
func (s *Store) Get(templateID string) (*PricingTemplate, bool) {
	snap := s.current.Load()
	if snap == nil {
		return nil, false
	}
	t, ok := snap.templates[templateID]
	return t, ok
}

// All returns every template in the current snapshot.
func (s *Store) All() map[string]*PricingTemplate {
	snap := s.current.Load()
	if snap == nil {
		return nil
	}
	out := make(map[string]*PricingTemplate, len(snap.templates))
	for id, t := range snap.templates {
		out[id] = t
	}
	return out
}

// Resolve implements spec.md §4.5's resolution algorithm: exact/alias
// match in the chosen template's custom_models, else depth-first into
// inherited_models (first hit wins), with cycle detection.
func (s *Store) Resolve(templateID, toolID, modelName string) (ModelPrice, string, error) {
	if templateID == "" {
		templateID = s.DefaultTemplateID(toolID)
	}
	snap := s.current.Load()
	if snap == nil {
		return ModelPrice{}, "", fmt.Errorf("pricing store not loaded")
	}
	visited := make(map[string]bool)
	price, foundIn, ok := resolveIn(snap.templates, templateID, modelName, visited)
	if !ok {
		return ModelPrice{}, "", errPriceUnknown{model: modelName, template: templateID}
	}
	return price, foundIn, nil
}

type errPriceUnknown struct {
	model    string
	template string
}

func (e errPriceUnknown) Error() string {
	return fmt.Sprintf("no price for model %q starting from template %q", e.model, e.template)
}

// IsPriceUnknown reports whether err was returned by Resolve because no
// matching model price could be found.
func IsPriceUnknown(err error) bool {
	_, ok := err.(errPriceUnknown)
	return ok
}

func resolveIn(templates map[string]*PricingTemplate, templateID, modelName string, visited map[string]bool) (ModelPrice, string, bool) {
	if visited[templateID] {
		return ModelPrice{}, "", false
	}
	visited[templateID] = true

	tmpl, ok := templates[templateID]
	if !ok {
		return ModelPrice{}, "", false
	}
	if price, ok := tmpl.lookupLocal(modelName); ok {
		return price, templateID, true
	}
	for _, parentID := range tmpl.InheritedModels {
		if price, foundIn, ok := resolveIn(templates, parentID, modelName, visited); ok {
			return price, foundIn, true
		}
	}
	return ModelPrice{}, "", false
}

// validateNoCycles fails template loading at startup rather than at
// each request, per spec.md's Design Notes.
func (s *Store) validateNoCycles(templates map[string]*PricingTemplate) error {
	for id := range templates {
		visited := make(map[string]bool)
		if cyclic(templates, id, visited) {
			return &ErrCycle{TemplateID: id}
		}
	}
	return nil
}

func cyclic(templates map[string]*PricingTemplate, id string, visited map[string]bool) bool {
	if visited[id] {
		return true
	}
	visited[id] = true
	tmpl, ok := templates[id]
	if !ok {
		return false
	}
	for _, parent := range tmpl.InheritedModels {
		if cyclic(templates, parent, cloneVisited(visited)) {
			return true
		}
	}
	return false
}

func cloneVisited(v map[string]bool) map[string]bool {
	out := make(map[string]bool, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Put writes (or replaces) a template, including the built-ins the
// Syncer rebuilds, and republishes the snapshot atomically.
func (s *Store) Put(tmpl *PricingTemplate) error {
	snap := s.current.Load()
	next := make(map[string]*PricingTemplate, len(snap.templates)+1)
	for id, t := range snap.templates {
		next[id] = t
	}
	next[tmpl.ID] = tmpl

	if err := s.validateNoCycles(next); err != nil {
		return err
	}

	path := filepath.Join(s.dir, tmpl.ID+".json")
	if err := atomicWriteJSON(path, tmpl); err != nil {
		return err
	}

	s.current.Store(&snapshot{templates: next})
	return nil
}

// atomicWriteJSON writes v to path via write-to-temp/fsync/rename, with
// a timestamped backup of any existing file, matching the config-store
// persistence pattern used throughout this module.
func atomicWriteJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	if existing, err := os.ReadFile(path); err == nil {
		backup := fmt.Sprintf("%s.%d.bak", path, time.Now().UnixNano())
		_ = os.WriteFile(backup, existing, 0o600)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return os.Rename(tmp, path)
}
