// Package session implements the session-aware routing store described
// in spec.md §3 and §4.3: a caller-identified ProxySession binding an
// optional profile/base-URL/API-key/pricing-template override, created
// lazily on first observation and updated on every request through a
// bounded event channel so routing never blocks on a lock held across a
// suspension point.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/duckcoding/proxyfleet/redisclient"
)

// ProxySession binds a caller-identified session to optional routing
// overrides. See spec.md §3.
type ProxySession struct {
	ID                string    `json:"id"`
	ToolID            string    `json:"tool_id"`
	ProfileName       string    `json:"profile_name"`
	BaseURLOverride   string    `json:"base_url_override,omitempty"`
	APIKeyOverride    string    `json:"api_key_override,omitempty"`
	PricingTemplateID string    `json:"pricing_template_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	LastRequestAt     time.Time `json:"last_request_at"`
}

func (s *ProxySession) key() string { return s.ToolID + "/" + s.ID }

// Override is what a request processor needs to decide routing for one
// request: whether to replace the configured upstream URL/key, and which
// pricing template to price the request against.
type Override struct {
	ProfileName       string
	BaseURLOverride   string
	APIKeyOverride    string
	PricingTemplateID string
	Found             bool
}

// NewRequestEvent is emitted on every observed request so the consumer
// loop can create/update the session record without a writer holding a
// lock across the HTTP round trip.
type NewRequestEvent struct {
	ToolID    string
	SessionID string
	At        time.Time
}

// Manager owns the in-RAM session map, its JSON-file persistence, and
// the bounded event channel that serializes writes onto one consumer
// goroutine (spec.md §5: "the session store is guarded by a single
// writer at a time").
type Manager struct {
	path   string
	logger zerolog.Logger
	redis  *redisclient.Client

	mu       sync.RWMutex
	sessions map[string]*ProxySession
	dirty    bool

	events chan NewRequestEvent
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a Manager backed by <dataDir>/sessions.json. redis
// may be nil: publishing is skipped when there is no broadcast mirror.
func NewManager(dataDir string, logger zerolog.Logger, redis *redisclient.Client) *Manager {
	return &Manager{
		path:     filepath.Join(dataDir, "sessions.json"),
		logger:   logger,
		redis:    redis,
		sessions: make(map[string]*ProxySession),
		events:   make(chan NewRequestEvent, 1024),
		done:     make(chan struct{}),
	}
}

// Load reads sessions.json into memory, tolerating a missing file.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read sessions: %w", err)
	}
	var list []*ProxySession
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("parse sessions: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range list {
		m.sessions[s.key()] = s
	}
	return nil
}

// Start launches the single-writer consumer loop and a periodic
// persistence flush. Call Stop to drain and exit.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.consume(ctx)
}

// Stop drains pending events and performs a final flush.
func (m *Manager) Stop() {
	close(m.done)
	m.wg.Wait()
	_ = m.flush()
}

func (m *Manager) consume(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev := <-m.events:
			m.apply(ev)
		case <-ticker.C:
			if m.isDirty() {
				if err := m.flush(); err != nil {
					m.logger.Warn().Err(err).Msg("session store flush failed")
				}
			}
		case <-m.done:
			// Drain whatever is queued before exiting.
			for {
				select {
				case ev := <-m.events:
					m.apply(ev)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Observe enqueues a NewRequest event (spec.md §4.3). It never blocks the
// caller's request path: a full channel drops the event, which only
// delays the session's last-seen timestamp by one tick.
func (m *Manager) Observe(toolID, sessionID string) {
	select {
	case m.events <- NewRequestEvent{ToolID: toolID, SessionID: sessionID, At: time.Now()}:
	default:
		m.logger.Warn().Str("tool", toolID).Str("session", sessionID).Msg("session event channel full, dropping")
	}
}

func (m *Manager) apply(ev NewRequestEvent) {
	m.mu.Lock()
	key := ev.ToolID + "/" + ev.SessionID
	s, ok := m.sessions[key]
	if !ok {
		s = &ProxySession{
			ID:          ev.SessionID,
			ToolID:      ev.ToolID,
			ProfileName: "default",
			CreatedAt:   ev.At,
		}
		m.sessions[key] = s
	}
	s.LastRequestAt = ev.At
	m.dirty = true
	m.mu.Unlock()

	if m.redis != nil {
		payload, _ := json.Marshal(ev)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := m.redis.Publish(ctx, "duckcoding:session-events", string(payload)); err != nil {
			m.logger.Debug().Err(err).Msg("session event redis publish failed")
		}
	}
}

func (m *Manager) isDirty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dirty
}

// GetOverride resolves the routing override for a (tool, session) pair.
// Profile "custom" with both overrides non-empty replaces the configured
// upstream base URL/key for this request; otherwise the caller should use
// the tool's configured values. See spec.md §4.3.
func (m *Manager) GetOverride(toolID, sessionID string) Override {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[toolID+"/"+sessionID]
	if !ok {
		return Override{}
	}
	return Override{
		ProfileName:       s.ProfileName,
		BaseURLOverride:   s.BaseURLOverride,
		APIKeyOverride:    s.APIKeyOverride,
		PricingTemplateID: s.PricingTemplateID,
		Found:             true,
	}
}

// SetOverride sets (or replaces) a session's routing override directly,
// e.g. from an out-of-scope configuration UI. Creates the session if it
// does not yet exist.
func (m *Manager) SetOverride(toolID, sessionID string, o Override) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := toolID + "/" + sessionID
	s, ok := m.sessions[key]
	if !ok {
		s = &ProxySession{ID: sessionID, ToolID: toolID, CreatedAt: time.Now()}
		m.sessions[key] = s
	}
	s.ProfileName = o.ProfileName
	s.BaseURLOverride = o.BaseURLOverride
	s.APIKeyOverride = o.APIKeyOverride
	s.PricingTemplateID = o.PricingTemplateID
	m.dirty = true
}

// All returns every known session (used by out-of-scope UI surfaces).
func (m *Manager) All() []*ProxySession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ProxySession, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		out = append(out, &cp)
	}
	return out
}

func (m *Manager) flush() error {
	m.mu.Lock()
	list := make([]*ProxySession, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		list = append(list, &cp)
	}
	m.dirty = false
	m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write sessions: %w", err)
	}
	return os.Rename(tmp, m.path)
}
