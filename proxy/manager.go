package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/duckcoding/proxyfleet/ledger"
	"github.com/duckcoding/proxyfleet/pricing"
	"github.com/duckcoding/proxyfleet/recorder"
	"github.com/duckcoding/proxyfleet/reqproc"
	"github.com/duckcoding/proxyfleet/session"
	"github.com/duckcoding/proxyfleet/tokenproc"
	"github.com/duckcoding/proxyfleet/toolconfig"
)

// ampProfileResolver adapts toolconfig.Store to reqproc.ProfileResolver:
// the Amp dispatcher classifies a request into a sub-provider tool id
// (claude-code/codex/gemini-cli) and this resolver looks up that
// sub-provider's own configured upstream as its routing profile.
type ampProfileResolver struct {
	store *toolconfig.Store
}

func (r ampProfileResolver) Resolve(subProvider string) (reqproc.SubProfile, bool) {
	cfg, ok := r.store.Get(subProvider)
	if !ok {
		return reqproc.SubProfile{}, false
	}
	return reqproc.SubProfile{
		BaseURL:           cfg.UpstreamBaseURL,
		APIKey:            cfg.UpstreamAPIKey,
		PricingTemplateID: cfg.PricingTemplateID,
	}, true
}

// Manager owns every tool's proxy instance (spec.md §4.1). It wires
// update_config to restart nothing — toolconfig.Store.OnChange already
// gives instances their new config on the next request — except when a
// change affects the bind address/port, which does require a restart,
// handled here.
type Manager struct {
	store    *toolconfig.Store
	sessions *session.Manager
	registry *tokenproc.Registry
	pricing  *pricing.Store
	writer   *ledger.Writer
	logger   zerolog.Logger

	settleDelay time.Duration

	mu        sync.Mutex
	instances map[string]*Instance
	ports     map[string]int
}

func NewManager(
	store *toolconfig.Store,
	sessions *session.Manager,
	registry *tokenproc.Registry,
	pricingStore *pricing.Store,
	writer *ledger.Writer,
	settleDelay time.Duration,
	logger zerolog.Logger,
) *Manager {
	return &Manager{
		store:       store,
		sessions:    sessions,
		registry:    registry,
		pricing:     pricingStore,
		writer:      writer,
		logger:      logger,
		settleDelay: settleDelay,
		instances:   make(map[string]*Instance),
		ports:       make(map[string]int),
	}
}

// StartAll starts a listener for every enabled tool found in the config
// store, then registers a reconfigure hook so later config changes are
// applied live.
func (m *Manager) StartAll() error {
	for toolID, cfg := range m.store.All() {
		if !cfg.Enabled {
			continue
		}
		if err := m.Start(toolID); err != nil {
			return fmt.Errorf("start %s: %w", toolID, err)
		}
	}
	m.store.OnChange(func(toolID string, cfg *toolconfig.ToolProxyConfig) {
		if err := m.applyChange(toolID, cfg); err != nil {
			m.logger.Error().Err(err).Str("tool_id", toolID).Msg("failed to apply tool config change")
		}
	})
	return nil
}

func (m *Manager) applyChange(toolID string, cfg *toolconfig.ToolProxyConfig) error {
	m.mu.Lock()
	inst, running := m.instances[toolID]
	prevPort, hadPort := m.ports[toolID]
	m.mu.Unlock()

	wasPublic := false
	if inst != nil && inst.listener != nil {
		if addr, ok := inst.listener.Addr().(*net.TCPAddr); ok {
			wasPublic = !addr.IP.IsLoopback()
		}
	}

	if !cfg.Enabled {
		if running {
			return m.Stop(toolID)
		}
		return nil
	}
	if !running {
		return m.Start(toolID)
	}
	if (hadPort && prevPort != cfg.Port) || wasPublic != cfg.BindPublic {
		// Port or bind mode changed under a running listener: the bind itself must be
		// torn down and recreated. Every other field is read fresh from
		// the store on each request, so no restart is needed for them.
		if err := m.Stop(toolID); err != nil {
			return err
		}
		return m.Start(toolID)
	}
	return nil
}

func (m *Manager) newProcessorFor(toolID string) (reqproc.Processor, *reqproc.AmpDispatcher) {
	switch toolID {
	case "claude-code":
		return reqproc.NewClaudeProcessor(), nil
	case "codex":
		return reqproc.NewCodexProcessor(), nil
	case "gemini-cli":
		return reqproc.NewGeminiProcessor(), nil
	case "amp":
		return nil, reqproc.NewAmpDispatcher(ampProfileResolver{store: m.store})
	default:
		return nil, nil
	}
}

// Start launches tool_id's listener if it isn't already running.
func (m *Manager) Start(toolID string) error {
	m.mu.Lock()
	if _, ok := m.instances[toolID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	cfg, ok := m.store.Get(toolID)
	if !ok {
		return fmt.Errorf("no config for tool %s", toolID)
	}

	proc, ampDisp := m.newProcessorFor(toolID)
	if proc == nil && ampDisp == nil {
		return fmt.Errorf("unknown tool id %s", toolID)
	}

	rec := recorder.New(m.registry, m.pricing, m.writer, m.logger)
	inst := NewInstance(toolID, m.store, m.sessions, proc, ampDisp, rec, m.settleDelay, m.logger)
	if err := inst.Start(); err != nil {
		return err
	}

	m.mu.Lock()
	m.instances[toolID] = inst
	m.ports[toolID] = cfg.Port
	m.mu.Unlock()
	return nil
}

// Stop shuts down tool_id's listener, if running.
func (m *Manager) Stop(toolID string) error {
	m.mu.Lock()
	inst, ok := m.instances[toolID]
	if ok {
		delete(m.instances, toolID)
		delete(m.ports, toolID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return inst.Stop(ctx)
}

// StopAll shuts down every running listener.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Stop(id); err != nil {
			m.logger.Warn().Err(err).Str("tool_id", id).Msg("error stopping proxy instance")
		}
	}
}

// IsRunning reports whether tool_id currently has an active listener.
func (m *Manager) IsRunning(toolID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.instances[toolID]
	return ok
}
