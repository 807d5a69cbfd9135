// Package checkin implements the daily randomized check-in scheduler
// from spec.md §4.9: a two-phase tick, grounded on the teacher's
// provider.HealthPoller ticker/cancel/done shape (provider/healthpoller.go)
// generalized from a fixed-interval poll to a per-provider randomized
// daily plan.
package checkin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CheckinConfig is the per-provider check-in policy (spec.md §3).
type CheckinConfig struct {
	Enabled        bool      `json:"enabled"`
	Endpoint       string    `json:"endpoint"`
	StartHour      int       `json:"start_hour"`
	EndHour        int       `json:"end_hour"`
	NextCheckinAt  time.Time `json:"next_checkin_at,omitempty"`
	LastCheckinAt  time.Time `json:"last_checkin_at,omitempty"`
	LastStatus     string    `json:"last_status,omitempty"`
	LastMessage    string    `json:"last_message,omitempty"`
	SuccessCount   int       `json:"success_count"`
	FailureCount   int       `json:"failure_count"`
	QuotaAwarded   float64   `json:"quota_awarded"`
}

// Provider is a single checkin-eligible backend account (spec.md §3).
type Provider struct {
	ID          string        `json:"id"`
	DisplayName string        `json:"display_name"`
	WebsiteURL  string        `json:"website_url,omitempty"`
	APIBaseURL  string        `json:"api_base_url,omitempty"`
	UserID      string        `json:"user_id"`
	AccessToken string        `json:"access_token"`
	Checkin     CheckinConfig `json:"checkin"`
}

// checkinResponse is the minimal shape of a provider's checkin reply.
type checkinResponse struct {
	Success      bool    `json:"success"`
	Message      string  `json:"message"`
	QuotaAwarded float64 `json:"quota_awarded"`
}

// Store is implemented by whatever persists Provider records; the
// scheduler only needs read-modify-write access, not ownership of the
// file format.
type Store interface {
	All() []*Provider
	Save(p *Provider) error
}

// Scheduler runs the two-phase checkin tick every interval (60s per
// spec.md §4.9) against every provider in the store.
type Scheduler struct {
	store      Store
	httpClient *http.Client
	logger     zerolog.Logger
	tickEvery  time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// nowFunc and randFunc are overridable for deterministic tests.
	nowFunc  func() time.Time
	randFunc func() float64
}

func NewScheduler(store Store, httpTimeout, tickEvery time.Duration, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:      store,
		httpClient: &http.Client{Timeout: httpTimeout},
		logger:     logger.With().Str("component", "checkin_scheduler").Logger(),
		tickEvery:  tickEvery,
		nowFunc:    time.Now,
		randFunc:   rand.Float64,
	}
}

// Start begins the background tick loop.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info().Dur("interval", s.tickEvery).Msg("starting checkin scheduler")
	go s.loop(ctx)
}

// Stop gracefully shuts down the tick loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	s.Tick(ctx)

	ticker := time.NewTicker(s.tickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs plan generation then execution against every enabled
// provider, exactly the two phases spec.md §4.9 describes.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.nowFunc()
	for _, p := range s.store.All() {
		if !p.Checkin.Enabled {
			continue
		}
		s.planIfNeeded(p, now)
	}
	for _, p := range s.store.All() {
		if !p.Checkin.Enabled {
			continue
		}
		if !p.Checkin.NextCheckinAt.IsZero() && !p.Checkin.NextCheckinAt.After(now) {
			s.execute(ctx, p, now)
		}
	}
}

// planIfNeeded draws a random in-window timestamp for today if the
// provider has no plan and hasn't already attempted a checkin today
// (a success, or a failure whose retry window has closed).
func (s *Scheduler) planIfNeeded(p *Provider, now time.Time) {
	if !p.Checkin.NextCheckinAt.IsZero() {
		return
	}
	if sameLocalDay(p.Checkin.LastCheckinAt, now) {
		return
	}

	startHour, endHour := windowBounds(p.Checkin.StartHour, p.Checkin.EndHour)
	planned := randomTimeInWindow(now, startHour, endHour, s.randFunc)
	if !planned.After(now) {
		planned = now
	}
	p.Checkin.NextCheckinAt = planned
	if err := s.store.Save(p); err != nil {
		s.logger.Warn().Err(err).Str("provider", p.ID).Msg("failed to persist checkin plan")
	}
}

// execute sends the configured POST and reschedules on failure.
func (s *Scheduler) execute(ctx context.Context, p *Provider, now time.Time) {
	reqCtx, cancel := context.WithTimeout(ctx, s.httpClient.Timeout)
	defer cancel()

	url := p.APIBaseURL + p.Checkin.Endpoint
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(nil))
	if err != nil {
		s.retryOrDefer(p, now, "build request failed: "+err.Error())
		return
	}
	req.Header.Set("Authorization", "Bearer "+p.AccessToken)
	req.Header.Set("New-Api-User", p.UserID)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.retryOrDefer(p, now, "request failed: "+err.Error())
		return
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.retryOrDefer(p, now, "HTTP "+resp.Status)
		return
	}

	var parsed checkinResponse
	if err := json.Unmarshal(body, &parsed); err != nil || !parsed.Success {
		msg := parsed.Message
		if msg == "" {
			msg = "checkin reported failure"
		}
		s.retryOrDefer(p, now, msg)
		return
	}

	p.Checkin.NextCheckinAt = time.Time{}
	p.Checkin.LastCheckinAt = now
	p.Checkin.LastStatus = "success"
	p.Checkin.LastMessage = parsed.Message
	p.Checkin.SuccessCount++
	p.Checkin.QuotaAwarded += parsed.QuotaAwarded
	if err := s.store.Save(p); err != nil {
		s.logger.Warn().Err(err).Str("provider", p.ID).Msg("failed to persist successful checkin")
	}
}

// retryOrDefer schedules a retry later today, or clears the plan for
// tomorrow if today's window has already closed.
func (s *Scheduler) retryOrDefer(p *Provider, now time.Time, reason string) {
	p.Checkin.LastCheckinAt = now
	p.Checkin.LastStatus = "failed"
	p.Checkin.LastMessage = reason
	p.Checkin.FailureCount++

	_, endHour := windowBounds(p.Checkin.StartHour, p.Checkin.EndHour)
	retryStart := now.Add(10 * time.Minute)
	retryEnd := time.Date(now.Year(), now.Month(), now.Day(), endHour, 59, 59, 0, now.Location())

	if retryStart.After(retryEnd) {
		p.Checkin.NextCheckinAt = time.Time{}
	} else {
		span := retryEnd.Sub(retryStart)
		p.Checkin.NextCheckinAt = retryStart.Add(time.Duration(s.randFunc() * float64(span)))
	}

	if err := s.store.Save(p); err != nil {
		s.logger.Warn().Err(err).Str("provider", p.ID).Msg("failed to persist checkin retry plan")
	}
}

// windowBounds normalizes (start_hour, end_hour) per spec.md §4.9:
// start == end or start > end both mean "any hour in the day".
func windowBounds(start, end int) (int, int) {
	if start == end || start > end {
		return 0, 23
	}
	return start, end
}

func randomTimeInWindow(now time.Time, startHour, endHour int, randFunc func() float64) time.Time {
	windowStart := time.Date(now.Year(), now.Month(), now.Day(), startHour, 0, 0, 0, now.Location())
	windowEnd := time.Date(now.Year(), now.Month(), now.Day(), endHour, 59, 59, 0, now.Location())
	span := windowEnd.Sub(windowStart)
	return windowStart.Add(time.Duration(randFunc() * float64(span)))
}

func sameLocalDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
