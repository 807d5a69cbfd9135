// Package proxy implements the per-tool HTTP listener that intercepts
// traffic from an AI coding CLI, rewrites it for the real upstream, tees
// the response for accounting, and forwards it back to the client. The
// per-request pipeline (spec.md §4.1) mirrors the teacher gateway's
// handler.ProxyHandler/handler/stream.go shape, generalized from a
// single fixed-provider handler into a listener configured per tool id.
package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/duckcoding/proxyfleet/apperr"
	"github.com/duckcoding/proxyfleet/recorder"
	"github.com/duckcoding/proxyfleet/reqproc"
	"github.com/duckcoding/proxyfleet/session"
	"github.com/duckcoding/proxyfleet/toolconfig"
)

// deniedPath is the single hard denylisted endpoint (spec.md §4.1 step 2).
const deniedPath = "/v1/messages/count_tokens"

// Instance is one tool's proxy listener. Its config is held behind
// toolconfig.Store's interior-mutable cell, so update_config never tears
// down the running listener — each request simply reads the current
// config off the store.
type Instance struct {
	ToolID string

	store     *toolconfig.Store
	sessions  *session.Manager
	processor reqproc.Processor // nil for the amp dispatcher, which uses ampDispatcher instead
	ampDisp   *reqproc.AmpDispatcher
	recorder  *recorder.Recorder
	logger    zerolog.Logger

	upstreamClient *http.Client
	settleDelay    time.Duration

	srv      *http.Server
	listener net.Listener
}

// NewInstance builds a proxy instance for one tool. Pass a non-nil
// processor for Claude/Codex/Gemini-CLI, or a non-nil ampDisp (with
// processor nil) for the Amp dispatcher tool.
func NewInstance(
	toolID string,
	store *toolconfig.Store,
	sessions *session.Manager,
	processor reqproc.Processor,
	ampDisp *reqproc.AmpDispatcher,
	rec *recorder.Recorder,
	settleDelay time.Duration,
	logger zerolog.Logger,
) *Instance {
	return &Instance{
		ToolID:    toolID,
		store:     store,
		sessions:  sessions,
		processor: processor,
		ampDisp:   ampDisp,
		recorder:  rec,
		logger:    logger.With().Str("tool_id", toolID).Logger(),
		upstreamClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		settleDelay: settleDelay,
	}
}

// Start binds the listener and begins serving in the background. Port and
// bind address come from the tool's current config.
func (in *Instance) Start() error {
	cfg, ok := in.store.Get(in.ToolID)
	if !ok {
		return apperr.New(apperr.KindConfig, "no config for tool "+in.ToolID)
	}

	host := "127.0.0.1"
	if cfg.BindPublic {
		host = "0.0.0.0"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(cfg.Port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return apperr.Wrap(apperr.KindConfig, "port in use: "+addr, err)
	}
	in.listener = ln

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(in.requestLogger)
	r.HandleFunc("/*", in.handle)

	in.srv = &http.Server{
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses can run long; governed by settle delay + client
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := in.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			in.logger.Error().Err(err).Msg("proxy listener failed")
		}
	}()

	in.logger.Info().Str("addr", addr).Msg("proxy instance listening")
	return nil
}

// Stop gracefully shuts the listener down.
func (in *Instance) Stop(ctx context.Context) error {
	if in.srv == nil {
		return nil
	}
	return in.srv.Shutdown(ctx)
}

// requestLogger mirrors the teacher router's mwRequestLogger, using chi's
// wrapped response writer to capture the status code actually written.
func (in *Instance) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(rw, r)
		in.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("req_id", chimw.GetReqID(r.Context())).
			Int("status", rw.Status()).
			Dur("duration", time.Since(start)).
			Msg("proxy request completed")
	})
}

func (in *Instance) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	cfg, ok := in.store.Get(in.ToolID)
	if !ok || !cfg.Enabled {
		apperr.WriteHTTP(w, apperr.KindConfig, "tool is not configured")
		return
	}

	// 1. Authentication.
	if !authenticated(r, cfg.LocalSharedSecret) {
		apperr.WriteHTTP(w, apperr.KindAuth, "invalid or missing credentials")
		return
	}

	// 2. Hard denylist.
	if r.URL.Path == deniedPath {
		apperr.WriteHTTP(w, apperr.KindPolicy, "this endpoint is disabled by policy")
		return
	}

	// 3. Body read.
	var body []byte
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			apperr.WriteHTTP(w, apperr.KindInternal, "failed to read request body")
			return
		}
		body = b
	}
	clientIP := clientIP(r)

	// 4. Request processor dispatch + session-aware routing.
	processed, sessionID, templateFromSession, processorID, err := in.dispatch(cfg, r, body)
	if err != nil {
		in.logger.Warn().Err(err).Msg("request processing failed")
		apperr.WriteHTTP(w, apperr.KindInternal, "failed to process request")
		return
	}

	// 5. Loop detection: target host:port must not be our own loopback port.
	if isSelfLoop(processed.TargetURL, cfg.Port) {
		apperr.WriteHTTP(w, apperr.KindLoopDetected, "proxy loop detected for tool "+in.ToolID)
		return
	}

	// 6. Upstream dispatch.
	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, processed.TargetURL, newBodyReader(processed.Body))
	if err != nil {
		apperr.WriteHTTP(w, apperr.KindInternal, "failed to build upstream request")
		return
	}
	upstreamReq.Header = processed.Headers

	resp, err := in.upstreamClient.Do(upstreamReq)
	if err != nil {
		apperr.WriteHTTP(w, apperr.KindUpstream, "upstream request failed: "+err.Error())
		in.recorder.Record(recorder.RequestContext{
			ToolID:                in.ToolID,
			ProcessorID:           processorID,
			SessionID:             sessionID,
			ProfileName:           cfg.ProfileName,
			ClientIP:              clientIP,
			RequestBody:           body,
			TemplateIDFromSession: templateFromSession,
			TemplateIDFromConfig:  cfg.PricingTemplateID,
			ResponseTimeMs:        time.Since(start).Milliseconds(),
		}, http.StatusBadGateway, err.Error(), recorder.ParsedResponse{Kind: recorder.KindEmpty})
		return
	}
	defer resp.Body.Close()

	// 7. Response framing.
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	isSSE := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")

	reqCtx := recorder.RequestContext{
		ToolID:                in.ToolID,
		ProcessorID:           processorID,
		SessionID:             sessionID,
		ProfileName:           cfg.ProfileName,
		ClientIP:              clientIP,
		RequestBody:           body,
		TemplateIDFromSession: templateFromSession,
		TemplateIDFromConfig:  cfg.PricingTemplateID,
	}

	// 8. Tee for accounting.
	var parsed recorder.ParsedResponse
	if isSSE {
		parsed = teeSSE(w, resp.Body, in.settleDelay)
	} else {
		parsed = teeJSON(w, resp.Body)
	}
	reqCtx.ResponseTimeMs = time.Since(start).Milliseconds()

	in.recorder.Record(reqCtx, resp.StatusCode, http.StatusText(resp.StatusCode), parsed)
}

// dispatch routes the request to the tool's processor (or the Amp
// dispatcher), applying session-aware routing overrides (spec.md §4.3)
// before handing off to the processor's own URL/header construction.
// For Amp only the session's pricing-template override is applied; the
// upstream URL and key come from the sub-provider's profile.
// The fourth return value is the id of the token processor that should
// parse the response — for Claude/Codex/Gemini-CLI instances this is
// always in.ToolID, but for Amp it's the classified sub-provider, since
// ToolID stays "amp" no matter which upstream the request was routed to.
func (in *Instance) dispatch(cfg *toolconfig.ToolProxyConfig, r *http.Request, body []byte) (reqproc.ProcessedRequest, string, string, string, error) {
	query := r.URL.RawQuery

	if in.ampDisp != nil {
		subProvider, processed, sessionID, err := in.ampDisp.Dispatch(r.URL.Path, query, r.Header, body)
		if err != nil {
			return reqproc.ProcessedRequest{}, "", "", "", err
		}
		in.sessions.Observe(in.ToolID, sessionID)
		override := in.sessions.GetOverride(in.ToolID, sessionID)
		templateID := in.ampDisp.PricingTemplateFor(subProvider)
		if override.PricingTemplateID != "" {
			templateID = override.PricingTemplateID
		}
		return processed, sessionID, templateID, subProvider, nil
	}

	sessionID := in.processor.SessionID(body)
	if sessionID != "" {
		in.sessions.Observe(in.ToolID, sessionID)
	}
	override := in.sessions.GetOverride(in.ToolID, sessionID)

	baseURL, apiKey := cfg.UpstreamBaseURL, cfg.UpstreamAPIKey
	if override.ProfileName == "custom" && override.BaseURLOverride != "" && override.APIKeyOverride != "" {
		baseURL, apiKey = override.BaseURLOverride, override.APIKeyOverride
	}

	processed, err := in.processor.ProcessOutgoingRequest(baseURL, apiKey, r.URL.Path, query, r.Header, body)
	if err != nil {
		return reqproc.ProcessedRequest{}, "", "", "", err
	}
	return processed, sessionID, override.PricingTemplateID, in.ToolID, nil
}

func authenticated(r *http.Request, secret string) bool {
	if secret == "" {
		return false
	}
	candidate := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(candidate, "Bearer "):
		candidate = strings.TrimPrefix(candidate, "Bearer ")
	case strings.HasPrefix(candidate, "x-api-key "):
		candidate = strings.TrimPrefix(candidate, "x-api-key ")
	case candidate == "":
		candidate = r.Header.Get("x-api-key")
	}
	return candidate != "" && candidate == secret
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isSelfLoop reports whether targetURL points back at this listener's
// own loopback port (spec.md §4.1 step 5).
func isSelfLoop(targetURL string, ownPort int) bool {
	host, port := hostPortOf(targetURL)
	if port != strconv.Itoa(ownPort) {
		return false
	}
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

func hostPortOf(rawURL string) (string, string) {
	rest := rawURL
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "/?"); i >= 0 {
		rest = rest[:i]
	}
	host, port, err := net.SplitHostPort(rest)
	if err != nil {
		return rest, ""
	}
	return host, port
}

func newBodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return strings.NewReader(string(body))
}
