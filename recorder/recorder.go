// Package recorder implements the five-branch log recorder pipeline
// from spec.md §4.8: it turns one proxied request's outcome (an
// upstream status code plus a parsed response shape) into exactly one
// TokenLog row, joining the token processors and the pricing engine
// before handing the row to the ledger's async writer.
package recorder

import (
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/duckcoding/proxyfleet/ledger"
	"github.com/duckcoding/proxyfleet/pricing"
	"github.com/duckcoding/proxyfleet/tokenproc"
)

// Kind distinguishes the parsed response shape handed to the recorder
// (spec.md §4.1 step 7, §4.8).
type Kind int

const (
	KindSSE Kind = iota
	KindJSON
	KindEmpty
	KindParseError
)

// ParsedResponse is the normalized shape the proxy pipeline hands to
// the recorder after framing the upstream response.
type ParsedResponse struct {
	Kind Kind

	SSEBytes  []byte
	JSONBytes []byte

	// RawLen is the original byte length (never the bytes themselves),
	// set by the SSE/JSON tee; the recorder does not read it.
	// ResponseType is which mode framing had selected (sse|json|unknown);
	// the recorder reads it only for KindParseError.
	RawLen       int
	ResponseType string
	Err          error
}

// RequestContext carries the per-request fields the recorder needs that
// aren't part of the response itself.
type RequestContext struct {
	ToolID      string
	SessionID   string
	ProfileName string
	ClientIP    string

	// ProcessorID selects the token processor to parse the response
	// with. Empty means "same as ToolID" — true for Claude/Codex/
	// Gemini-CLI instances. The Amp dispatcher sets this to the
	// classified sub-provider id (spec.md §4.2), since ToolID stays
	// "amp" for every Amp request regardless of which upstream it was
	// routed to.
	ProcessorID string

	RequestBody []byte

	// TemplateIDFromSession overrides TemplateIDFromConfig when set
	// (spec.md §4.8 "template_id_from_session OR
	// template_id_from_proxy_config").
	TemplateIDFromSession string
	TemplateIDFromConfig  string

	ResponseTimeMs int64
}

func (c RequestContext) templateID() string {
	if c.TemplateIDFromSession != "" {
		return c.TemplateIDFromSession
	}
	return c.TemplateIDFromConfig
}

func (c RequestContext) processorID() string {
	if c.ProcessorID != "" {
		return c.ProcessorID
	}
	return c.ToolID
}

// Recorder joins token extraction, pricing, and ledger persistence.
type Recorder struct {
	processors *tokenproc.Registry
	pricing    *pricing.Store
	writer     *ledger.Writer
	logger     zerolog.Logger
}

func New(processors *tokenproc.Registry, pricingStore *pricing.Store, writer *ledger.Writer, logger zerolog.Logger) *Recorder {
	return &Recorder{processors: processors, pricing: pricingStore, writer: writer, logger: logger}
}

// Record implements the spec.md §4.8 dispatch table and enqueues the
// resulting row on the ledger writer.
func (r *Recorder) Record(ctx RequestContext, statusCode int, statusReason string, parsed ParsedResponse) {
	row := ledger.TokenLog{
		ToolID:            ctx.ToolID,
		TimestampMs:       time.Now().UnixMilli(),
		ClientIP:          ctx.ClientIP,
		SessionID:         ctx.SessionID,
		ProfileName:       ctx.ProfileName,
		ResponseTimeMs:    ctx.ResponseTimeMs,
		PricingTemplateID: ctx.templateID(),
	}

	switch {
	case statusCode >= 400 && statusCode < 600:
		row.Status = "failed"
		row.ErrorKind = "upstream_error"
		row.ErrorDetail = httpErrorDetail(statusCode, statusReason)
		row.Model = bestEffortModel(ctx.RequestBody)
		row.ResponseType = responseTypeFor(parsed)

	case parsed.Kind == KindSSE:
		proc, ok := r.processors.For(ctx.processorID())
		if !ok {
			row.Status = "failed"
			row.ErrorKind = "parse_error"
			row.ErrorDetail = "no token processor for tool"
			row.Model = bestEffortModel(ctx.RequestBody)
			row.ResponseType = "sse"
			break
		}
		info, err := proc.ProcessSSEResponse(ctx.RequestBody, parsed.SSEBytes)
		if err != nil {
			row.Status = "failed"
			row.ErrorKind = "parse_error"
			row.ErrorDetail = byteLenDetail(len(parsed.SSEBytes))
			row.Model = bestEffortModel(ctx.RequestBody)
			row.ResponseType = "sse"
			break
		}
		r.fillSuccess(&row, ctx, info, "sse")

	case parsed.Kind == KindJSON:
		proc, ok := r.processors.For(ctx.processorID())
		if !ok {
			row.Status = "failed"
			row.ErrorKind = "parse_error"
			row.ErrorDetail = "no token processor for tool"
			row.Model = bestEffortModel(ctx.RequestBody)
			row.ResponseType = "json"
			break
		}
		info, err := proc.ProcessJSONResponse(ctx.RequestBody, parsed.JSONBytes)
		if err != nil {
			row.Status = "failed"
			row.ErrorKind = "parse_error"
			row.ErrorDetail = byteLenDetail(len(parsed.JSONBytes))
			row.Model = bestEffortModel(ctx.RequestBody)
			row.ResponseType = "json"
			break
		}
		r.fillSuccess(&row, ctx, info, "json")

	case parsed.Kind == KindEmpty:
		row.Status = "failed"
		row.ErrorKind = "upstream_error"
		row.ErrorDetail = "empty response body"
		row.Model = bestEffortModel(ctx.RequestBody)
		row.ResponseType = "unknown"

	case parsed.Kind == KindParseError:
		row.Status = "failed"
		row.ErrorKind = "parse_error"
		row.ErrorDetail = errString(parsed.Err)
		row.Model = bestEffortModel(ctx.RequestBody)
		row.ResponseType = parsed.ResponseType
	}

	if !r.writer.WriteLog(row) {
		r.logger.Warn().Str("tool", ctx.ToolID).Str("session", ctx.SessionID).Msg("ledger write channel full, row dropped")
	}
}

// fillSuccess joins a successfully extracted TokenInfo with the pricing
// engine. A pricing miss still yields a success row with zero cost and
// no template id, per spec.md §4.8 and the "Pricing miss" scenario.
func (r *Recorder) fillSuccess(row *ledger.TokenLog, ctx RequestContext, info tokenproc.TokenInfo, responseType string) {
	row.Status = "success"
	row.ResponseType = responseType
	row.Model = info.Model
	row.MessageID = info.MessageID
	row.InputTokens = info.InputTokens
	row.OutputTokens = info.OutputTokens
	row.CacheCreationTotal = info.CacheCreationTotal
	row.CacheCreation1h = info.CacheCreation1h
	row.CacheReadTokens = info.CacheReadTokens
	row.ReasoningTokens = info.ReasoningTokens

	price, usedTemplate, err := r.pricing.Resolve(ctx.templateID(), ctx.processorID(), info.Model)
	if err != nil {
		row.TotalCost = 0
		row.PricingTemplateID = ""
		r.logger.Warn().Str("model", info.Model).Str("tool", ctx.ToolID).Msg("pricing unknown for model, recording zero-cost row")
		return
	}

	usage := info.Usage()
	row.InputPrice = price.InputPrice
	row.OutputPrice = price.OutputPrice
	row.CacheWritePrice = price.CacheWrite5mPrice
	row.CacheReadPrice = price.CacheReadPrice
	row.ReasoningPrice = price.ReasoningPrice
	row.TotalCost = price.Cost(usage)
	row.PricingTemplateID = usedTemplate
}

func bestEffortModel(requestBody []byte) string {
	if len(requestBody) == 0 {
		return "unknown"
	}
	m := gjson.GetBytes(requestBody, "model").String()
	if m == "" {
		return "unknown"
	}
	return m
}

func responseTypeFor(parsed ParsedResponse) string {
	switch parsed.Kind {
	case KindSSE:
		return "sse"
	case KindJSON:
		return "json"
	default:
		return "unknown"
	}
}

func httpErrorDetail(statusCode int, reason string) string {
	if reason == "" {
		return "HTTP " + strconv.Itoa(statusCode)
	}
	return "HTTP " + strconv.Itoa(statusCode) + ": " + reason
}

// byteLenDetail records only the length of an unparsable body, never
// its content (spec.md §4.8).
func byteLenDetail(n int) string {
	return "unparsable body, " + strconv.Itoa(n) + " bytes"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
