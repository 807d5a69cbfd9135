package tokenproc

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ClaudeProcessor implements Processor for Anthropic's Messages API.
type ClaudeProcessor struct{}

func NewClaudeProcessor() *ClaudeProcessor { return &ClaudeProcessor{} }

// claudeCacheFields applies spec.md §4.4's cache-field precedence: the
// flat cache_creation_input_tokens field, if present, is treated
// entirely as 5m cache with a zero 1h component; otherwise the nested
// cache_creation.{ephemeral_5m_input_tokens,ephemeral_1h_input_tokens}
// pair is summed for the total and the 1h component is retained.
func claudeCacheFields(usage gjson.Result) (total, oneHour int) {
	if flat := usage.Get("cache_creation_input_tokens"); flat.Exists() {
		return clampNonNegative(int(flat.Int())), 0
	}
	fiveMin := usage.Get("cache_creation.ephemeral_5m_input_tokens").Int()
	oneHr := usage.Get("cache_creation.ephemeral_1h_input_tokens").Int()
	total = clampNonNegative(int(fiveMin + oneHr))
	oneHour = clampNonNegative(int(oneHr))
	if oneHour > total {
		oneHour = total
	}
	return total, oneHour
}

func (p *ClaudeProcessor) ProcessSSEResponse(requestBody, sseBytes []byte) (TokenInfo, error) {
	model := gjson.GetBytes(requestBody, "model").String()
	if model == "" {
		return TokenInfo{}, &ParseError{Provider: "claude", Cause: fmt.Errorf("request body missing model")}
	}

	info := TokenInfo{Model: model}
	seenAny := false

	for _, line := range bytes.Split(sseBytes, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		const prefix = "data: "
		if !bytes.HasPrefix(line, []byte(prefix)) {
			continue
		}
		payload := line[len(prefix):]
		if len(bytes.TrimSpace(payload)) == 0 {
			continue
		}
		event := gjson.ParseBytes(payload)
		switch event.Get("type").String() {
		case "message_start":
			msg := event.Get("message")
			usage := msg.Get("usage")
			info.MessageID = msg.Get("id").String()
			info.InputTokens = clampNonNegative(int(usage.Get("input_tokens").Int()))
			info.OutputTokens = clampNonNegative(int(usage.Get("output_tokens").Int()))
			info.CacheCreationTotal, info.CacheCreation1h = claudeCacheFields(usage)
			info.CacheReadTokens = clampNonNegative(int(usage.Get("cache_read_input_tokens").Int()))
			seenAny = true
		case "message_delta":
			usage := event.Get("usage")
			if v := usage.Get("output_tokens"); v.Exists() {
				info.OutputTokens = clampNonNegative(int(v.Int()))
			}
			if usage.Get("cache_creation_input_tokens").Exists() || usage.Get("cache_creation").Exists() {
				info.CacheCreationTotal, info.CacheCreation1h = claudeCacheFields(usage)
			}
			if v := usage.Get("cache_read_input_tokens"); v.Exists() {
				info.CacheReadTokens = clampNonNegative(int(v.Int()))
			}
			seenAny = true
		}
	}

	if !seenAny {
		return TokenInfo{}, &ParseError{Provider: "claude", Cause: fmt.Errorf("no message_start/message_delta event found")}
	}
	return info, nil
}

func (p *ClaudeProcessor) ProcessJSONResponse(requestBody, jsonBytes []byte) (TokenInfo, error) {
	model := gjson.GetBytes(requestBody, "model").String()
	if model == "" {
		return TokenInfo{}, &ParseError{Provider: "claude", Cause: fmt.Errorf("request body missing model")}
	}
	if !gjson.ValidBytes(jsonBytes) {
		return TokenInfo{}, &ParseError{Provider: "claude", Cause: fmt.Errorf("invalid json body")}
	}

	root := gjson.ParseBytes(jsonBytes)
	usage := root.Get("usage")
	if !usage.Exists() {
		return TokenInfo{}, &ParseError{Provider: "claude", Cause: fmt.Errorf("response missing usage")}
	}

	total, oneHour := claudeCacheFields(usage)
	return TokenInfo{
		Model:              model,
		MessageID:          root.Get("id").String(),
		InputTokens:        clampNonNegative(int(usage.Get("input_tokens").Int())),
		OutputTokens:       clampNonNegative(int(usage.Get("output_tokens").Int())),
		CacheCreationTotal: total,
		CacheCreation1h:    oneHour,
		CacheReadTokens:    clampNonNegative(int(usage.Get("cache_read_input_tokens").Int())),
	}, nil
}

// ExtractClaudeSessionID projects metadata.user_id through the
// "_session_" suffix extractor: Claude Code encodes its own user and
// account identifiers ahead of a "_session_" marker, with the actual
// session id trailing it. Absent the marker, the whole field is used
// verbatim as a best-effort session id.
func ExtractClaudeSessionID(userID string) string {
	const marker = "_session_"
	idx := strings.Index(userID, marker)
	if idx == -1 {
		return userID
	}
	return userID[idx+len(marker):]
}
