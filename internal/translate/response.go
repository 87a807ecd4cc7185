package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/claudegate/claudegate/internal/wire"
)

// MapFinishReason converts an OpenAI finish_reason to the Anthropic
// stop_reason vocabulary. Unrecognized values mean the turn simply ended.
func MapFinishReason(reason string) string {
	switch reason {
	case wire.FinishStop:
		return wire.StopEndTurn
	case wire.FinishLength:
		return wire.StopMaxTokens
	case wire.FinishToolCalls, "function_call":
		return wire.StopToolUse
	case wire.FinishContentFilter:
		return wire.StopStopSequence
	default:
		return wire.StopEndTurn
	}
}

// ParseToolInput turns a tool call's arguments string into the input object.
// Strict parse first, then a repair pass for the malformed JSON models
// sometimes produce; if neither yields an object the raw string is preserved
// under raw_input so the conversation can continue.
func ParseToolInput(arguments string) map[string]any {
	trimmed := strings.TrimSpace(arguments)
	if trimmed == "" {
		return map[string]any{}
	}

	var input map[string]any
	if err := json.Unmarshal([]byte(trimmed), &input); err == nil && input != nil {
		return input
	}

	if repaired, err := jsonrepair.JSONRepair(trimmed); err == nil {
		input = nil
		if err := json.Unmarshal([]byte(repaired), &input); err == nil && input != nil {
			return input
		}
	}

	return map[string]any{"raw_input": arguments}
}

// FromChatResponse converts an OpenAI chat completion into the Anthropic
// Messages response shape. Only choice zero is consumed. The emitted model is
// always the caller's original alias.
func FromChatResponse(resp *wire.ChatResponse, originalModel string) (*wire.MessagesResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, wire.Upstream("upstream response carries no choices")
	}
	choice := resp.Choices[0]
	if choice.Message == nil {
		return nil, wire.Upstream("upstream choice carries no message")
	}

	out := &wire.MessagesResponse{
		ID:    responseID(resp.ID),
		Type:  "message",
		Role:  wire.RoleAssistant,
		Model: originalModel,
	}

	if rc := choice.Message.ReasoningContent; rc != "" {
		out.Content = append(out.Content, wire.ContentBlock{Type: wire.BlockThinking, Thinking: rc})
	}
	if choice.Message.Content != nil && *choice.Message.Content != "" {
		out.Content = append(out.Content, wire.TextBlock(*choice.Message.Content))
	}
	for _, call := range choice.Message.ToolCalls {
		out.Content = append(out.Content, wire.ToolUseBlock(
			NewToolUseID(call.ID),
			call.Function.Name,
			ParseToolInput(call.Function.Arguments),
		))
	}

	finish := ""
	if choice.FinishReason != nil {
		finish = *choice.FinishReason
	}
	out.StopReason = MapFinishReason(finish)
	// A tool-call response must report tool_use even when the upstream
	// labeled the stop generically.
	if len(choice.Message.ToolCalls) > 0 && out.StopReason == wire.StopEndTurn {
		out.StopReason = wire.StopToolUse
	}

	if resp.Usage != nil {
		out.Usage = wire.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return out, nil
}

// responseID reuses the upstream id when present so unary responses stay
// correlatable across the translation boundary.
func responseID(upstream string) string {
	if upstream != "" {
		return upstream
	}
	return NewMessageID()
}

// NewMessageID builds an Anthropic-style message identifier.
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewToolUseID keeps the upstream call id when present and backfills an
// Anthropic-style one for upstreams that omit it.
func NewToolUseID(upstream string) string {
	if upstream != "" {
		return upstream
	}
	return fmt.Sprintf("toolu_%s", strings.ReplaceAll(uuid.NewString(), "-", "")[:24])
}
