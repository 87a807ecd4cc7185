// Package translate converts between the Anthropic Messages format and the
// OpenAI Chat Completions format, in both directions and for both unary and
// streamed exchanges. Conversions are pure functions over materialized data;
// anything lossy is reported through warnings rather than failing the
// request.
package translate

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/claudegate/claudegate/internal/wire"
)

// Supported image media types for data-URI conversion.
var supportedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

const imageFallbackText = "[Image content not supported]"

// RequestResult carries the translated request plus warnings about lossy or
// degraded conversions (dropped top_k, unsupported image sources).
type RequestResult struct {
	Request  *wire.ChatRequest
	Warnings []string
}

// ValidateAndClamp checks the structural invariants every inbound request
// must satisfy and clamps max_tokens to the configured ceiling. Violations
// come back as 400-class APIErrors.
func ValidateAndClamp(req *wire.MessagesRequest, maxTokensLimit int) error {
	if req.Model == "" {
		return wire.InvalidRequest("model is required")
	}
	if req.MaxTokens <= 0 {
		return wire.InvalidRequest("max_tokens must be positive, got %d", req.MaxTokens)
	}
	if len(req.Messages) == 0 {
		return wire.InvalidRequest("messages must not be empty")
	}
	for i, msg := range req.Messages {
		if msg.Role != wire.RoleUser && msg.Role != wire.RoleAssistant {
			return wire.InvalidRequest("messages[%d].role must be user or assistant, got %q", i, msg.Role)
		}
		if _, err := msg.Blocks(); err != nil {
			return wire.InvalidRequest("messages[%d]: %v", i, err)
		}
	}
	names := make(map[string]struct{}, len(req.Tools))
	for i, tool := range req.Tools {
		if tool.Name == "" {
			return wire.InvalidRequest("tools[%d].name is required", i)
		}
		if _, dup := names[tool.Name]; dup {
			return wire.InvalidRequest("tools[%d].name %q duplicates an earlier tool", i, tool.Name)
		}
		names[tool.Name] = struct{}{}
		if err := validateToolSchema(tool.InputSchema); err != nil {
			return wire.InvalidRequest("tools[%d].input_schema: %v", i, err)
		}
	}
	if req.ToolChoice != nil {
		switch req.ToolChoice.Type {
		case wire.ToolChoiceAuto, wire.ToolChoiceAny:
		case wire.ToolChoiceTool:
			if req.ToolChoice.Name == "" {
				return wire.InvalidRequest("tool_choice.name is required when type is tool")
			}
			if _, ok := names[req.ToolChoice.Name]; !ok {
				return wire.InvalidRequest("tool_choice names unknown tool %q", req.ToolChoice.Name)
			}
		default:
			return wire.InvalidRequest("tool_choice.type must be auto, any or tool, got %q", req.ToolChoice.Type)
		}
	}
	if req.MaxTokens > maxTokensLimit {
		req.MaxTokens = maxTokensLimit
	}
	return nil
}

// validateToolSchema checks that a tool's input_schema is a JSON object that
// compiles as a JSON Schema document, so schema problems surface as a 400
// here instead of an opaque upstream rejection.
func validateToolSchema(raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("input_schema is required")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("not valid JSON: %v", err)
	}
	if _, ok := doc.(map[string]any); !ok {
		return fmt.Errorf("must be a JSON object")
	}

	compiler := jsonschema.NewCompiler()
	const resource = "schema.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return err
	}
	if _, err := compiler.Compile(resource); err != nil {
		return err
	}
	return nil
}

// ToChatRequest converts an Anthropic Messages request into the OpenAI Chat
// Completions shape. The request must already carry the backend-resolved
// model. System becomes a leading system message, content blocks map
// part-wise, assistant tool_use lifts into tool_calls and user tool_result
// splits into role=tool messages.
func ToChatRequest(req *wire.MessagesRequest) (*RequestResult, error) {
	out := &wire.ChatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}
	result := &RequestResult{Request: out}

	if req.Stream {
		out.StreamOptions = &wire.StreamOptions{IncludeUsage: true}
	}
	if req.TopK != nil {
		result.warnf("top_k=%d dropped: target format has no equivalent", *req.TopK)
	}

	system, err := wire.SystemText(req.System)
	if err != nil {
		return nil, wire.InvalidRequest("system: %v", err)
	}
	if system != "" {
		out.Messages = append(out.Messages, wire.ChatMessage{Role: wire.RoleSystem, Content: system})
	}

	for i, msg := range req.Messages {
		if err := result.appendMessage(msg); err != nil {
			return nil, wire.InvalidRequest("messages[%d]: %v", i, err)
		}
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, wire.ChatTool{
			Type: "function",
			Function: wire.FunctionDef{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Type {
		case wire.ToolChoiceAuto:
			out.ToolChoice = "auto"
		case wire.ToolChoiceAny:
			out.ToolChoice = "required"
		case wire.ToolChoiceTool:
			out.ToolChoice = map[string]any{
				"type":     "function",
				"function": map[string]any{"name": req.ToolChoice.Name},
			}
		}
		if req.ToolChoice.DisableParallelToolUse != nil && *req.ToolChoice.DisableParallelToolUse {
			disabled := false
			out.ParallelToolCalls = &disabled
		}
	}

	return result, nil
}

// appendMessage converts one Anthropic message, possibly into several OpenAI
// entries: tool_result blocks become standalone role=tool messages placed
// before the message's remaining content so they stay adjacent to the
// assistant tool_calls they answer.
func (r *RequestResult) appendMessage(msg wire.Message) error {
	if text, ok := msg.Text(); ok {
		r.Request.Messages = append(r.Request.Messages, wire.ChatMessage{Role: msg.Role, Content: text})
		return nil
	}

	blocks, err := msg.Blocks()
	if err != nil {
		return err
	}

	var parts []wire.ContentPart
	var toolCalls []wire.ToolCall
	var toolResults []wire.ChatMessage

	for _, block := range blocks {
		switch block.Type {
		case wire.BlockText:
			parts = append(parts, wire.TextPart(block.Text))

		case wire.BlockImage:
			part, ok := imagePart(block.Source)
			if !ok {
				r.warnf("unsupported image source replaced with placeholder text")
				part = wire.TextPart(imageFallbackText)
			}
			parts = append(parts, part)

		case wire.BlockToolUse:
			if msg.Role != wire.RoleAssistant {
				r.warnf("tool_use block outside assistant message dropped (id=%s)", block.ID)
				continue
			}
			args, err := json.Marshal(block.Input)
			if err != nil {
				return fmt.Errorf("tool_use %s input: %w", block.ID, err)
			}
			toolCalls = append(toolCalls, wire.ToolCall{
				ID:       block.ID,
				Type:     "function",
				Function: wire.FunctionCall{Name: block.Name, Arguments: string(args)},
			})

		case wire.BlockToolResult:
			if msg.Role != wire.RoleUser {
				r.warnf("tool_result block outside user message dropped (tool_use_id=%s)", block.ToolUseID)
				continue
			}
			toolResults = append(toolResults, wire.ChatMessage{
				Role:       wire.RoleTool,
				ToolCallID: block.ToolUseID,
				Content:    block.ResultText(),
			})

		case wire.BlockThinking:
			// Prior-turn reasoning has no slot in the target format.
			r.warnf("thinking block dropped from %s message", msg.Role)

		default:
			r.warnf("unknown content block type %q dropped", block.Type)
		}
	}

	r.Request.Messages = append(r.Request.Messages, toolResults...)

	if len(parts) == 0 && len(toolCalls) == 0 {
		return nil
	}

	entry := wire.ChatMessage{Role: msg.Role, ToolCalls: toolCalls}
	switch {
	case len(parts) == 0:
		entry.Content = nil
	case allText(parts):
		entry.Content = joinText(parts)
	default:
		entry.Content = parts
	}
	r.Request.Messages = append(r.Request.Messages, entry)
	return nil
}

func (r *RequestResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// imagePart maps an Anthropic image source to an OpenAI image_url part.
// Base64 sources need a recognized media type and payload; URL sources pass
// through.
func imagePart(src *wire.ImageSource) (wire.ContentPart, bool) {
	if src == nil {
		return wire.ContentPart{}, false
	}
	switch src.Type {
	case "base64":
		if src.Data == "" || !supportedImageTypes[src.MediaType] {
			return wire.ContentPart{}, false
		}
		return wire.ImagePart(fmt.Sprintf("data:%s;base64,%s", src.MediaType, src.Data)), true
	case "url":
		if src.URL == "" {
			return wire.ContentPart{}, false
		}
		return wire.ImagePart(src.URL), true
	}
	return wire.ContentPart{}, false
}

func allText(parts []wire.ContentPart) bool {
	for _, p := range parts {
		if p.Type != "text" {
			return false
		}
	}
	return true
}

func joinText(parts []wire.ContentPart) string {
	out := ""
	for _, p := range parts {
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}
