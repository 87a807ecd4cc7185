// Package wire defines the typed representations of the Anthropic Messages
// and OpenAI Chat Completions wire formats, including content-block variants,
// streaming chunk shapes and the error envelope. Translation between the two
// formats lives in internal/translate; this package is marshalling only.
package wire

import (
	"encoding/json"
	"fmt"
)

// Content block type tags.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockThinking   = "thinking"
)

// Stop reasons emitted on the Anthropic side.
const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopStopSequence = "stop_sequence"
	StopToolUse      = "tool_use"
	StopError        = "error"
)

// Roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Tool choice modes.
const (
	ToolChoiceAuto = "auto"
	ToolChoiceAny  = "any"
	ToolChoiceTool = "tool"
)

// MessagesRequest is the inbound Anthropic Messages API request body.
// OriginalModel never serializes; the model mapper fills it with the
// caller-supplied model before rewriting Model, and responses echo it back
// unchanged.
type MessagesRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	Messages      []Message       `json:"messages"`
	System        json.RawMessage `json:"system,omitempty"`
	Tools         []ToolSpec      `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	OriginalModel string          `json:"-"`
}

// Message is a single conversation turn. Content is either a bare JSON string
// or a list of content blocks; both forms round-trip unchanged. Use Blocks to
// read it uniformly and NewTextMessage/NewBlocksMessage to build one.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// NewTextMessage builds a message whose content is a bare string.
func NewTextMessage(role, text string) Message {
	raw, _ := json.Marshal(text)
	return Message{Role: role, Content: raw}
}

// NewBlocksMessage builds a message whose content is a block list.
func NewBlocksMessage(role string, blocks ...ContentBlock) Message {
	raw, _ := json.Marshal(blocks)
	return Message{Role: role, Content: raw}
}

// Text returns the bare-string form of the content, if that is what it is.
func (m Message) Text() (string, bool) {
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return "", false
	}
	return s, true
}

// Blocks normalizes the content to a block list: a bare string becomes a
// single text block. An empty content yields an empty list.
func (m Message) Blocks() ([]ContentBlock, error) {
	if len(m.Content) == 0 {
		return nil, nil
	}
	if s, ok := m.Text(); ok {
		return []ContentBlock{{Type: BlockText, Text: s}}, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, fmt.Errorf("message content is neither string nor block list: %w", err)
	}
	return blocks, nil
}

// ContentBlock is the tagged content variant. Which fields are meaningful
// depends on Type; unused fields stay zero and are omitted on the wire.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result; Content is string | []ContentBlock
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	if input == nil {
		input = map[string]any{}
	}
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result block with plain-string content.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	raw, _ := json.Marshal(content)
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: raw, IsError: isError}
}

// ResultText flattens a tool_result's content to text: a bare string is
// returned as-is, a block list is joined from its text blocks.
func (b ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err != nil {
		return string(b.Content)
	}
	out := ""
	for _, inner := range blocks {
		if inner.Type == BlockText {
			if out != "" {
				out += "\n"
			}
			out += inner.Text
		}
	}
	return out
}

// ImageSource carries an image content block's payload. Type is "base64"
// (MediaType+Data set) or "url" (URL set).
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ToolSpec declares a tool the model may call. InputSchema is a JSON Schema
// object, kept raw so it forwards byte-identically.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolChoice selects how the model may use tools: auto, any, or a specific
// tool by name.
type ToolChoice struct {
	Type                   string `json:"type"`
	Name                   string `json:"name,omitempty"`
	DisableParallelToolUse *bool  `json:"disable_parallel_tool_use,omitempty"`
}

// Usage is the Anthropic token accounting pair.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MessagesResponse is the Anthropic Messages API response body. Model always
// carries the caller's original model string, never the backend-resolved one.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// ToolUses returns the tool_use blocks of the response in order.
func (r *MessagesResponse) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range r.Content {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// CountTokensResponse is the body of POST /v1/messages/count_tokens.
type CountTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}

// SystemText flattens the request system field (string or list of text
// blocks) into a single prompt string. List entries are joined with blank
// lines. A malformed field is reported, not silently dropped.
func SystemText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", fmt.Errorf("system is neither string nor block list: %w", err)
	}
	out := ""
	for _, b := range blocks {
		if b.Type != BlockText {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += b.Text
	}
	return out, nil
}

// Anthropic streaming chunk shapes, used both to decode passthrough upstream
// streams and to frame outbound SSE events.

// StreamChunk is one decoded Anthropic SSE data payload, identified by Type:
// message_start, content_block_start, content_block_delta, content_block_stop,
// message_delta, message_stop, ping, error.
type StreamChunk struct {
	Type         string         `json:"type"`
	Message      *StreamMessage `json:"message,omitempty"`
	Index        *int           `json:"index,omitempty"`
	ContentBlock *ContentBlock  `json:"content_block,omitempty"`
	Delta        *StreamDelta   `json:"delta,omitempty"`
	Usage        *DeltaUsage    `json:"usage,omitempty"`
	Error        *ErrorDetail   `json:"error,omitempty"`
}

// StreamMessage is the message envelope inside message_start.
type StreamMessage struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// StreamDelta is the delta payload of content_block_delta and message_delta.
type StreamDelta struct {
	Type         string  `json:"type,omitempty"`
	Text         string  `json:"text,omitempty"`
	PartialJSON  string  `json:"partial_json,omitempty"`
	Thinking     string  `json:"thinking,omitempty"`
	Signature    string  `json:"signature,omitempty"`
	StopReason   *string `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence,omitempty"`
}

// DeltaUsage is the usage payload attached to message_delta.
type DeltaUsage struct {
	OutputTokens int `json:"output_tokens"`
}

// Anthropic stream delta type tags.
const (
	DeltaTypeText      = "text_delta"
	DeltaTypeInputJSON = "input_json_delta"
	DeltaTypeThinking  = "thinking_delta"
	DeltaTypeSignature = "signature_delta"
)
