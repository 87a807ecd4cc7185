package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatMessageStringContent(t *testing.T) {
	msg := ChatMessage{Role: RoleUser, Content: "plain question"}

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":"plain question"}`, string(raw))
}

func TestChatMessagePartsContent(t *testing.T) {
	msg := ChatMessage{
		Role: RoleUser,
		Content: []ContentPart{
			TextPart("describe this"),
			ImagePart("data:image/png;base64,AAAA"),
		},
	}

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"image_url"`)
	assert.Contains(t, string(raw), `"url":"data:image/png;base64,AAAA"`)
}

func TestChatMessageToolResultShape(t *testing.T) {
	msg := ChatMessage{Role: RoleTool, ToolCallID: "call_01", Content: "42"}

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"tool","tool_call_id":"call_01","content":"42"}`, string(raw))
}

func TestChatResponseDecode(t *testing.T) {
	body := `{
		"id": "chatcmpl-9x",
		"object": "chat.completion",
		"model": "gpt-4o",
		"choices": [{
			"index": 0,
			"message": {
				"role": "assistant",
				"content": null,
				"tool_calls": [{
					"id": "call_01",
					"type": "function",
					"function": {"name": "read_file", "arguments": "{\"path\":\"/tmp/x\"}"}
				}]
			},
			"finish_reason": "tool_calls"
		}],
		"usage": {"prompt_tokens": 20, "completion_tokens": 9, "total_tokens": 29}
	}`

	var resp ChatResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))

	require.Len(t, resp.Choices, 1)
	choice := resp.Choices[0]
	require.NotNil(t, choice.FinishReason)
	assert.Equal(t, FinishToolCalls, *choice.FinishReason)
	require.NotNil(t, choice.Message)
	assert.Nil(t, choice.Message.Content)
	require.Len(t, choice.Message.ToolCalls, 1)
	assert.Equal(t, "call_01", choice.Message.ToolCalls[0].ID)
	assert.Equal(t, "read_file", choice.Message.ToolCalls[0].Function.Name)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 20, resp.Usage.PromptTokens)
	assert.Equal(t, 9, resp.Usage.CompletionTokens)
}

func TestChatStreamChunkToolCallFragments(t *testing.T) {
	first := `{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_01","type":"function","function":{"name":"bash","arguments":""}}]},"finish_reason":null}]}`
	second := `{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"cmd\":\"ls\"}"}}]},"finish_reason":null}]}`

	var c1, c2 ChatStreamChunk
	require.NoError(t, json.Unmarshal([]byte(first), &c1))
	require.NoError(t, json.Unmarshal([]byte(second), &c2))

	tc1 := c1.Choices[0].Delta.ToolCalls[0]
	require.NotNil(t, tc1.Index)
	assert.Equal(t, 0, *tc1.Index)
	assert.Equal(t, "call_01", tc1.ID)
	assert.Equal(t, "bash", tc1.Function.Name)

	tc2 := c2.Choices[0].Delta.ToolCalls[0]
	require.NotNil(t, tc2.Index)
	assert.Empty(t, tc2.ID, "continuation fragments carry no id")
	assert.Equal(t, `{"cmd":"ls"}`, tc2.Function.Arguments)
}

func TestChatStreamChunkUsageOnly(t *testing.T) {
	payload := `{"id":"c1","choices":[],"usage":{"prompt_tokens":100,"completion_tokens":42,"total_tokens":142}}`

	var chunk ChatStreamChunk
	require.NoError(t, json.Unmarshal([]byte(payload), &chunk))

	assert.Empty(t, chunk.Choices)
	require.NotNil(t, chunk.Usage)
	assert.Equal(t, 42, chunk.Usage.CompletionTokens)
}

func TestUpstreamErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "standard shape",
			body: `{"error":{"message":"slow down","type":"rate_limit_error"}}`,
			want: "slow down",
		},
		{
			name: "non-json body",
			body: `upstream exploded`,
			want: "upstream exploded",
		},
		{
			name: "empty body",
			body: ``,
			want: "upstream returned an empty error body",
		},
		{
			name: "json without message",
			body: `{"detail":"nope"}`,
			want: `{"detail":"nope"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UpstreamErrorMessage([]byte(tt.body)))
		})
	}
}
