// Package responses implements the OpenResponses surface: bidirectional
// translation to the chat-completions shapes, the streaming event emitter,
// and the prior-response store.
package responses

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/llmux/internal/domain"
)

// NormalizeInput expands the raw input field into input items. A bare string
// becomes a single user message with one input_text part.
func NormalizeInput(raw json.RawMessage) ([]domain.InputItem, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: input is required", domain.ErrInvalidRequest)
	}

	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
		}
		return []domain.InputItem{{
			Type:    "message",
			Role:    "user",
			Content: domain.InputContent{{Type: "input_text", Text: s}},
		}}, nil
	}

	var items []domain.InputItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: input must be a string or an array of items: %v", domain.ErrInvalidRequest, err)
	}
	for i := range items {
		if items[i].Type == "" {
			items[i].Type = "message"
		}
	}
	return items, nil
}

// inputText concatenates the text parts of a message item in order.
// Non-text parts do not contribute.
func inputText(content domain.InputContent) string {
	var b strings.Builder
	for _, part := range content {
		switch part.Type {
		case "input_text", "output_text":
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// ToChatRequest translates a response request plus its normalized (and
// possibly expanded) input into a chat request. Gateway extensions pass
// through; max_output_tokens renames to max_tokens.
func ToChatRequest(req domain.ResponseRequest, input []domain.InputItem) (domain.ChatRequest, error) {
	out := domain.ChatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxOutputTokens,
		Stream:      req.Stream,
		Provider:    req.Provider,
		Cache:       req.Cache,
	}

	if req.Instructions != "" {
		content := req.Instructions
		out.Messages = append(out.Messages, domain.Message{Role: "system", Content: &content})
	}

	for _, item := range input {
		switch item.Type {
		case "message":
			text := inputText(item.Content)
			role := item.Role
			if role == "" {
				role = "user"
			}
			out.Messages = append(out.Messages, domain.Message{Role: role, Content: &text})
		case "function_call":
			empty := ""
			out.Messages = append(out.Messages, domain.Message{
				Role:    "assistant",
				Content: &empty,
				ToolCalls: []domain.ToolCall{{
					ID:   item.CallID,
					Type: "function",
					Function: domain.ToolCallFunction{
						Name:      item.Name,
						Arguments: item.Arguments,
					},
				}},
			})
		case "function_call_output":
			output := item.Output
			out.Messages = append(out.Messages, domain.Message{
				Role:       "tool",
				Content:    &output,
				ToolCallID: item.CallID,
			})
		default:
			return domain.ChatRequest{}, fmt.Errorf("%w: unsupported input item type %q", domain.ErrInvalidRequest, item.Type)
		}
	}

	if len(out.Messages) == 0 {
		return domain.ChatRequest{}, fmt.Errorf("%w: input produced no messages", domain.ErrInvalidRequest)
	}

	for _, tool := range req.Tools {
		if tool.Type != "function" {
			continue
		}
		out.Tools = append(out.Tools, domain.Tool{
			Type: "function",
			Function: domain.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	choice, err := translateToolChoice(req.ToolChoice)
	if err != nil {
		return domain.ChatRequest{}, err
	}
	out.ToolChoice = choice

	return out, nil
}

// translateToolChoice maps the OpenResponses tool_choice to the chat shape:
// string modes pass through; {type: function, name} gains the nested
// function object.
func translateToolChoice(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, `"`) {
		return raw, nil
	}

	var tc struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &tc); err != nil {
		return nil, fmt.Errorf("%w: invalid tool_choice: %v", domain.ErrInvalidRequest, err)
	}
	if tc.Type != "function" || tc.Name == "" {
		return raw, nil
	}

	mapped, err := json.Marshal(map[string]any{
		"type":     "function",
		"function": map[string]string{"name": tc.Name},
	})
	if err != nil {
		return nil, err
	}
	return mapped, nil
}

// FromChatResponse translates a unary chat completion into a response.
// Per choice, function_call items precede the message item; call ids and
// raw argument strings are preserved.
func FromChatResponse(chat *domain.ChatResponse) *domain.Response {
	resp := &domain.Response{
		ID:        newResponseID(),
		Object:    "response",
		CreatedAt: chat.Created,
		Status:    domain.StatusCompleted,
		Model:     chat.Model,
		Output:    []domain.OutputItem{},
		Provider:  chat.Provider,
		Cached:    chat.Cached,
	}
	if resp.CreatedAt == 0 {
		resp.CreatedAt = time.Now().Unix()
	}

	for _, choice := range chat.Choices {
		if choice.Message == nil {
			continue
		}
		for _, tc := range choice.Message.ToolCalls {
			resp.Output = append(resp.Output, domain.OutputItem{
				Type:      "function_call",
				ID:        newFunctionCallID(),
				Status:    domain.StatusCompleted,
				CallID:    tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		if choice.Message.Content != nil && *choice.Message.Content != "" {
			resp.Output = append(resp.Output, domain.OutputItem{
				Type:   "message",
				ID:     newMessageID(),
				Role:   "assistant",
				Status: domain.StatusCompleted,
				Content: []domain.ContentPart{{
					Type:        "output_text",
					Text:        *choice.Message.Content,
					Annotations: []any{},
				}},
			})
		}
	}

	if chat.Usage != nil {
		resp.Usage = &domain.ResponseUsage{
			InputTokens:  chat.Usage.PromptTokens,
			OutputTokens: chat.Usage.CompletionTokens,
			TotalTokens:  chat.Usage.TotalTokens,
		}
	}

	return resp
}

// ProjectOutput converts stored output items back into input items for
// conversation continuation. Assistant text replays as input_text; function
// calls replay as function_call_output with a placeholder output the caller
// is expected to fill.
func ProjectOutput(output []domain.OutputItem) []domain.InputItem {
	var items []domain.InputItem
	for _, item := range output {
		switch item.Type {
		case "message":
			var parts domain.InputContent
			for _, p := range item.Content {
				if p.Type == "output_text" {
					parts = append(parts, domain.ContentPart{Type: "input_text", Text: p.Text})
				}
			}
			items = append(items, domain.InputItem{
				Type:    "message",
				Role:    "assistant",
				Content: parts,
			})
		case "function_call":
			items = append(items, domain.InputItem{
				Type:   "function_call_output",
				CallID: item.CallID,
				Output: "",
			})
		}
	}
	return items
}

func newResponseID() string     { return "resp_" + uuid.NewString() }
func newMessageID() string      { return "msg_" + uuid.NewString() }
func newFunctionCallID() string { return "fc_" + uuid.NewString() }
func newCallID() string         { return "call_" + uuid.NewString() }
