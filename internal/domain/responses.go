package domain

import (
	"encoding/json"
	"fmt"
)

// Statuses for OpenResponses responses and output items.
const (
	StatusInProgress = "in_progress"
	StatusIncomplete = "incomplete"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// OpenResponses stream event types.
const (
	EventResponseCreated            = "response.created"
	EventResponseInProgress         = "response.in_progress"
	EventResponseCompleted          = "response.completed"
	EventResponseFailed             = "response.failed"
	EventOutputItemAdded            = "response.output_item.added"
	EventOutputItemDone             = "response.output_item.done"
	EventContentPartAdded           = "response.content_part.added"
	EventContentPartDone            = "response.content_part.done"
	EventOutputTextDelta            = "response.output_text.delta"
	EventOutputTextDone             = "response.output_text.done"
	EventFunctionCallArgumentsDelta = "response.function_call_arguments.delta"
	EventFunctionCallArgumentsDone  = "response.function_call_arguments.done"
)

// ResponseRequest is an OpenResponses request. Input is either a bare string
// or an array of input items; it stays raw here and is normalized by the
// adapter. Provider and Cache are gateway extensions.
type ResponseRequest struct {
	Model              string          `json:"model"`
	Input              json.RawMessage `json:"input,omitempty"`
	Instructions       string          `json:"instructions,omitempty"`
	Tools              []ResponseTool  `json:"tools,omitempty"`
	ToolChoice         json.RawMessage `json:"tool_choice,omitempty"`
	Temperature        *float64        `json:"temperature,omitempty"`
	TopP               *float64        `json:"top_p,omitempty"`
	MaxOutputTokens    *int            `json:"max_output_tokens,omitempty"`
	Stream             bool            `json:"stream,omitempty"`
	PreviousResponseID string          `json:"previous_response_id,omitempty"`

	Provider string `json:"provider,omitempty"`
	Cache    *bool  `json:"cache,omitempty"`
}

// ResponseTool is a flat OpenResponses tool definition.
type ResponseTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// InputItem is one element of a normalized OpenResponses input array:
// a message, a function_call, or a function_call_output. Replayed stored
// output contributes only message and function_call_output items.
type InputItem struct {
	Type      string       `json:"type,omitempty"`
	ID        string       `json:"id,omitempty"`
	Role      string       `json:"role,omitempty"`
	Content   InputContent `json:"content,omitempty"`
	CallID    string       `json:"call_id,omitempty"`
	Name      string       `json:"name,omitempty"`
	Arguments string       `json:"arguments,omitempty"`
	Output    string       `json:"output,omitempty"`
	Status    string       `json:"status,omitempty"`
}

// InputContent accepts the string shorthand and expands it to a single
// input_text part.
type InputContent []ContentPart

func (c *InputContent) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = InputContent{{Type: "input_text", Text: s}}
		return nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("input content must be a string or an array of parts: %w", err)
	}
	*c = InputContent(parts)
	return nil
}

// ContentPart is a content element of an input or output message.
type ContentPart struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	Annotations []any  `json:"annotations,omitempty"`
	Refusal     string `json:"refusal,omitempty"`
}

// OutputItem is one element of a response output: an assistant message or a
// function call.
type OutputItem struct {
	Type      string        `json:"type"`
	ID        string        `json:"id"`
	Role      string        `json:"role,omitempty"`
	Status    string        `json:"status,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
}

// Response is an OpenResponses response. Provider and Cached are gateway
// extensions.
type Response struct {
	ID        string         `json:"id"`
	Object    string         `json:"object"`
	CreatedAt int64          `json:"created_at"`
	Status    string         `json:"status"`
	Model     string         `json:"model"`
	Output    []OutputItem   `json:"output"`
	Error     *ErrorDetail   `json:"error,omitempty"`
	Usage     *ResponseUsage `json:"usage,omitempty"`

	Provider string `json:"provider,omitempty"`
	Cached   bool   `json:"cached,omitempty"`
}

type ResponseUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// StreamEvent is one OpenResponses SSE event. SequenceNumber increases
// strictly across all events of one stream.
type StreamEvent struct {
	Type           string       `json:"type"`
	SequenceNumber int          `json:"sequence_number"`
	Response       *Response    `json:"response,omitempty"`
	OutputIndex    *int         `json:"output_index,omitempty"`
	ItemID         string       `json:"item_id,omitempty"`
	Item           *OutputItem  `json:"item,omitempty"`
	ContentIndex   *int         `json:"content_index,omitempty"`
	Part           *ContentPart `json:"part,omitempty"`
	Delta          string       `json:"delta,omitempty"`
	Text           string       `json:"text,omitempty"`
	Arguments      string       `json:"arguments,omitempty"`
}
