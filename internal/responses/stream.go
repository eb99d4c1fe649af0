package responses

import (
	"io"
	"sort"
	"strings"
	"time"

	"github.com/blueberrycongee/llmux/internal/domain"
)

// ChunkSource is the upstream side of the emitter: a pull-based chat chunk
// iterator ending with io.EOF.
type ChunkSource interface {
	Next() (*domain.ChatChunk, error)
	Close() error
}

// Emitter turns a chat chunk stream into the OpenResponses event stream.
// It is a single-producer state machine: the consumer pulls events with
// Next, so downstream backpressure reaches the upstream read. Each item
// keeps the output_index assigned when it opens, from its added event
// through its done event; at finish, an open function call closes before an
// open message.
type Emitter struct {
	src      ChunkSource
	model    string
	provider string

	seq       int
	pending   []domain.StreamEvent
	finished  bool
	final     *domain.Response
	createdAt int64

	responseID string
	nextIndex  int

	msgOpen  bool
	msgDone  bool
	msgID    string
	msgIndex int
	text     strings.Builder

	fcOpen  bool
	fcDone  bool
	fcID    string
	callID  string
	fcName  string
	fcIndex int
	args    strings.Builder

	usage *domain.ResponseUsage
}

// NewEmitter opens the event stream: the created and in_progress events are
// queued immediately with a placeholder in-progress response.
func NewEmitter(src ChunkSource, model, provider string) *Emitter {
	e := &Emitter{
		src:        src,
		model:      model,
		provider:   provider,
		responseID: newResponseID(),
		createdAt:  time.Now().Unix(),
	}

	snapshot := e.snapshot(domain.StatusInProgress, []domain.OutputItem{})
	e.emit(domain.StreamEvent{Type: domain.EventResponseCreated, Response: snapshot})
	e.emit(domain.StreamEvent{Type: domain.EventResponseInProgress, Response: snapshot})
	return e
}

func (e *Emitter) emit(ev domain.StreamEvent) {
	ev.SequenceNumber = e.seq
	e.seq++
	e.pending = append(e.pending, ev)
}

func (e *Emitter) snapshot(status string, output []domain.OutputItem) *domain.Response {
	return &domain.Response{
		ID:        e.responseID,
		Object:    "response",
		CreatedAt: e.createdAt,
		Status:    status,
		Model:     e.model,
		Output:    output,
		Usage:     e.usage,
		Provider:  e.provider,
	}
}

// Next returns the next event, pulling upstream chunks as needed. It
// reports io.EOF after the terminal event has been returned. An upstream
// error surfaces as-is; the caller decides how to frame it on the wire.
func (e *Emitter) Next() (*domain.StreamEvent, error) {
	for {
		if len(e.pending) > 0 {
			ev := e.pending[0]
			e.pending = e.pending[1:]
			return &ev, nil
		}
		if e.finished {
			return nil, io.EOF
		}

		chunk, err := e.src.Next()
		if err == io.EOF {
			e.finalize()
			continue
		}
		if err != nil {
			return nil, err
		}
		e.process(chunk)
	}
}

func (e *Emitter) Close() error {
	return e.src.Close()
}

// Final returns the completed response once the stream has ended.
func (e *Emitter) Final() *domain.Response {
	return e.final
}

func (e *Emitter) process(chunk *domain.ChatChunk) {
	if chunk.Usage != nil {
		e.usage = &domain.ResponseUsage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
			TotalTokens:  chunk.Usage.TotalTokens,
		}
	}

	for _, choice := range chunk.Choices {
		e.processDelta(choice.Delta)
		if choice.FinishReason != nil {
			e.closeItems()
		}
	}
}

func (e *Emitter) processDelta(delta domain.Delta) {
	for _, tc := range delta.ToolCalls {
		if tc.Function.Name != "" && !e.fcOpen && !e.fcDone {
			e.openFunctionCall(tc)
		}
		if tc.Function.Arguments != "" && e.fcOpen {
			e.args.WriteString(tc.Function.Arguments)
			e.emit(domain.StreamEvent{
				Type:        domain.EventFunctionCallArgumentsDelta,
				ItemID:      e.fcID,
				OutputIndex: intp(e.fcIndex),
				Delta:       tc.Function.Arguments,
			})
		}
	}

	if delta.Content != nil && *delta.Content != "" {
		if !e.msgOpen && !e.msgDone {
			e.openMessage()
		}
		if e.msgOpen {
			e.text.WriteString(*delta.Content)
			e.emit(domain.StreamEvent{
				Type:         domain.EventOutputTextDelta,
				ItemID:       e.msgID,
				OutputIndex:  intp(e.msgIndex),
				ContentIndex: intp(0),
				Delta:        *delta.Content,
			})
		}
	}
}

func (e *Emitter) openFunctionCall(tc domain.ToolCall) {
	e.fcID = newFunctionCallID()
	e.callID = tc.ID
	if e.callID == "" {
		e.callID = newCallID()
	}
	e.fcName = tc.Function.Name
	e.fcIndex = e.nextIndex
	e.nextIndex++
	e.fcOpen = true

	e.emit(domain.StreamEvent{
		Type:        domain.EventOutputItemAdded,
		OutputIndex: intp(e.fcIndex),
		Item: &domain.OutputItem{
			Type:   "function_call",
			ID:     e.fcID,
			Status: domain.StatusInProgress,
			CallID: e.callID,
			Name:   e.fcName,
		},
	})
}

func (e *Emitter) openMessage() {
	e.msgID = newMessageID()
	e.msgIndex = e.nextIndex
	e.nextIndex++
	e.msgOpen = true

	e.emit(domain.StreamEvent{
		Type:        domain.EventOutputItemAdded,
		OutputIndex: intp(e.msgIndex),
		Item: &domain.OutputItem{
			Type:    "message",
			ID:      e.msgID,
			Role:    "assistant",
			Status:  domain.StatusInProgress,
			Content: []domain.ContentPart{},
		},
	})
	e.emit(domain.StreamEvent{
		Type:         domain.EventContentPartAdded,
		ItemID:       e.msgID,
		OutputIndex:  intp(e.msgIndex),
		ContentIndex: intp(0),
		Part:         &domain.ContentPart{Type: "output_text", Text: "", Annotations: []any{}},
	})
}

func (e *Emitter) closeItems() {
	if e.fcOpen {
		e.emit(domain.StreamEvent{
			Type:        domain.EventFunctionCallArgumentsDone,
			ItemID:      e.fcID,
			OutputIndex: intp(e.fcIndex),
			Arguments:   e.args.String(),
		})
		e.emit(domain.StreamEvent{
			Type:        domain.EventOutputItemDone,
			OutputIndex: intp(e.fcIndex),
			Item:        e.functionCallItem(domain.StatusCompleted),
		})
		e.fcOpen = false
		e.fcDone = true
	}

	if e.msgOpen {
		text := e.text.String()
		part := &domain.ContentPart{Type: "output_text", Text: text, Annotations: []any{}}
		e.emit(domain.StreamEvent{
			Type:         domain.EventOutputTextDone,
			ItemID:       e.msgID,
			OutputIndex:  intp(e.msgIndex),
			ContentIndex: intp(0),
			Text:         text,
		})
		e.emit(domain.StreamEvent{
			Type:         domain.EventContentPartDone,
			ItemID:       e.msgID,
			OutputIndex:  intp(e.msgIndex),
			ContentIndex: intp(0),
			Part:         part,
		})
		e.emit(domain.StreamEvent{
			Type:        domain.EventOutputItemDone,
			OutputIndex: intp(e.msgIndex),
			Item:        e.messageItem(domain.StatusCompleted),
		})
		e.msgOpen = false
		e.msgDone = true
	}
}

func (e *Emitter) functionCallItem(status string) *domain.OutputItem {
	return &domain.OutputItem{
		Type:      "function_call",
		ID:        e.fcID,
		Status:    status,
		CallID:    e.callID,
		Name:      e.fcName,
		Arguments: e.args.String(),
	}
}

func (e *Emitter) messageItem(status string) *domain.OutputItem {
	return &domain.OutputItem{
		Type:   "message",
		ID:     e.msgID,
		Role:   "assistant",
		Status: status,
		Content: []domain.ContentPart{{
			Type:        "output_text",
			Text:        e.text.String(),
			Annotations: []any{},
		}},
	}
}

// finalize closes any still-open items and queues the terminal completed
// event with the output assembled in index order.
func (e *Emitter) finalize() {
	e.closeItems()

	type indexed struct {
		index int
		item  domain.OutputItem
	}
	var out []indexed
	if e.fcDone {
		out = append(out, indexed{e.fcIndex, *e.functionCallItem(domain.StatusCompleted)})
	}
	if e.msgDone {
		out = append(out, indexed{e.msgIndex, *e.messageItem(domain.StatusCompleted)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })

	output := make([]domain.OutputItem, 0, len(out))
	for _, o := range out {
		output = append(output, o.item)
	}

	e.final = e.snapshot(domain.StatusCompleted, output)
	e.emit(domain.StreamEvent{Type: domain.EventResponseCompleted, Response: e.final})
	e.finished = true
}

// FailEvent mints the terminal failed event for an upstream error after the
// commit point. The emitter stops producing afterwards.
func (e *Emitter) FailEvent(err error) *domain.StreamEvent {
	failed := e.snapshot(domain.StatusFailed, []domain.OutputItem{})
	failed.Error = &domain.ErrorDetail{
		Type:    "api_error",
		Code:    "stream_error",
		Message: err.Error(),
	}
	ev := domain.StreamEvent{Type: domain.EventResponseFailed, Response: failed}
	ev.SequenceNumber = e.seq
	e.seq++
	e.finished = true
	e.pending = nil
	return &ev
}

func intp(v int) *int { return &v }
