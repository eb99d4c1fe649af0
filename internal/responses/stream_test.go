package responses

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/blueberrycongee/llmux/internal/domain"
)

// fakeChunkSource replays scripted chunks and then reports io.EOF, or a
// scripted error.
type fakeChunkSource struct {
	chunks []domain.ChatChunk
	err    error
	pos    int
	closed bool
}

func (f *fakeChunkSource) Next() (*domain.ChatChunk, error) {
	if f.pos < len(f.chunks) {
		chunk := f.chunks[f.pos]
		f.pos++
		return &chunk, nil
	}
	if f.err != nil {
		return nil, f.err
	}
	return nil, io.EOF
}

func (f *fakeChunkSource) Close() error {
	f.closed = true
	return nil
}

func textChunk(content string) domain.ChatChunk {
	return domain.ChatChunk{
		Choices: []domain.ChunkChoice{{Delta: domain.Delta{Content: &content}}},
	}
}

func toolChunk(id, name, args string) domain.ChatChunk {
	return domain.ChatChunk{
		Choices: []domain.ChunkChoice{{Delta: domain.Delta{
			ToolCalls: []domain.ToolCall{{ID: id, Type: "function", Function: domain.ToolCallFunction{Name: name, Arguments: args}}},
		}}},
	}
}

func finishChunk(reason string) domain.ChatChunk {
	return domain.ChatChunk{
		Choices: []domain.ChunkChoice{{FinishReason: &reason}},
	}
}

func drain(t *testing.T, e *Emitter) []domain.StreamEvent {
	t.Helper()
	var events []domain.StreamEvent
	for {
		ev, err := e.Next()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		events = append(events, *ev)
	}
}

func eventTypes(events []domain.StreamEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func checkSequenceNumbers(t *testing.T, events []domain.StreamEvent) {
	t.Helper()
	for i, ev := range events {
		if ev.SequenceNumber != i {
			t.Errorf("event %d (%s) has sequence_number %d", i, ev.Type, ev.SequenceNumber)
		}
	}
}

func TestEmitter_TextOnlyStream(t *testing.T) {
	src := &fakeChunkSource{chunks: []domain.ChatChunk{
		textChunk("Hel"),
		textChunk("lo"),
		finishChunk("stop"),
	}}
	e := NewEmitter(src, "gpt-test", "openai")

	events := drain(t, e)
	checkSequenceNumbers(t, events)

	want := []string{
		domain.EventResponseCreated,
		domain.EventResponseInProgress,
		domain.EventOutputItemAdded,
		domain.EventContentPartAdded,
		domain.EventOutputTextDelta,
		domain.EventOutputTextDelta,
		domain.EventOutputTextDone,
		domain.EventContentPartDone,
		domain.EventOutputItemDone,
		domain.EventResponseCompleted,
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event types = %v, want %v", got, want)
		}
	}

	// Delta concatenation equals the done text.
	var deltas strings.Builder
	var doneText string
	for _, ev := range events {
		switch ev.Type {
		case domain.EventOutputTextDelta:
			deltas.WriteString(ev.Delta)
		case domain.EventOutputTextDone:
			doneText = ev.Text
		}
	}
	if deltas.String() != "Hello" || doneText != "Hello" {
		t.Errorf("deltas = %q, done text = %q", deltas.String(), doneText)
	}

	final := events[len(events)-1].Response
	if final == nil || final.Status != domain.StatusCompleted {
		t.Fatalf("completed event response = %+v", final)
	}
	if len(final.Output) != 1 || final.Output[0].Type != "message" {
		t.Fatalf("final output = %+v", final.Output)
	}
	if final.Output[0].Content[0].Text != "Hello" {
		t.Errorf("final text = %q", final.Output[0].Content[0].Text)
	}

	if e.Final() == nil || e.Final().Status != domain.StatusCompleted {
		t.Error("Final() not set after stream end")
	}
}

func TestEmitter_ToolCallThenText(t *testing.T) {
	src := &fakeChunkSource{chunks: []domain.ChatChunk{
		toolChunk("call_1", "get_weather", ""),
		toolChunk("", "", `{"city":`),
		toolChunk("", "", `"SF"}`),
		textChunk("Checking "),
		textChunk("now"),
		finishChunk("tool_calls"),
	}}
	e := NewEmitter(src, "gpt-test", "openai")

	events := drain(t, e)
	checkSequenceNumbers(t, events)

	// The function call opens at output_index 0, the message at 1.
	var fcAdded, msgAdded *domain.StreamEvent
	for i := range events {
		if events[i].Type == domain.EventOutputItemAdded {
			switch events[i].Item.Type {
			case "function_call":
				fcAdded = &events[i]
			case "message":
				msgAdded = &events[i]
			}
		}
	}
	if fcAdded == nil || msgAdded == nil {
		t.Fatalf("missing added events: %v", eventTypes(events))
	}
	if *fcAdded.OutputIndex != 0 {
		t.Errorf("function call output_index = %d, want 0", *fcAdded.OutputIndex)
	}
	if *msgAdded.OutputIndex != 1 {
		t.Errorf("message output_index = %d, want 1", *msgAdded.OutputIndex)
	}
	if fcAdded.SequenceNumber > msgAdded.SequenceNumber {
		t.Error("message item opened before the function call")
	}

	// Arguments done carries the full concatenation.
	for _, ev := range events {
		if ev.Type == domain.EventFunctionCallArgumentsDone {
			if ev.Arguments != `{"city":"SF"}` {
				t.Errorf("arguments = %q", ev.Arguments)
			}
		}
	}

	// At finish, the function call closes before the message.
	var doneOrder []string
	for _, ev := range events {
		if ev.Type == domain.EventOutputItemDone {
			doneOrder = append(doneOrder, ev.Item.Type)
		}
	}
	if len(doneOrder) != 2 || doneOrder[0] != "function_call" || doneOrder[1] != "message" {
		t.Errorf("done order = %v, want [function_call message]", doneOrder)
	}

	// The completed response lists output in index order.
	final := events[len(events)-1]
	if final.Type != domain.EventResponseCompleted {
		t.Fatalf("last event = %s", final.Type)
	}
	out := final.Response.Output
	if len(out) != 2 || out[0].Type != "function_call" || out[1].Type != "message" {
		t.Fatalf("final output = %+v", out)
	}
	if out[0].CallID != "call_1" || out[0].Name != "get_weather" || out[0].Arguments != `{"city":"SF"}` {
		t.Errorf("function call item = %+v", out[0])
	}
	if out[1].Content[0].Text != "Checking now" {
		t.Errorf("message text = %q", out[1].Content[0].Text)
	}
}

func TestEmitter_CreatedAndInProgressFirst(t *testing.T) {
	src := &fakeChunkSource{}
	e := NewEmitter(src, "gpt-test", "openai")

	ev, err := e.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Type != domain.EventResponseCreated || ev.SequenceNumber != 0 {
		t.Errorf("first event = %s seq %d", ev.Type, ev.SequenceNumber)
	}
	if ev.Response.Status != domain.StatusInProgress {
		t.Errorf("created snapshot status = %q", ev.Response.Status)
	}

	ev, err = e.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Type != domain.EventResponseInProgress || ev.SequenceNumber != 1 {
		t.Errorf("second event = %s seq %d", ev.Type, ev.SequenceNumber)
	}
}

func TestEmitter_UsageOnCompleted(t *testing.T) {
	usageChunk := domain.ChatChunk{Usage: &domain.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}}
	src := &fakeChunkSource{chunks: []domain.ChatChunk{
		textChunk("hi"),
		finishChunk("stop"),
		usageChunk,
	}}
	e := NewEmitter(src, "gpt-test", "openai")

	events := drain(t, e)
	final := events[len(events)-1].Response
	if final.Usage == nil || final.Usage.InputTokens != 7 || final.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", final.Usage)
	}
}

func TestEmitter_FinalizesOnEOFWithoutFinishReason(t *testing.T) {
	src := &fakeChunkSource{chunks: []domain.ChatChunk{textChunk("cut off")}}
	e := NewEmitter(src, "gpt-test", "openai")

	events := drain(t, e)
	last := events[len(events)-1]
	if last.Type != domain.EventResponseCompleted {
		t.Fatalf("last event = %s", last.Type)
	}
	if len(last.Response.Output) != 1 || last.Response.Output[0].Content[0].Text != "cut off" {
		t.Errorf("output = %+v", last.Response.Output)
	}
}

func TestEmitter_UpstreamErrorSurfaces(t *testing.T) {
	wantErr := errors.New("connection reset")
	src := &fakeChunkSource{chunks: []domain.ChatChunk{textChunk("par")}, err: wantErr}
	e := NewEmitter(src, "gpt-test", "openai")

	var lastErr error
	for {
		_, err := e.Next()
		if err != nil {
			lastErr = err
			break
		}
	}
	if !errors.Is(lastErr, wantErr) {
		t.Fatalf("err = %v, want %v", lastErr, wantErr)
	}

	fail := e.FailEvent(lastErr)
	if fail.Type != domain.EventResponseFailed {
		t.Errorf("fail event type = %s", fail.Type)
	}
	if fail.Response.Status != domain.StatusFailed {
		t.Errorf("fail status = %q", fail.Response.Status)
	}
	if fail.Response.Error == nil || fail.Response.Error.Code != "stream_error" {
		t.Errorf("fail error = %+v", fail.Response.Error)
	}

	// The emitter stops after failure and Final stays nil.
	if _, err := e.Next(); err != io.EOF {
		t.Errorf("post-failure Next err = %v, want EOF", err)
	}
	if e.Final() != nil {
		t.Error("Final() set for a failed stream")
	}
}

func TestEmitter_FailEventSequenceContinues(t *testing.T) {
	src := &fakeChunkSource{err: errors.New("boom")}
	e := NewEmitter(src, "gpt-test", "openai")

	ev1, _ := e.Next()
	ev2, _ := e.Next()
	_, err := e.Next()
	if err == nil {
		t.Fatal("expected upstream error")
	}

	fail := e.FailEvent(err)
	if fail.SequenceNumber != ev2.SequenceNumber+1 {
		t.Errorf("fail seq = %d, want %d", fail.SequenceNumber, ev2.SequenceNumber+1)
	}
	_ = ev1
}

func TestEmitter_CloseClosesSource(t *testing.T) {
	src := &fakeChunkSource{}
	e := NewEmitter(src, "gpt-test", "openai")

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !src.closed {
		t.Error("source not closed")
	}
}
