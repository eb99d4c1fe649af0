package responses

import (
	"context"
	"fmt"

	"github.com/blueberrycongee/llmux/internal/cache"
	"github.com/blueberrycongee/llmux/internal/domain"
)

// Backend is the completion substrate the service runs on, normally the
// router.
type Backend interface {
	Complete(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
	Stream(ctx context.Context, req domain.ChatRequest) (StreamHandle, error)
}

// StreamHandle is an open, committed chat stream.
type StreamHandle interface {
	ChunkSource
	Provider() string
}

// Service implements the /v1/responses operations on top of the chat
// pipeline: input expansion, translation both ways, caching, and the
// prior-response store.
type Service struct {
	backend Backend
	cache   *cache.ResponseCache
	store   *Store
}

func NewService(backend Backend, respCache *cache.ResponseCache, store *Store) *Service {
	return &Service{backend: backend, cache: respCache, store: store}
}

// expand normalizes the request input and, when previous_response_id is
// set, prepends the stored conversation: prior input first, then the prior
// output projected back into input items, then the new input.
func (s *Service) expand(req domain.ResponseRequest) ([]domain.InputItem, error) {
	input, err := NormalizeInput(req.Input)
	if err != nil {
		return nil, err
	}

	if req.PreviousResponseID == "" {
		return input, nil
	}

	stored, ok := s.store.Get(req.PreviousResponseID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrResponseNotFound, req.PreviousResponseID)
	}

	expanded := make([]domain.InputItem, 0, len(stored.Input)+len(stored.Response.Output)+len(input))
	expanded = append(expanded, stored.Input...)
	expanded = append(expanded, ProjectOutput(stored.Response.Output)...)
	expanded = append(expanded, input...)
	return expanded, nil
}

// Create runs a unary response. Cache lookups happen on the translated chat
// request, so chat and responses traffic share entries.
func (s *Service) Create(ctx context.Context, req domain.ResponseRequest) (*domain.Response, error) {
	input, err := s.expand(req)
	if err != nil {
		return nil, err
	}

	chatReq, err := ToChatRequest(req, input)
	if err != nil {
		return nil, err
	}
	chatReq.Stream = false

	if cached, ok := s.cache.Get(ctx, chatReq); ok {
		resp := FromChatResponse(cached)
		s.store.Set(resp.ID, resp, input)
		return resp, nil
	}

	chat, err := s.backend.Complete(ctx, chatReq)
	if err != nil {
		return nil, err
	}

	s.cache.Set(ctx, chatReq, chat)
	resp := FromChatResponse(chat)
	s.store.Set(resp.ID, resp, input)
	return resp, nil
}

// Stream opens a streaming response and returns the event emitter plus the
// expanded input, which the caller passes to Remember once the stream
// completes.
func (s *Service) Stream(ctx context.Context, req domain.ResponseRequest) (*Emitter, []domain.InputItem, error) {
	input, err := s.expand(req)
	if err != nil {
		return nil, nil, err
	}

	chatReq, err := ToChatRequest(req, input)
	if err != nil {
		return nil, nil, err
	}
	chatReq.Stream = true

	stream, err := s.backend.Stream(ctx, chatReq)
	if err != nil {
		return nil, nil, err
	}

	return NewEmitter(stream, req.Model, stream.Provider()), input, nil
}

// Remember stores a finished response for later continuation. A nil
// response (failed stream) is ignored.
func (s *Service) Remember(resp *domain.Response, input []domain.InputItem) {
	if resp == nil {
		return
	}
	s.store.Set(resp.ID, resp, input)
}

// Lookup returns a stored response by id.
func (s *Service) Lookup(id string) (*domain.Response, bool) {
	stored, ok := s.store.Get(id)
	if !ok {
		return nil, false
	}
	return stored.Response, true
}
