package api

import (
	"context"
	"errors"
	"strconv"

	"github.com/blueberrycongee/llmux/internal/domain"
	"github.com/blueberrycongee/llmux/internal/metrics"
	"github.com/blueberrycongee/llmux/internal/responses"
	"github.com/blueberrycongee/llmux/internal/router"
)

// Notifier receives best-effort alerts about provider failures.
type Notifier interface {
	ProviderFailure(ctx context.Context, provider, message string)
	AllProvidersFailed(ctx context.Context, model, message string)
}

// RoutingObserver bridges router outcomes to metrics and notifications.
type RoutingObserver struct {
	notifier Notifier
}

func NewRoutingObserver(notifier Notifier) *RoutingObserver {
	return &RoutingObserver{notifier: notifier}
}

func (o *RoutingObserver) ProviderFailed(provider string, err error) {
	status := "error"
	var perr *domain.ProviderError
	if errors.As(err, &perr) && perr.StatusCode != 0 {
		status = strconv.Itoa(perr.StatusCode)
	}
	metrics.RecordProviderError(provider, status)
	if o.notifier != nil {
		o.notifier.ProviderFailure(context.Background(), provider, err.Error())
	}
}

func (o *RoutingObserver) FellBack(from, to string) {
	metrics.RecordFallback(from, to)
}

func (o *RoutingObserver) Exhausted(model string, err error) {
	if o.notifier != nil && err != nil {
		o.notifier.AllProvidersFailed(context.Background(), model, err.Error())
	}
}

// RouterBackend adapts the router to the responses service contract.
type RouterBackend struct {
	Router *router.Router
}

func (b RouterBackend) Complete(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return b.Router.Complete(ctx, req)
}

func (b RouterBackend) Stream(ctx context.Context, req domain.ChatRequest) (responses.StreamHandle, error) {
	stream, err := b.Router.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return stream, nil
}
