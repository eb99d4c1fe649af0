package api

import (
	"errors"
	"testing"

	"github.com/blueberrycongee/llmux/internal/domain"
	"github.com/blueberrycongee/llmux/internal/notifications"
)

func TestRoutingObserver_ProviderFailed(t *testing.T) {
	notifier := notifications.NewInMemoryNotifier()
	obs := NewRoutingObserver(notifier)

	obs.ProviderFailed("openai", &domain.ProviderError{Provider: "openai", StatusCode: 503, Body: "overloaded"})

	got := notifier.Notifications()
	if len(got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(got))
	}
	if got[0].Type != notifications.NotificationProviderDown || got[0].Provider != "openai" {
		t.Errorf("notification = %+v", got[0])
	}
}

func TestRoutingObserver_Exhausted(t *testing.T) {
	notifier := notifications.NewInMemoryNotifier()
	obs := NewRoutingObserver(notifier)

	obs.Exhausted("gpt-test", errors.New("all providers failed"))

	got := notifier.Notifications()
	if len(got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(got))
	}
	if got[0].Type != notifications.NotificationAllProvidersFailed || got[0].Model != "gpt-test" {
		t.Errorf("notification = %+v", got[0])
	}
}

func TestRoutingObserver_NilNotifier(t *testing.T) {
	obs := NewRoutingObserver(nil)

	// Must not panic without a notifier configured.
	obs.ProviderFailed("openai", errors.New("boom"))
	obs.FellBack("openai", "anthropic")
	obs.Exhausted("gpt-test", errors.New("boom"))
}
