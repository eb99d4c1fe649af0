// Package auth implements the static bearer-key check. Keys are labelled so
// request logs can attribute traffic; values may be plaintext or bcrypt
// digests.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/blueberrycongee/llmux/internal/domain"
)

// AnonymousLabel is used when no keys are configured and authentication is
// disabled.
const AnonymousLabel = "anonymous"

type contextKey struct{}

// Authenticator validates inbound bearer keys against a label -> key table.
type Authenticator struct {
	keys map[string]string
}

func New(keys map[string]string) *Authenticator {
	return &Authenticator{keys: keys}
}

// Enabled reports whether any keys are configured.
func (a *Authenticator) Enabled() bool {
	return len(a.keys) > 0
}

// ExtractKey pulls the API key from the Authorization header. Both the
// Bearer scheme and a bare key are accepted.
func ExtractKey(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return header
}

// Authenticate resolves a request to a client label. With no keys
// configured every request passes as anonymous.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	if !a.Enabled() {
		return AnonymousLabel, nil
	}

	key := ExtractKey(r)
	if key == "" {
		return "", domain.ErrMissingAPIKey
	}

	for label, want := range a.keys {
		if matches(want, key) {
			return label, nil
		}
	}
	return "", domain.ErrInvalidAPIKey
}

// matches compares a configured value against a presented key. Values
// beginning with $2 are treated as bcrypt digests; everything else compares
// in constant time.
func matches(configured, presented string) bool {
	if strings.HasPrefix(configured, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}

// WithLabel stores the client label on the context.
func WithLabel(ctx context.Context, label string) context.Context {
	return context.WithValue(ctx, contextKey{}, label)
}

// Label returns the client label from the context, or anonymous.
func Label(ctx context.Context) string {
	if label, ok := ctx.Value(contextKey{}).(string); ok {
		return label
	}
	return AnonymousLabel
}
