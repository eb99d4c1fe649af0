package secrets

import (
	"context"
	"testing"
)

func TestIsRef(t *testing.T) {
	if !IsRef("aws-sm://prod/openai-key") {
		t.Error("reference not detected")
	}
	if IsRef("sk-plain-key") {
		t.Error("plain value detected as reference")
	}
	if IsRef("") {
		t.Error("empty value detected as reference")
	}
}

func TestResolve_PlainValuePassesThrough(t *testing.T) {
	got, err := Resolve(context.Background(), nil, "sk-plain")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "sk-plain" {
		t.Errorf("got %q", got)
	}
}

func TestResolve_ReferenceWithoutStore(t *testing.T) {
	if _, err := Resolve(context.Background(), nil, "aws-sm://prod/key"); err == nil {
		t.Error("expected error when no store is configured")
	}
}

func TestResolve_Reference(t *testing.T) {
	store := NewInMemoryStore()
	store.SetSecret("prod/openai-key", "sk-resolved")

	got, err := Resolve(context.Background(), store, "aws-sm://prod/openai-key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "sk-resolved" {
		t.Errorf("got %q", got)
	}

	if _, err := Resolve(context.Background(), store, "aws-sm://prod/missing"); err == nil {
		t.Error("expected error for unknown secret")
	}
}
