package identity

import (
	"context"
	"errors"
	"testing"
)

func TestStaticIdentity(t *testing.T) {
	id, err := Static(" u1 ").CurrentUserID(context.Background())
	if err != nil || id != "u1" {
		t.Fatalf("expected u1, got %q err=%v", id, err)
	}
	if _, err := Static("").CurrentUserID(context.Background()); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("expected ErrUnknownIdentity, got %v", err)
	}
	if got := Lookup(context.Background(), nil); got != "" {
		t.Fatalf("nil provider should give empty identity, got %q", got)
	}
}
