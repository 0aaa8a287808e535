// Package identity answers "who am I" for the signed-in principal.
package identity

import (
	"context"
	"errors"
	"strings"
)

var ErrUnknownIdentity = errors.New("identity unknown")

type Provider interface {
	CurrentUserID(ctx context.Context) (string, error)
}

// Static is a fixed identity, typically read from configuration.
type Static string

func (s Static) CurrentUserID(context.Context) (string, error) {
	id := strings.TrimSpace(string(s))
	if id == "" {
		return "", ErrUnknownIdentity
	}
	return id, nil
}

// Lookup returns the current user ID, or "" when the provider is nil or
// cannot tell.
func Lookup(ctx context.Context, provider Provider) string {
	if provider == nil {
		return ""
	}
	id, err := provider.CurrentUserID(ctx)
	if err != nil {
		return ""
	}
	return id
}
