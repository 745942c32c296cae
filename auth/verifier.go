package auth

import (
	"context"
	"fmt"

	"github.com/studyhall/collab/types"
)

// Verifier resolves an identity token to a user id. The session core never
// derives authorization policy itself, it only consumes the verified identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// PassthroughVerifier accepts every non-empty token as the user id itself.
// Strictly for development setups without an identity provider.
type PassthroughVerifier struct{}

func (PassthroughVerifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: empty token", types.ErrAuthentication)
	}
	return token, nil
}

// StaticVerifier maps tokens to user ids directly. Useful for tests and local
// single-instance setups without an identity provider.
type StaticVerifier map[string]string

func (v StaticVerifier) Verify(_ context.Context, token string) (string, error) {
	userId, ok := v[token]
	if !ok {
		return "", fmt.Errorf("%w: unknown token", types.ErrAuthentication)
	}
	return userId, nil
}
