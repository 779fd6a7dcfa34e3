package factory

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Token is the handle minted by TokenFactory.
type Token struct {
	ID       string
	IssuedAt time.Time
}

// TokenFactory mints opaque capacity tokens. It backs pure
// concurrency-limiting deployments: the pool bounds how many callers hold
// a token at once, and the token itself carries no external resource.
type TokenFactory struct{}

func NewToken() *TokenFactory {
	return &TokenFactory{}
}

func (f *TokenFactory) Create(_ context.Context) (any, error) {
	return &Token{
		ID:       uuid.NewString(),
		IssuedAt: time.Now(),
	}, nil
}

func (f *TokenFactory) Destroy(_ any) error {
	return nil
}

var _ Factory = (*TokenFactory)(nil)
