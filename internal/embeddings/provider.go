package embeddings

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by providers that cannot embed text.
var ErrUnsupported = errors.New("embeddings are not supported")

// Provider turns text into a vector. The memory store accepts one so
// callers can wire it early, but ranking is full-text only.
type Provider interface {
	Name() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Disabled is the provider used when none is configured.
type Disabled struct{}

func (Disabled) Name() string { return "disabled" }

func (Disabled) Embed(context.Context, string) ([]float32, error) {
	return nil, ErrUnsupported
}
