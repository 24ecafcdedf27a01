package shortener

import (
	"context"
	"fmt"

	"github.com/joshdurbin/linkbottle/internal/domain"
)

// Allocator finds a code that no record currently uses. The code is not reserved;
// the store's unique constraint decides races between concurrent allocators.
type Allocator struct {
	generator   Generator
	checker     CodeChecker
	maxAttempts int
}

// NewAllocator creates an allocator over the given generator and checker
func NewAllocator(generator Generator, checker CodeChecker, maxAttempts int) *Allocator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultConfig().MaxAttempts
	}
	return &Allocator{
		generator:   generator,
		checker:     checker,
		maxAttempts: maxAttempts,
	}
}

// Allocate returns an unused code or domain.ErrCodeSpaceExhausted after maxAttempts collisions
func (a *Allocator) Allocate(ctx context.Context) (string, error) {
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		code, err := a.generator.GenerateShortCode()
		if err != nil {
			return "", fmt.Errorf("failed to generate short code: %w", err)
		}

		taken, err := a.checker.CodeTaken(ctx, code)
		if err != nil {
			return "", fmt.Errorf("failed to check short code: %w", err)
		}
		if !taken {
			return code, nil
		}
	}

	return "", fmt.Errorf("%w after %d attempts", domain.ErrCodeSpaceExhausted, a.maxAttempts)
}

// Type returns the type of the underlying generator
func (a *Allocator) Type() string {
	return a.generator.Type()
}
