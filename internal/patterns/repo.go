package patterns

import (
	"context"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
)

// StoreFunc adapts a function to the Store interface.
type StoreFunc func(ctx context.Context, patterns []models.OutbreakPattern) error

// StorePatterns implements Store.
func (f StoreFunc) StorePatterns(ctx context.Context, patterns []models.OutbreakPattern) error {
	return f(ctx, patterns)
}
