package audit

import (
	"context"

	"github.com/google/uuid"
)

type cycleKey struct{}

// WithCycle tags ctx with the id of the current loop iteration.
func WithCycle(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, cycleKey{}, id)
}

// CycleFrom returns the iteration id carried by ctx, or uuid.Nil.
func CycleFrom(ctx context.Context) uuid.UUID {
	if ctx == nil {
		return uuid.Nil
	}
	id, _ := ctx.Value(cycleKey{}).(uuid.UUID)
	return id
}
