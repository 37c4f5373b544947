// Package events publishes analytics records of committed pool mutations.
package events

import (
	"context"

	"github.com/atmx/unstake-engine/internal/model"
)

// Publisher emits events after a mutation has committed. Publishing is
// best effort: a failure never undoes the mutation.
type Publisher interface {
	PublishUnstake(ctx context.Context, ev model.UnstakeEvent) error
	PublishPool(ctx context.Context, p model.Pool) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishUnstake(context.Context, model.UnstakeEvent) error { return nil }
func (Nop) PublishPool(context.Context, model.Pool) error            { return nil }
func (Nop) Close() error                                             { return nil }
