// Package sinks delivers polled interactions to their outputs through a
// capability-detected hook pipeline.
package sinks

import (
	"context"
	"time"

	"github.com/rsclarke/oastrix-client/internal/errdefs"
	"github.com/rsclarke/oastrix-client/internal/events"
	"github.com/rsclarke/oastrix-client/internal/payload"
)

// Sink is the base interface every sink implements.
type Sink interface {
	ID() string
}

// Event is one decoded entry together with the identity it arrived for.
type Event struct {
	payload.Entry
	CorrelationID string
	Domain        string
	ReceivedAt    time.Time
	// Drop stops delivery to InteractionHooks.
	Drop bool
}

// Protocol returns the interaction protocol, or "" for raw entries.
func (e *Event) Protocol() events.Protocol {
	if e.Interaction == nil {
		return ""
	}
	return e.Interaction.Protocol
}

// FilterHook runs before delivery and may set Event.Drop.
type FilterHook interface {
	OnFilter(ctx context.Context, e *Event) error
}

// InteractionHook receives every event that was not dropped.
type InteractionHook interface {
	OnInteraction(ctx context.Context, e *Event) error
}

// FailureHook receives entries that could not be decrypted or parsed.
type FailureHook interface {
	OnFailure(ctx context.Context, f *errdefs.DecryptionError) error
}

// FlushHook is called after each batch.
type FlushHook interface {
	Flush() error
}
