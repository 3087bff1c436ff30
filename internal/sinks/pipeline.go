package sinks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/oastrix-client/internal/logging"
	"github.com/rsclarke/oastrix-client/internal/payload"
)

// Pipeline runs sink hooks in order: Filter → Interaction, then Failure,
// then Flush. A failing hook is logged and never stops the others.
type Pipeline struct {
	sinks        []Sink
	filter       []FilterHook
	interactions []InteractionHook
	failures     []FailureHook
	flush        []FlushHook
	logger       *zap.Logger
	now          func() time.Time
}

// NewPipeline creates a new Pipeline with the given logger.
func NewPipeline(logger *zap.Logger) *Pipeline {
	return &Pipeline{
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

// Register detects which hook interfaces a sink implements and adds it to
// the matching lists.
func (p *Pipeline) Register(sink Sink) {
	p.sinks = append(p.sinks, sink)
	if hook, ok := sink.(FilterHook); ok {
		p.filter = append(p.filter, hook)
	}
	if hook, ok := sink.(InteractionHook); ok {
		p.interactions = append(p.interactions, hook)
	}
	if hook, ok := sink.(FailureHook); ok {
		p.failures = append(p.failures, hook)
	}
	if hook, ok := sink.(FlushHook); ok {
		p.flush = append(p.flush, hook)
	}
}

// IDs lists registered sinks in registration order.
func (p *Pipeline) IDs() []string {
	ids := make([]string, 0, len(p.sinks))
	for _, s := range p.sinks {
		ids = append(ids, s.ID())
	}
	return ids
}

// Process delivers one batch and returns how many events reached the
// interaction hooks.
func (p *Pipeline) Process(ctx context.Context, correlationID, domain string, batch *payload.Batch) int {
	if batch == nil {
		return 0
	}
	received := p.now()
	delivered := 0

	for _, entry := range batch.Entries {
		e := &Event{Entry: entry, CorrelationID: correlationID, Domain: domain, ReceivedAt: received}

		for _, hook := range p.filter {
			if err := hook.OnFilter(ctx, e); err != nil {
				p.logger.Warn("filter hook error",
					zap.String("sink", sinkID(hook)),
					zap.Error(err))
			}
		}
		if e.Drop {
			continue
		}

		for _, hook := range p.interactions {
			if err := hook.OnInteraction(ctx, e); err != nil {
				p.logger.Warn("interaction hook error",
					zap.String("sink", sinkID(hook)),
					zap.Error(err))
			}
		}
		delivered++
	}

	for _, f := range batch.Failures {
		for _, hook := range p.failures {
			if err := hook.OnFailure(ctx, f); err != nil {
				p.logger.Warn("failure hook error",
					zap.String("sink", sinkID(hook)),
					zap.Error(err))
			}
		}
	}

	p.Flush()
	return delivered
}

// Flush runs every FlushHook.
func (p *Pipeline) Flush() {
	for _, hook := range p.flush {
		if err := hook.Flush(); err != nil {
			p.logger.Warn("flush error",
				zap.String("sink", sinkID(hook)),
				zap.Error(err))
		}
	}
}

func sinkID(hook any) string {
	if s, ok := hook.(Sink); ok {
		return s.ID()
	}
	return "unknown"
}
