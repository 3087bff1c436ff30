package sinks

import (
	"context"
	"slices"

	"github.com/rsclarke/oastrix-client/internal/events"
)

// ProtocolFilter drops interactions whose protocol is not listed. Raw
// entries have no protocol and are dropped unless KeepRaw is set.
type ProtocolFilter struct {
	allow   []events.Protocol
	KeepRaw bool
}

// NewProtocolFilter accepts wire protocol names; unknown names map to
// events.ProtocolOther.
func NewProtocolFilter(protocols ...string) *ProtocolFilter {
	f := &ProtocolFilter{}
	for _, p := range protocols {
		proto := events.ParseProtocol(p)
		if !slices.Contains(f.allow, proto) {
			f.allow = append(f.allow, proto)
		}
	}
	return f
}

func (f *ProtocolFilter) ID() string { return "protocol-filter" }

// Allows reports whether p passes the filter. An empty filter allows all.
func (f *ProtocolFilter) Allows(p events.Protocol) bool {
	return len(f.allow) == 0 || slices.Contains(f.allow, p)
}

func (f *ProtocolFilter) OnFilter(_ context.Context, e *Event) error {
	if e.Interaction == nil {
		if !f.KeepRaw && len(f.allow) > 0 {
			e.Drop = true
		}
		return nil
	}
	if !f.Allows(e.Interaction.Protocol) {
		e.Drop = true
	}
	return nil
}
