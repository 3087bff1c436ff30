package sinks

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// TextSink prints a human-readable line per interaction. Verbose adds the
// raw request and response.
type TextSink struct {
	mu      sync.Mutex
	w       io.Writer
	Verbose bool
}

func NewTextSink(w io.Writer, verbose bool) *TextSink {
	return &TextSink{w: w, Verbose: verbose}
}

func (s *TextSink) ID() string { return "text" }

func (s *TextSink) OnInteraction(_ context.Context, e *Event) error {
	var b strings.Builder
	if e.Interaction == nil {
		fmt.Fprintf(&b, "[%s] Raw %s entry: %s\n", e.CorrelationID, e.Source, e.Raw)
	} else {
		i := e.Interaction
		ts := i.Timestamp
		if ts.IsZero() {
			ts = e.ReceivedAt
		}
		fmt.Fprintf(&b, "[%s] %s at %s\n", i.FullID, i.Summary(), ts.UTC().Format(time.RFC3339))
		if s.Verbose {
			writeBlock(&b, "Request", i.RawRequest)
			writeBlock(&b, "Response", i.RawResponse)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, b.String())
	return err
}

func writeBlock(b *strings.Builder, title, body string) {
	body = strings.TrimRight(body, "\r\n")
	if body == "" {
		return
	}
	fmt.Fprintf(b, "---- %s ----\n%s\n", title, body)
}
