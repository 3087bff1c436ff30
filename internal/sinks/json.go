package sinks

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/rsclarke/oastrix-client/internal/errdefs"
	"github.com/rsclarke/oastrix-client/internal/events"
)

// JSONSink writes one JSON document per line.
type JSONSink struct {
	mu sync.Mutex
	w  *bufio.Writer
	// Failures also writes undecodable entries as {"error": ...} records.
	Failures bool
}

func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{w: bufio.NewWriter(w)}
}

func (s *JSONSink) ID() string { return "json" }

type jsonRecord struct {
	CorrelationID string              `json:"correlation-id"`
	Domain        string              `json:"domain"`
	Source        string              `json:"source"`
	ReceivedAt    time.Time           `json:"received-at"`
	Interaction   *events.Interaction `json:"interaction,omitempty"`
	Raw           json.RawMessage     `json:"raw,omitempty"`
	RawText       string              `json:"raw-text,omitempty"`
}

type jsonFailure struct {
	Error  string `json:"error"`
	Stage  string `json:"stage"`
	Source string `json:"source"`
	Index  int    `json:"index"`
	Raw    string `json:"raw,omitempty"`
}

func (s *JSONSink) OnInteraction(_ context.Context, e *Event) error {
	rec := jsonRecord{
		CorrelationID: e.CorrelationID,
		Domain:        e.Domain,
		Source:        e.Source,
		ReceivedAt:    e.ReceivedAt.UTC(),
		Interaction:   e.Interaction,
	}
	if e.Interaction == nil {
		if json.Valid([]byte(e.Raw)) {
			rec.Raw = json.RawMessage(e.Raw)
		} else {
			rec.RawText = e.Raw
		}
	}
	return s.write(rec)
}

func (s *JSONSink) OnFailure(_ context.Context, f *errdefs.DecryptionError) error {
	if !s.Failures {
		return nil
	}
	return s.write(jsonFailure{
		Error:  f.Err.Error(),
		Stage:  f.Stage,
		Source: f.Source,
		Index:  f.Index,
		Raw:    f.Raw,
	})
}

func (s *JSONSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

func (s *JSONSink) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	return s.w.WriteByte('\n')
}
