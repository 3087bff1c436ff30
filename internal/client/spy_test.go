package client

import (
	"context"
	"sync"

	"github.com/rsclarke/oastrix-client/internal/api"
)

// spyTransport counts calls and optionally forwards to next.
type spyTransport struct {
	next Transport

	mu            sync.Mutex
	calls         map[string]int
	registerErr   []error
	pollErr       []error
	deregisterErr error
	pollResp      *api.PollResponse
	lastRegister  api.RegisterRequest
	lastPollID    string
}

func newSpy(next Transport) *spyTransport {
	return &spyTransport{next: next, calls: make(map[string]int)}
}

func (s *spyTransport) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *spyTransport) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *spyTransport) Register(ctx context.Context, req api.RegisterRequest) error {
	s.mu.Lock()
	s.calls["register"]++
	s.lastRegister = req
	var err error
	if len(s.registerErr) > 0 {
		err, s.registerErr = s.registerErr[0], s.registerErr[1:]
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if s.next != nil {
		return s.next.Register(ctx, req)
	}
	return nil
}

func (s *spyTransport) Poll(ctx context.Context, correlationID, secret string) (*api.PollResponse, error) {
	s.mu.Lock()
	s.calls["poll"]++
	s.lastPollID = correlationID
	var err error
	if len(s.pollErr) > 0 {
		err, s.pollErr = s.pollErr[0], s.pollErr[1:]
	}
	resp := s.pollResp
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if s.next != nil {
		return s.next.Poll(ctx, correlationID, secret)
	}
	if resp == nil {
		resp = &api.PollResponse{}
	}
	return resp, nil
}

func (s *spyTransport) Deregister(ctx context.Context, req api.DeregisterRequest) error {
	s.mu.Lock()
	s.calls["deregister"]++
	err := s.deregisterErr
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if s.next != nil {
		return s.next.Deregister(ctx, req)
	}
	return nil
}
