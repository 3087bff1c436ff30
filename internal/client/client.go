// Package client implements the interaction client lifecycle:
// Unregistered → Registered → Deregistered.
package client

import (
	"context"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/rsclarke/oastrix-client/internal/api"
	"github.com/rsclarke/oastrix-client/internal/errdefs"
	"github.com/rsclarke/oastrix-client/internal/keys"
	"github.com/rsclarke/oastrix-client/internal/logging"
	"github.com/rsclarke/oastrix-client/internal/payload"
)

// Transport moves wire payloads to and from an interaction server.
// transport.HTTP is the production implementation.
type Transport interface {
	Register(ctx context.Context, req api.RegisterRequest) error
	Poll(ctx context.Context, correlationID, secret string) (*api.PollResponse, error)
	Deregister(ctx context.Context, req api.DeregisterRequest) error
}

// State is the lifecycle position of a client.
type State int

const (
	StateUnregistered State = iota
	StateRegistered
	StateDeregistered
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateDeregistered:
		return "deregistered"
	default:
		return "unknown"
	}
}

// session is shared by the typed client handles. mu guards state and is
// held for the duration of every network call that depends on it.
type session struct {
	mu        sync.RWMutex
	state     State
	keys      *keys.Material
	transport Transport
	owned     interface{ Close() }
	decoder   *payload.Decoder
	server    *url.URL
	encoding  keys.SecretEncoding
	logger    *zap.Logger
}

func (s *session) invalid(op string) error {
	return &errdefs.InvalidStateError{Op: op, State: s.state.String()}
}

func (s *session) domain() string {
	return s.keys.Subdomain() + "." + s.server.Hostname()
}

// release wipes key material and drops an owned transport. Caller holds
// no lock; state must already be terminal.
func (s *session) release() {
	s.keys.Destroy()
	if s.owned != nil {
		s.owned.Close()
	}
}

// UnregisteredClient holds fresh key material that has not yet been
// announced to the server.
type UnregisteredClient struct {
	s *session
}

// Register announces the correlation ID and public key. On success the
// receiver is consumed and every later call on it fails with
// InvalidStateError. On failure it stays usable and Register may be
// retried.
func (c *UnregisteredClient) Register(ctx context.Context) (*RegisteredClient, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUnregistered {
		return nil, s.invalid("register")
	}

	req, err := s.keys.RegistrationPayload(s.encoding)
	if err != nil {
		return nil, err
	}
	if err := s.transport.Register(ctx, req); err != nil {
		s.logger.Warn("registration failed", zap.Error(err))
		return nil, err
	}

	s.state = StateRegistered
	s.logger.Info("registered", logging.Domain(s.domain()), logging.State(s.state.String()))
	return &RegisteredClient{s: s}, nil
}

// Close wipes the key material of a client that will never register.
// It is a no-op once Register has succeeded.
func (c *UnregisteredClient) Close() {
	s := c.s
	s.mu.Lock()
	if s.state != StateUnregistered {
		s.mu.Unlock()
		return
	}
	s.state = StateDeregistered
	s.mu.Unlock()
	s.release()
}

func (c *UnregisteredClient) State() State {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	return c.s.state
}

func (c *UnregisteredClient) CorrelationID() string { return c.s.keys.CorrelationID() }

// InteractionDomain is known before registration so payloads can be
// prepared early.
func (c *UnregisteredClient) InteractionDomain() string { return c.s.domain() }

// RegisteredClient polls for interactions until Deregister.
type RegisteredClient struct {
	s *session
}

// Poll fetches and decrypts pending interactions. Transport and server
// errors leave the client Registered. Decryption problems never fail the
// call; they are reported in Batch.Failures.
func (c *RegisteredClient) Poll(ctx context.Context) (*payload.Batch, error) {
	s := c.s
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != StateRegistered {
		return nil, s.invalid("poll")
	}

	secret, err := s.keys.Secret()
	if err != nil {
		return nil, err
	}
	resp, err := s.transport.Poll(ctx, s.keys.CorrelationID(), secret)
	if err != nil {
		s.logger.Debug("poll failed", zap.Error(err))
		return nil, err
	}

	batch := s.decoder.Decode(resp, s.keys)
	if batch.Len() > 0 {
		s.logger.Debug("poll", logging.Count(batch.Len()))
	}
	for _, f := range batch.Failures {
		s.logger.Warn("undecodable entry", logging.Stage(f.Stage), zap.Int("index", f.Index), zap.Error(f.Err))
	}
	return batch, nil
}

// Deregister releases the correlation ID. The client is Deregistered and
// its key material wiped whether or not the server call succeeds; the
// returned error only reports the server side.
func (c *RegisteredClient) Deregister(ctx context.Context) error {
	s := c.s
	s.mu.Lock()
	if s.state != StateRegistered {
		err := s.invalid("deregister")
		s.mu.Unlock()
		return err
	}
	s.state = StateDeregistered
	req, err := s.keys.DeregistrationPayload()
	s.mu.Unlock()
	defer s.release()

	if err != nil {
		return err
	}
	if err := s.transport.Deregister(ctx, req); err != nil {
		s.logger.Warn("deregistration failed", logging.State(StateDeregistered.String()), zap.Error(err))
		return err
	}
	s.logger.Info("deregistered")
	return nil
}

func (c *RegisteredClient) State() State {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	return c.s.state
}

func (c *RegisteredClient) CorrelationID() string { return c.s.keys.CorrelationID() }

// InteractionDomain is <subdomain>.<server host>.
func (c *RegisteredClient) InteractionDomain() string { return c.s.domain() }

// URL is the HTTPS form of InteractionDomain.
func (c *RegisteredClient) URL() string { return "https://" + c.s.domain() }

// Server returns the interaction server base URL.
func (c *RegisteredClient) Server() string { return c.s.server.String() }
