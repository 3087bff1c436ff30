package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsclarke/oastrix-client/internal/api"
	"github.com/rsclarke/oastrix-client/internal/errdefs"
	"github.com/rsclarke/oastrix-client/internal/events"
	"github.com/rsclarke/oastrix-client/internal/keys"
	"github.com/rsclarke/oastrix-client/internal/stub"
	"github.com/rsclarke/oastrix-client/internal/transport"
)

const override = "abc123def456ghi789jkl"

type harness struct {
	stub *stub.Server
	spy  *spyTransport
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := stub.New()
	s.Start()
	t.Cleanup(s.Close)

	h, err := transport.New(transport.Options{BaseURL: s.URL(), Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(h.Close)

	return &harness{stub: s, spy: newSpy(h)}
}

func (h *harness) builder() *Builder {
	return NewBuilder().
		WithServer("https://example-oast.test").
		WithTransport(h.spy)
}

func (h *harness) register(t *testing.T, b *Builder) *RegisteredClient {
	t.Helper()
	u, err := b.Build()
	require.NoError(t, err)
	c, err := u.Register(context.Background())
	require.NoError(t, err)
	return c
}

func dnsInteraction(id string) *events.Interaction {
	return &events.Interaction{
		Protocol:      events.ProtocolDNS,
		UniqueID:      id,
		FullID:        id,
		QType:         "A",
		RemoteAddress: "192.0.2.10",
		Timestamp:     time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
	}
}

func TestEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	u, err := h.builder().WithSubdomain(override).Build()
	require.NoError(t, err)
	assert.Equal(t, StateUnregistered, u.State())
	assert.Equal(t, override+".example-oast.test", u.InteractionDomain())
	assert.Equal(t, "abc123def456ghi789jk", u.CorrelationID())
	assert.Zero(t, h.spy.Total(), "Build must not contact the server")

	c, err := u.Register(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateRegistered, c.State())
	assert.Equal(t, override+".example-oast.test", c.InteractionDomain())
	assert.Equal(t, "https://"+override+".example-oast.test", c.URL())
	assert.Equal(t, "https://example-oast.test", c.Server())
	assert.True(t, h.stub.Registered(c.CorrelationID()))

	batch, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, batch.Empty())

	require.NoError(t, h.stub.InjectInteraction(c.CorrelationID(), dnsInteraction(override)))
	batch, err = c.Poll(ctx)
	require.NoError(t, err)
	require.Empty(t, batch.Failures)
	require.Len(t, batch.Entries, 1)
	got := batch.Entries[0].Interaction
	assert.Equal(t, events.ProtocolDNS, got.Protocol)
	assert.Equal(t, "192.0.2.10", got.RemoteAddress)

	require.NoError(t, c.Deregister(ctx))
	assert.Equal(t, StateDeregistered, c.State())
	assert.False(t, h.stub.Registered(c.CorrelationID()))
	assert.True(t, c.s.keys.Destroyed())
}

func TestRegisterConsumesUnregistered(t *testing.T) {
	h := newHarness(t)
	u, err := h.builder().Build()
	require.NoError(t, err)

	_, err = u.Register(context.Background())
	require.NoError(t, err)
	calls := h.spy.Total()

	_, err = u.Register(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)
	var serr *errdefs.InvalidStateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "register", serr.Op)
	assert.Equal(t, "registered", serr.State)
	assert.Equal(t, calls, h.spy.Total())
}

func TestRegisterFailureIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.spy.registerErr = []error{&errdefs.TransportError{Op: "register", Err: errors.New("connection reset")}}
	h.stub.FailNext(api.PathRegister, http.StatusServiceUnavailable, "busy", 1)

	u, err := h.builder().Build()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = u.Register(ctx)
	var terr *errdefs.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, StateUnregistered, u.State())

	_, err = u.Register(ctx)
	var rej *errdefs.ServerRejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, http.StatusServiceUnavailable, rej.StatusCode)
	assert.Equal(t, StateUnregistered, u.State())

	c, err := u.Register(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateRegistered, c.State())
	assert.Equal(t, 3, h.spy.Calls("register"))
}

func TestPollErrorsKeepRegistered(t *testing.T) {
	h := newHarness(t)
	c := h.register(t, h.builder())

	h.spy.pollErr = []error{&errdefs.TransportError{Op: "poll", Err: errors.New("timeout")}}
	_, err := c.Poll(context.Background())
	var terr *errdefs.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, StateRegistered, c.State())

	h.stub.FailNext(api.PathPoll, http.StatusUnauthorized, "unauthorized", 1)
	_, err = c.Poll(context.Background())
	var rej *errdefs.ServerRejectionError
	require.ErrorAs(t, err, &rej)
	assert.True(t, rej.Unauthorized())
	assert.Equal(t, StateRegistered, c.State())

	_, err = c.Poll(context.Background())
	assert.NoError(t, err)
}

func TestPollWrongKey(t *testing.T) {
	h := newHarness(t)
	c := h.register(t, h.builder())

	require.NoError(t, h.stub.InjectInteraction(c.CorrelationID(), dnsInteraction("x")))
	require.NoError(t, h.stub.CorruptNextKey(c.CorrelationID()))

	batch, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, batch.Entries)
	require.Len(t, batch.Failures, 1)
	assert.Equal(t, errdefs.StageKey, batch.Failures[0].Stage)
	assert.Equal(t, StateRegistered, c.State())
}

func TestPollRawAndPlaintextArrays(t *testing.T) {
	h := newHarness(t)
	c := h.register(t, h.builder().WithParseLogs(false))

	require.NoError(t, h.stub.Inject(c.CorrelationID(), []byte(`{"protocol":"http","note":"raw"}`)))
	require.NoError(t, h.stub.InjectTLD(c.CorrelationID(), `{"protocol":"dns","timestamp":"2024-01-01T00:00:00Z"}`))

	batch, err := c.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Entries, 2)
	assert.Equal(t, `{"protocol":"http","note":"raw"}`, batch.Entries[0].Raw)
	assert.Nil(t, batch.Entries[0].Interaction)
	assert.Equal(t, "tlddata", batch.Entries[1].Source)
}

func TestDeregisterAlwaysTerminal(t *testing.T) {
	h := newHarness(t)
	c := h.register(t, h.builder())
	h.spy.deregisterErr = &errdefs.TransportError{Op: "deregister", Err: errors.New("unreachable")}

	err := c.Deregister(context.Background())
	var terr *errdefs.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, StateDeregistered, c.State())
	assert.True(t, c.s.keys.Destroyed())
}

func TestDeregisteredMakesNoCalls(t *testing.T) {
	h := newHarness(t)
	c := h.register(t, h.builder())
	require.NoError(t, c.Deregister(context.Background()))
	calls := h.spy.Total()

	_, err := c.Poll(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)
	err = c.Deregister(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)

	assert.Equal(t, calls, h.spy.Total())
	assert.Zero(t, h.stub.Calls(api.PathPoll))
}

func TestCloseUnregistered(t *testing.T) {
	h := newHarness(t)
	u, err := h.builder().Build()
	require.NoError(t, err)

	u.Close()
	u.Close()
	assert.Equal(t, StateDeregistered, u.State())
	assert.True(t, u.s.keys.Destroyed())

	_, err = u.Register(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)
	assert.Zero(t, h.spy.Total())
}

func TestCloseAfterRegisterIsNoop(t *testing.T) {
	h := newHarness(t)
	u, err := h.builder().Build()
	require.NoError(t, err)
	c, err := u.Register(context.Background())
	require.NoError(t, err)

	u.Close()
	assert.Equal(t, StateRegistered, c.State())
	_, err = c.Poll(context.Background())
	assert.NoError(t, err)
}

func TestConcurrentPollAndDeregister(t *testing.T) {
	h := newHarness(t)
	c := h.register(t, h.builder())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Poll(ctx)
			errs <- err
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = c.Deregister(ctx)
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, errdefs.ErrInvalidState)
		}
	}
	assert.Equal(t, StateDeregistered, c.State())
	assert.Equal(t, 1, h.spy.Calls("deregister"))
}

func TestPollContextCancelled(t *testing.T) {
	h := newHarness(t)
	c := h.register(t, h.builder())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Poll(ctx)
	var terr *errdefs.TransportError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateRegistered, c.State())
}

func TestSecretEncoding(t *testing.T) {
	h := newHarness(t)

	for _, enc := range []keys.SecretEncoding{keys.SecretPlain, keys.SecretSHA256} {
		t.Run(enc.String(), func(t *testing.T) {
			c := h.register(t, h.builder().WithSecretEncoding(enc))
			stored, ok := h.stub.SessionSecret(c.CorrelationID())
			require.True(t, ok)
			if enc == keys.SecretSHA256 {
				assert.Len(t, stored, 64)
			}

			require.NoError(t, h.stub.InjectInteraction(c.CorrelationID(), dnsInteraction("y")))
			batch, err := c.Poll(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, batch.Len())
			require.NoError(t, c.Deregister(context.Background()))
		})
	}
}

func TestOwnedTransport(t *testing.T) {
	s := stub.New()
	s.Token = "tok"
	s.Start()
	t.Cleanup(s.Close)

	u, err := NewBuilder().
		WithServer(s.URL()).
		WithBearerToken("tok").
		WithTimeout(5 * time.Second).
		Build()
	require.NoError(t, err)

	c, err := u.Register(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.InjectInteraction(c.CorrelationID(), dnsInteraction("z")))

	batch, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Len(t, batch.Interactions(), 1)
	require.NoError(t, c.Deregister(context.Background()))
	assert.Equal(t, 3, s.TotalCalls())
}
