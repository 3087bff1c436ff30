package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rsclarke/oastrix-client/internal/errdefs"
	"github.com/rsclarke/oastrix-client/internal/payload"
	"github.com/rsclarke/oastrix-client/internal/stub"
)

func TestWatchDeliversBatches(t *testing.T) {
	h := newHarness(t)
	c := h.register(t, h.builder())
	require.NoError(t, h.stub.InjectInteraction(c.CorrelationID(), dnsInteraction("first")))

	var got []*payload.Batch
	err := c.Watch(context.Background(), 10*time.Millisecond, func(_ context.Context, b *payload.Batch) error {
		got = append(got, b)
		if len(got) == 1 {
			return h.stub.InjectInteraction(c.CorrelationID(), dnsInteraction("second"))
		}
		return ErrStopWatch
	})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Interactions()[0].UniqueID)
	assert.Equal(t, "second", got[1].Interactions()[0].UniqueID)
	assert.Equal(t, StateRegistered, c.State(), "Watch must not deregister")
}

func TestWatchRetriesTransientErrors(t *testing.T) {
	h := newHarness(t)
	c := h.register(t, h.builder())
	h.spy.pollErr = []error{
		&errdefs.TransportError{Op: "poll", Err: errors.New("connection reset")},
		&errdefs.ServerRejectionError{Op: "poll", StatusCode: http.StatusServiceUnavailable},
	}
	require.NoError(t, h.stub.InjectInteraction(c.CorrelationID(), dnsInteraction("late")))

	calls := 0
	err := c.Watch(context.Background(), 5*time.Millisecond, func(_ context.Context, b *payload.Batch) error {
		calls++
		return ErrStopWatch
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 3, h.spy.Calls("poll"))
}

func TestWatchStopsOnFatalErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"unauthorized", &errdefs.ServerRejectionError{Op: "poll", StatusCode: http.StatusUnauthorized}},
		{"unknown correlation id", &errdefs.ServerRejectionError{Op: "poll", StatusCode: http.StatusBadRequest}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			c := h.register(t, h.builder())
			h.spy.pollErr = []error{tt.err}

			err := c.Watch(context.Background(), time.Millisecond, func(context.Context, *payload.Batch) error {
				t.Error("no batch expected")
				return nil
			})
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, 1, h.spy.Calls("poll"))
		})
	}
}

func TestWatchCallbackError(t *testing.T) {
	h := newHarness(t)
	c := h.register(t, h.builder())
	require.NoError(t, h.stub.InjectInteraction(c.CorrelationID(), dnsInteraction("x")))

	boom := errors.New("sink closed")
	err := c.Watch(context.Background(), time.Millisecond, func(context.Context, *payload.Batch) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestWatchContextCancel(t *testing.T) {
	h := newHarness(t)
	c := h.register(t, h.builder())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.Watch(ctx, 5*time.Millisecond, func(context.Context, *payload.Batch) error {
		t.Error("empty polls must not reach the callback")
		return nil
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.GreaterOrEqual(t, h.spy.Calls("poll"), 2)
}

func TestWatchInvalid(t *testing.T) {
	h := newHarness(t)
	c := h.register(t, h.builder())

	var fe *errdefs.FieldError
	err := c.Watch(context.Background(), 0, nil)
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "poll_interval", fe.Field)

	require.NoError(t, c.Deregister(context.Background()))
	err = c.Watch(context.Background(), time.Millisecond, nil)
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)
	assert.Zero(t, h.spy.Calls("poll"))
}

func TestWatchKeepsSecretOutOfLogs(t *testing.T) {
	s := stub.New()
	s.Start()
	core, logs := observer.New(zap.DebugLevel)

	u, err := NewBuilder().
		WithServer(s.URL()).
		WithTimeout(time.Second).
		WithLogger(zap.New(core)).
		Build()
	require.NoError(t, err)
	c, err := u.Register(context.Background())
	require.NoError(t, err)
	secret, err := c.s.keys.Secret()
	require.NoError(t, err)

	_, err = c.Poll(context.Background())
	require.NoError(t, err)

	s.Close()
	_, err = c.Poll(context.Background())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), secret)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Watch(ctx, 10*time.Millisecond, func(context.Context, *payload.Batch) error {
		t.Error("no batch expected")
		return nil
	}))

	require.NotZero(t, logs.FilterMessage("poll error").Len())
	for _, entry := range logs.All() {
		assert.NotContains(t, entry.Message, secret)
		for k, v := range entry.ContextMap() {
			assert.NotContains(t, fmt.Sprint(v), secret, "log %q field %q", entry.Message, k)
		}
	}
}
