package client

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/oastrix-client/internal/errdefs"
	"github.com/rsclarke/oastrix-client/internal/logging"
	"github.com/rsclarke/oastrix-client/internal/payload"
)

// ErrStopWatch ends Watch without an error when returned by a WatchFunc.
var ErrStopWatch = errors.New("stop watching")

// WatchFunc receives every non-empty batch.
type WatchFunc func(ctx context.Context, batch *payload.Batch) error

// Watch polls immediately and then every interval until ctx is done, fn
// returns an error, or the server refuses the session. Transient transport
// and server failures are logged and retried on the next tick. Watch does
// not deregister.
func (c *RegisteredClient) Watch(ctx context.Context, interval time.Duration, fn WatchFunc) error {
	if interval <= 0 {
		return &errdefs.FieldError{Field: "poll_interval", Reason: "must be positive"}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := c.pollOnce(ctx, fn); err != nil {
			if errors.Is(err, ErrStopWatch) {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *RegisteredClient) pollOnce(ctx context.Context, fn WatchFunc) error {
	batch, err := c.Poll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if fatalPollError(err) {
			return err
		}
		c.s.logger.Warn("poll error", zap.Error(err))
		return nil
	}
	if batch.Empty() {
		return nil
	}
	c.s.logger.Debug("batch", logging.Count(batch.Len()), logging.Failures(len(batch.Failures)))
	return fn(ctx, batch)
}

// fatalPollError reports errors that no retry can fix: a terminal client,
// a refused token, or a server that no longer knows the correlation ID.
func fatalPollError(err error) bool {
	if errors.Is(err, errdefs.ErrInvalidState) {
		return true
	}
	var rej *errdefs.ServerRejectionError
	if errors.As(err, &rej) {
		return rej.Unauthorized() || rej.StatusCode == http.StatusBadRequest
	}
	return false
}
