// Package transport talks the interactsh HTTP protocol.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/rsclarke/oastrix-client/internal/api"
	"github.com/rsclarke/oastrix-client/internal/auth"
	"github.com/rsclarke/oastrix-client/internal/errdefs"
	"github.com/rsclarke/oastrix-client/internal/logging"
)

const (
	DefaultTimeout   = 15 * time.Second
	defaultUserAgent = "oastrix-client"
	maxResponseBytes = 32 << 20
)

// Options configure the HTTP transport. The zero value talks to BaseURL
// with system DNS, system roots and no proxy.
type Options struct {
	BaseURL    string
	Token      string
	Scheme     auth.Scheme
	Timeout    time.Duration
	Proxy      *url.URL
	Insecure   bool
	RootCAs    *x509.CertPool
	ServerIP   string
	Nameserver string
	UserAgent  string
	Logger     *zap.Logger
}

// HTTP is the resty-backed transport.
type HTTP struct {
	client *resty.Client
	logger *zap.Logger
}

// New builds a transport. It does not contact the server.
func New(opts Options) (*HTTP, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	logger := logging.OrNop(opts.Logger).With(logging.Component("transport"))

	rt, err := newRoundTripper(base.Hostname(), opts, logger)
	if err != nil {
		return nil, err
	}

	client := resty.NewWithClient(&http.Client{Transport: rt, Timeout: opts.Timeout}).
		SetBaseURL(base.String()).
		SetHeader("User-Agent", opts.UserAgent).
		SetHeader("Accept", "application/json").
		SetResponseBodyLimit(maxResponseBytes)
	if opts.Token != "" {
		client.SetHeader("Authorization", auth.HeaderValue(opts.Scheme, opts.Token))
	}

	return &HTTP{client: client, logger: logger}, nil
}

func newRoundTripper(serverHost string, opts Options, logger *zap.Logger) (*http.Transport, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		RootCAs:            opts.RootCAs,
		InsecureSkipVerify: opts.Insecure, //nolint:gosec
	}
	tr.Proxy = nil
	if opts.Proxy != nil {
		tr.Proxy = http.ProxyURL(opts.Proxy)
	}

	dialer := &net.Dialer{Timeout: opts.Timeout, KeepAlive: 30 * time.Second}
	switch {
	case opts.ServerIP != "":
		tr.DialContext = pinnedDial(dialer, serverHost, []string{opts.ServerIP})
		logger.Debug("pinning server address", logging.Host(serverHost), logging.Addr(opts.ServerIP))
	case opts.Nameserver != "":
		r, err := NewResolver(opts.Nameserver, opts.Timeout)
		if err != nil {
			return nil, err
		}
		tr.DialContext = resolvingDial(dialer, serverHost, r, logger)
	}
	return tr, nil
}

// pinnedDial replaces serverHost with addrs and leaves other hosts alone.
func pinnedDial(d *net.Dialer, serverHost string, addrs []string) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil || !strings.EqualFold(host, serverHost) {
			return d.DialContext(ctx, network, addr)
		}
		var lastErr error
		for _, ip := range addrs {
			conn, err := d.DialContext(ctx, network, net.JoinHostPort(ip, port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
}

func resolvingDial(d *net.Dialer, serverHost string, r *Resolver, logger *zap.Logger) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil || !strings.EqualFold(host, serverHost) {
			return d.DialContext(ctx, network, addr)
		}
		ips, err := r.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		logger.Debug("resolved server", logging.Host(host), logging.Nameserver(r.Nameserver), logging.Count(len(ips)))
		addrs := make([]string, len(ips))
		for i, ip := range ips {
			addrs[i] = ip.String()
		}
		return pinnedDial(d, serverHost, addrs)(ctx, network, addr)
	}
}

// Register posts the registration payload.
func (h *HTTP) Register(ctx context.Context, req api.RegisterRequest) error {
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post(api.PathRegister)
	if err != nil {
		return transportError(ctx, "register", err)
	}
	return h.check("register", resp)
}

// Poll fetches pending interactions. A 204 or empty body is an empty
// response, not an error.
func (h *HTTP) Poll(ctx context.Context, correlationID, secret string) (*api.PollResponse, error) {
	resp, err := h.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"id": correlationID, "secret": secret}).
		Get(api.PathPoll)
	if err != nil {
		return nil, transportError(ctx, "poll", err)
	}
	if err := h.check("poll", resp); err != nil {
		return nil, err
	}

	out := &api.PollResponse{}
	if resp.StatusCode() == http.StatusNoContent || len(strings.TrimSpace(string(resp.Body()))) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return nil, &errdefs.ServerRejectionError{
			Op:         "poll",
			StatusCode: resp.StatusCode(),
			Message:    fmt.Sprintf("malformed poll response: %v", err),
		}
	}
	return out, nil
}

// Deregister releases the correlation ID on the server.
func (h *HTTP) Deregister(ctx context.Context, req api.DeregisterRequest) error {
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post(api.PathDeregister)
	if err != nil {
		return transportError(ctx, "deregister", err)
	}
	return h.check("deregister", resp)
}

// Close releases idle connections.
func (h *HTTP) Close() {
	h.client.GetClient().CloseIdleConnections()
}

func (h *HTTP) check(op string, resp *resty.Response) error {
	h.logger.Debug("response",
		logging.Method(resp.Request.Method),
		logging.Path(redactURL(resp.Request.URL)),
		logging.Status(resp.StatusCode()),
		logging.Duration(resp.Time()),
	)
	if resp.StatusCode() >= http.StatusOK && resp.StatusCode() < http.StatusMultipleChoices {
		return nil
	}
	return &errdefs.ServerRejectionError{
		Op:         op,
		StatusCode: resp.StatusCode(),
		Message:    rejectionMessage(resp),
	}
}

func rejectionMessage(resp *resty.Response) string {
	var e api.ErrorResponse
	if err := json.Unmarshal(resp.Body(), &e); err == nil {
		if e.Error != "" {
			return e.Error
		}
		return http.StatusText(resp.StatusCode())
	}
	body := strings.TrimSpace(string(resp.Body()))
	if body == "" || len(body) > 512 {
		return http.StatusText(resp.StatusCode())
	}
	return body
}

// redactURL drops the query string, which carries the poll secret.
func redactURL(raw string) string {
	base, _, _ := strings.Cut(raw, "?")
	return base
}

func transportError(ctx context.Context, op string, err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		uerr.URL = redactURL(uerr.URL)
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}
	return &errdefs.TransportError{Op: op, Err: err}
}
