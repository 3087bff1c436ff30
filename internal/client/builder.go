package client

import (
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rsclarke/oastrix-client/internal/auth"
	"github.com/rsclarke/oastrix-client/internal/crypto"
	"github.com/rsclarke/oastrix-client/internal/errdefs"
	"github.com/rsclarke/oastrix-client/internal/keys"
	"github.com/rsclarke/oastrix-client/internal/logging"
	"github.com/rsclarke/oastrix-client/internal/payload"
	"github.com/rsclarke/oastrix-client/internal/transport"
)

// DefaultServers are the public interactsh servers.
var DefaultServers = []string{
	"oast.pro",
	"oast.live",
	"oast.site",
	"oast.online",
	"oast.fun",
	"oast.me",
}

// Builder collects client options. Nothing is validated until Build, which
// reports every problem at once.
type Builder struct {
	server     string
	token      string
	bearer     string
	correlate  keys.CorrelationConfig
	keyBits    int
	parseLogs  bool
	provider   crypto.Provider
	encoding   keys.SecretEncoding
	transport  Transport
	proxy      string
	timeout    time.Duration
	timeoutSet bool
	insecure   bool
	rootCAs    *x509.CertPool
	nameserver string
	serverIP   string
	userAgent  string
	logger     *zap.Logger
}

// NewBuilder returns a builder with defaults and no server.
func NewBuilder() *Builder {
	return &Builder{
		correlate: keys.DefaultCorrelationConfig(),
		keyBits:   keys.DefaultKeyBits,
		parseLogs: true,
		provider:  crypto.Default(),
		encoding:  keys.SecretPlain,
		timeout:   transport.DefaultTimeout,
	}
}

// NewDefaultBuilder is NewBuilder pointed at a random public server.
func NewDefaultBuilder() *Builder {
	return NewBuilder().WithServer("https://" + RandomServer())
}

// RandomServer picks one of DefaultServers.
func RandomServer() string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(DefaultServers))))
	if err != nil {
		return DefaultServers[0]
	}
	return DefaultServers[n.Int64()]
}

// WithServer sets the server URL. A bare host implies https.
func (b *Builder) WithServer(server string) *Builder {
	b.server = server
	return b
}

// WithAuthToken sends token verbatim in the Authorization header.
func (b *Builder) WithAuthToken(token string) *Builder {
	b.token = token
	return b
}

// WithBearerToken sends "Bearer <token>".
func (b *Builder) WithBearerToken(token string) *Builder {
	b.bearer = token
	return b
}

// WithSubdomain replaces the random subdomain. The correlation ID becomes
// its prefix.
func (b *Builder) WithSubdomain(subdomain string) *Builder {
	b.correlate.SubdomainOverride = subdomain
	return b
}

// WithCorrelationLengths sets the subdomain and correlation ID lengths.
func (b *Builder) WithCorrelationLengths(subdomain, correlationID int) *Builder {
	b.correlate.SubdomainLength = subdomain
	b.correlate.CorrelationIDLength = correlationID
	return b
}

func (b *Builder) WithKeyBits(bits int) *Builder {
	b.keyBits = bits
	return b
}

// WithParseLogs toggles typed interactions versus raw JSON entries.
func (b *Builder) WithParseLogs(parse bool) *Builder {
	b.parseLogs = parse
	return b
}

func (b *Builder) WithProvider(p crypto.Provider) *Builder {
	b.provider = p
	return b
}

func (b *Builder) WithSecretEncoding(enc keys.SecretEncoding) *Builder {
	b.encoding = enc
	return b
}

// WithTransport injects a transport. The client never closes it, and no
// other transport option may be set alongside it.
func (b *Builder) WithTransport(t Transport) *Builder {
	b.transport = t
	return b
}

// WithProxy routes requests through an http, https or socks5 proxy.
func (b *Builder) WithProxy(proxy string) *Builder {
	b.proxy = proxy
	return b
}

func (b *Builder) WithTimeout(d time.Duration) *Builder {
	b.timeout = d
	b.timeoutSet = true
	return b
}

func (b *Builder) WithInsecureSkipVerify(insecure bool) *Builder {
	b.insecure = insecure
	return b
}

func (b *Builder) WithRootCAs(pool *x509.CertPool) *Builder {
	b.rootCAs = pool
	return b
}

// WithNameserver resolves the server host through addr instead of the
// system resolver.
func (b *Builder) WithNameserver(addr string) *Builder {
	b.nameserver = addr
	return b
}

// WithServerIP connects to ip for the server host, skipping DNS.
func (b *Builder) WithServerIP(ip string) *Builder {
	b.serverIP = ip
	return b
}

func (b *Builder) WithUserAgent(ua string) *Builder {
	b.userAgent = ua
	return b
}

func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// Build validates the options, generates key material and returns an
// unregistered client. It does not contact the server.
func (b *Builder) Build() (*UnregisteredClient, error) {
	server, err := b.validate()
	if err != nil {
		return nil, &errdefs.ConfigurationError{Err: err}
	}

	material, err := keys.Generate(b.keyBits, b.correlate)
	if err != nil {
		return nil, err
	}

	logger := logging.OrNop(b.logger).With(
		logging.Component("client"),
		logging.Server(server.String()),
		logging.CorrelationID(material.CorrelationID()),
	)

	s := &session{
		state:    StateUnregistered,
		keys:     material,
		decoder:  payload.New(b.provider, b.parseLogs),
		server:   server,
		encoding: b.encoding,
		logger:   logger,
	}

	if b.transport != nil {
		s.transport = b.transport
	} else {
		h, err := transport.New(b.transportOptions(server, logger))
		if err != nil {
			material.Destroy()
			return nil, &errdefs.ConfigurationError{Err: err}
		}
		s.transport = h
		s.owned = h
	}

	logger.Debug("client built", logging.Provider(b.provider.Name()), zap.Int("key_bits", b.keyBits))
	return &UnregisteredClient{s: s}, nil
}

func (b *Builder) transportOptions(server *url.URL, logger *zap.Logger) transport.Options {
	opts := transport.Options{
		BaseURL:    server.String(),
		Timeout:    b.timeout,
		Insecure:   b.insecure,
		RootCAs:    b.rootCAs,
		ServerIP:   b.serverIP,
		Nameserver: b.nameserver,
		UserAgent:  b.userAgent,
		Logger:     logger,
	}
	switch {
	case b.token != "":
		opts.Token, opts.Scheme = b.token, auth.SchemeRaw
	case b.bearer != "":
		opts.Token, opts.Scheme = b.bearer, auth.SchemeBearer
	}
	if b.proxy != "" {
		// Already validated.
		opts.Proxy, _ = url.Parse(b.proxy)
	}
	return opts
}

func (b *Builder) validate() (*url.URL, error) {
	var errs error
	violate := func(field, reason string) {
		errs = multierr.Append(errs, &errdefs.FieldError{Field: field, Reason: reason})
	}

	server, err := ParseServerURL(b.server)
	if err != nil {
		violate("server", err.Error())
	}

	if b.token != "" {
		if err := auth.ValidateToken(b.token); err != nil {
			violate("auth_token", err.Error())
		}
	}
	if b.bearer != "" {
		if err := auth.ValidateToken(b.bearer); err != nil {
			violate("bearer_token", err.Error())
		}
	}
	if b.token != "" && b.bearer != "" {
		violate("auth_token", "cannot be combined with a bearer token")
	}

	if b.transport != nil {
		if set := b.transportOptionsSet(); len(set) > 0 {
			violate("transport", "an injected transport cannot be combined with "+strings.Join(set, ", "))
		}
	}

	if b.insecure && b.rootCAs != nil {
		violate("tls", "insecure skip verify cannot be combined with custom root CAs")
	}
	if b.nameserver != "" && b.serverIP != "" {
		violate("nameserver", "cannot be combined with a server IP override")
	}
	if b.serverIP != "" {
		if _, err := netip.ParseAddr(b.serverIP); err != nil {
			violate("server_ip", "not an IP address")
		}
	}
	if b.nameserver != "" {
		if _, err := transport.NormalizeNameserver(b.nameserver); err != nil {
			violate("nameserver", err.Error())
		}
	}
	if b.proxy != "" {
		if err := validateProxy(b.proxy); err != nil {
			violate("proxy", err.Error())
		}
	}
	if b.timeout < 0 {
		violate("timeout", "must not be negative")
	}

	if err := keys.ValidateKeyBits(b.keyBits); err != nil {
		violate("key_bits", err.Error())
	}
	for _, err := range b.correlate.Validate() {
		errs = multierr.Append(errs, err)
	}

	if b.provider == nil {
		violate("provider", "must be set")
	}
	if b.encoding != keys.SecretPlain && b.encoding != keys.SecretSHA256 {
		violate("secret_encoding", "unknown encoding "+b.encoding.String())
	}

	return server, errs
}

func (b *Builder) transportOptionsSet() []string {
	var set []string
	if b.token != "" || b.bearer != "" {
		set = append(set, "auth token")
	}
	if b.proxy != "" {
		set = append(set, "proxy")
	}
	if b.timeoutSet {
		set = append(set, "timeout")
	}
	if b.insecure {
		set = append(set, "insecure skip verify")
	}
	if b.rootCAs != nil {
		set = append(set, "root CAs")
	}
	if b.nameserver != "" {
		set = append(set, "nameserver")
	}
	if b.serverIP != "" {
		set = append(set, "server IP")
	}
	if b.userAgent != "" {
		set = append(set, "user agent")
	}
	return set
}

// ParseServerURL accepts "host", "host:port" or an http(s) URL with no
// path, query or credentials.
func ParseServerURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed url: %v", err)
	}
	switch {
	case u.Scheme != "http" && u.Scheme != "https":
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	case u.Hostname() == "":
		return nil, errors.New("missing host")
	case u.User != nil:
		return nil, errors.New("must not contain credentials")
	case u.RawQuery != "" || u.Fragment != "":
		return nil, errors.New("must not contain a query or fragment")
	case strings.Trim(u.Path, "/") != "":
		return nil, errors.New("must not contain a path")
	}
	u.Path = ""
	u.Host = strings.ToLower(u.Host)
	return u, nil
}

func validateProxy(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed url: %v", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
