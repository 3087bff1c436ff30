// Package config loads the CLI's settings from OASTRIX_* environment
// variables. Command-line flags override the loaded values.
package config

import (
	"crypto/x509"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rsclarke/oastrix-client/internal/client"
	"github.com/rsclarke/oastrix-client/internal/crypto"
	"github.com/rsclarke/oastrix-client/internal/errdefs"
	"github.com/rsclarke/oastrix-client/internal/keys"
)

// Output formats accepted by Config.Output.
const (
	OutputText = "text"
	OutputJSON = "json"
	OutputLog  = "log"
)

// Outputs lists the accepted output formats.
var Outputs = []string{OutputText, OutputJSON, OutputLog}

type Config struct {
	// Server is a host or http(s) URL. Empty picks a public server.
	Server      string `env:"OASTRIX_SERVER"`
	Token       string `env:"OASTRIX_TOKEN"`
	BearerToken string `env:"OASTRIX_BEARER_TOKEN"`
	Subdomain   string `env:"OASTRIX_SUBDOMAIN"`

	KeyBits        int    `env:"OASTRIX_KEY_BITS" envDefault:"2048"`
	Provider       string `env:"OASTRIX_PROVIDER" envDefault:"native"`
	SecretEncoding string `env:"OASTRIX_SECRET_ENCODING" envDefault:"plain"`
	ParseLogs      bool   `env:"OASTRIX_PARSE_LOGS" envDefault:"true"`

	Proxy      string        `env:"OASTRIX_PROXY"`
	Timeout    time.Duration `env:"OASTRIX_TIMEOUT" envDefault:"15s"`
	Insecure   bool          `env:"OASTRIX_INSECURE"`
	RootCAFile string        `env:"OASTRIX_ROOT_CA"`
	Nameserver string        `env:"OASTRIX_NAMESERVER"`
	ServerIP   string        `env:"OASTRIX_SERVER_IP"`
	UserAgent  string        `env:"OASTRIX_USER_AGENT"`

	PollInterval time.Duration `env:"OASTRIX_POLL_INTERVAL" envDefault:"5s"`
	Output       string        `env:"OASTRIX_OUTPUT" envDefault:"text"`
	Verbose      bool          `env:"OASTRIX_VERBOSE"`
	Protocols    []string      `env:"OASTRIX_PROTOCOLS" envSeparator:","`
}

// Default returns the configuration used with an empty environment.
func Default() *Config {
	return &Config{
		KeyBits:        keys.DefaultKeyBits,
		Provider:       crypto.Default().Name(),
		SecretEncoding: keys.SecretPlain.String(),
		ParseLogs:      true,
		Timeout:        15 * time.Second,
		PollInterval:   5 * time.Second,
		Output:         OutputText,
	}
}

// Load reads the environment on top of the defaults.
func Load() (*Config, error) {
	cfg := Default()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("error getting env configs: %w", err)
	}
	return cfg, nil
}

// Validate checks the CLI-only settings. Client options are validated by
// client.Builder.
func (c *Config) Validate() error {
	var errs error
	if c.PollInterval <= 0 {
		errs = multierr.Append(errs, &errdefs.FieldError{Field: "poll_interval", Reason: "must be positive"})
	}
	if !slices.Contains(Outputs, strings.ToLower(c.Output)) {
		errs = multierr.Append(errs, &errdefs.FieldError{
			Field:  "output",
			Reason: fmt.Sprintf("must be one of %s", strings.Join(Outputs, ", ")),
		})
	}
	if errs != nil {
		return &errdefs.ConfigurationError{Err: errs}
	}
	return nil
}

// Builder translates the configuration into a client builder.
func (c *Config) Builder(logger *zap.Logger) (*client.Builder, error) {
	var b *client.Builder
	if c.Server == "" {
		b = client.NewDefaultBuilder()
	} else {
		b = client.NewBuilder().WithServer(c.Server)
	}

	var errs error
	provider, err := crypto.Lookup(c.Provider)
	if err != nil {
		errs = multierr.Append(errs, &errdefs.FieldError{Field: "provider", Reason: err.Error()})
	}
	enc, err := keys.ParseSecretEncoding(c.SecretEncoding)
	if err != nil {
		errs = multierr.Append(errs, &errdefs.FieldError{Field: "secret_encoding", Reason: err.Error()})
	}
	var pool *x509.CertPool
	if c.RootCAFile != "" {
		if pool, err = loadRootCAs(c.RootCAFile); err != nil {
			errs = multierr.Append(errs, &errdefs.FieldError{Field: "root_ca", Reason: err.Error()})
		}
	}
	if errs != nil {
		return nil, &errdefs.ConfigurationError{Err: errs}
	}

	b.WithAuthToken(c.Token).
		WithBearerToken(c.BearerToken).
		WithSubdomain(c.Subdomain).
		WithKeyBits(c.KeyBits).
		WithProvider(provider).
		WithSecretEncoding(enc).
		WithParseLogs(c.ParseLogs).
		WithProxy(c.Proxy).
		WithTimeout(c.Timeout).
		WithInsecureSkipVerify(c.Insecure).
		WithNameserver(c.Nameserver).
		WithServerIP(c.ServerIP).
		WithUserAgent(c.UserAgent).
		WithLogger(logger)
	if pool != nil {
		b.WithRootCAs(pool)
	}
	return b, nil
}

func loadRootCAs(path string) (*x509.CertPool, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read root CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}
