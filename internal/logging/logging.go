// Package logging provides structured logging configuration.
package logging

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration options.
type Config struct {
	Level  string `env:"OASTRIX_LOG_LEVEL" envDefault:"info"`  // debug|info|warn|error
	Format string `env:"OASTRIX_LOG_FORMAT" envDefault:"json"` // json|console
}

// New creates a new configured zap logger.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			return nil, err
		}
	}

	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "json"
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.LevelKey = "level"
	zcfg.EncoderConfig.MessageKey = "msg"
	zcfg.EncoderConfig.CallerKey = "caller"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	// Interaction output goes to stdout; logs stay on stderr.
	zcfg.OutputPaths = []string{"stderr"}

	logger, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		return nil, err
	}

	return logger.With(zap.String("service", "oastrix-client")), nil
}

// Sync flushes any buffered log entries.
func Sync(logger *zap.Logger) {
	_ = logger.Sync()
}

// FromEnv creates a Config from environment variables. Unparseable input
// falls back to the defaults.
func FromEnv() Config {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{Level: "info", Format: "json"}
	}
	return cfg
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Component returns a zap field for the component name.
func Component(name string) zap.Field { return zap.String("component", name) }

// Server returns a zap field for the interaction server URL.
func Server(url string) zap.Field { return zap.String("server", url) }

// CorrelationID returns a zap field for a registration identity.
func CorrelationID(id string) zap.Field { return zap.String("correlation_id", id) }

// Domain returns a zap field for a domain name.
func Domain(domain string) zap.Field { return zap.String("domain", domain) }

// State returns a zap field for a client lifecycle state.
func State(state string) zap.Field { return zap.String("state", state) }

// Addr returns a zap field for an address.
func Addr(addr string) zap.Field { return zap.String("addr", addr) }

// Host returns a zap field for a host name.
func Host(host string) zap.Field { return zap.String("host", host) }

// Method returns a zap field for an HTTP method.
func Method(method string) zap.Field { return zap.String("method", method) }

// Path returns a zap field for a URL path.
func Path(path string) zap.Field { return zap.String("path", path) }

// Status returns a zap field for an HTTP status code.
func Status(code int) zap.Field { return zap.Int("status", code) }

// Duration returns a zap field for an elapsed time.
func Duration(d time.Duration) zap.Field { return zap.Duration("duration", d) }

// Protocol returns a zap field for a protocol name.
func Protocol(proto string) zap.Field { return zap.String("protocol", proto) }

// RemoteIP returns a zap field for a remote IP address.
func RemoteIP(ip string) zap.Field { return zap.String("remote_ip", ip) }

// Count returns a zap field for a number of items.
func Count(n int) zap.Field { return zap.Int("count", n) }

// Failures returns a zap field for a number of failed items.
func Failures(n int) zap.Field { return zap.Int("failures", n) }

// Provider returns a zap field for a crypto provider name.
func Provider(name string) zap.Field { return zap.String("provider", name) }

// Stage returns a zap field for a decryption stage.
func Stage(stage string) zap.Field { return zap.String("stage", stage) }

// Nameserver returns a zap field for a DNS server address.
func Nameserver(addr string) zap.Field { return zap.String("nameserver", addr) }

// QName returns a zap field for a DNS query name.
func QName(qname string) zap.Field { return zap.String("qname", qname) }

// QType returns a zap field for a DNS query type.
func QType(qtype string) zap.Field { return zap.String("qtype", qtype) }
