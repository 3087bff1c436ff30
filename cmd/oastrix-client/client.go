package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/rsclarke/oastrix-client/internal/client"
	"github.com/rsclarke/oastrix-client/internal/crypto"
)

func addClientFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&cfg.Server, "server", cfg.Server, "interactsh server host or URL (default: random public server, env: OASTRIX_SERVER)")
	f.StringVar(&cfg.Token, "token", cfg.Token, "Authorization header value (env: OASTRIX_TOKEN)")
	f.StringVar(&cfg.BearerToken, "bearer-token", cfg.BearerToken, "token sent as 'Bearer <token>' (env: OASTRIX_BEARER_TOKEN)")
	f.StringVar(&cfg.Subdomain, "subdomain", cfg.Subdomain, "fixed subdomain instead of a random one")
	f.IntVar(&cfg.KeyBits, "key-bits", cfg.KeyBits, "RSA key size")
	f.StringVar(&cfg.Provider, "provider", cfg.Provider, "crypto provider ("+strings.Join(crypto.Names(), "|")+")")
	f.StringVar(&cfg.SecretEncoding, "secret-encoding", cfg.SecretEncoding, "secret sent on register (plain|sha256)")
	f.BoolVar(&cfg.ParseLogs, "parse-logs", cfg.ParseLogs, "decode interactions instead of passing raw JSON")
	f.StringVar(&cfg.Proxy, "proxy", cfg.Proxy, "http, https or socks5 proxy URL")
	f.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "per-request timeout")
	f.BoolVar(&cfg.Insecure, "insecure", cfg.Insecure, "skip TLS certificate verification")
	f.StringVar(&cfg.RootCAFile, "root-ca", cfg.RootCAFile, "PEM file with additional trusted CAs")
	f.StringVar(&cfg.Nameserver, "nameserver", cfg.Nameserver, "resolve the server through this DNS server")
	f.StringVar(&cfg.ServerIP, "server-ip", cfg.ServerIP, "connect to this IP instead of resolving the server")
	f.StringVar(&cfg.UserAgent, "user-agent", cfg.UserAgent, "User-Agent header for server requests (env: OASTRIX_USER_AGENT)")
}

func newClient() (*client.UnregisteredClient, error) {
	b, err := cfg.Builder(logger)
	if err != nil {
		return nil, err
	}
	return b.Build()
}
