package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/miekg/dns"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rsclarke/oastrix-client/internal/logging"
	"github.com/rsclarke/oastrix-client/internal/transport"
)

const resolvConf = "/etc/resolv.conf"

var probeFlags struct {
	dns        bool
	http       bool
	scheme     string
	nameserver string
}

var probeCmd = &cobra.Command{
	Use:   "probe <domain>",
	Short: "Trigger an interaction against a domain",
	Long: `Send a DNS query and optionally an HTTP request to a domain, typically
one printed by "watch", to confirm that interactions are recorded.`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)

	f := probeCmd.Flags()
	f.BoolVar(&probeFlags.dns, "dns", true, "send a DNS query")
	f.BoolVar(&probeFlags.http, "http", false, "send an HTTP GET")
	f.StringVar(&probeFlags.scheme, "scheme", "http", "scheme for the HTTP request (http|https)")
	f.StringVar(&probeFlags.nameserver, "nameserver", "", "DNS server to query (default: first entry in "+resolvConf+")")
	f.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "per-probe timeout")
}

func runProbe(cmd *cobra.Command, args []string) error {
	if !probeFlags.dns && !probeFlags.http {
		return errors.New("nothing to probe: enable --dns or --http")
	}
	target := strings.TrimSuffix(args[0], ".")
	ctx := cmd.Context()

	var attempted int
	var errs []error
	if probeFlags.dns {
		attempted++
		if err := probeDNS(ctx, cmd, target); err != nil {
			errs = append(errs, err)
		}
	}
	if probeFlags.http {
		attempted++
		if err := probeHTTP(ctx, cmd, target); err != nil {
			errs = append(errs, err)
		}
	}

	// NXDOMAIN still reaches the authoritative server, so only fail when
	// every probe failed.
	if len(errs) == attempted {
		return errors.Join(errs...)
	}
	return nil
}

func probeDNS(ctx context.Context, cmd *cobra.Command, target string) error {
	ns := probeFlags.nameserver
	if ns == "" {
		var err error
		if ns, err = systemNameserver(); err != nil {
			return err
		}
	}
	r, err := transport.NewResolver(ns, cfg.Timeout)
	if err != nil {
		return err
	}

	host := target
	if h, _, err := net.SplitHostPort(target); err == nil {
		host = h
	}
	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		logger.Debug("dns probe", logging.Nameserver(r.Nameserver), logging.QName(host), zap.Error(err))
		fmt.Fprintf(cmd.OutOrStdout(), "dns  %s via %s: %v\n", host, r.Nameserver, err)
		return fmt.Errorf("dns probe: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "dns  %s via %s: %v\n", host, r.Nameserver, addrs)
	return nil
}

func probeHTTP(ctx context.Context, cmd *cobra.Command, target string) error {
	switch probeFlags.scheme {
	case "http", "https":
	default:
		return fmt.Errorf("unsupported scheme %q", probeFlags.scheme)
	}
	u := probeFlags.scheme + "://" + target + "/"

	c := resty.New().SetTimeout(cfg.Timeout)
	resp, err := c.R().SetContext(ctx).Get(u)
	if err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "http %s: %v\n", u, err)
		return fmt.Errorf("http probe: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "http %s: %d %s\n", u, resp.StatusCode(), http.StatusText(resp.StatusCode()))
	return nil
}

func systemNameserver() (string, error) {
	conf, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", resolvConf, err)
	}
	if len(conf.Servers) == 0 {
		return "", fmt.Errorf("no nameservers in %s", resolvConf)
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}
