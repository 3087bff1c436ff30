package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
)

var ErrNoAddress = errors.New("no address records")

// Resolver looks names up through one fixed DNS server instead of the
// system resolver.
type Resolver struct {
	Nameserver string
	Client     *dns.Client
}

// NewResolver normalises nameserver to host:port, defaulting to port 53.
func NewResolver(nameserver string, timeout time.Duration) (*Resolver, error) {
	addr, err := NormalizeNameserver(nameserver)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{
		Nameserver: addr,
		Client:     &dns.Client{Net: "udp", Timeout: timeout},
	}, nil
}

// NormalizeNameserver accepts "ip" or "ip:port".
func NormalizeNameserver(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("empty nameserver")
	}
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.String(), nil
	}
	if a, err := netip.ParseAddr(strings.Trim(s, "[]")); err == nil {
		return netip.AddrPortFrom(a, 53).String(), nil
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return net.JoinHostPort(s, "53"), nil
	}
	return net.JoinHostPort(host, port), nil
}

// LookupHost returns A records, falling back to AAAA when there are none.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	if a, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{a}, nil
	}

	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		addrs, err := r.query(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		if len(addrs) > 0 {
			return addrs, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%s: %w", host, ErrNoAddress)
}

func (r *Resolver) query(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	in, _, err := r.Client.ExchangeContext(ctx, m, r.Nameserver)
	if err != nil {
		return nil, fmt.Errorf("query %s %s via %s: %w", dns.TypeToString[qtype], host, r.Nameserver, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("query %s %s via %s: %s", dns.TypeToString[qtype], host, r.Nameserver, dns.RcodeToString[in.Rcode])
	}

	var addrs []netip.Addr
	for _, rr := range in.Answer {
		var ip net.IP
		switch rec := rr.(type) {
		case *dns.A:
			ip = rec.A
		case *dns.AAAA:
			ip = rec.AAAA
		default:
			continue
		}
		if a, ok := netip.AddrFromSlice(ip); ok {
			addrs = append(addrs, a.Unmap())
		}
	}
	return addrs, nil
}
