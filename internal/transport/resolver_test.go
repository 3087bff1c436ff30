package transport

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startDNS serves records (name → IP) on a loopback UDP port and returns
// its address. Unknown names get NXDOMAIN.
func startDNS(t *testing.T, records map[string]string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Authoritative = true

		for _, q := range r.Question {
			qname := strings.ToLower(strings.TrimSuffix(q.Name, "."))
			value, ok := records[qname]
			if !ok {
				m.Rcode = dns.RcodeNameError
				continue
			}
			ip := net.ParseIP(value)
			switch {
			case q.Qtype == dns.TypeA && ip.To4() != nil:
				m.Answer = append(m.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
					A:   ip,
				})
			case q.Qtype == dns.TypeAAAA && ip.To4() == nil:
				m.Answer = append(m.Answer, &dns.AAAA{
					Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 300},
					AAAA: ip,
				})
			}
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dns server did not start")
	}
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestNormalizeNameserver(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"1.1.1.1", "1.1.1.1:53", false},
		{"1.1.1.1:5353", "1.1.1.1:5353", false},
		{"2606:4700::1111", "[2606:4700::1111]:53", false},
		{"[2606:4700::1111]:853", "[2606:4700::1111]:853", false},
		{"dns.example", "dns.example:53", false},
		{" 8.8.8.8 ", "8.8.8.8:53", false},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeNameserver(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolverLookupHost(t *testing.T) {
	ns := startDNS(t, map[string]string{
		"v4.oast.test": "127.0.0.1",
		"v6.oast.test": "::1",
	})
	r, err := NewResolver(ns, time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	addrs, err := r.LookupHost(ctx, "v4.oast.test")
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, "127.0.0.1", addrs[0].String())

	addrs, err = r.LookupHost(ctx, "v6.oast.test")
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, "::1", addrs[0].String())

	addrs, err = r.LookupHost(ctx, "10.1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", addrs[0].String())

	_, err = r.LookupHost(ctx, "missing.oast.test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NXDOMAIN")
}
