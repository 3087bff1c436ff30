package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsclarke/oastrix-client/internal/client"
	"github.com/rsclarke/oastrix-client/internal/events"
	"github.com/rsclarke/oastrix-client/internal/stub"
)

func execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err = rootCmd.Execute()
	return out.String(), errOut.String(), err
}

func TestServersCommand(t *testing.T) {
	out, _, err := execute(t, "servers")
	require.NoError(t, err)
	assert.Equal(t, client.DefaultServers, strings.Fields(out))
}

func TestWatchCommand(t *testing.T) {
	srv := stub.New()
	srv.Start()
	defer srv.Close()

	const subdomain = "abc123def456ghi789jkl"
	const correlationID = "abc123def456ghi789jk"

	injected := make(chan error, 1)
	go func() {
		deadline := time.Now().Add(10 * time.Second)
		for !srv.Registered(correlationID) {
			if time.Now().After(deadline) {
				injected <- nil
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		injected <- srv.InjectInteraction(correlationID, &events.Interaction{
			Protocol:      events.ProtocolHTTP,
			UniqueID:      subdomain,
			FullID:        subdomain,
			RemoteAddress: "198.51.100.7",
			Timestamp:     time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		})
	}()

	out, errOut, err := execute(t, "watch",
		"--server", srv.URL(),
		"--subdomain", subdomain,
		"--interval", "10ms",
		"--count", "1",
		"--duration", "20s",
		"--output", "json",
	)
	require.NoError(t, err)
	require.NoError(t, <-injected)

	assert.Contains(t, errOut, "Interaction domain: "+subdomain+".127.0.0.1")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	var rec struct {
		CorrelationID string `json:"correlation-id"`
		Interaction   struct {
			Protocol      string `json:"protocol"`
			RemoteAddress string `json:"remote-address"`
		} `json:"interaction"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, correlationID, rec.CorrelationID)
	assert.Equal(t, "http", rec.Interaction.Protocol)
	assert.Equal(t, "198.51.100.7", rec.Interaction.RemoteAddress)

	assert.False(t, srv.Registered(correlationID), "watch must deregister on exit")
	assert.Equal(t, 1, srv.Calls("/deregister"))
}

func TestWatchCommandRejectsBadOutput(t *testing.T) {
	_, _, err := execute(t, "watch", "--server", "oast.example", "--output", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output")
	cfg.Output = "text"
}

func TestProbeHTTP(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	target := strings.TrimPrefix(ts.URL, "http://")
	out, _, err := execute(t, "probe", "--dns=false", "--http", target)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
	assert.Contains(t, out, "204 No Content")
}

func TestProbeNothingEnabled(t *testing.T) {
	_, _, err := execute(t, "probe", "--dns=false", "--http=false", "example.com")
	assert.ErrorContains(t, err, "nothing to probe")
}

func TestUserAgentFlag(t *testing.T) {
	defer func() { cfg.UserAgent, cfg.Output = "", "text" }()
	_, _, err := execute(t, "watch", "--server", "oast.example", "--user-agent", "scanner/1.0", "--output", "xml")
	require.Error(t, err)
	assert.Equal(t, "scanner/1.0", cfg.UserAgent)
}
