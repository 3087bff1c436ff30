package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rsclarke/oastrix-client/internal/client"
	"github.com/rsclarke/oastrix-client/internal/config"
	"github.com/rsclarke/oastrix-client/internal/logging"
	"github.com/rsclarke/oastrix-client/internal/payload"
	"github.com/rsclarke/oastrix-client/internal/sinks"
	"github.com/rsclarke/oastrix-client/internal/transport"
)

var watchFlags struct {
	count    int
	duration time.Duration
	failures bool
	keepRaw  bool
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Register and stream interactions until interrupted",
	Long: `Register a new correlation ID, print the interaction domain, and poll
the server for interactions until interrupted. The correlation ID is
deregistered on exit.

Output formats:
  text  one line per interaction (--verbose adds raw request/response)
  json  one JSON document per line
  log   structured log entries on stderr`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	addClientFlags(watchCmd)
	f := watchCmd.Flags()
	f.DurationVar(&cfg.PollInterval, "interval", cfg.PollInterval, "poll interval (env: OASTRIX_POLL_INTERVAL)")
	f.StringVarP(&cfg.Output, "output", "o", cfg.Output, "output format ("+strings.Join(config.Outputs, "|")+")")
	f.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "include raw requests and responses in text output")
	f.StringSliceVar(&cfg.Protocols, "protocol", cfg.Protocols, "only show these protocols (repeatable)")
	f.BoolVar(&watchFlags.keepRaw, "keep-raw", false, "keep unparsed entries when filtering by protocol")
	f.BoolVar(&watchFlags.failures, "failures", false, "write undecodable entries to json output")
	f.IntVar(&watchFlags.count, "count", 0, "exit after this many interactions")
	f.DurationVar(&watchFlags.duration, "duration", 0, "exit after this long")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if watchFlags.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, watchFlags.duration)
		defer cancel()
	}

	u, err := newClient()
	if err != nil {
		return err
	}
	reg, err := u.Register(ctx)
	if err != nil {
		u.Close()
		return fmt.Errorf("register: %w", err)
	}
	defer deregister(reg)

	fmt.Fprintf(cmd.ErrOrStderr(), "Interaction domain: %s\n", reg.InteractionDomain())

	pipeline := newPipeline(cmd.OutOrStdout())
	logger.Info("watching",
		logging.CorrelationID(reg.CorrelationID()),
		logging.Domain(reg.InteractionDomain()),
		zap.Strings("sinks", pipeline.IDs()),
		zap.Duration("interval", cfg.PollInterval))

	seen := 0
	return reg.Watch(ctx, cfg.PollInterval, func(ctx context.Context, b *payload.Batch) error {
		seen += pipeline.Process(ctx, reg.CorrelationID(), reg.InteractionDomain(), b)
		if watchFlags.count > 0 && seen >= watchFlags.count {
			return client.ErrStopWatch
		}
		return nil
	})
}

func newPipeline(out io.Writer) *sinks.Pipeline {
	p := sinks.NewPipeline(logger)
	if len(cfg.Protocols) > 0 {
		filter := sinks.NewProtocolFilter(cfg.Protocols...)
		filter.KeepRaw = watchFlags.keepRaw
		p.Register(filter)
	}
	switch strings.ToLower(cfg.Output) {
	case config.OutputJSON:
		s := sinks.NewJSONSink(out)
		s.Failures = watchFlags.failures
		p.Register(s)
	case config.OutputLog:
		p.Register(sinks.NewLogSink(logger))
	default:
		p.Register(sinks.NewTextSink(out, cfg.Verbose))
	}
	return p
}

// deregister runs on a fresh context so it still reaches the server after
// the watch context was cancelled.
func deregister(reg *client.RegisteredClient) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = transport.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := reg.Deregister(ctx); err != nil {
		logger.Warn("deregister failed", logging.CorrelationID(reg.CorrelationID()), zap.Error(err))
	}
}
