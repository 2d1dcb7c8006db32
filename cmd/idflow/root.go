package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/drblury/idflow"
)

// Process exit codes. Verify uses all four; other commands exit 0 or 1.
const (
	exitVerified     = 0
	exitFailure      = 1
	exitUnverifiable = 2
	exitNotFound     = 3
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

type rootOptions struct {
	logLevel  string
	transport string
	timeout   time.Duration
}

func newRootCmd(version string) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "idflow",
		Short: "Cross-service identity verification over a message bus",
		Long: `idflow answers and asks "does this identity exist?" across services.

The transport and topics are read from IDFLOW_* environment variables, for
example IDFLOW_PUBSUB_SYSTEM=kafka and IDFLOW_KAFKA_BROKERS=localhost:9092.`,
		Version:       version,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.transport, "transport", "", "transport name (overrides IDFLOW_PUBSUB_SYSTEM)")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "response timeout (overrides IDFLOW_RESPONSE_TIMEOUT)")

	cmd.AddCommand(
		newResponderCmd(opts),
		newVerifyCmd(opts),
		newDirectoryCmd(opts),
	)
	return cmd
}

// loadConfig reads the environment and applies flag overrides.
func (o *rootOptions) loadConfig() (*idflow.Config, error) {
	conf, err := idflow.LoadConfig()
	if err != nil {
		return nil, err
	}
	if o.transport != "" {
		conf.PubSubSystem = o.transport
	}
	if o.timeout > 0 {
		conf.ResponseTimeout = o.timeout
	}
	return conf, nil
}

func (o *rootOptions) newLogger(w io.Writer) (idflow.ServiceLogger, error) {
	level, err := idflow.ParseLogLevel(o.logLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return idflow.NewSlogServiceLogger(slog.New(handler)), nil
}
