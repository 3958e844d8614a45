package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"cdr.dev/slog/sloggers/slogjson"
	"github.com/coder/procevents"
	"github.com/coder/procevents/monitor"
)

func main() {
	err := rootCmd().Execute()
	if err != nil {
		log.Fatalf("failed to run command: %+v", err)
	}
}

func rootCmd() *cobra.Command {
	var (
		forwardForks bool
		outputFormat string
		verbose      bool
		labels       []string
		opts         monitor.Options
	)

	var cmd = &cobra.Command{
		Use:   "procevents",
		Short: "procevents logs every process exec and exit on the system.",
		Long: "Subscribes to the kernel process connector and logs exec and exit " +
			"events. Requires root (CAP_NET_ADMIN); without it /proc is polled " +
			"instead.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := makeLogger(cmd.ErrOrStderr(), outputFormat, verbose, labels)
			if err != nil {
				return err
			}
			if forwardForks {
				opts.ForkPolicy = procevents.ForwardForks
			}

			// When we get a SIGTERM we cancel the context so the monitor
			// unsubscribes and exits.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Debug(ctx, "starting procevents")
			err = monitor.Run(ctx, logger, opts)
			if err != nil && !xerrors.Is(err, context.Canceled) {
				return xerrors.Errorf("run procevents: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&forwardForks, "forward-forks", false, "Also handle fork events. Costs CPU under heavy process churn")
	cmd.Flags().StringVarP(&outputFormat, "output", "f", "text", "Output format, text or json")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log debug messages, including forks and rescans")
	cmd.Flags().StringSliceVar(&labels, "label", nil, "Add these labels to all logged events, in the form of key=value")
	cmd.Flags().StringVar(&opts.ProcMount, "proc-mount", "/proc", "Mount point of the proc filesystem used for full scans")
	cmd.Flags().StringVar(&opts.MetricsAddress, "metrics-address", "", "Serve Prometheus metrics at http://<addr>/metrics")
	cmd.Flags().DurationVar(&opts.ScanInterval, "scan-interval", 10*time.Second, "How often /proc is scanned when process events are not available")
	cmd.Flags().IntVar(&opts.ReceiveBufferSize, "receive-buffer", 0, "Netlink socket receive buffer size in bytes (0 keeps the kernel default)")

	return cmd
}

func makeLogger(w io.Writer, outputFormat string, verbose bool, rawLabels []string) (slog.Logger, error) {
	var sink slog.Sink
	switch outputFormat {
	case "text":
		sink = sloghuman.Sink(w)
	case "json":
		sink = slogjson.Sink(w)
	default:
		return slog.Logger{}, xerrors.Errorf(`output format must be "text" or "json", got %q`, outputFormat)
	}

	logger := slog.Make(sink)
	if verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}

	if len(rawLabels) > 0 {
		labels := make(map[string]string, len(rawLabels))
		for _, l := range rawLabels {
			vals := strings.SplitN(l, "=", 2)
			if len(vals) != 2 {
				return slog.Logger{}, xerrors.Errorf("invalid label %q", l)
			}

			labels[strings.TrimSpace(vals[0])] = strings.TrimSpace(vals[1])
		}
		logger = logger.With(slog.F("labels", labels))
	}

	return logger, nil
}
