package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"ksched/internal/kernel"
	"ksched/internal/metrics"
	"ksched/internal/sched"
	"ksched/internal/trace"
)

func newRunCmd() *cobra.Command {
	var (
		ticks       int64
		tracePath   string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot the machine and run the scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("ticks") {
				cfg.MaxTicks = ticks
			}
			if tracePath != "" {
				cfg.TracePath = tracePath
			}
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}
			return runKernel(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}

	cmd.Flags().Int64Var(&ticks, "ticks", 0, "Stop after this many timer ticks (0 = until interrupted)")
	cmd.Flags().StringVar(&tracePath, "trace", "", "Write scheduler events to this CSV file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

func runKernel(ctx context.Context, out io.Writer, cfg sched.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg)
		defer srv.Close()
	}

	k, err := kernel.Boot(cfg, kernel.WithLogger(logger), kernel.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	rec := trace.NewRecorder(logger)
	if cfg.TracePath != "" {
		if err := rec.EnableCSVLogging(cfg.TracePath); err != nil {
			return err
		}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		rec.Run(k.Scheduler().StatusChannel())
	}()

	runErr := k.Run(ctx)
	k.Close()
	<-done
	traceErr := rec.Finish(k.Scheduler().Dropped())

	printSummary(out, k, rec)
	return errors.Join(runErr, traceErr)
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "addr", addr, "err", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}

func printSummary(out io.Writer, k *kernel.Kernel, rec *trace.Recorder) {
	sc := k.Scheduler()
	fmt.Fprintf(out, "run %s: %d ticks, %d instructions, %d switches, %d events dropped\n",
		rec.RunID(), k.Ticks(), k.Retired(), sc.Switches(), sc.Dropped())

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TID\tNAME\tSTATE\tWORK\tPC")
	for _, s := range k.Snapshot() {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%#x\n", s.ID, s.Name, s.State, s.Work, s.PC)
	}
	w.Flush()
}
