package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	alignLevel   int
	alignFrom    int
	alignTo      int
	alignAddr    string
	alignBackend = "cv"

	composeLevel int
	composeBias  int
)

// alignCmd runs a correlation batch
var alignCmd = &cobra.Command{
	Use:   "align",
	Short: "Align a range of sections at one level",
	Long: `Correlates every section in the range whose settings changed since its
last result. Sections with a current result are not recomputed. Ctrl-C stops
new jobs; results already computed are kept.`,
	RunE: runAlign,
}

// composeCmd prints cumulative transforms
var composeCmd = &cobra.Command{
	Use:   "compose",
	Short: "Compose a level's results into cumulative transforms",
	RunE:  runCompose,
}

func init() {
	alignCmd.Flags().IntVarP(&alignLevel, "level", "l", 0, "Level index")
	alignCmd.Flags().IntVar(&alignFrom, "from", 0, "First section")
	alignCmd.Flags().IntVar(&alignTo, "to", -1, "Last section (default: last)")
	alignCmd.Flags().StringVar(&alignBackend, "backend", "cv", "Correlation backend: cv (phase correlation) or points (fit manual points only)")
	alignCmd.Flags().StringVar(&alignAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the batch runs")

	composeCmd.Flags().IntVarP(&composeLevel, "level", "l", 0, "Level index")
	composeCmd.Flags().IntVar(&composeBias, "bias", -1, "Bias polynomial order 0-4, -1 for none (default from config)")
}

func runAlign(cmd *cobra.Command, args []string) error {
	s, err := openProject()
	if err != nil {
		return err
	}

	ready, err := s.AlignmentReady(alignLevel)
	if err != nil {
		s.close()
		return err
	}
	if !ready {
		logger.Warn("coarser level is not aligned yet", zap.Int("level", alignLevel))
	}

	to := alignTo
	if to < 0 {
		to = len(s.Sections()) - 1
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if alignAddr != "" {
		shutdown := serveMetrics(alignAddr)
		defer shutdown()
	}

	b, err := s.Submit(ctx, alignLevel, alignFrom, to)
	if err != nil {
		s.close()
		return err
	}

	out := cmd.OutOrStdout()
	for ev := range b.Events() {
		status := "ok"
		switch {
		case ev.Skipped:
			status = "skipped"
		case ev.Err != nil:
			status = "failed: " + ev.Err.Error()
		}
		fmt.Fprintf(out, "[%d/%d] section %d: %s (%s)\n", ev.Completed, ev.Total, ev.Section, status, ev.Elapsed.Round(time.Millisecond))
	}
	rep := b.Wait()

	fmt.Fprintf(out, "Level %d: %d dispatched, %d inserted, %d cached, %d failed, %d skipped\n",
		rep.Level, len(rep.Dispatched), len(rep.Inserted), len(rep.Cached), len(rep.Failed), len(rep.Skipped))
	for _, z := range sortedKeys(rep.NotReady) {
		fmt.Fprintf(out, "  section %d not ready: %v\n", z, rep.NotReady[z])
	}
	return s.save()
}

func runCompose(cmd *cobra.Command, args []string) error {
	s, err := openProject()
	if err != nil {
		return err
	}
	defer s.close()

	bias := composeBias
	if !cmd.Flags().Changed("bias") {
		bias = cfg.Compose.BiasOrder
	}
	frame, err := s.Compose(composeLevel, bias)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, e := range frame.Entries {
		if !e.Valid {
			fmt.Fprintf(out, "%5d  %-9s  %4d  %v\n", e.Section, e.Status, e.Reference, e.Err)
			continue
		}
		fmt.Fprintf(out, "%5d  %-9s  %4d  %s\n", e.Section, e.Status, e.Reference, e.Affine)
	}
	if frame.Bias != nil {
		fmt.Fprintf(out, "bias order %d over %d sections, residual %.3f px\n",
			frame.Bias.Order, frame.Bias.Points, frame.Bias.ResidualRMS)
	}
	if u := frame.Unaligned(); len(u) > 0 {
		fmt.Fprintf(out, "%d sections unaligned; run align --level %d\n", len(u), composeLevel)
	}
	return nil
}

// serveMetrics exposes the default registry until the returned func is called.
func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
