package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/dreamware/ringshard/internal/api"
	"github.com/dreamware/ringshard/internal/config"
	"github.com/dreamware/ringshard/internal/coordinator"
	"github.com/dreamware/ringshard/internal/metrics"
	"github.com/dreamware/ringshard/internal/rebalance"
	"github.com/dreamware/ringshard/internal/ringlog"
	"github.com/dreamware/ringshard/internal/shard"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		ringlog.Zero.Error().Err(err).Msg("ringshard-coordinator failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use: "ringshard-coordinator --config `path-to-config`",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file (.yaml, .yml or .toml)")

	rootCmd.AddCommand(
		newRouteCmd(&cfgPath),
		newPlanCmd(&cfgPath),
		newAddShardCmd(),
		newStatusCmd(),
	)
	return rootCmd
}

// loadConfig reads path, or returns the defaults when path is empty.
// RINGSHARD_ADDR overrides the listen address.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	cfg.ListenAddr = getenv("RINGSHARD_ADDR", cfg.ListenAddr)
	if err := ringlog.UpdateZeroLogLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	ring, err := coordinator.NewRing(cfg)
	if err != nil {
		return err
	}
	pool := shard.NewPool(shard.Dial, ring)
	defer func() {
		if err := pool.Close(); err != nil {
			ringlog.Zero.Warn().Err(err).Msg("closing shard pool")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c, err := coordinator.New(ctx, cfg, ring, pool, metrics.New(reg))
	if err != nil {
		return err
	}

	monitor := coordinator.NewHealthMonitor(c.Registry(), c.Router(), cfg.HealthCheckInterval)
	monitor.SetThresholds(cfg.HealthCheckTimeout, cfg.MaxFailedChecks)
	monitor.SetOnUnhealthy(func(id string) {
		ringlog.Zero.Warn().Str("shard", id).Msg("shard is unhealthy; it keeps its ring positions")
	})
	go monitor.Start(ctx)
	defer monitor.Stop()

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newServer(c, monitor, reg).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		ringlog.Zero.Info().Str("addr", cfg.ListenAddr).Msg("coordinator listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = httpSrv.Shutdown(shutdownCtx)
	ringlog.Zero.Info().Msg("coordinator stopped")
	return err
}

// offlineRegistry places the configured shards on a ring without dialing them.
func offlineRegistry(cfgPath string) (*config.Config, *coordinator.ShardRegistry, error) {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	ring, err := coordinator.NewRing(cfg)
	if err != nil {
		return nil, nil, err
	}
	registry, err := coordinator.NewShardRegistryFromConfig(cfg.Shards, ring)
	if err != nil {
		return nil, nil, err
	}
	return cfg, registry, nil
}

func newRouteCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "route KEY...",
		Short: "Print the shard owning each key under the configured ring",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, registry, err := offlineRegistry(*cfgPath)
			if err != nil {
				return err
			}
			ring := registry.Ring()
			out := make([]api.RouteResponse, 0, len(args))
			for _, key := range args {
				id, err := ring.Resolve(key)
				if err != nil {
					return err
				}
				out = append(out, api.RouteResponse{Key: key, ShardID: id, Hash: ring.Hash(key)})
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

// planSummary is the printed form of a dry-run plan.
type planSummary struct {
	Target     string         `json:"target"`
	Weight     int            `json:"weight"`
	SampleSize int            `json:"sample_size"`
	Moved      int            `json:"moved"`
	Share      float64        `json:"share"`
	Sources    map[string]int `json:"sources"`
}

func summarize(plan *rebalance.Plan) planSummary {
	s := planSummary{
		Target:     plan.Target,
		Weight:     plan.Weight,
		SampleSize: plan.SampleSize,
		Moved:      plan.Moved(),
		Sources:    make(map[string]int, len(plan.Sources)),
	}
	if plan.SampleSize > 0 {
		s.Share = float64(s.Moved) / float64(plan.SampleSize)
	}
	for _, id := range plan.SourceIDs() {
		s.Sources[id] = len(plan.Sources[id])
	}
	return s
}

func newPlanCmd(cfgPath *string) *cobra.Command {
	var weight int
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Estimate which data moves if a shard is added",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, registry, err := offlineRegistry(*cfgPath)
			if err != nil {
				return err
			}
			planner := rebalance.NewPlanner(registry.Ring(), cfg.SampleSize)
			plan, err := planner.PlanFor(fmt.Sprintf("shard_%d", registry.Len()), weight)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summarize(plan))
		},
	}
	cmd.Flags().IntVarP(&weight, "weight", "w", 100, "weight of the new shard")
	return cmd
}

func newAddShardCmd() *cobra.Command {
	var (
		addr    string
		weight  int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "add-shard CONNECTION-STRING",
		Short: "Add a shard to a running coordinator and rebalance onto it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api.SetTimeout(timeout)
			var report coordinator.RebalanceReport
			err := api.PostJSON(cmd.Context(), addr+"/shards", api.AddShardRequest{
				ConnString: args[0],
				Weight:     weight,
			}, &report)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", getenv("RINGSHARD_URL", "http://localhost:8080"), "coordinator base URL")
	cmd.Flags().IntVarP(&weight, "weight", "w", 100, "weight of the new shard")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "how long to wait for the rebalance")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status of a running coordinator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var status api.StatusResponse
			if err := api.GetJSON(cmd.Context(), addr+"/status", &status); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", getenv("RINGSHARD_URL", "http://localhost:8080"), "coordinator base URL")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
