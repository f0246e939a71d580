package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cassandranet/cassnet/pkg/auth"
	"github.com/cassandranet/cassnet/pkg/config"
	"github.com/cassandranet/cassnet/pkg/log"
	"github.com/cassandranet/cassnet/pkg/metrics"
	"github.com/cassandranet/cassnet/pkg/orchestration"
	"github.com/cassandranet/cassnet/pkg/platform"
	"github.com/cassandranet/cassnet/pkg/provisioning"
	"github.com/cassandranet/cassnet/pkg/storage"
	"github.com/cassandranet/cassnet/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cassnetd",
	Short: "CassandraNet control plane daemon",
	Long: `cassnetd runs the CassandraNet control plane: tenant and project
provisioning, agent enrollment and heartbeats, API key and token
authentication, and the task/workflow orchestration engine.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"cassnetd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serveCmd.Flags().String("config", "", "Path to config file")
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides config; empty uses in-memory storage)")
	serveCmd.Flags().String("metrics-addr", "", "Metrics listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
			cfg.DataDir = dataDir
		}
		if metricsAddr, _ := cmd.Flags().GetString("metrics-addr"); metricsAddr != "" {
			cfg.MetricsAddr = metricsAddr
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})
		logger := log.WithComponent("main")

		var store storage.Store
		if cfg.DataDir != "" {
			boltStore, err := storage.NewBoltStore(cfg.DataDir)
			if err != nil {
				return fmt.Errorf("open data dir: %v", err)
			}
			store = boltStore
			logger.Info().Str("data_dir", cfg.DataDir).Msg("using bolt storage")
		} else {
			store = storage.NewMemoryStore()
			logger.Info().Msg("using in-memory storage")
		}

		bundle := platform.New(store, []byte(cfg.Secret), bundleOptions(cfg))
		platform.SetGlobal(bundle)
		applySchedulerConfig(bundle, cfg)

		// Metrics endpoint
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux()}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server started")

		// Heartbeat sweep loop
		stopSweep := make(chan struct{})
		go sweepLoop(bundle, time.Duration(cfg.SweepIntervalSeconds)*time.Second, stopSweep)

		logger.Info().Msg("control plane is running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		logger.Info().Msg("shutting down")

		close(stopSweep)
		metricsServer.Close()
		if err := bundle.Close(); err != nil {
			return fmt.Errorf("shutdown: %v", err)
		}
		logger.Info().Msg("shutdown complete")
		return nil
	},
}

func bundleOptions(cfg config.Config) platform.Options {
	opts := platform.Options{}
	if cfg.Issuer != "" {
		opts.AuthOptions = append(opts.AuthOptions, auth.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts.AuthOptions = append(opts.AuthOptions, auth.WithDefaultAudience(cfg.Audience))
	}
	if cfg.TokenTTLMinutes > 0 {
		opts.AuthOptions = append(opts.AuthOptions,
			auth.WithTTL(time.Duration(cfg.TokenTTLMinutes)*time.Minute))
	}
	if cfg.RefreshTokenTTLHours > 0 {
		opts.AuthOptions = append(opts.AuthOptions,
			auth.WithRefreshTTL(time.Duration(cfg.RefreshTokenTTLHours)*time.Hour))
	}
	if cfg.HeartbeatTimeoutMinutes > 0 {
		opts.ProvisioningOptions = append(opts.ProvisioningOptions,
			provisioning.WithHeartbeatTimeout(time.Duration(cfg.HeartbeatTimeoutMinutes)*time.Minute))
	}
	return opts
}

func applySchedulerConfig(bundle *platform.Bundle, cfg config.Config) {
	engine := bundle.Orchestration()
	switch cfg.Scheduler {
	case "priority":
		engine.SetSchedulerStrategy(orchestration.StrategyPriority)
	case "fairness_by_kind":
		engine.SetSchedulerStrategy(orchestration.StrategyFairnessByKind)
	default:
		engine.SetSchedulerStrategy(orchestration.StrategyFIFO)
	}
	for _, policy := range cfg.TaskPolicies {
		p := orchestration.TaskPolicy{
			MaxRetries:     policy.MaxRetries,
			BackoffSeconds: policy.BackoffSeconds,
			Priority:       policy.Priority,
		}
		if policy.LeaseSeconds != nil {
			p.Timeouts = &types.TaskTimeouts{LeaseSeconds: policy.LeaseSeconds}
		}
		engine.RegisterTaskPolicy(policy.Kind, p)
	}
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

func sweepLoop(bundle *platform.Bundle, interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	logger := log.WithComponent("sweep")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			suspended, err := bundle.Provisioning().SweepInactiveAgents()
			if err != nil {
				logger.Error().Err(err).Msg("heartbeat sweep failed")
				continue
			}
			if len(suspended) > 0 {
				logger.Warn().Int("count", len(suspended)).Msg("agents suspended")
			}
			if err := collectGauges(bundle.Store()); err != nil {
				logger.Error().Err(err).Msg("metrics collection failed")
			}
		case <-stop:
			return
		}
	}
}

// collectGauges refreshes the point-in-time gauges from storage. Counters are
// incremented at the call sites; only the countable state lives here.
func collectGauges(store storage.Store) error {
	tenants, err := store.ListTenants()
	if err != nil {
		return err
	}
	metrics.TenantsTotal.Set(float64(len(tenants)))

	agentsByStatus := make(map[types.AgentStatus]int)
	pending := 0
	for _, tenant := range tenants {
		agents, err := store.ListAgents(tenant.ID)
		if err != nil {
			return err
		}
		for _, agent := range agents {
			agentsByStatus[agent.Status]++
		}
		tasks, err := store.ListPendingTasks(tenant.ID)
		if err != nil {
			return err
		}
		pending += len(tasks)
	}
	for _, status := range []types.AgentStatus{
		types.AgentStatusRegistered,
		types.AgentStatusActive,
		types.AgentStatusSuspended,
	} {
		metrics.AgentsTotal.WithLabelValues(string(status)).Set(float64(agentsByStatus[status]))
	}
	metrics.TasksPending.Set(float64(pending))
	return nil
}
