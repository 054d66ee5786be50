// Package app provides the entry point for the toolgate command-line
// application: serve, version, and validate subcommands, following the
// teacher's cobra/viper root-command shape (cmd/vmcp/app).
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/toolgating/toolgating/internal/config"
	"github.com/toolgating/toolgating/internal/logger"
	"github.com/toolgating/toolgating/pkg/gating/api"
	"github.com/toolgating/toolgating/pkg/gating/authz"
	"github.com/toolgating/toolgating/pkg/gating/discovery"
	"github.com/toolgating/toolgating/pkg/gating/embed"
	"github.com/toolgating/toolgating/pkg/gating/health"
	"github.com/toolgating/toolgating/pkg/gating/metatools"
	"github.com/toolgating/toolgating/pkg/gating/metrics"
	"github.com/toolgating/toolgating/pkg/gating/proxy"
	"github.com/toolgating/toolgating/pkg/gating/registry"
	"github.com/toolgating/toolgating/pkg/gating/session"
)

// Default health-monitor tuning applied when the config file's health
// section is left at its zero value, so serve always exercises the
// monitor rather than requiring every deployment to tune it explicitly.
const (
	defaultCheckInterval      = 30 * time.Second
	defaultUnhealthyThreshold = 3
	defaultCircuitTimeout     = 30 * time.Second
	defaultCircuitThreshold   = 5
)

// version is overwritten at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:               "toolgate",
	DisableAutoGenTag: true,
	Short:             "Tool-gating proxy - discover, provision, and execute tools across many MCP backends",
	Long: `toolgate is a proxy that sits between one MCP client and many MCP backend
servers. It indexes every backend's tools into a semantic registry and exposes
discover/provision/execute/register as either an HTTP surface or an MCP
meta-toolset, so a client only ever sees the tools it actually needs.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates the toolgate root command.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the backend config file (required)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newValidateCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect every configured backend and start serving",
		Long: `Load the backend config file, connect to and index every configured MCP
backend, then serve discover/provision/execute/register over HTTP (default)
or as an MCP server over stdio (--stdio), for a thin outer collaborator to
consume.`,
		RunE: runServe,
	}

	cmd.Flags().String("host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().Int("port", 8080, "Port to listen on")
	cmd.Flags().Bool("stdio", false, "Serve the discover/provision/execute/register meta-tools as an MCP server over stdio instead of HTTP")
	cmd.Flags().String("embedder-url", "", "Base URL of the embedding HTTP service (omit to use the deterministic fake embedder)")
	cmd.Flags().Int("embedder-dim", 256, "Embedding vector dimension")
	cmd.Flags().Int("max-concurrent-connects", 0, "Bound on parallel backend connects at startup (<=0 uses the default)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infof("toolgate version: %s", version)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the backend config file",
		RunE: func(_ *cobra.Command, _ []string) error {
			path := viper.GetString("config")
			if path == "" {
				return fmt.Errorf("no config file specified, use --config")
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			logger.Infof("configuration is valid: %d backend(s) configured", len(cfg.Servers))
			return nil
		},
	}
}

// exitCode maps a startup failure onto the process exit codes spec §6
// defines: 1 config error, 2 embedder init failure, 3 fatal shutdown I/O.
func exitCode(code int, err error) error {
	logger.Errorf("%v", err)
	os.Exit(code)
	return nil // unreachable
}

//nolint:gocyclo // startup wiring: one function, linear sequence, matches teacher's runServe shape
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	path := viper.GetString("config")
	if path == "" {
		return exitCode(1, fmt.Errorf("no config file specified, use --config"))
	}
	cfg, err := config.Load(path)
	if err != nil {
		return exitCode(1, fmt.Errorf("loading config: %w", err))
	}

	embedderURL, _ := cmd.Flags().GetString("embedder-url")
	dim, _ := cmd.Flags().GetInt("embedder-dim")

	var embedder embed.Client
	if embedderURL != "" {
		httpClient := embed.NewHTTPClient(embedderURL, dim)
		if _, err := httpClient.Embed(ctx, "toolgate startup warmup"); err != nil {
			return exitCode(2, fmt.Errorf("embedder unreachable at %q: %w", embedderURL, err))
		}
		embedder = httpClient
		logger.Infof("using HTTP embedder at %s (dim=%d)", embedderURL, dim)
	} else {
		embedder = embed.NewFakeEmbeddingClient(dim)
		logger.Warnf("no --embedder-url given, using the deterministic fake embedder (dim=%d); discovery scores will not reflect real semantics", dim)
	}

	gate := buildAuthzGate(cfg.Authz)

	reg := registry.New(embedder)
	engine := discovery.New(reg, embedder, discovery.WithGate(gate))
	sessions := session.NewManager(session.DefaultTerminateGrace,
		session.WithCallRateLimit(session.DefaultCallsPerSecond, session.DefaultCallBurst))

	proxyOpts := []proxy.Option{proxy.WithAuthzGate(gate)}
	if monitor := buildHealthMonitor(cfg.Health, proxy.NewSessionProber(sessions)); monitor != nil {
		proxyOpts = append(proxyOpts, proxy.WithHealthMonitor(monitor))
	}
	prox := proxy.New(reg, sessions, proxyOpts...)

	maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent-connects")
	logger.Infof("connecting %d configured backend(s)...", len(cfg.Servers))
	prox.Start(ctx, cfg.Servers, maxConcurrent)
	for _, rec := range prox.ListServers() {
		logger.Infow("backend startup result", "backend", rec.Name, "status", rec.Status, "tools", len(rec.ToolIDs))
	}

	stdio, _ := cmd.Flags().GetBool("stdio")
	if stdio {
		mcpServer := metatools.NewServer(version, engine, reg, prox, gate)
		logger.Infof("serving meta-tools over stdio")
		err := server.ServeStdio(mcpServer)
		prox.Shutdown(context.Background())
		if err != nil {
			return exitCode(3, fmt.Errorf("stdio server: %w", err))
		}
		return nil
	}

	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	addr := fmt.Sprintf("%s:%d", host, port)

	rec, err := metrics.New("toolgate")
	if err != nil {
		logger.Warnf("metrics disabled: %v", err)
		rec = nil
	}

	router := api.NewRouter(api.Deps{
		Discoverer: engine,
		Registry:   reg,
		Proxy:      prox,
		Metrics:    rec,
		Authz:      gate,
		Configured: cfg.Servers,
	})
	if err := api.Serve(ctx, addr, router); err != nil {
		prox.Shutdown(context.Background())
		return exitCode(3, err)
	}
	prox.Shutdown(context.Background())
	return nil
}

// buildAuthzGate constructs the Cedar gate from the config file's policy
// statements. An empty policy list leaves authorization disabled (nil gate,
// authz.NewGate rejects an empty set since a no-policy gate would deny
// everything rather than permit it).
func buildAuthzGate(cfg config.AuthzConfig) *authz.Gate {
	if len(cfg.Policies) == 0 {
		return nil
	}
	gate, err := authz.NewGate(cfg.Policies)
	if err != nil {
		logger.Warnf("authz disabled: %v", err)
		return nil
	}
	logger.Infof("authz enabled: %d cedar polic(ies) loaded", len(cfg.Policies))
	return gate
}

// buildHealthMonitor constructs the periodic health monitor from the config
// file's health section, falling back to sane defaults when it is left at
// its zero value, and treating construction failure as best-effort (health
// monitoring disabled, serve still starts), mirroring the metrics.New
// fallback just below it.
func buildHealthMonitor(cfg config.HealthConfig, prober health.Prober) *health.Monitor {
	checkInterval := time.Duration(cfg.CheckIntervalSeconds) * time.Second
	if checkInterval <= 0 {
		checkInterval = defaultCheckInterval
	}
	threshold := cfg.UnhealthyThreshold
	if threshold <= 0 {
		threshold = defaultUnhealthyThreshold
	}

	monitorCfg := health.MonitorConfig{
		CheckInterval:      checkInterval,
		UnhealthyThreshold: threshold,
		Timeout:            checkInterval,
	}
	if cfg.CircuitBreaker != nil {
		timeout := time.Duration(cfg.CircuitBreaker.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = defaultCircuitTimeout
		}
		failureThreshold := cfg.CircuitBreaker.FailureThreshold
		if failureThreshold <= 0 {
			failureThreshold = defaultCircuitThreshold
		}
		monitorCfg.CircuitBreaker = &health.CircuitBreakerConfig{
			Enabled:          cfg.CircuitBreaker.Enabled,
			FailureThreshold: failureThreshold,
			Timeout:          timeout,
		}
	}

	monitor, err := health.NewMonitor(prober, monitorCfg)
	if err != nil {
		logger.Warnf("health monitoring disabled: %v", err)
		return nil
	}
	return monitor
}
