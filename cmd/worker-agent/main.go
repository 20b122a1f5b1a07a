package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gridfarm/worker-agent/pkg/agent"
	"github.com/gridfarm/worker-agent/pkg/api"
	"github.com/gridfarm/worker-agent/pkg/mtls"
	"github.com/gridfarm/worker-agent/pkg/observability"
	agentruntime "github.com/gridfarm/worker-agent/pkg/runtime"
)

var (
	// Build information (set via ldflags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	logger *zap.Logger

	rootCmd = &cobra.Command{
		Use:   "worker-agent",
		Short: "GridFarm Worker Agent - runs render farm work on this host",
		Long: `The GridFarm Worker Agent registers this host with a farm fleet, polls the
service for session assignments, and runs their actions through the action
adapter until the service or an operator winds the worker down.`,
		RunE: run,
	}
)

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file path")
	rootCmd.PersistentFlags().String("farm-id", "", "Farm the worker joins")
	rootCmd.PersistentFlags().String("fleet-id", "", "Fleet the worker joins")
	rootCmd.PersistentFlags().String("endpoint", "", "Farm service endpoint URL")
	rootCmd.PersistentFlags().String("state-dir", agent.DefaultStateDir, "Directory for worker identity, credentials, and session workspaces")
	rootCmd.PersistentFlags().String("log-dir", agent.DefaultLogDir, "Directory for session logs")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("metrics-addr", "127.0.0.1:9090", "Metrics server bind address")
	rootCmd.PersistentFlags().StringSlice("adapter-command", []string{agentruntime.DefaultAdapterPath}, "Action adapter invocation")
	rootCmd.PersistentFlags().Duration("action-timeout", 0, "Upper bound on a single action run (0 for unbounded)")
	rootCmd.PersistentFlags().Duration("cancel-grace", 0, "Cleanup time a canceled action gets before its process tree is killed")
	rootCmd.PersistentFlags().Duration("drain-budget", 90*time.Second, "Wall-clock budget for a worker-initiated drain")
	rootCmd.PersistentFlags().Duration("request-timeout", 30*time.Second, "Timeout for each farm service request")
	rootCmd.PersistentFlags().Int("entity-attempts", 0, "Tries for one job entity batch before its actions fail (0 for the standard bound)")
	rootCmd.PersistentFlags().String("ca-bundle", "", "PEM bundle of CA certificates trusted for the farm endpoint")
	rootCmd.PersistentFlags().String("client-cert", "", "PEM client certificate presented to the farm endpoint")
	rootCmd.PersistentFlags().String("client-key", "", "Private key for the client certificate")
	rootCmd.PersistentFlags().String("tls-server-name", "", "Hostname verified against the farm endpoint certificate")
	rootCmd.PersistentFlags().Bool("shutdown-on-stop", false, "Power the host down after a service-directed stop")
	rootCmd.PersistentFlags().Bool("delete-on-stop", false, "Delete the worker record after a clean stop")
	rootCmd.PersistentFlags().Bool("retain-session-dirs", false, "Keep session working directories after teardown")
	rootCmd.PersistentFlags().Bool("re-register", false, "Register a fresh worker when the service has forgotten this one")
	rootCmd.PersistentFlags().Bool("disable-host-metrics", false, "Turn the periodic host telemetry report off")
	rootCmd.PersistentFlags().Duration("host-metrics-interval", time.Minute, "Host telemetry report interval")
	rootCmd.PersistentFlags().String("termination-check-url", "", "Metadata URL polled for host termination notices")
	rootCmd.PersistentFlags().Bool("run-as-agent", false, "Run job subprocesses as the agent user")
	rootCmd.PersistentFlags().String("run-as-user", "", "POSIX user job subprocesses run as")
	rootCmd.PersistentFlags().String("run-as-group", "", "POSIX group job subprocesses run as")
	rootCmd.PersistentFlags().Bool("tracing-enabled", false, "Enable distributed tracing")
	rootCmd.PersistentFlags().String("tracing-endpoint", "localhost:4317", "OTLP trace collector endpoint")
	rootCmd.PersistentFlags().Float64("tracing-sample-rate", 1.0, "Trace sampling rate")
	rootCmd.PersistentFlags().Bool("tracing-insecure", true, "Use plaintext transport for the trace collector")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("farm_id", rootCmd.PersistentFlags().Lookup("farm-id"))
	viper.BindPFlag("fleet_id", rootCmd.PersistentFlags().Lookup("fleet-id"))
	viper.BindPFlag("endpoint", rootCmd.PersistentFlags().Lookup("endpoint"))
	viper.BindPFlag("state_dir", rootCmd.PersistentFlags().Lookup("state-dir"))
	viper.BindPFlag("log_dir", rootCmd.PersistentFlags().Lookup("log-dir"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("metrics_addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))
	viper.BindPFlag("adapter_command", rootCmd.PersistentFlags().Lookup("adapter-command"))
	viper.BindPFlag("action_timeout", rootCmd.PersistentFlags().Lookup("action-timeout"))
	viper.BindPFlag("cancel_grace", rootCmd.PersistentFlags().Lookup("cancel-grace"))
	viper.BindPFlag("drain_budget", rootCmd.PersistentFlags().Lookup("drain-budget"))
	viper.BindPFlag("request_timeout", rootCmd.PersistentFlags().Lookup("request-timeout"))
	viper.BindPFlag("entity_attempts", rootCmd.PersistentFlags().Lookup("entity-attempts"))
	viper.BindPFlag("ca_bundle", rootCmd.PersistentFlags().Lookup("ca-bundle"))
	viper.BindPFlag("client_cert", rootCmd.PersistentFlags().Lookup("client-cert"))
	viper.BindPFlag("client_key", rootCmd.PersistentFlags().Lookup("client-key"))
	viper.BindPFlag("tls_server_name", rootCmd.PersistentFlags().Lookup("tls-server-name"))
	viper.BindPFlag("shutdown_on_stop", rootCmd.PersistentFlags().Lookup("shutdown-on-stop"))
	viper.BindPFlag("delete_on_stop", rootCmd.PersistentFlags().Lookup("delete-on-stop"))
	viper.BindPFlag("retain_session_dirs", rootCmd.PersistentFlags().Lookup("retain-session-dirs"))
	viper.BindPFlag("re_register", rootCmd.PersistentFlags().Lookup("re-register"))
	viper.BindPFlag("disable_host_metrics", rootCmd.PersistentFlags().Lookup("disable-host-metrics"))
	viper.BindPFlag("host_metrics_interval", rootCmd.PersistentFlags().Lookup("host-metrics-interval"))
	viper.BindPFlag("termination_check_url", rootCmd.PersistentFlags().Lookup("termination-check-url"))
	viper.BindPFlag("run_as_agent", rootCmd.PersistentFlags().Lookup("run-as-agent"))
	viper.BindPFlag("run_as_user", rootCmd.PersistentFlags().Lookup("run-as-user"))
	viper.BindPFlag("run_as_group", rootCmd.PersistentFlags().Lookup("run-as-group"))
	viper.BindPFlag("tracing.enabled", rootCmd.PersistentFlags().Lookup("tracing-enabled"))
	viper.BindPFlag("tracing.endpoint", rootCmd.PersistentFlags().Lookup("tracing-endpoint"))
	viper.BindPFlag("tracing.sample_rate", rootCmd.PersistentFlags().Lookup("tracing-sample-rate"))
	viper.BindPFlag("tracing.insecure", rootCmd.PersistentFlags().Lookup("tracing-insecure"))

	viper.SetEnvPrefix("GRIDFARM_WORKER")
	viper.AutomaticEnv()

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("GridFarm Worker Agent\n")
			fmt.Printf("  Version:    %s\n", Version)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Git Commit: %s\n", GitCommit)
			fmt.Printf("  Go Version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "inspect",
		Short: "Inspect the capabilities this host would advertise",
		RunE:  inspect,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if err := loadConfigFile(); err != nil {
		return err
	}

	var err error
	logger, err = observability.NewLogger(viper.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting GridFarm worker agent",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH),
	)

	tracer, err := observability.NewTracerProvider(observability.TracerConfig{
		Enabled:        viper.GetBool("tracing.enabled"),
		Endpoint:       viper.GetString("tracing.endpoint"),
		ServiceName:    "gridfarm-worker-agent",
		ServiceVersion: Version,
		SampleRate:     viper.GetFloat64("tracing.sample_rate"),
		Insecure:       viper.GetBool("tracing.insecure"),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Tracer shutdown failed", zap.Error(err))
		}
	}()

	events := observability.NewEventStream(observability.EventStreamConfig{}, logger)

	runner, err := agentruntime.NewProcessRunner(agentruntime.ProcessRunnerConfig{
		Command: viper.GetStringSlice("adapter_command"),
		Timeout: viper.GetDuration("action_timeout"),
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create action runner: %w", err)
	}

	endpoint := viper.GetString("endpoint")
	if endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}

	tlsSettings := mtls.ClientConfig{
		CABundlePath:    viper.GetString("ca_bundle"),
		CertificatePath: viper.GetString("client_cert"),
		PrivateKeyPath:  viper.GetString("client_key"),
		ServerName:      viper.GetString("tls_server_name"),
		Logger:          logger,
	}
	var tlsConfig *tls.Config
	if !tlsSettings.Empty() {
		tlsConfig, err = mtls.Build(tlsSettings)
		if err != nil {
			return fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	requestTimeout := viper.GetDuration("request_timeout")
	factory := func(creds api.CredentialsProvider) (api.WorkerService, error) {
		return api.NewHTTPClient(api.HTTPClientConfig{
			BaseURL:     endpoint,
			Credentials: creds,
			Logger:      logger,
			Events:      events,
			Timeout:     requestTimeout,
			UserAgent:   "gridfarm-worker-agent/" + Version,
			TLS:         tlsConfig,
		})
	}

	var amounts map[string]float64
	if err := viper.UnmarshalKey("capabilities.amounts", &amounts); err != nil {
		return fmt.Errorf("invalid capability amounts: %w", err)
	}
	var attributes map[string][]string
	if err := viper.UnmarshalKey("capabilities.attributes", &attributes); err != nil {
		return fmt.Errorf("invalid capability attributes: %w", err)
	}

	config := agent.Config{
		FarmID:               viper.GetString("farm_id"),
		FleetID:              viper.GetString("fleet_id"),
		NewService:           factory,
		BootstrapCredentials: bootstrapCredentials(),
		Runner:               runner,
		StateDir:             viper.GetString("state_dir"),
		LogDir:               viper.GetString("log_dir"),
		DisableHostMetrics:   viper.GetBool("disable_host_metrics"),
		HostMetricsInterval:  viper.GetDuration("host_metrics_interval"),
		ShutdownOnStop:       viper.GetBool("shutdown_on_stop"),
		DeleteOnStop:         viper.GetBool("delete_on_stop"),
		RetainSessionDirs:    viper.GetBool("retain_session_dirs"),
		ReRegisterOnNotFound: viper.GetBool("re_register"),
		JobUser:              jobUser(),
		CapabilityAmounts:    amounts,
		CapabilityAttributes: attributes,
		EntityAttempts:       viper.GetInt("entity_attempts"),
		CancelGrace:          viper.GetDuration("cancel_grace"),
		DrainBudget:          viper.GetDuration("drain_budget"),
		TerminationCheckURL:  viper.GetString("termination_check_url"),
		HandleSignals:        true,
		Version:              Version,
		Logger:               logger,
		Events:               events,
	}
	if config.ShutdownOnStop {
		config.ShutdownHost = shutdownHost
	}

	worker, err := agent.New(config)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	metrics := observability.NewMetricsServer(viper.GetString("metrics_addr"), logger, worker.Ready)
	if err := metrics.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	runErr := worker.Run(context.Background())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metrics.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping metrics server", zap.Error(err))
	}

	if runErr != nil {
		logger.Error("Worker agent exited with error", zap.Error(runErr))
		return runErr
	}
	logger.Info("Worker agent stopped")
	return nil
}

// loadConfigFile reads the explicit --config file, or /etc/gridfarm/worker.*
// when present.
func loadConfigFile() error {
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		return nil
	}

	viper.SetConfigName("worker")
	viper.AddConfigPath("/etc/gridfarm")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

// bootstrapCredentials reads the registration credential set from the
// environment. Fleets with host-based registration leave these unset and
// CreateWorker goes out unsigned.
func bootstrapCredentials() api.CredentialsProvider {
	accessKey := os.Getenv("GRIDFARM_BOOTSTRAP_ACCESS_KEY_ID")
	secretKey := os.Getenv("GRIDFARM_BOOTSTRAP_SECRET_ACCESS_KEY")
	if accessKey == "" || secretKey == "" {
		return api.AnonymousCredentials{}
	}
	return api.StaticCredentials{Credentials: api.TemporaryCredentials{
		AccessKeyID:     accessKey,
		SecretAccessKey: secretKey,
		SessionToken:    os.Getenv("GRIDFARM_BOOTSTRAP_SESSION_TOKEN"),
	}}
}

func jobUser() *agent.JobUser {
	if viper.GetBool("run_as_agent") {
		return &agent.JobUser{RunAsAgent: true}
	}
	user := viper.GetString("run_as_user")
	group := viper.GetString("run_as_group")
	if user == "" && group == "" {
		return nil
	}
	return &agent.JobUser{User: user, Group: group}
}

// shutdownHost powers the host down after a service-directed stop.
func shutdownHost(ctx context.Context) error {
	logger.Info("Requesting host shutdown")
	out, err := exec.CommandContext(ctx, "shutdown", "-h", "now").CombinedOutput()
	if err != nil {
		return fmt.Errorf("shutdown command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func inspect(cmd *cobra.Command, args []string) error {
	log, err := observability.NewLogger("warn")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	caps, host := agent.InspectHost(&agent.Config{
		StateDir: viper.GetString("state_dir"),
	}, log)

	fmt.Println("Worker Host Inspection")
	fmt.Println("======================")
	fmt.Printf("Operating System: %s\n", runtime.GOOS)
	fmt.Printf("Architecture:     %s\n", runtime.GOARCH)
	fmt.Printf("Go Version:       %s\n", runtime.Version())
	if host != nil {
		fmt.Printf("Host Name:        %s\n", host.HostName)
		if host.IPAddresses != nil {
			fmt.Printf("IPv4 Addresses:   %s\n", strings.Join(host.IPAddresses.IPV4Addresses, ", "))
			if len(host.IPAddresses.IPV6Addresses) > 0 {
				fmt.Printf("IPv6 Addresses:   %s\n", strings.Join(host.IPAddresses.IPV6Addresses, ", "))
			}
		}
	}

	fmt.Println("\nDetected Capabilities:")
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Capability", "Value")
	for _, amount := range caps.Amounts {
		table.Append([]string{amount.Name, strconv.FormatFloat(amount.Value, 'f', -1, 64)})
	}
	for _, attribute := range caps.Attributes {
		table.Append([]string{attribute.Name, strings.Join(attribute.Values, ", ")})
	}
	table.Render()

	return nil
}
