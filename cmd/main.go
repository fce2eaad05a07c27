package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flashbots/go-template/common"
	rollupboost "github.com/flashbots/rollup-boost"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"golang.org/x/sync/errgroup"
)

var (
	rpcHost string
	rpcPort int

	l2HTTPAddr string
	l2HTTPPort int
	l2AuthAddr string
	l2AuthPort int
	l2JwtPath  string
	l2Timeout  time.Duration

	builderHTTPAddr string
	builderHTTPPort int
	builderAuthAddr string
	builderAuthPort int
	builderJwtPath  string
	builderTimeout  time.Duration

	boostSync bool

	metricsEnabled bool
	metricsHost    string
	metricsPort    int

	tracingEnabled bool
	otlpEndpoint   string

	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "rollup-boost",
	Short: "Engine API multiplexer between a rollup sequencer and an external block builder",
	Long:  ``,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func main() {
	flags := rootCmd.Flags()
	flags.StringVar(&rpcHost, "rpc-host", "0.0.0.0", "host to run the rpc server on")
	flags.IntVar(&rpcPort, "rpc-port", 8081, "port to run the rpc server on")

	flags.StringVar(&l2HTTPAddr, "l2-http-addr", "127.0.0.1", "l2 execution node http host")
	flags.IntVar(&l2HTTPPort, "l2-http-port", 8545, "l2 execution node http port")
	flags.StringVar(&l2AuthAddr, "l2-auth-addr", "127.0.0.1", "l2 execution node auth rpc host")
	flags.IntVar(&l2AuthPort, "l2-auth-port", 8551, "l2 execution node auth rpc port")
	flags.StringVar(&l2JwtPath, "l2-auth-jwtsecret", "", "path to the l2 jwt secret file")
	flags.DurationVar(&l2Timeout, "l2-timeout", 2*time.Second, "timeout for l2 requests")

	flags.StringVar(&builderHTTPAddr, "builder-http-addr", "127.0.0.1", "builder http host")
	flags.IntVar(&builderHTTPPort, "builder-http-port", 8546, "builder http port")
	flags.StringVar(&builderAuthAddr, "builder-auth-addr", "127.0.0.1", "builder auth rpc host")
	flags.IntVar(&builderAuthPort, "builder-auth-port", 8552, "builder auth rpc port")
	flags.StringVar(&builderJwtPath, "builder-auth-jwtsecret", "", "path to the builder jwt secret file")
	flags.DurationVar(&builderTimeout, "builder-timeout", 2*time.Second, "timeout for builder requests")

	flags.BoolVar(&boostSync, "boost-sync", false, "sync the builder node with newPayload and forkchoice fan-out")

	flags.BoolVar(&metricsEnabled, "metrics", false, "enable the prometheus metrics server")
	flags.StringVar(&metricsHost, "metrics-host", "0.0.0.0", "host to run the metrics server on")
	flags.IntVar(&metricsPort, "metrics-port", 9090, "port to run the metrics server on")

	flags.BoolVar(&tracingEnabled, "tracing", false, "enable otlp tracing")
	flags.StringVar(&otlpEndpoint, "otlp-endpoint", "http://localhost:4318", "otlp exporter endpoint")

	flags.StringVar(&logLevel, "log-level", "info", "log level")
	flags.StringVar(&logFormat, "log-format", "text", "log format (text or json)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := common.SetupLogger(&common.LoggingOpts{
		Service: "rollup-boost",
		JSON:    logFormat == "json",
		Debug:   logLevel == "debug" || logLevel == "trace",
		Version: common.Version,
	})

	l2Secret, err := rollupboost.JwtSecretFromFile(l2JwtPath)
	if err != nil {
		return fmt.Errorf("loading l2 jwt secret: %w", err)
	}
	builderSecret, err := rollupboost.JwtSecretFromFile(builderJwtPath)
	if err != nil {
		return fmt.Errorf("loading builder jwt secret: %w", err)
	}

	cfg := rollupboost.DefaultConfig()
	cfg.ListenAddr = fmt.Sprintf("%s:%d", rpcHost, rpcPort)
	cfg.BoostSync = boostSync
	cfg.Tracing = tracingEnabled
	cfg.L2 = &rollupboost.EndpointConfig{
		Name:      "l2",
		HTTPURL:   fmt.Sprintf("http://%s:%d", l2HTTPAddr, l2HTTPPort),
		AuthURL:   fmt.Sprintf("http://%s:%d", l2AuthAddr, l2AuthPort),
		JwtSecret: l2Secret,
		Timeout:   l2Timeout,
	}
	cfg.Builder = &rollupboost.EndpointConfig{
		Name:      "builder",
		HTTPURL:   fmt.Sprintf("http://%s:%d", builderHTTPAddr, builderHTTPPort),
		AuthURL:   fmt.Sprintf("http://%s:%d", builderAuthAddr, builderAuthPort),
		JwtSecret: builderSecret,
		Timeout:   builderTimeout,
	}

	if tracingEnabled {
		shutdown, err := initTracing(ctx, otlpEndpoint)
		if err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
		defer shutdown()
	}

	var metrics *rollupboost.Metrics
	if metricsEnabled {
		metrics = rollupboost.NewMetrics()
	}

	l2Client, err := rollupboost.NewExecutionClient(cfg.L2, log, metrics)
	if err != nil {
		return fmt.Errorf("creating l2 client: %w", err)
	}
	defer l2Client.Close()

	builderClient, err := rollupboost.NewExecutionClient(cfg.Builder, log, metrics)
	if err != nil {
		return fmt.Errorf("creating builder client: %w", err)
	}
	defer builderClient.Close()

	engineSrv := rollupboost.NewRollupBoostServer(l2Client, builderClient, boostSync, log, metrics)
	defer engineSrv.Close()

	proxy := rollupboost.NewProxy(cfg, engineSrv, log, metrics)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(proxy.Run)
	g.Go(func() error {
		<-ctx.Done()
		return proxy.Close()
	})

	if metrics != nil {
		metricsSrv := &http.Server{
			Addr:    fmt.Sprintf("%s:%d", metricsHost, metricsPort),
			Handler: metrics.Handler(),
		}
		g.Go(func() error {
			log.Info("Metrics server running", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != http.ErrServerClosed {
				return fmt.Errorf("metrics server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// initTracing wires the OTLP exporter and installs the W3C trace
// context propagator.
func initTracing(ctx context.Context, endpoint string) (func(), error) {
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, err
	}

	res, err := sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName("rollup-boost")),
	)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "failed to shut down tracer provider: %v\n", err)
		}
	}, nil
}
