package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/net/publicsuffix"

	"github.com/httpseal/nettrace/internal/config"
	"github.com/httpseal/nettrace/pkg/dns"
	"github.com/httpseal/nettrace/pkg/har"
	"github.com/httpseal/nettrace/pkg/inspect"
	"github.com/httpseal/nettrace/pkg/interceptor"
	"github.com/httpseal/nettrace/pkg/logger"
	"github.com/httpseal/nettrace/pkg/mirror"
	"github.com/httpseal/nettrace/pkg/query"
	"github.com/httpseal/nettrace/pkg/recorder"
	"github.com/httpseal/nettrace/pkg/sink"
	"github.com/httpseal/nettrace/pkg/traffic"
)

type fetchOptions struct {
	method     string
	data       string
	headers    []string
	hold       bool
	configFile string
	envFile    string
}

func newFetchCmd() *cobra.Command {
	cfg := config.New()
	opts := &fetchOptions{}

	cmd := &cobra.Command{
		Use:   "fetch [flags] URL...",
		Short: "Issue requests through the instrumented client",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cfg, opts); err != nil {
				return err
			}
			return runFetch(cmd.Context(), cfg, opts, args, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configFile, "config", config.GetDefaultConfigPath(), "Config file (.json, .yaml or .yml)")
	f.StringVar(&opts.envFile, "env-file", ".env", "Dotenv file with NETTRACE_* variables")
	f.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose output")
	f.BoolVarP(&cfg.Quiet, "quiet", "q", false, "Suppress console output (quiet mode)")

	// Request
	f.StringVarP(&opts.method, "method", "X", http.MethodGet, "HTTP method")
	f.StringVarP(&opts.data, "data", "d", "", "Request body")
	f.StringArrayVarP(&opts.headers, "header", "H", nil, "Request header 'Name: value' (can be repeated)")
	f.IntVarP(&cfg.Concurrency, "concurrency", "c", config.DefaultConcurrency, "Number of parallel requests")
	f.IntVar(&cfg.Timeout, "timeout", config.DefaultTimeout, "Request timeout in seconds (0 = none)")
	f.Int64Var(&cfg.CaptureLimit, "capture-limit", config.DefaultCaptureLimit, "Body bytes kept per message (0 = unlimited)")
	f.BoolVar(&cfg.DecodeBodies, "decode-bodies", true, "Store gzip, deflate and br bodies decoded")
	f.StringVar(&cfg.DNSServer, "dns-server", "", "Resolve host names through this DNS server (host[:port])")

	// Traffic logging and output
	f.StringVarP(&cfg.OutputFile, "output", "o", "", "Output traffic to file")
	f.StringVar(&cfg.OutputFormat, "format", config.DefaultOutputFormat, "Output format: text, json, csv, har")
	f.StringVar(&cfg.LogLevel, "log-level", config.DefaultLogLevel, "Console logging level: none, minimal, normal, verbose")
	f.IntVar(&cfg.MaxBodySize, "max-body-size", 0, "Maximum body size printed to the console (bytes, 0=unlimited)")
	f.StringSliceVar(&cfg.FilterDomains, "filter-domain", nil, "Only log traffic for these domains (can be repeated)")
	f.StringSliceVar(&cfg.ExcludeContentTypes, "exclude-content-type", nil, "Exclude these content types from logging")

	// Inspector
	f.StringVar(&cfg.InspectAddr, "inspect-addr", "", "Serve the inspector API on this address")
	f.BoolVar(&opts.hold, "hold", false, "Keep running after the requests finish until interrupted")

	// Wireshark integration
	f.BoolVar(&cfg.EnableMirror, "enable-mirror", false, "Replay exchanges as plain HTTP on loopback for Wireshark")
	f.IntVar(&cfg.MirrorPort, "mirror-port", config.DefaultMirrorPort, "HTTP mirror server port")

	// Archive sink
	f.StringVar(&cfg.Sink.Kind, "sink", "", "Store the HAR archive in: file, redis, s3, mongo")
	f.StringVar(&cfg.Sink.Dir, "sink-dir", "", "Directory for the file sink")
	f.StringVar(&cfg.Sink.RedisAddr, "redis-addr", "", "Redis address for the redis sink")
	f.StringVar(&cfg.Sink.RedisPassword, "redis-password", "", "Redis password")
	f.IntVar(&cfg.Sink.RedisDB, "redis-db", 0, "Redis database")
	f.DurationVar(&cfg.Sink.RedisTTL, "redis-ttl", 0, "Expiry of stored archives (0 = none)")
	f.StringVar(&cfg.Sink.S3Bucket, "s3-bucket", "", "Bucket for the s3 sink")
	f.StringVar(&cfg.Sink.S3Region, "s3-region", "", "Region for the s3 sink")
	f.StringVar(&cfg.Sink.S3Endpoint, "s3-endpoint", "", "Custom S3 endpoint (path-style addressing)")
	f.StringVar(&cfg.Sink.S3Prefix, "s3-prefix", "", "Key prefix for the s3 sink")
	f.StringVar(&cfg.Sink.MongoURI, "mongo-uri", "", "Connection URI for the mongo sink")
	f.StringVar(&cfg.Sink.MongoDatabase, "mongo-database", "", "Database for the mongo sink")
	f.StringVar(&cfg.Sink.MongoCollection, "mongo-collection", "", "Collection for the mongo sink")

	return cmd
}

// loadConfig merges environment and config file values below the flags.
func loadConfig(cfg *config.Config, opts *fetchOptions) error {
	envCfg, err := config.LoadEnv(opts.envFile)
	if err != nil {
		return err
	}
	if err := cfg.MergeWithFileConfig(envCfg); err != nil {
		return err
	}
	fileCfg, err := config.LoadConfigFile(opts.configFile)
	if err != nil {
		return err
	}
	if err := cfg.MergeWithFileConfig(fileCfg); err != nil {
		return err
	}
	return cfg.Validate()
}

func runFetch(ctx context.Context, cfg *config.Config, opts *fetchOptions, urls []string, stdout io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var console logger.Logger
	if cfg.Quiet {
		console = logger.NewWithWriter(nil, false)
	} else {
		console = logger.NewWithWriter(stdout, cfg.Verbose)
	}

	trafficLog, err := logger.NewTrafficLogger(console, cfg.TrafficOptions())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer trafficLog.Close()

	console.Info("Starting NetTrace v%s", version)

	rec := recorder.New(recorder.WithLogger(console))

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())
	metrics, err := interceptor.NewMetrics(provider.Meter("github.com/httpseal/nettrace"))
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	client, err := newClient(cfg, console)
	if err != nil {
		return err
	}
	interceptor.Install(client, rec,
		interceptor.WithMaxBodySize(cfg.CaptureLimit),
		interceptor.WithDecodeBodies(cfg.DecodeBodies),
		interceptor.WithMetrics(metrics),
		interceptor.WithLogger(console),
	)

	tail := recorder.NewTail(rec, trafficLog.Handle)
	defer tail.Stop()

	if cfg.EnableMirror {
		mirrorServer := mirror.NewServer(cfg.MirrorPort, console)
		if err := mirrorServer.Start(); err != nil {
			return fmt.Errorf("failed to start mirror server: %w", err)
		}
		defer mirrorServer.Stop()
		mirrorTail := recorder.NewTail(rec, mirrorServer.Handle)
		defer mirrorTail.Stop()
	}

	var inspector *inspect.Server
	if cfg.InspectAddr != "" {
		engine, err := query.NewEngine(console)
		if err != nil {
			return fmt.Errorf("failed to create query engine: %w", err)
		}
		inspector = inspect.New(cfg.InspectAddr, rec, engine, console)
		go func() {
			if err := inspector.Start(); err != nil {
				console.Error("Inspector stopped: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			inspector.Shutdown(shutdownCtx)
		}()
	}

	failed := fetchAll(ctx, client, cfg.Concurrency, opts, urls, console)
	tail.Flush()

	entries := rec.Entries()
	if cfg.OutputFormat == logger.FormatHAR && cfg.OutputFile != "" {
		if err := har.NewExporter().ExportFile(entries, cfg.OutputFile); err != nil {
			return err
		}
		console.Info("Wrote %d entries to %s", len(entries), cfg.OutputFile)
	}
	if cfg.Sink.Kind != "" {
		if err := storeArchive(ctx, cfg.Sink, entries, console); err != nil {
			return err
		}
	}
	if cfg.Verbose {
		printMetrics(ctx, reader, console)
	}

	if opts.hold {
		waitForSignal(ctx, console)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, len(urls))
	}
	return nil
}

func newClient(cfg *config.Config, log logger.Logger) (*http.Client, error) {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.DNSServer != "" {
		resolver := dns.NewResolver(cfg.DNSServer, log)
		base.DialContext = resolver.DialContext
		log.Info("Resolving host names through %s", resolver.Server())
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	return &http.Client{
		Transport: base,
		Jar:       jar,
		Timeout:   cfg.RequestTimeout(),
	}, nil
}

// fetchAll issues one request per URL with at most concurrency in flight
// and returns the number of failures.
func fetchAll(ctx context.Context, client *http.Client, concurrency int, opts *fetchOptions, urls []string, log logger.Logger) int {
	if concurrency < 1 {
		concurrency = 1
	}
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
		sem    = make(chan struct{}, concurrency)
	)
	for _, rawURL := range urls {
		wg.Add(1)
		sem <- struct{}{}
		go func(rawURL string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fetchOne(ctx, client, opts, rawURL); err != nil {
				log.Error("%s %s: %v", opts.method, rawURL, err)
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(rawURL)
	}
	wg.Wait()
	return failed
}

func fetchOne(ctx context.Context, client *http.Client, opts *fetchOptions, rawURL string) error {
	var body io.Reader
	if opts.data != "" {
		body = strings.NewReader(opts.data)
	}
	req, err := http.NewRequestWithContext(ctx, opts.method, rawURL, body)
	if err != nil {
		return err
	}
	for _, h := range opts.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("invalid header %q", h)
		}
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

func storeArchive(ctx context.Context, cfg sink.Config, entries []traffic.Entry, log logger.Logger) error {
	data, err := har.NewExporter().Export(entries)
	if errors.Is(err, har.ErrEmptyInput) {
		log.Warn("Nothing to store")
		return nil
	}
	if err != nil {
		return err
	}

	s, closeSink, err := sink.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s sink: %w", cfg.Kind, err)
	}
	defer closeSink()

	name := fmt.Sprintf("nettrace-%s.har", time.Now().UTC().Format("20060102T150405Z"))
	location, err := s.Store(ctx, name, data)
	if err != nil {
		return fmt.Errorf("failed to store archive: %w", err)
	}
	log.Info("Stored archive at %s", location)
	return nil
}

func printMetrics(ctx context.Context, reader *sdkmetric.ManualReader, log logger.Logger) {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		log.Warn("Failed to collect metrics: %v", err)
		return
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				var total int64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				log.Debug("%s = %d", m.Name, total)
			case metricdata.Histogram[float64]:
				var (
					count uint64
					sum   float64
				)
				for _, dp := range data.DataPoints {
					count += dp.Count
					sum += dp.Sum
				}
				if count > 0 {
					log.Debug("%s: count=%d mean=%.3fs", m.Name, count, sum/float64(count))
				}
			}
		}
	}
}

func waitForSignal(ctx context.Context, log logger.Logger) {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Info("Holding, press Ctrl-C to exit")
	<-sigCtx.Done()
	log.Info("Shutting down...")
}
