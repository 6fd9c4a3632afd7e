// Command assetcache loads assets through a two-tier cache and reports
// cache statistics. Every key is requested -repeat times concurrently so
// the output shows single-flight coalescing and tier hits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/assetcache"
	"github.com/meigma/assetcache/codec/zstd"
	"github.com/meigma/assetcache/internal/config"
	"github.com/meigma/assetcache/metrics"
	"github.com/meigma/assetcache/reader/cas"
	readerfs "github.com/meigma/assetcache/reader/fs"
	readerhttp "github.com/meigma/assetcache/reader/http"
	readerredis "github.com/meigma/assetcache/reader/redis"
)

type flags struct {
	configPath  string
	repeat      int
	metricsAddr string
	serve       bool
}

func main() {
	f := parseFlags()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, f, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "assetcache: %v\n", err)
		os.Exit(1) //nolint:gocritic // stop is a no-op on exit
	}
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "path to config file (yaml, json or toml)")
	flag.IntVar(&f.repeat, "repeat", 1, "number of concurrent requests per key")
	flag.StringVar(&f.metricsAddr, "metrics-addr", "", "serve /metrics on this address (overrides config)")
	flag.BoolVar(&f.serve, "serve", false, "keep serving metrics after requests complete until interrupted")
	flag.Parse()
	return f
}

func run(ctx context.Context, f flags, keys []string, out io.Writer) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Addr = f.metricsAddr
	}
	if f.repeat < 1 {
		return errors.New("-repeat must be >= 1")
	}
	logger := cfg.Logging.NewLogger(os.Stderr)

	reader, closeReader, err := openReader(ctx, cfg.Reader)
	if err != nil {
		return err
	}
	defer closeReader()

	decoder := zstd.NewDecoder(codecOptions(cfg.Codec)...)
	cache, err := assetcache.New[[]byte](reader, decoder,
		assetcache.WithEncodedBudget(cfg.Cache.EncodedBudget),
		assetcache.WithDecodedBudget(cfg.Cache.DecodedBudget),
		assetcache.WithMaxEncodedEntryBytes(cfg.Cache.MaxEncodedEntry),
		assetcache.WithMaxDecodedEntryCost(cfg.Cache.MaxDecodedEntry),
		assetcache.WithCostFunc(func(b []byte) int64 { return int64(len(b)) }),
		assetcache.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		shutdown := serveMetrics(cfg.Metrics.Addr, cache, logger)
		defer shutdown()
	}

	policy := assetcache.AlwaysCacheIfAbsent
	if cfg.Cache.MaxCacheSize > 0 {
		policy = assetcache.CacheIfSizeAtMost(cfg.Cache.MaxCacheSize)
	}

	sizes, err := requestAll(ctx, cache, keys, f.repeat, policy)
	if err != nil {
		return err
	}
	for _, key := range keys {
		fmt.Fprintf(out, "%s\t%d bytes\n", key, sizes[key])
	}
	fmt.Fprintln(out)
	if err := printStats(out, cache.Stats()); err != nil {
		return err
	}

	if f.serve && cfg.Metrics.Addr != "" {
		logger.Info("serving metrics until interrupted", slog.String("addr", cfg.Metrics.Addr))
		<-ctx.Done()
	}
	return nil
}

// requestAll issues repeat concurrent requests for every key and returns the
// decoded size observed for each.
func requestAll(ctx context.Context, cache *assetcache.Cache[[]byte], keys []string, repeat int, policy assetcache.Policy) (map[string]int, error) {
	var mu sync.Mutex
	sizes := make(map[string]int, len(keys))

	g, ctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		for range repeat {
			g.Go(func() error {
				v, err := cache.Get(ctx, assetcache.Key(key), policy)
				if err != nil {
					return err
				}
				mu.Lock()
				sizes[key] = len(v)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sizes, nil
}

func openReader(ctx context.Context, cfg config.ReaderConfig) (assetcache.Reader, func(), error) {
	noop := func() {}
	switch cfg.Kind {
	case config.ReaderFS:
		var opts []readerfs.Option
		if cfg.Extension != "" {
			opts = append(opts, readerfs.WithExtension(cfg.Extension))
		}
		r, err := readerfs.New(cfg.Dir, opts...)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	case config.ReaderCAS:
		r, err := cas.New(cfg.Dir, cas.WithVerify(cfg.Verify))
		if err != nil {
			return nil, nil, err
		}
		return r, noop, nil
	case config.ReaderHTTP:
		headers := make(http.Header, len(cfg.Headers))
		for k, v := range cfg.Headers {
			headers.Set(k, v)
		}
		r, err := readerhttp.New(cfg.URL,
			readerhttp.WithClient(&http.Client{Timeout: 30 * time.Second}),
			readerhttp.WithHeaders(headers),
		)
		if err != nil {
			return nil, nil, err
		}
		return r, noop, nil
	case config.ReaderRedis:
		r, err := readerredis.Dial(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB,
			readerredis.WithKeyPrefix(cfg.Redis.KeyPrefix))
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown reader kind %q", cfg.Kind)
	}
}

func codecOptions(cfg config.CodecConfig) []zstd.Option {
	opts := []zstd.Option{
		zstd.WithMaxSize(cfg.MaxSize),
		zstd.WithMaxMemory(cfg.MaxMemory),
		zstd.WithConcurrency(cfg.Concurrency),
		zstd.WithLowmem(cfg.Lowmem),
	}
	if cfg.RawFallback {
		opts = append(opts, zstd.WithRawFallback())
	}
	return opts
}

func serveMetrics(addr string, source metrics.StatsSource, logger *slog.Logger) func() {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector("default", source),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", slog.Any("error", err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func printStats(out io.Writer, s assetcache.Stats) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	rows := []struct {
		name  string
		value any
	}{
		{"encoded bytes", fmt.Sprintf("%d / %d", s.EncodedBytes, s.EncodedBudget)},
		{"encoded entries", s.EncodedEntries},
		{"decoded cost", fmt.Sprintf("%d / %d", s.DecodedCost, s.DecodedBudget)},
		{"decoded entries", s.DecodedEntries},
		{"decoded hits", s.DecodedHits},
		{"encoded hits", s.EncodedHits},
		{"misses", s.Misses},
		{"decodes", s.Decodes},
		{"pass-through decodes", s.PassThroughDecodes},
		{"rejections", s.Rejections},
		{"evictions", s.Evictions},
	}
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%v\n", row.name, row.value)
	}
	return w.Flush()
}
