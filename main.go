package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mohamedbeat/gyxy-auth/auth"
	"github.com/mohamedbeat/gyxy-auth/config"
	"github.com/mohamedbeat/gyxy-auth/logger"
	"github.com/mohamedbeat/gyxy-auth/metrics"
	"github.com/mohamedbeat/gyxy-auth/proxy"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	// Initialize logger
	logg, err := logger.InitLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("Error initializing logger:", err)
	}
	defer logg.Sync()

	var tlsConfig *tls.Config
	if cfg.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			logg.Fatal("Failed to load TLS certificate", zap.Error(err))
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	var blockList *proxy.BlockList
	if cfg.BlockList != "" {
		blockList, err = proxy.LoadBlockList(cfg.BlockList)
		if err != nil {
			logg.Fatal("Failed to load blocklist", zap.Error(err))
		}
		logg.Info("Blocklist loaded", zap.Int("hosts", blockList.Len()))
	}

	agg := metrics.New()
	p := proxy.New(logg, auth.NewVerifier(cfg.Username, cfg.Password), agg, proxy.Options{
		MetricsPath:     cfg.MetricsPath,
		TopSites:        cfg.TopSites,
		BufferSize:      cfg.BufferSize,
		BlockList:       blockList,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		IdleTimeout:     cfg.IdleTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})

	// Bind before serving so a bad address fails startup.
	listener, err := proxy.Listen(cfg.Addr, tlsConfig)
	if err != nil {
		logg.Fatal("Failed to listen", zap.String("addr", cfg.Addr), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Serve(ctx, listener)
	})
	if cfg.AdminAddr != "" {
		g.Go(func() error {
			return serveAdmin(ctx, logg, cfg.AdminAddr, agg)
		})
	}

	if err := g.Wait(); err != nil {
		logg.Error("Proxy server failed", zap.Error(err))
	}

	snapshot := agg.Snapshot(cfg.TopSites)
	logg.Info("Final metrics",
		zap.String("bandwidth_usage", snapshot.BandwidthUsage),
		zap.String("bandwidth_exact", logger.HumanizeBytes(agg.BandwidthBytes())),
		zap.Any("top_sites", snapshot.TopSites))
}

// serveAdmin exposes the aggregator in Prometheus format until ctx is done.
func serveAdmin(ctx context.Context, logg *zap.Logger, addr string, agg *metrics.Aggregator) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(agg))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logg.Info("Admin server started", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
