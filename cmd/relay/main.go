package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"callnet/internal/relay"
	"callnet/pkg/config"
	"callnet/pkg/logger"
	"callnet/pkg/tracing"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level).Sugar()
	defer log.Sync()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("tracing init failed", "error", err)
	}

	hubCfg := relay.Config{
		PingInterval: cfg.Relay.PingInterval,
		PongTimeout:  cfg.Relay.PongTimeout,
		WriteTimeout: cfg.Relay.WriteTimeout,
	}
	if cfg.RateLimiting.Enabled {
		hubCfg.MessagesPerSecond = cfg.RateLimiting.MessagesPerSecond
		hubCfg.Burst = cfg.RateLimiting.Burst
	}
	hub := relay.NewHub(hubCfg, log, relay.NewMetrics())

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	hub.Register(router)

	srv := &http.Server{Addr: cfg.Relay.Address, Handler: router}
	go func() {
		log.Infow("relay listening", "address", cfg.Relay.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("relay server failed", "error", err)
		}
	}()

	var metricsSrv *http.Server
	if cfg.Monitoring.PrometheusEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
			Handler: mux,
		}
		go func() {
			log.Infow("metrics listening", "port", cfg.Monitoring.PrometheusPort)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorw("metrics server failed", "error", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Infow("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer cancel()

	hub.Close()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("server shutdown", "error", err)
	}
	if metricsSrv != nil {
		metricsSrv.Shutdown(ctx)
	}
	if err := tp.Shutdown(ctx); err != nil {
		log.Errorw("tracing shutdown", "error", err)
	}
}
