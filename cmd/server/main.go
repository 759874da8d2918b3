package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/rest"

	"marketdata-api/internal/candles"
	"marketdata-api/internal/cli"
	"marketdata-api/internal/config"
	"marketdata-api/internal/fanout"
	"marketdata-api/internal/handler"
	"marketdata-api/internal/health"
	"marketdata-api/internal/ingest"
	"marketdata-api/internal/svc"
)

const shutdownTimeout = 10 * time.Second

var configFile = flag.String("f", "etc/marketdata.yaml", "the config file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("[main] Failed to load config: %v", err)
	}
	cli.LogConfigSummary(cfg)

	svcCtx := svc.NewServiceContext(*cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	// Fanout hub fed by the ingestion pipeline's output channel.
	hub := fanout.NewHub(cfg.Fanout)

	// Health monitor with the de-duplicated alert gate.
	alerter := health.NewAlerter(time.Duration(cfg.Health.AlertCooldownSec)*time.Second, nil)
	monitor := health.NewMonitor(svcCtx.TelemetryModel, svcCtx.Tracker, alerter,
		time.Duration(cfg.Health.IntervalSec)*time.Second)
	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()

	// Ingestion pipeline plus the live feed, when one is configured.
	pipeline, err := ingest.NewPipeline(cfg.Ingest, svcCtx.AssetsModel, svcCtx.TicksModel, svcCtx.Redis, svcCtx.TTL)
	if err != nil {
		log.Fatalf("[main] Failed to build ingest pipeline: %v", err)
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		pipeline.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		hub.Run(ctx, pipeline.Updates())
	}()

	if cfg.Feed.URL != "" {
		feed := ingest.NewFeed(cfg.Feed, cfg.Ingest, pipeline, func(severity, category, message, key string) {
			alerter.Emit(health.Severity(severity), category, message, key)
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := feed.Run(ctx); err != nil {
				logx.Severef("[main] feed stopped: %v", err)
			}
		}()
	} else {
		logx.Info("[main] no feed configured, running backfill-and-serve only")
	}

	// Query API.
	server := rest.MustNewServer(cfg.RestConf)
	handler.RegisterHandlers(server, handler.Dependencies{
		Candles: candles.NewService(svcCtx.AssetsModel, svcCtx.TicksModel, svcCtx.CandlesModel, svcCtx.Redis, svcCtx.TTL),
		Hub:     hub,
		Monitor: monitor,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		logx.Infof("[main] serving on %s:%d", cfg.Host, cfg.Port)
		server.Start()
	}()

	<-ctx.Done()
	log.Println("[main] Shutdown signal received, stopping tasks...")
	server.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("[main] All tasks stopped cleanly")
	case <-shutdownCtx.Done():
		log.Println("[main] Shutdown timeout exceeded, forcing exit")
	}
}
