package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"marketdata-api/internal/backfill"
	"marketdata-api/internal/cli"
	"marketdata-api/internal/config"
	"marketdata-api/internal/svc"
	"marketdata-api/pkg/timeframe"
)

var (
	configFile    = flag.String("f", "etc/marketdata.yaml", "the config file")
	assetsFlag    = flag.String("assets", "", "comma separated symbol filter, empty for all")
	minGapPercent = flag.Float64("min-gap-percent", 0, "skip assets whose gap is below this percent of one day")
	days          = flag.Int("days", 0, "force the fetch window to the last N days")
	interval      = flag.String("interval", "1m", "bar interval for page-limited providers")
	loop          = flag.Bool("loop", false, "run continuously instead of one-shot")
	loopEvery     = flag.Duration("every", time.Hour, "interval between runs in loop mode")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("[main] Failed to load config: %v", err)
	}
	cli.LogConfigSummary(cfg)

	tf, err := timeframe.Parse(*interval)
	if err != nil {
		log.Fatalf("[main] Invalid interval: %v", err)
	}

	svcCtx := svc.NewServiceContext(*cfg)
	if len(svcCtx.Chains) == 0 {
		log.Fatal("[main] No provider chains configured; nothing to backfill from")
	}

	orchestrator := backfill.NewOrchestrator(cfg.Backfill, svcCtx.AssetsModel, svcCtx.TicksModel, svcCtx.CandlesModel,
		svcCtx.ChainForAssetType)

	opts := backfill.Options{
		AssetFilter:   splitAssets(*assetsFlag),
		MinGapPercent: *minGapPercent,
		Days:          *days,
		Interval:      tf,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !*loop {
		runOnce(ctx, orchestrator, opts)
		return
	}

	log.Printf("[main] Loop mode, running every %s. Press Ctrl+C to stop.", *loopEvery)
	ticker := time.NewTicker(*loopEvery)
	defer ticker.Stop()

	runOnce(ctx, orchestrator, opts)
	for {
		select {
		case <-ctx.Done():
			log.Println("[main] Shutdown signal received, stopping")
			return
		case <-ticker.C:
			runOnce(ctx, orchestrator, opts)
		}
	}
}

func runOnce(ctx context.Context, orchestrator *backfill.Orchestrator, opts backfill.Options) {
	start := time.Now()
	summary, err := orchestrator.Run(ctx, opts)
	if err != nil {
		logx.Errorf("[main] backfill run ended early: %v (partial: %s)", err, summary)
		return
	}
	logx.Infof("[main] backfill finished in %s: %s", time.Since(start).Round(time.Second), summary)
}

func splitAssets(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
