package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/agent"
	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/config"
	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	nodeID := cfg.NodeID
	if nodeID == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			log.Fatal("NODE_ID is required when hostname is unavailable")
		}
		nodeID = hostname
	}

	uploader, err := agent.NewUploader(ctx, cfg)
	if err != nil {
		log.Fatalf("init uploader: %v", err)
	}

	client := agent.NewClient(cfg.SchedulerURL)
	runner := agent.NewRunner(cfg, client, nodeID)

	generate := agent.NewGenerateHandler(cfg, uploader)
	runner.RegisterHandler("image", generate.Handle)
	runner.RegisterHandler("text", generate.Handle)
	runner.RegisterHandler("video", generate.Handle)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("agent started on node %s (scheduler=%s poll=%s heartbeat=%s)",
		nodeID, cfg.SchedulerURL, cfg.AgentPollInterval, cfg.HeartbeatInterval)
	if err := runner.Run(ctx); err != nil {
		log.Printf("agent stopped: %v", err)
	}
}
