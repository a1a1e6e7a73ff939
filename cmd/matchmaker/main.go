package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openlobby/matchmaker/internal/config"
	"github.com/openlobby/matchmaker/internal/engine"
	"github.com/openlobby/matchmaker/internal/messaging"
	"github.com/openlobby/matchmaker/internal/metrics"
	"github.com/openlobby/matchmaker/internal/queue"
)

func main() {
	log.Println("Starting matchmaker service...")
	cfg := config.LoadMatchmaker()

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "matchmaker-engine"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	eng := engine.New(engine.Config{
		TickInterval:        cfg.TickInterval,
		MMRBandInitial:      cfg.MMRBandInitial,
		MMRBandGrowthPerSec: cfg.MMRBandGrowth,
		MMRBandMax:          cfg.MMRBandMax,
		MaxWaitTime:         cfg.MaxWaitTime,
		MinMatchQuality:     cfg.MinMatchQuality,
		NumTeams:            cfg.NumTeams,
		MailboxSize:         1024,
	})
	eng.OnMatch = func(m *engine.Match) {
		if err := messaging.PublishMatchFound(natsClient, m); err != nil {
			log.Printf("[main] publish match %s: %v", m.ID, err)
		}
	}
	eng.OnTimeout = func(e *queue.Entry) {
		if err := messaging.PublishQueueTimeout(natsClient, e); err != nil {
			log.Printf("[main] publish timeout for %s: %v", e.PartyID, err)
		}
	}

	if err := messaging.SubscribeEnqueue(natsClient, func(e *queue.Entry) {
		if err := e.Validate(); err != nil {
			log.Printf("[main] rejected enqueue: %v", err)
			return
		}
		if err := eng.Enqueue(e); err != nil {
			log.Printf("[main] enqueue party=%s: %v", e.PartyID, err)
		}
	}); err != nil {
		log.Fatalf("failed to subscribe to enqueue: %v", err)
	}
	if err := messaging.SubscribeDequeue(natsClient, func(partyID string) {
		if err := eng.Dequeue(partyID); err != nil {
			log.Printf("[main] dequeue party=%s: %v", partyID, err)
		}
	}); err != nil {
		log.Fatalf("failed to subscribe to dequeue: %v", err)
	}

	eng.Start()

	// Metrics and health endpoint.
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics server error: %v", err)
		}
	}()

	// Periodic queue stats.
	statsDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				total, buckets, err := eng.Sizes()
				if err != nil {
					return
				}
				log.Printf("[main] queue stats total=%d buckets=%v", total, buckets)
			case <-statsDone:
				return
			}
		}
	}()

	log.Printf("Matchmaker service running")
	log.Printf("  nats_url:     %s", cfg.NATSURL)
	log.Printf("  metrics_addr: %s", cfg.MetricsAddr)
	log.Printf("  tick:         %s", cfg.TickInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	close(statsDone)
	metricsServer.Close()
	eng.Stop()
	natsClient.Close()
}
