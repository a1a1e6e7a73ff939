package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openlobby/matchmaker/internal/channel"
	"github.com/openlobby/matchmaker/internal/config"
	"github.com/openlobby/matchmaker/internal/engine"
	"github.com/openlobby/matchmaker/internal/eventbus"
	"github.com/openlobby/matchmaker/internal/httpapi"
	"github.com/openlobby/matchmaker/internal/identity"
	"github.com/openlobby/matchmaker/internal/messaging"
	"github.com/openlobby/matchmaker/internal/party"
	"github.com/openlobby/matchmaker/internal/profile"
	"github.com/openlobby/matchmaker/internal/queue"
	"github.com/openlobby/matchmaker/internal/session"
	"github.com/openlobby/matchmaker/internal/ws"
)

// staticMMR serves queue ratings when Postgres is not configured.
type staticMMR struct{}

func (staticMMR) AvgMMR(context.Context, []string) (int, error) {
	return profile.DefaultMMR, nil
}

func main() {
	log.Println("Starting gateway service...")
	cfg := config.LoadGateway()

	// Redis setup.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// Postgres is optional; without it players queue at the default MMR
	// and profile routes return 501.
	var profiles *profile.Store
	var mmr party.MMRSource = staticMMR{}
	if cfg.PostgresDSN != "" {
		var err error
		profiles, err = profile.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		if err := profiles.Migrate(); err != nil {
			log.Fatalf("failed to migrate Postgres schema: %v", err)
		}
		mmr = profiles
	} else {
		log.Println("[main] POSTGRES_DSN not set, profiles disabled")
	}

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "matchmaker-gateway-" + cfg.InstanceID
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// Event plumbing: local bus, cross-instance forwarding, party state.
	bus := eventbus.New()
	forwarder := messaging.NewEventForwarder(natsClient, cfg.InstanceID)
	bus.SetForwarder(forwarder)
	if err := forwarder.Attach(bus); err != nil {
		log.Fatalf("failed to attach event forwarder: %v", err)
	}

	parties := party.NewManager(bus, party.NewRedisStore(rdb),
		messaging.NewQueuePublisher(natsClient), mmr)
	channels := channel.NewManager(channel.DefaultConfig(), bus, parties, parties)

	sessions := session.NewService(session.NewStore(rdb),
		&session.MockAllocator{Addr: cfg.ServerAddr}, cfg.TokenSecret)

	// Matchmaker announcements. Parties this instance does not own report
	// not-found and are handled by their owning gateway.
	if err := messaging.SubscribeMatchFound(natsClient, func(m *engine.Match) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		owned := false
		for _, partyID := range m.PartyIDs {
			err := parties.HandleMatchFound(ctx, partyID, m.ID, m.Teams, m.AvgMMR, m.QualityScore)
			if err == nil {
				owned = true
			} else if !errors.Is(err, party.ErrNotFound) {
				log.Printf("[main] match found party=%s: %v", partyID, err)
			}
		}
		if owned {
			if _, err := sessions.Create(ctx, m); err != nil {
				log.Printf("[main] create session match=%s: %v", m.ID, err)
			}
		}
	}); err != nil {
		log.Fatalf("failed to subscribe to match announcements: %v", err)
	}

	if err := messaging.SubscribeQueueTimeout(natsClient, func(e *queue.Entry) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := parties.HandleQueueTimeout(ctx, e.PartyID)
		if err != nil && !errors.Is(err, party.ErrNotFound) {
			log.Printf("[main] queue timeout party=%s: %v", e.PartyID, err)
		}
	}); err != nil {
		log.Fatalf("failed to subscribe to queue timeouts: %v", err)
	}

	if err := messaging.SubscribeSessionEnded(natsClient, func(n messaging.SessionEndedNotice) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, partyID := range n.PartyIDs {
			err := parties.EndSession(ctx, partyID, n.MatchID, n.Reason)
			if err != nil && !errors.Is(err, party.ErrNotFound) && !errors.Is(err, party.ErrIllegalState) {
				log.Printf("[main] session ended party=%s: %v", partyID, err)
			}
		}
	}); err != nil {
		log.Fatalf("failed to subscribe to session terminations: %v", err)
	}

	// HTTP surface.
	verifier := identity.NewJWTVerifier(cfg.JWTSecret)
	var profileReader httpapi.ProfileReader
	if profiles != nil {
		profileReader = profiles
	}
	api := httpapi.NewServer(verifier, parties, sessions, profileReader)
	api.OnSessionEnded = func(matchID string, partyIDs []string, reason string) {
		err := messaging.PublishSessionEnded(natsClient, messaging.SessionEndedNotice{
			MatchID: matchID, PartyIDs: partyIDs, Reason: reason,
		})
		if err != nil {
			log.Printf("[main] publish session end match=%s: %v", matchID, err)
		}
	}
	wsHandler := ws.NewHandler(verifier, channels)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.Router(wsHandler),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	log.Printf("Gateway service running")
	log.Printf("  listen_addr: %s", cfg.ListenAddr)
	log.Printf("  instance_id: %s", cfg.InstanceID)
	log.Printf("  redis_addr:  %s", cfg.RedisAddr)
	log.Printf("  nats_url:    %s", cfg.NATSURL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	channels.Close()
	natsClient.Close()
	if profiles != nil {
		profiles.Close()
	}
	rdb.Close()
}
