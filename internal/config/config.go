// Package config loads service configuration from the environment, with a
// .env file picked up in development.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Gateway holds the gateway service configuration.
type Gateway struct {
	ListenAddr  string
	InstanceID  string
	JWTSecret   string
	TokenSecret string // signs session join tokens
	RedisAddr   string
	NATSURL     string
	PostgresDSN string // empty disables profiles
	ServerAddr  string // mock allocator game server address
}

// Matchmaker holds the matchmaker service configuration.
type Matchmaker struct {
	NATSURL         string
	MetricsAddr     string
	TickInterval    time.Duration
	MMRBandInitial  int
	MMRBandGrowth   int
	MMRBandMax      int
	MaxWaitTime     time.Duration
	MinMatchQuality float64
	NumTeams        int
}

// LoadGateway reads the gateway configuration.
func LoadGateway() Gateway {
	loadDotEnv()
	host, _ := os.Hostname()
	return Gateway{
		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		InstanceID:  getEnv("INSTANCE_ID", host),
		JWTSecret:   getEnv("JWT_SECRET", "dev-secret"),
		TokenSecret: getEnv("SESSION_TOKEN_SECRET", "dev-session-secret"),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		NATSURL:     getEnv("NATS_URL", "nats://localhost:4222"),
		PostgresDSN: getEnv("POSTGRES_DSN", ""),
		ServerAddr:  getEnv("GAME_SERVER_ADDR", "gameserver.local:7777"),
	}
}

// LoadMatchmaker reads the matchmaker configuration.
func LoadMatchmaker() Matchmaker {
	loadDotEnv()
	return Matchmaker{
		NATSURL:         getEnv("NATS_URL", "nats://localhost:4222"),
		MetricsAddr:     getEnv("METRICS_ADDR", ":9090"),
		TickInterval:    getDuration("TICK_INTERVAL", 200*time.Millisecond),
		MMRBandInitial:  getInt("MMR_BAND_INITIAL", 100),
		MMRBandGrowth:   getInt("MMR_BAND_GROWTH_PER_SEC", 10),
		MMRBandMax:      getInt("MMR_BAND_MAX", 500),
		MaxWaitTime:     getDuration("MAX_WAIT_TIME", 120*time.Second),
		MinMatchQuality: getFloat("MIN_MATCH_QUALITY", 0.6),
		NumTeams:        getInt("NUM_TEAMS", 2),
	}
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] no .env file found")
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("[config] %s: %v, using %d", key, err, fallback)
			return fallback
		}
		return n
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			log.Printf("[config] %s: %v, using %g", key, err, fallback)
			return fallback
		}
		return f
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Printf("[config] %s: %v, using %s", key, err, fallback)
			return fallback
		}
		return d
	}
	return fallback
}
