package main

import (
	"os"
	"strconv"
	"time"

	"github.com/codecollab/collab-server/internal/collab"
	"github.com/codecollab/collab-server/internal/messaging"
	"github.com/codecollab/collab-server/internal/ws"
)

// Config is the process configuration read from the environment. Empty
// RedisAddr, NATSURL or DatabaseURL disable that integration.
type Config struct {
	Server      ws.ServerConfig
	Heartbeat   ws.HeartbeatConfig
	Hub         collab.Config
	NATS        messaging.NATSConfig
	RedisAddr   string
	DatabaseURL string
	ServerName  string
}

func loadConfig() Config {
	cfg := Config{
		Server:    ws.DefaultServerConfig(),
		Heartbeat: ws.DefaultHeartbeatConfig(),
		Hub:       collab.DefaultConfig(),
		NATS:      messaging.DefaultNATSConfig(),
	}

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.Server.ListenAddr = addr
	}
	cfg.Server.WorkerPoolSize = envInt("WORKER_POOL_SIZE", cfg.Server.WorkerPoolSize)
	cfg.Server.MaxConnections = envInt("MAX_CONNECTIONS", cfg.Server.MaxConnections)
	cfg.Server.MaxMessageBytes = int64(envInt("MAX_MESSAGE_BYTES", int(cfg.Server.MaxMessageBytes)))
	cfg.Server.ReadTimeout = envDuration("READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = envDuration("WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.SendQueueSize = envInt("SEND_QUEUE_SIZE", cfg.Server.SendQueueSize)
	cfg.Heartbeat.Interval = envDuration("HEARTBEAT_INTERVAL", cfg.Heartbeat.Interval)
	cfg.Hub.SyncTimeout = envDuration("SYNC_TIMEOUT", cfg.Hub.SyncTimeout)

	cfg.NATS.URL = os.Getenv("NATS_URL")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	cfg.ServerName, _ = os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		cfg.ServerName = v
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "collab-1"
	}
	cfg.NATS.Name = "collab-" + cfg.ServerName
	return cfg
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
