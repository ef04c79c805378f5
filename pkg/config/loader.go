package config

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.auth.jwtSecret", "default-secret-key-change-me")
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("server.shutdownGrace", "10s")

	v.SetDefault("transport.readTimeout", "90s")
	v.SetDefault("transport.writeTimeout", "10s")
	v.SetDefault("transport.maxMessageSize", 32768)
	v.SetDefault("transport.sendBuffer", 256)

	v.SetDefault("gateway.maxConnections", 10000)
	v.SetDefault("gateway.maxPerUser", 5)
	v.SetDefault("gateway.perUserMode", "warn")
	v.SetDefault("gateway.maxSectorsPerConn", 16)
	v.SetDefault("gateway.handshakeTimeout", "10s")
	v.SetDefault("gateway.assignerURL", "http://127.0.0.1:8081")
	v.SetDefault("gateway.lockHighWater", 1024)
	v.SetDefault("gateway.lockLowWater", 768)
	v.SetDefault("gateway.debugLockOrder", false)

	v.SetDefault("broadcaster.workers", 10)
	v.SetDefault("broadcaster.queueSize", 1024)
	v.SetDefault("broadcaster.batchThreshold", 50)
	v.SetDefault("broadcaster.sendTimeout", "5s")
	v.SetDefault("broadcaster.drainTimeout", "5s")
	v.SetDefault("broadcaster.globalRate", 100)

	v.SetDefault("heartbeat.interval", "30s")
	v.SetDefault("heartbeat.staleTimeout", "60s")
	v.SetDefault("heartbeat.sweepPeriod", "30s")

	v.SetDefault("ratelimit.messagesPerSecond", 20)
	v.SetDefault("ratelimit.maxViolations", 3)

	v.SetDefault("bus.url", "nats://127.0.0.1:4222")
	v.SetDefault("bus.subjectPattern", "events.>")
	v.SetDefault("bus.failureThreshold", 5)
	v.SetDefault("bus.recoveryTimeout", "30s")
	v.SetDefault("bus.halfOpenTrials", 3)
	v.SetDefault("bus.retryBase", "500ms")
	v.SetDefault("bus.retryMax", "30s")

	v.SetDefault("log.level", "info")

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	// 3. Set up environment variable handling
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Hysteresis requires low < high; fall back to a sane pair otherwise.
	if cfg.Gateway.LockLowWater >= cfg.Gateway.LockHighWater {
		logger.Warn("gateway.lockLowWater must be below lockHighWater, using defaults",
			slog.Int("lowWater", cfg.Gateway.LockLowWater),
			slog.Int("highWater", cfg.Gateway.LockHighWater),
		)
		cfg.Gateway.LockHighWater = 1024
		cfg.Gateway.LockLowWater = 768
	}

	return &cfg, nil
}
