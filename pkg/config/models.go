package config

import "time"

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	Broadcaster BroadcasterConfig `mapstructure:"broadcaster"`
	Heartbeat   HeartbeatConfig   `mapstructure:"heartbeat"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Bus         BusConfig         `mapstructure:"bus"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Address        string        `mapstructure:"address"`
	Auth           AuthConfig    `mapstructure:"auth"`
	AllowedOrigins []string      `mapstructure:"allowedOrigins"`
	ShutdownGrace  time.Duration `mapstructure:"shutdownGrace"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type TransportConfig struct {
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	WriteTimeout   time.Duration `mapstructure:"writeTimeout"`
	MaxMessageSize int64         `mapstructure:"maxMessageSize"`
	SendBuffer     int           `mapstructure:"sendBuffer"`
}

type GatewayConfig struct {
	MaxConnections int `mapstructure:"maxConnections"`
	MaxPerUser     int `mapstructure:"maxPerUser"`
	// PerUserMode decides what happens when a user exceeds MaxPerUser:
	// "warn" logs and admits, "reject" refuses the handshake.
	PerUserMode       string        `mapstructure:"perUserMode"`
	MaxSectorsPerConn int           `mapstructure:"maxSectorsPerConn"`
	HandshakeTimeout  time.Duration `mapstructure:"handshakeTimeout"`
	AssignerURL       string        `mapstructure:"assignerURL"`
	LockHighWater     int           `mapstructure:"lockHighWater"`
	LockLowWater      int           `mapstructure:"lockLowWater"`
	DebugLockOrder    bool          `mapstructure:"debugLockOrder"`
}

type BroadcasterConfig struct {
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queueSize"`
	BatchThreshold int           `mapstructure:"batchThreshold"`
	SendTimeout    time.Duration `mapstructure:"sendTimeout"`
	DrainTimeout   time.Duration `mapstructure:"drainTimeout"`
	GlobalRate     int           `mapstructure:"globalRate"` // global broadcasts per second
}

type HeartbeatConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	StaleTimeout time.Duration `mapstructure:"staleTimeout"`
	SweepPeriod  time.Duration `mapstructure:"sweepPeriod"`
}

type RateLimitConfig struct {
	MessagesPerSecond int `mapstructure:"messagesPerSecond"`
	// Violations tolerated before the connection is closed as rate-limited.
	MaxViolations int `mapstructure:"maxViolations"`
}

type BusConfig struct {
	URL              string        `mapstructure:"url"`
	SubjectPattern   string        `mapstructure:"subjectPattern"`
	FailureThreshold int           `mapstructure:"failureThreshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recoveryTimeout"`
	HalfOpenTrials   int           `mapstructure:"halfOpenTrials"`
	RetryBase        time.Duration `mapstructure:"retryBase"`
	RetryMax         time.Duration `mapstructure:"retryMax"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}
