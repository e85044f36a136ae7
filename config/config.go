package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// Heartbeat governs both the per-connection ping cadence and the
// presence TTL that the background sweep enforces. TTL must comfortably
// exceed Interval or healthy connections get swept.
type Heartbeat struct {
	Interval      time.Duration `yaml:"interval"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

type SessionsConfig struct {
	EventChannelSize int `yaml:"eventChannelSize"`
	SendBufferSize   int `yaml:"sendBufferSize"`
	MaxConnections   int `yaml:"maxConnections"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"` // Burst size
}

type RateLimiters struct {
	Subscribe RateLimiterConfig `yaml:"subscribe"`
	Control   RateLimiterConfig `yaml:"control"`
	System    RateLimiterConfig `yaml:"system"`
	Default   RateLimiterConfig `yaml:"default"`
}

type Cors struct {
	// AllowedOrigins of ["*"] is the development posture; production
	// deployments must restrict this list.
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

type Service struct {
	HttpBinding    string         `yaml:"httpBinding"`
	TrustedProxies []string       `yaml:"trustedProxies,omitempty"`
	Redis          Redis          `yaml:"redis"`
	Heartbeat      Heartbeat      `yaml:"heartbeat"`
	Sessions       SessionsConfig `yaml:"sessions"`
	RateLimiters   RateLimiters   `yaml:"rateLimiters"`
	Cors           Cors           `yaml:"cors"`
}

var (
	ErrConfigFileUnreadable            = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable        = errors.New("config file is unmarshallable")
	ErrHttpBindingMissing              = errors.New("httpBinding is missing in config")
	ErrRedisAddrMissing                = errors.New("redis.addr is missing in config")
	ErrHeartbeatIntervalMissing        = errors.New("heartbeat.interval is missing or invalid in config")
	ErrHeartbeatTTLMissing             = errors.New("heartbeat.ttl is missing or invalid in config")
	ErrHeartbeatTTLTooShort            = errors.New("heartbeat.ttl must be greater than heartbeat.interval")
	ErrHeartbeatSweepIntervalMissing   = errors.New("heartbeat.sweepInterval is missing or invalid in config")
	ErrSessionsEventChannelSizeMissing = errors.New("sessions.eventChannelSize is missing or invalid in config")
	ErrSessionsSendBufferSizeMissing   = errors.New("sessions.sendBufferSize is missing or invalid in config")
	ErrSessionsMaxConnectionsMissing   = errors.New("sessions.maxConnections is missing or invalid in config")
	ErrRateLimitersSubscribeMissing    = errors.New("rateLimiters.subscribe.limit is missing in config")
	ErrRateLimitersControlMissing      = errors.New("rateLimiters.control.limit is missing in config")
	ErrRateLimitersSystemMissing       = errors.New("rateLimiters.system.limit is missing in config")
	ErrRateLimitersDefaultMissing      = errors.New("rateLimiters.default.limit is missing in config")
	ErrCorsAllowedOriginsMissing       = errors.New("cors.allowedOrigins is missing in config")
)

func Load(configFile string) (*Service, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Service
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	// Basic validation
	if cfg.HttpBinding == "" {
		return nil, ErrHttpBindingMissing
	}
	if cfg.Redis.Addr == "" {
		return nil, ErrRedisAddrMissing
	}

	if cfg.Heartbeat.Interval <= 0 {
		return nil, ErrHeartbeatIntervalMissing
	}
	if cfg.Heartbeat.TTL <= 0 {
		return nil, ErrHeartbeatTTLMissing
	}
	if cfg.Heartbeat.TTL <= cfg.Heartbeat.Interval {
		return nil, ErrHeartbeatTTLTooShort
	}
	if cfg.Heartbeat.SweepInterval <= 0 {
		return nil, ErrHeartbeatSweepIntervalMissing
	}

	if cfg.Sessions.EventChannelSize <= 0 {
		return nil, ErrSessionsEventChannelSizeMissing
	}
	if cfg.Sessions.SendBufferSize <= 0 {
		return nil, ErrSessionsSendBufferSizeMissing
	}
	if cfg.Sessions.MaxConnections <= 0 {
		return nil, ErrSessionsMaxConnectionsMissing
	}

	if cfg.RateLimiters.Subscribe.Limit == 0 {
		return nil, ErrRateLimitersSubscribeMissing
	}
	if cfg.RateLimiters.Control.Limit == 0 {
		return nil, ErrRateLimitersControlMissing
	}
	if cfg.RateLimiters.System.Limit == 0 {
		return nil, ErrRateLimitersSystemMissing
	}
	if cfg.RateLimiters.Default.Limit == 0 {
		return nil, ErrRateLimitersDefaultMissing
	}

	if len(cfg.Cors.AllowedOrigins) == 0 {
		return nil, ErrCorsAllowedOriginsMissing
	}

	return &cfg, nil
}

// Generate returns a default configuration suitable for local
// development. The caller decides whether and where to write it.
func Generate() *Service {
	return &Service{
		HttpBinding: "127.0.0.1:8081",
		Redis: Redis{
			Addr: "127.0.0.1:6379",
		},
		Heartbeat: Heartbeat{
			Interval:      30 * time.Second,
			TTL:           90 * time.Second, // 3x the ping interval
			SweepInterval: 30 * time.Second,
		},
		Sessions: SessionsConfig{
			EventChannelSize: 1000,
			SendBufferSize:   256,
			MaxConnections:   100,
		},
		RateLimiters: RateLimiters{
			Subscribe: RateLimiterConfig{Limit: 10.0, Burst: 20},
			Control:   RateLimiterConfig{Limit: 100.0, Burst: 200},
			System:    RateLimiterConfig{Limit: 50.0, Burst: 100},
			Default:   RateLimiterConfig{Limit: 100.0, Burst: 200},
		},
		Cors: Cors{
			AllowedOrigins: []string{"*"},
		},
	}
}
