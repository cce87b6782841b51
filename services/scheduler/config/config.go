package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/ramiqadoumi/campus-dispatch/internal/dispatch"
)

// Config holds typed configuration for the scheduler service.
type Config struct {
	LogLevel         string
	KafkaBrokers     string
	RedisAddr        string
	PostgresDSN      string
	MetricsAddr      string
	OTelEndpoint     string
	TraceSampleRatio float64
	SweepSchedule    string
	SweepBatch       int
	LeaderTTL        time.Duration
	Dispatch         dispatch.Settings
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:         v.GetString("log_level"),
		KafkaBrokers:     v.GetString("kafka_brokers"),
		RedisAddr:        v.GetString("redis_addr"),
		PostgresDSN:      v.GetString("postgres_dsn"),
		MetricsAddr:      v.GetString("metrics_addr"),
		OTelEndpoint:     v.GetString("otel_endpoint"),
		TraceSampleRatio: v.GetFloat64("trace_sample_ratio"),
		SweepSchedule:    v.GetString("sweep_schedule"),
		SweepBatch:       v.GetInt("sweep_batch"),
		LeaderTTL:        v.GetDuration("leader_ttl"),
		Dispatch: dispatch.Settings{
			OfferTimeout:    v.GetDuration("offer_timeout"),
			RadiusMeters:    v.GetFloat64("radius_meters"),
			HeartbeatWindow: v.GetDuration("heartbeat_window"),
			LocationWindow:  v.GetDuration("location_window"),
			LockTTL:         v.GetDuration("lock_ttl"),
		},
	}
}
