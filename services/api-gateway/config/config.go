package config

import (
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/campus-dispatch/internal/dispatch"
)

// Config holds typed configuration for the api-gateway service.
type Config struct {
	LogLevel            string
	HTTPPort            string
	MetricsAddr         string
	KafkaBrokers        string
	RedisAddr           string
	PostgresDSN         string
	OTelEndpoint        string
	TraceSampleRatio    float64
	VisibilityRateLimit int
	Dispatch            dispatch.Settings
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:            v.GetString("log_level"),
		HTTPPort:            v.GetString("http_port"),
		MetricsAddr:         v.GetString("metrics_addr"),
		KafkaBrokers:        v.GetString("kafka_brokers"),
		RedisAddr:           v.GetString("redis_addr"),
		PostgresDSN:         v.GetString("postgres_dsn"),
		OTelEndpoint:        v.GetString("otel_endpoint"),
		TraceSampleRatio:    v.GetFloat64("trace_sample_ratio"),
		VisibilityRateLimit: v.GetInt("visibility_rate_limit"),
		Dispatch: dispatch.Settings{
			OfferTimeout:    v.GetDuration("offer_timeout"),
			RadiusMeters:    v.GetFloat64("radius_meters"),
			HeartbeatWindow: v.GetDuration("heartbeat_window"),
			LocationWindow:  v.GetDuration("location_window"),
			LockTTL:         v.GetDuration("lock_ttl"),
		},
	}
}
