package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/couchcryptid/rockguard-telemetry/internal/domain"
	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/joho/godotenv"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	CORSOrigins     []string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Distribution hub.
	RefreshInterval      time.Duration
	PushTTL              time.Duration
	FetchTimeout         time.Duration
	ProviderTimeout      time.Duration
	SubscriberQueueDepth int
	HistorySize          int

	// Scoring policy, parsed from RISK_WEIGHTS and RISK_MAXIMA.
	Policy domain.ScoringPolicy

	// Provider adapters.
	OpenMeteoEnabled   bool
	OpenMeteoBaseURL   string
	OpenMeteoAPIKey    string
	USGSEnabled        bool
	USGSBaseURL        string
	USGSRadiusKM       float64
	USGSLookback       time.Duration
	ProviderRateLimit  float64
	ProviderCacheTTL   time.Duration
	ProviderCacheSize  int
	BreakerMaxFailures int
	BreakerOpenTimeout time.Duration

	// Mine site and its hazard zones on the logical map.
	Site        domain.Location
	HazardZones []domain.HazardZone

	// Personnel tracking.
	PersonnelSimulate bool
	PersonnelCount    int
	TrackingInterval  time.Duration
	WorkerStaleAfter  time.Duration
	TrendSize         int

	// Alert log.
	AlertLogCapacity int
	AlertDBPath      string

	KafkaEnabled         bool
	KafkaBrokers         []string
	KafkaAssessmentTopic string
	KafkaAlertTopic      string

	MQTTBrokerURL string
	MQTTTopic     string
	MQTTClientID  string
}

// Load reads configuration from environment variables, applying defaults where unset.
// A .env file in the working directory is loaded first when present; variables
// already set in the environment take precedence over it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:             sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		CORSOrigins:          sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("CORS_ORIGINS", "*")),
		LogLevel:             sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		OpenMeteoBaseURL:     strings.TrimRight(sharedcfg.EnvOrDefault("OPENMETEO_BASE_URL", "https://api.open-meteo.com/v1"), "/"),
		OpenMeteoAPIKey:      os.Getenv("OPENMETEO_API_KEY"),
		USGSBaseURL:          strings.TrimRight(sharedcfg.EnvOrDefault("USGS_BASE_URL", "https://earthquake.usgs.gov/fdsnws/event/1"), "/"),
		AlertDBPath:          os.Getenv("ALERT_DB_PATH"),
		KafkaBrokers:         sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaAssessmentTopic: sharedcfg.EnvOrDefault("KAFKA_ASSESSMENT_TOPIC", "risk-assessments"),
		KafkaAlertTopic:      sharedcfg.EnvOrDefault("KAFKA_ALERT_TOPIC", "alert-records"),
		MQTTBrokerURL:        os.Getenv("MQTT_BROKER_URL"),
		MQTTTopic:            sharedcfg.EnvOrDefault("MQTT_TOPIC", "personnel/+/position"),
		MQTTClientID:         sharedcfg.EnvOrDefault("MQTT_CLIENT_ID", "rockguard-telemetry"),
	}

	var err error
	if cfg.ShutdownTimeout, err = sharedcfg.ParseShutdownTimeout(); err != nil {
		return nil, err
	}

	durations := []struct {
		dst      *time.Duration
		key, def string
	}{
		{&cfg.RefreshInterval, "REFRESH_INTERVAL", "15s"},
		{&cfg.PushTTL, "PUSH_TTL", "60s"},
		{&cfg.FetchTimeout, "FETCH_TIMEOUT", "8s"},
		{&cfg.ProviderTimeout, "PROVIDER_TIMEOUT", "5s"},
		{&cfg.USGSLookback, "USGS_LOOKBACK", "24h"},
		{&cfg.ProviderCacheTTL, "PROVIDER_CACHE_TTL", "30s"},
		{&cfg.BreakerOpenTimeout, "BREAKER_OPEN_TIMEOUT", "30s"},
		{&cfg.TrackingInterval, "TRACKING_INTERVAL", "15s"},
		{&cfg.WorkerStaleAfter, "WORKER_STALE_AFTER", "120s"},
	}
	for _, d := range durations {
		if *d.dst, err = parseDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		dst             *int
		key             string
		def, min, limit int
	}{
		{&cfg.SubscriberQueueDepth, "SUBSCRIBER_QUEUE_DEPTH", 16, 1, 4096},
		{&cfg.HistorySize, "HISTORY_SIZE", 12, 1, 1000},
		{&cfg.ProviderCacheSize, "PROVIDER_CACHE_SIZE", 256, 1, 100000},
		{&cfg.BreakerMaxFailures, "BREAKER_MAX_FAILURES", 5, 1, 1000},
		{&cfg.PersonnelCount, "PERSONNEL_COUNT", 12, 0, 1000},
		{&cfg.TrendSize, "TREND_SIZE", 10, 1, 1000},
		{&cfg.AlertLogCapacity, "ALERT_LOG_CAPACITY", 200, 1, 10000},
	}
	for _, n := range ints {
		if *n.dst, err = parseInt(n.key, n.def, n.min, n.limit); err != nil {
			return nil, err
		}
	}

	bools := []struct {
		dst *bool
		key string
		def bool
	}{
		{&cfg.OpenMeteoEnabled, "OPENMETEO_ENABLED", true},
		{&cfg.USGSEnabled, "USGS_ENABLED", true},
		{&cfg.KafkaEnabled, "KAFKA_ENABLED", false},
		{&cfg.PersonnelSimulate, "PERSONNEL_SIMULATE", cfg.MQTTBrokerURL == ""},
	}
	for _, b := range bools {
		if *b.dst, err = parseBool(b.key, b.def); err != nil {
			return nil, err
		}
	}

	if cfg.USGSRadiusKM, err = parseFloat("USGS_RADIUS_KM", 200); err != nil {
		return nil, err
	}
	if cfg.ProviderRateLimit, err = parseFloat("PROVIDER_RATE_LIMIT", 5); err != nil {
		return nil, err
	}

	if cfg.Policy, err = domain.NewScoringPolicy(
		sharedcfg.EnvOrDefault("RISK_WEIGHTS", domain.DefaultWeights),
		sharedcfg.EnvOrDefault("RISK_MAXIMA", domain.DefaultMaxima),
	); err != nil {
		return nil, fmt.Errorf("invalid RISK_WEIGHTS/RISK_MAXIMA: %w", err)
	}

	lat, lon := sharedcfg.EnvOrDefault("SITE_LAT", "26.9124"), sharedcfg.EnvOrDefault("SITE_LON", "75.7873")
	if cfg.Site, err = domain.ParseLocation(lat, lon); err != nil {
		return nil, fmt.Errorf("invalid SITE_LAT/SITE_LON: %w", err)
	}
	if cfg.HazardZones, err = domain.ParseHazardZones(sharedcfg.EnvOrDefault("HAZARD_ZONES", "A:25:75:20,B:75:75:20,C:25:25:20,D:75:25:20")); err != nil {
		return nil, fmt.Errorf("invalid HAZARD_ZONES: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ProviderTimeout > c.FetchTimeout {
		return errors.New("PROVIDER_TIMEOUT must not exceed FETCH_TIMEOUT")
	}
	if c.USGSRadiusKM <= 0 || c.USGSRadiusKM > 20001.6 {
		return errors.New("invalid USGS_RADIUS_KM: must be in (0, 20001.6]")
	}
	if c.ProviderRateLimit <= 0 {
		return errors.New("invalid PROVIDER_RATE_LIMIT: must be positive")
	}
	if !c.OpenMeteoEnabled && !c.USGSEnabled {
		return errors.New("at least one of OPENMETEO_ENABLED or USGS_ENABLED must be true")
	}
	if c.KafkaEnabled && len(c.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED is true")
	}
	if len(c.HazardZones) == 0 {
		return errors.New("HAZARD_ZONES must define at least one zone")
	}
	if c.MQTTBrokerURL != "" && c.MQTTTopic == "" {
		return errors.New("MQTT_TOPIC is required when MQTT_BROKER_URL is set")
	}
	return nil
}
