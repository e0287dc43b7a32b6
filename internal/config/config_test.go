package config

import (
	"testing"
	"time"

	"github.com/couchcryptid/rockguard-telemetry/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBroker = "broker1:9092"

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 15*time.Second, cfg.RefreshInterval)
	assert.Equal(t, 60*time.Second, cfg.PushTTL)
	assert.Equal(t, 8*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 5*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, 16, cfg.SubscriberQueueDepth)
	assert.Equal(t, 12, cfg.HistorySize)
	assert.Equal(t, domain.DefaultScoringPolicy(), cfg.Policy)
	assert.True(t, cfg.OpenMeteoEnabled)
	assert.Equal(t, "https://api.open-meteo.com/v1", cfg.OpenMeteoBaseURL)
	assert.True(t, cfg.USGSEnabled)
	assert.Equal(t, 200.0, cfg.USGSRadiusKM)
	assert.Equal(t, 24*time.Hour, cfg.USGSLookback)
	assert.Equal(t, 5.0, cfg.ProviderRateLimit)
	assert.Equal(t, 30*time.Second, cfg.ProviderCacheTTL)
	assert.Equal(t, 256, cfg.ProviderCacheSize)
	assert.Equal(t, 5, cfg.BreakerMaxFailures)
	assert.Equal(t, domain.Location{Lat: 26.9124, Lon: 75.7873}, cfg.Site)
	assert.Len(t, cfg.HazardZones, 4)
	assert.True(t, cfg.PersonnelSimulate)
	assert.Equal(t, 12, cfg.PersonnelCount)
	assert.Equal(t, 120*time.Second, cfg.WorkerStaleAfter)
	assert.Equal(t, 10, cfg.TrendSize)
	assert.Equal(t, 200, cfg.AlertLogCapacity)
	assert.Empty(t, cfg.AlertDBPath)
	assert.False(t, cfg.KafkaEnabled)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "risk-assessments", cfg.KafkaAssessmentTopic)
	assert.Equal(t, "alert-records", cfg.KafkaAlertTopic)
	assert.Empty(t, cfg.MQTTBrokerURL)
}

func TestLoad_CustomEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("REFRESH_INTERVAL", "20s")
	t.Setenv("SUBSCRIBER_QUEUE_DEPTH", "4")
	t.Setenv("RISK_WEIGHTS", "temperature=1,humidity=0,wind=0,precipitation=0,soil=0,seismic=0")
	t.Setenv("SITE_LAT", "-23.5")
	t.Setenv("SITE_LON", "133.9")
	t.Setenv("HAZARD_ZONES", "pit:50:50:30")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", testBroker+", broker2:9092")
	t.Setenv("MQTT_BROKER_URL", "tcp://localhost:1883")
	t.Setenv("OPENMETEO_BASE_URL", "http://meteo.local/v1/")
	t.Setenv("CORS_ORIGINS", "http://ops.local, ,http://dash.local")
	t.Setenv("SHUTDOWN_TIMEOUT", "3s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 20*time.Second, cfg.RefreshInterval)
	assert.Equal(t, 4, cfg.SubscriberQueueDepth)
	assert.Equal(t, 1.0, cfg.Policy.Weights[domain.FactorTemperature])
	assert.Equal(t, domain.Location{Lat: -23.5, Lon: 133.9}, cfg.Site)
	assert.Equal(t, []domain.HazardZone{{Name: "pit", Center: domain.Position{X: 50, Y: 50}, Radius: 30}}, cfg.HazardZones)
	assert.True(t, cfg.KafkaEnabled)
	assert.Equal(t, []string{testBroker, "broker2:9092"}, cfg.KafkaBrokers)
	assert.False(t, cfg.PersonnelSimulate, "an MQTT feed disables the simulator by default")
	assert.Equal(t, "http://meteo.local/v1", cfg.OpenMeteoBaseURL)
	assert.Equal(t, []string{"http://ops.local", "http://dash.local"}, cfg.CORSOrigins)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"SHUTDOWN_TIMEOUT", "not-a-duration"},
		{"SHUTDOWN_TIMEOUT", "-1s"},
		{"REFRESH_INTERVAL", "0s"},
		{"SUBSCRIBER_QUEUE_DEPTH", "0"},
		{"ALERT_LOG_CAPACITY", "99999"},
		{"HISTORY_SIZE", "twelve"},
		{"KAFKA_ENABLED", "maybe"},
		{"USGS_RADIUS_KM", "-5"},
		{"PROVIDER_RATE_LIMIT", "0"},
		{"RISK_WEIGHTS", "rainfall=0.25"},
		{"RISK_MAXIMA", "temperature=0"},
		{"SITE_LAT", "91"},
		{"HAZARD_ZONES", "A:1:2"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoad_ProviderTimeoutExceedsFetchTimeout(t *testing.T) {
	t.Setenv("PROVIDER_TIMEOUT", "10s")
	t.Setenv("FETCH_TIMEOUT", "2s")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROVIDER_TIMEOUT")
}

func TestLoad_NoProvidersEnabled(t *testing.T) {
	t.Setenv("OPENMETEO_ENABLED", "false")
	t.Setenv("USGS_ENABLED", "false")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENMETEO_ENABLED")
}
