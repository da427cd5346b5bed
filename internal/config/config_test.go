package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/settlement")
	t.Setenv("AUTH0_DOMAIN", "tenant.auth0.com")
	t.Setenv("AUTH0_AUDIENCE", "https://api.settlement.test")
	t.Setenv("CALLBACK_SIGNING_SECRET", "s3cret")
}

func TestFromEnv_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := fromEnv()
	require.NoError(t, err)
	require.NoError(t, cfg.validate())

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 30, cfg.RateLimitPerMinute)
	assert.Equal(t, "3500", cfg.AdvanceCeiling.String())
	assert.Equal(t, 15*time.Minute, cfg.HoldReleaseInterval)
	assert.Equal(t, 3*time.Second, cfg.DecoderTimeout)
	assert.Equal(t, 10*time.Second, cfg.Gateway.Timeout)
	assert.False(t, cfg.Kafka.Enabled())
	assert.False(t, cfg.S3.Enabled())
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.CORSOrigins)
}

func TestFromEnv_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("HOLD_RELEASE_INTERVAL", "5m")
	t.Setenv("ADVANCE_CEILING", "5000.00")
	t.Setenv("S3_BUCKET", "check-images")

	cfg, err := fromEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled())
	assert.Equal(t, 5*time.Minute, cfg.HoldReleaseInterval)
	assert.Equal(t, "5000", cfg.AdvanceCeiling.String())
	assert.True(t, cfg.S3.Enabled())
}

func TestFromEnv_InvalidValues(t *testing.T) {
	setRequired(t)
	t.Setenv("DECODER_TIMEOUT", "soon")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "many")

	_, err := fromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DECODER_TIMEOUT")
	assert.Contains(t, err.Error(), "RATE_LIMIT_PER_MINUTE")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing signing secret", map[string]string{"CALLBACK_SIGNING_SECRET": ""}, "CALLBACK_SIGNING_SECRET"},
		{"gateway without key", map[string]string{"GATEWAY_URL": "https://partner.test"}, "GATEWAY_API_KEY"},
		{"production needs gateway", map[string]string{"ENV": "production"}, "GATEWAY_URL"},
		{"zero ceiling", map[string]string{"ADVANCE_CEILING": "0"}, "ADVANCE_CEILING"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := fromEnv()
			require.NoError(t, err)
			err = cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
