package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MikeMC777/marketplace-saga/internal/stock"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"STOCK_POLICY", "GATEWAY_TIMEOUT", "GATEWAY_TOKEN_TTL", "KAFKA_BROKERS", "STORE_DRIVER", "REDIS_ADDR"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, stock.PolicyEager, cfg.StockPolicy)
	assert.Equal(t, 10*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, 10*time.Minute, cfg.GatewayTokenTTL)
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STOCK_POLICY", "lazy")
	t.Setenv("GATEWAY_TIMEOUT", "3s")
	t.Setenv("GATEWAY_TOKEN_TTL", "15m")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, stock.PolicyLazy, cfg.StockPolicy)
	assert.Equal(t, 3*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, 15*time.Minute, cfg.GatewayTokenTTL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "memory", cfg.StoreDriver)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("STOCK_POLICY", "whenever")
	_, err := Load()
	assert.ErrorIs(t, err, stock.ErrUnknownPolicy)

	t.Setenv("STOCK_POLICY", "")
	t.Setenv("GATEWAY_TIMEOUT", "soon")
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("GATEWAY_TIMEOUT", "")
	t.Setenv("STORE_DRIVER", "mongo")
	_, err = Load()
	assert.Error(t, err)
}

func TestLogOmitsSecrets(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cfg := Config{GatewayAPIKey: "super-secret", PostgresDSN: "postgres://u:pw@h/db"}
	cfg.Log(zap.New(core))

	require.Equal(t, 1, logs.Len())
	for k, v := range logs.All()[0].ContextMap() {
		s, ok := v.(string)
		if !ok {
			continue
		}
		assert.NotContains(t, s, "super-secret", k)
		assert.NotContains(t, s, "pw@", k)
	}
}
