package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_INSTANCE_ID", "ticket-1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "kafka", cfg.Broker.Driver)
	assert.Equal(t, []string{"127.0.0.1:9092"}, cfg.Broker.KafkaBrokers)
	assert.Equal(t, 5*time.Second, cfg.RPC.DefaultTimeout())
	assert.Equal(t, []string{"notification", "satisfaction"}, cfg.Events.StatusChangedSubscribers)
	assert.Equal(t, []int64{2, 3}, cfg.Notification.SupporterRoleIDs)
	assert.Equal(t, "ticket-1", cfg.App.InstanceID)
	assert.Equal(t, "0.0.0.0:8080", cfg.App.Addr())
	assert.Equal(t, 256, cfg.Broker.MaxInflightRequests)
	assert.Equal(t, 8, cfg.Events.HandlerMaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Events.HandlerBackoff())
	assert.Equal(t, 30*time.Second, cfg.Events.HandlerMaxBackoff())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BROKER_DRIVER", "NATS")
	t.Setenv("NATS_URL", "nats://broker:4222")
	t.Setenv("RPC_DEFAULT_TIMEOUT_MS", "1500")
	t.Setenv("EVENTS_STATUS_CHANGED_SUBSCRIBERS", "notification, ,audit")
	t.Setenv("NOTIFY_SUPPORTER_ROLE_IDS", "5,8")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "nats", cfg.Broker.Driver)
	assert.Equal(t, 1500*time.Millisecond, cfg.RPC.DefaultTimeout())
	assert.Equal(t, []string{"notification", "audit"}, cfg.Events.StatusChangedSubscribers)
	assert.Equal(t, []int64{5, 8}, cfg.Notification.SupporterRoleIDs)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Run("unknown driver", func(t *testing.T) {
		t.Setenv("BROKER_DRIVER", "carrier-pigeon")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("role ids", func(t *testing.T) {
		t.Setenv("NOTIFY_SUPPORTER_ROLE_IDS", "2,x")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("zero timeout", func(t *testing.T) {
		t.Setenv("RPC_DEFAULT_TIMEOUT_MS", "0")
		_, err := Load()
		assert.Error(t, err)
	})
}
