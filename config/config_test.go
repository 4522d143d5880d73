package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yeremiapane/receipt-engine/gateway"
	"github.com/yeremiapane/receipt-engine/models"
)

func testViper(overrides map[string]interface{}) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.Set("JWT_SECRET", "test-secret-0123456789")
	for k, val := range overrides {
		v.Set(k, val)
	}
	return v
}

func TestFromViper_Defaults(t *testing.T) {
	cfg, err := fromViper(testViper(nil))
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, int64(999999), cfg.Payments.CeilingCents)
	assert.Equal(t, 180*24*time.Hour, cfg.Payments.Retention)
	assert.Equal(t, 30*time.Minute, cfg.Workers.PendingTimeout)
	assert.Equal(t, "mock", cfg.Gateway.Name)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, int64(4000), cfg.Prices.BadgePrice(models.BadgeAttendee))
}

func TestFromViper_Validation(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]interface{}
	}{
		{"short jwt secret", map[string]interface{}{"JWT_SECRET": "short"}},
		{"unknown driver", map[string]interface{}{"DB_DRIVER": "oracle"}},
		{"stripe without key", map[string]interface{}{"PAYMENT_GATEWAY": "stripe"}},
		{"authorizenet without credentials", map[string]interface{}{"PAYMENT_GATEWAY": "authorizenet"}},
		{"zero ceiling", map[string]interface{}{"PAYMENT_CEILING_CENTS": 0}},
		{"bad redis address", map[string]interface{}{"REDIS_ADDR": "not an address"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fromViper(testViper(tt.overrides))
			assert.Error(t, err)
		})
	}
}

func TestFromViper_SqliteNeedsNoHost(t *testing.T) {
	cfg, err := fromViper(testViper(map[string]interface{}{
		"DB_DRIVER": "sqlite",
		"DB_HOST":   "",
		"DB_USER":   "",
		"DB_NAME":   "file::memory:",
	}))
	require.NoError(t, err)
	assert.Equal(t, "file::memory:", cfg.Database.DSN())
}

func TestDatabaseConfig_DSN(t *testing.T) {
	mysql := DatabaseConfig{Driver: "mysql", Host: "db", Port: "3306", Name: "receipts", User: "app", Password: "pw"}
	assert.Equal(t, "app:pw@tcp(db:3306)/receipts?charset=utf8mb4&parseTime=True&loc=Local", mysql.DSN())

	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: "5432", Name: "receipts", User: "app", Password: "pw", SSLMode: "disable"}
	assert.Equal(t, "host=db user=app password=pw dbname=receipts port=5432 sslmode=disable", pg.DSN())
}

func TestLoadPrices_OverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.yaml")
	require.NoError(t, os.WriteFile(path, []byte("badges:\n  attendee: 5000\ngroup_badge: 4500\n"), 0o600))

	prices, err := LoadPrices(path)
	require.NoError(t, err)

	assert.Equal(t, int64(5000), prices.BadgePrice(models.BadgeAttendee))
	assert.Equal(t, int64(4500), prices.GroupBadge)
	assert.Equal(t, int64(1000), prices.ArtPanel)
}

func TestLoadPrices_MissingFile(t *testing.T) {
	_, err := LoadPrices(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewGateway(t *testing.T) {
	gw, err := NewGateway(GatewayConfig{Name: "mock"})
	require.NoError(t, err)
	assert.Equal(t, gateway.MockName, gw.Name())

	gw, err = NewGateway(GatewayConfig{Name: "stripe", StripeSecretKey: "sk_test"})
	require.NoError(t, err)
	assert.Equal(t, gateway.StripeName, gw.Name())

	_, err = NewGateway(GatewayConfig{Name: "paypal"})
	assert.Error(t, err)
}
