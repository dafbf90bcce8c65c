package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("Fills defaults", func(t *testing.T) {
		cfg, err := Parse([]byte(`
server:
  port: 8080
database:
  driver: memory
`))
		require.NoError(t, err)
		assert.Equal(t, "SAR", cfg.Fulfillment.Currency)
		assert.Equal(t, 5, cfg.Fulfillment.LowStockThreshold)
		assert.Equal(t, 50, cfg.Fulfillment.MaxImportErrors)
		assert.Equal(t, 15*time.Minute, cfg.Fulfillment.ReservationTimeout())
		assert.Equal(t, 24*time.Hour, cfg.Fulfillment.IdempotencyTTL())
		assert.Equal(t, uint(5), cfg.Fulfillment.CompensationMaxTries)
		assert.Equal(t, "0 */10 * * * *", cfg.Scheduler.ExpireUnits)
		assert.Equal(t, "info", cfg.Log.Level)
	})

	t.Run("Postgres requires a host", func(t *testing.T) {
		_, err := Parse([]byte("server:\n  port: 8080\ndatabase:\n  driver: postgres\n"))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "database host is required")
	})

	t.Run("Unknown driver", func(t *testing.T) {
		_, err := Parse([]byte("server:\n  port: 8080\ndatabase:\n  driver: mongo\n"))
		assert.Error(t, err)
	})

	t.Run("Short codec secret", func(t *testing.T) {
		_, err := Parse([]byte("server:\n  port: 8080\ndatabase:\n  driver: memory\nfulfillment:\n  id_codec_secret: short\n"))
		assert.Error(t, err)
	})

	t.Run("Sendgrid needs a recipient", func(t *testing.T) {
		_, err := Parse([]byte("server:\n  port: 8080\ndatabase:\n  driver: memory\nnotification:\n  sendgrid_api_key: SG.x\n"))
		assert.Error(t, err)
	})
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 8080
database:
  driver: postgres
  host: db.internal
  user: cardvault
  database: cardvault
`), 0o600))

	t.Setenv("DB_HOST", "localhost")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "inventory.low-stock", cfg.Kafka.LowStockTopic)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, "postgres://cardvault:@localhost:0/cardvault?sslmode=disable", cfg.GetDatabaseConnectionString())
}
