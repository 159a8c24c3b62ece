package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 7*24*time.Hour, cfg.TokenExpiry)
	assert.Equal(t, int64(31337), cfg.LedgerChainID)
	assert.Equal(t, 15*time.Second, cfg.LedgerCallTimeout)
	assert.Equal(t, 100, cfg.RateLimitRPS)
	assert.False(t, cfg.LedgerEnabled())
}

func TestLoadLedgerSettings(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("LEDGER_RPC_URL", "http://localhost:8545")
	t.Setenv("CONTRACT_ADDRESS", "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	t.Setenv("LEDGER_CALL_TIMEOUT", "30s")
	t.Setenv("LEDGER_CHAIN_ID", "1337")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.LedgerEnabled())
	assert.Equal(t, 30*time.Second, cfg.LedgerCallTimeout)
	assert.Equal(t, int64(1337), cfg.LedgerChainID)
}

func TestLoadAllowedOrigins(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("ALLOWED_ORIGINS", "https://fundtrace.example.org, https://admin.example.org")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://fundtrace.example.org", "https://admin.example.org"}, cfg.AllowedOrigins)
}

func TestLoadDebugAllowsAnyOrigin(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("DEBUG", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
}
