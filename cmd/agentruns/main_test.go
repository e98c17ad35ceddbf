package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hirepilot/agentruns/internal/config"
	"github.com/hirepilot/agentruns/internal/logging"
	"github.com/hirepilot/agentruns/internal/server"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestLoadConfig_FlagsOverrideOnlyWhenSet(t *testing.T) {
	t.Setenv("AGENTRUNS_SERVER_ADDR", ":9000")

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("addr", "", "")
	cmd.Flags().String("store", "", "")

	cfg, err := loadConfig(cmd, map[string]string{"server.addr": "addr", "store.driver": "store"})
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, config.DriverMemory, cfg.Store.Driver)

	require.NoError(t, cmd.Flags().Set("addr", ":9100"))
	cfg, err = loadConfig(cmd, map[string]string{"server.addr": "addr", "store.driver": "store"})
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.Addr)
}

func TestLoadConfig_InvalidSettings(t *testing.T) {
	t.Setenv("AGENTRUNS_STORE_DRIVER", "mongo")

	_, err := loadConfig(&cobra.Command{Use: "test"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs([]string{
		"token",
		"--user", "0b9e2c1a-7d0c-4c6f-a5a8-0c6b1f2f6e11",
		"--workspace", "6f1a7c1e-9b1d-4d8e-8e0f-3a4b5c6d7e8f",
	})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		tokenUser, tokenWorkspaces = "", nil
	})

	require.NoError(t, rootCmd.Execute())

	claims, err := server.NewJWTService(config.JWTConfig{Secret: "test-secret", ExpirationHours: 24}).
		ValidateToken(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "0b9e2c1a-7d0c-4c6f-a5a8-0c6b1f2f6e11", claims.GetUserID().String())
	require.Len(t, claims.GetWorkspaceIDs(), 1)
	assert.Equal(t, "6f1a7c1e-9b1d-4d8e-8e0f-3a4b5c6d7e8f", claims.GetWorkspaceIDs()[0].String())
	assert.Contains(t, errOut.String(), "expires in 24h0m0s")
}

func TestHashWorkerTokenCommand(t *testing.T) {
	t.Setenv("AGENTRUNS_WORKER_BCRYPT_COST", "4")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "hash-worker", "s3cret"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))
}

func TestOpenBackends(t *testing.T) {
	ctx := context.Background()
	logger := logging.Discard()

	t.Run("memory", func(t *testing.T) {
		cfg := config.Default()
		b, err := openBackends(ctx, cfg, logger)
		require.NoError(t, err)
		defer b.Close()

		assert.NotNil(t, b.store)
		assert.NotNil(t, b.dispatcher)
		assert.NotNil(t, b.consumer)
		assert.Nil(t, b.health)
	})

	t.Run("sqlite", func(t *testing.T) {
		cfg := config.Default()
		cfg.Store.Driver = config.DriverSQLite
		cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "runs.db")

		b, err := openBackends(ctx, cfg, logger)
		require.NoError(t, err)
		defer b.Close()

		require.NotNil(t, b.health)
		assert.NoError(t, b.health(ctx))
	})
}

func TestNewRegistry(t *testing.T) {
	cfg := config.Default().Worker

	assert.Empty(t, newRegistry(cfg, logging.Discard()).Categories())

	cfg.Simulate = true
	cfg.SimulateCategories = []string{"sourcing", "outreach"}
	assert.Equal(t, []string{"outreach", "sourcing"}, newRegistry(cfg, logging.Discard()).Categories())
}
