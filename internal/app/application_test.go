package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamsync/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "data", "teamsync.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.ShutdownTimeout = 2 * time.Second
	return cfg
}

func TestOpenDatabase_AppliesMigrationsOnce(t *testing.T) {
	cfg := testConfig(t)

	db, applied, err := OpenDatabase(cfg.Database, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, applied)
	require.NoError(t, db.Close())

	db, applied, err = OpenDatabase(cfg.Database, nil)
	require.NoError(t, err)
	assert.Empty(t, applied)
	require.NoError(t, db.Close())
}

func TestNewApplication_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Port = 0
	_, err := NewApplication(cfg, nil)
	assert.Error(t, err)
}

func TestApplication_ServeAndShutdown(t *testing.T) {
	application, err := NewApplication(testConfig(t), nil)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
