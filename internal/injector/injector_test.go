package injector

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/keeper/internal/config"
)

func TestInitializeServer(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.Log.Level = "silent"
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Persistence.MirrorPath = filepath.Join(dir, "mirror.db")
	cfg.Migration.Enabled = false
	require.NoError(t, cfg.Validate())

	srv, cleanup, err := InitializeServer(cfg)
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, srv.Start(context.Background()))
	require.Eventually(t, srv.Ready, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + srv.Addr() + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop(context.Background()))
}

func TestProvideResolver(t *testing.T) {
	cfg := config.Default()

	res, err := ProvideResolver(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, res)

	cfg.Migration.Enabled = false
	res, err = ProvideResolver(cfg, nil)
	require.NoError(t, err)
	require.Nil(t, res)
}
