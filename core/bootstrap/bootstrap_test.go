package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/createrken-code/nippo-shokuninn/core/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Line: config.LineConfig{ChannelAccessToken: "token", ChannelSecret: "secret"},
		HTTP: config.HTTPConfig{PublicBaseURL: "https://nippo.example.com", Listen: "127.0.0.1"},
		Storage: config.StorageConfig{
			Backend: "local",
			Local:   config.LocalStorageConfig{Dir: filepath.Join(dir, "downloads")},
		},
		Report: config.ReportConfig{
			OutputDir: filepath.Join(dir, "reports"),
			MediaDir:  filepath.Join(dir, "media"),
		},
	}
	require.NoError(t, config.Normalize(cfg))
	return cfg
}

func TestRunSkipsDatabaseForMemorySessions(t *testing.T) {
	cfg := testConfig(t)
	var inited bool
	res, err := Run(context.Background(), Options{
		Config:     cfg,
		LoggerInit: func(*config.Config) error { inited = true; return nil },
		Connect: func(context.Context, config.DatabaseConfig) (*sqlx.DB, error) {
			t.Fatal("connect must not be called")
			return nil, nil
		},
	})
	require.NoError(t, err)
	assert.True(t, inited)
	assert.Nil(t, res.DB)
}

func TestRunPropagatesFailures(t *testing.T) {
	cfg := testConfig(t)
	noLog := func(*config.Config) error { return nil }

	_, err := Run(context.Background(), Options{Config: cfg, LoggerInit: func(*config.Config) error { return errors.New("bad sink") }})
	assert.ErrorContains(t, err, "logger init failed")

	cfg.Session.Backend = "postgres"
	_, err = Run(context.Background(), Options{
		Config:     cfg,
		LoggerInit: noLog,
		Connect: func(context.Context, config.DatabaseConfig) (*sqlx.DB, error) {
			return nil, errors.New("no route to host")
		},
	})
	assert.ErrorContains(t, err, "database initialization failed")

	_, err = Run(context.Background(), Options{})
	assert.Error(t, err)
}

func TestBuildWiresLineWebhook(t *testing.T) {
	cfg := testConfig(t)
	app, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	require.NotNil(t, app.Line)
	assert.Nil(t, app.Telegram)
	assert.Equal(t, "local", app.Publisher.Name())

	body := `{"destination":"U","events":[]}`
	req := httptest.NewRequest(http.MethodPost, cfg.Line.WebhookPath, bytes.NewBufferString(body))
	req.Header.Set("X-Line-Signature", "bogus")
	resp, err := app.Server.App().Test(req, -1)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = app.Server.App().Test(httptest.NewRequest(http.MethodGet, "/download/missing.pdf", nil), -1)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestModulesStopTogether(t *testing.T) {
	boom := errors.New("boom")
	stopped := make(chan struct{})
	mods := Modules{
		ModuleFunc("fails", func(context.Context) error { return boom }),
		ModuleFunc("waits", func(ctx context.Context) error {
			<-ctx.Done()
			close(stopped)
			return nil
		}),
		{Name: "empty"},
	}
	assert.ErrorIs(t, mods.Run(context.Background()), boom)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("sibling module was not cancelled")
	}
}
