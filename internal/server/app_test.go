package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/leadflow/internal/config"
	"github.com/JakeFAU/leadflow/internal/retry"
	"github.com/JakeFAU/leadflow/internal/stages"
)

func TestBuildRejectsUnknownStage(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	_, err := Build(context.Background(), cfg, "enrichment", zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stage")
}

func TestWebsiteRunnerServesCoordinationAPI(t *testing.T) {
	t.Parallel()

	app, err := Build(context.Background(), testConfig(t), stages.Website, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `stage="website"`)

	assert.True(t, strings.HasPrefix(app.Self().ID, "website-"))
	assert.Equal(t, "localhost:3040", app.Self().Address)
}

func TestExecuteRecordExtractsWebsiteContacts(t *testing.T) {
	t.Parallel()

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		_, _ = fmt.Fprint(w, `<html><head><title>Acme Plumbing</title></head>
<body><a href="mailto:hello@acme.test">Email</a><a href="tel:+15551234567">Call</a></body></html>`)
	}))
	t.Cleanup(site.Close)

	app, err := Build(context.Background(), testConfig(t), stages.Website, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })

	out, err := app.ExecuteRecord(context.Background(), "biz-1", map[string]any{"website": site.URL})
	require.NoError(t, err)
	assert.True(t, out.Succeeded)
	assert.Equal(t, "business_contacts", out.DerivedTable)
	require.Len(t, out.DerivedIDs, 1)

	again, err := app.ExecuteRecord(context.Background(), "biz-1", map[string]any{"website": site.URL})
	require.NoError(t, err)
	assert.Equal(t, out.DerivedIDs, again.DerivedIDs, "a succeeded key replays its stored output")
}

func TestRunStopsWhenBacklogIsEmpty(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	sc := cfg.Stages[stages.Website]
	sc.Port = freePort(t)
	cfg.Stages[stages.Website] = sc

	app, err := Build(context.Background(), cfg, stages.Website, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, app.Run(ctx))
	require.NoError(t, ctx.Err(), "run should return before the deadline")
}

func testConfig(t *testing.T) config.Config {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Retry["backlog_poll"] = retry.Policy{Name: "backlog_poll", MaxAttempts: 1}
	cfg.RateLimit.DefaultRPS = 0
	stagesCopy := make(map[string]config.StageConfig, len(cfg.Stages))
	for k, v := range cfg.Stages {
		stagesCopy[k] = v
	}
	cfg.Stages = stagesCopy
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close()
	var port int
	_, err := fmt.Sscanf(addr[strings.LastIndex(addr, ":")+1:], "%d", &port)
	require.NoError(t, err)
	return port
}
