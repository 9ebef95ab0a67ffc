package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookbot/internal/listing"
	logx "bookbot/pkg/logx"
)

func testSources() Sources {
	return Sources{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("bookbot_cycles_total 3\n"))
		}),
		Entries: func(context.Context) ([]listing.Tracked, error) {
			return []listing.Tracked{
				{ID: "1", Title: "A", State: listing.ClaimSucceeded},
				{ID: "2", Title: "B", State: listing.ClaimFailed, Detail: "full"},
			}, nil
		},
		Health: func() (bool, any) { return true, map[string]string{"scheduler": "quiescent"} },
	}
}

func get(t *testing.T, h http.Handler, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if len(header) == 2 {
		req.Header.Set(header[0], header[1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestEndpoints(t *testing.T) {
	h := New(Config{}, testSources(), logx.Nop()).Handler(Config{})

	rec := get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])

	rec = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bookbot_cycles_total 3")

	rec = get(t, h, "/entries")
	require.Equal(t, http.StatusOK, rec.Code)
	var all []listing.Tracked
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 2)

	rec = get(t, h, "/entries?state=claim_failed")
	require.Equal(t, http.StatusOK, rec.Code)
	var failed []listing.Tracked
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &failed))
	require.Len(t, failed, 1)
	assert.Equal(t, "full", failed[0].Detail)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/entries?state=bogus").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/debug/pprof/").Code)
}

func TestHealthDegraded(t *testing.T) {
	src := testSources()
	src.Health = func() (bool, any) { return false, "scheduler: login failed" }
	rec := get(t, New(Config{}, src, logx.Nop()).Handler(Config{}), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestEntriesError(t *testing.T) {
	src := testSources()
	src.Entries = func(context.Context) ([]listing.Tracked, error) { return nil, errors.New("db gone") }
	rec := get(t, New(Config{}, src, logx.Nop()).Handler(Config{}), "/entries")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTokenGuard(t *testing.T) {
	cfg := Config{Token: "s3cret", Pprof: true}
	h := New(cfg, testSources(), logx.Nop()).Handler(cfg)

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz?token=wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/metrics", "Authorization", "Bearer nope").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz?token=s3cret").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/metrics", "Authorization", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/debug/pprof/", "Authorization", "Bearer s3cret").Code)
}

func TestTokenMatchesWholeTokenOnly(t *testing.T) {
	cfg := Config{Token: "s3cret"}
	h := New(cfg, testSources(), logx.Nop()).Handler(cfg)

	for _, bad := range []string{"s3cre", "s3crett", "S3CRET", ""} {
		assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz", "Authorization", "Bearer "+bad).Code, bad)
	}
	// A wrong query token is not rescued by a correct header.
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz?token=nope", "Authorization", "Bearer s3cret").Code)
	assert.True(t, tokenMatches("s3cret", "s3cret"))
	assert.False(t, tokenMatches("", ""))
}

func waitForHTTP(ctx context.Context, url string) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func TestReconfigureEnableDisable(t *testing.T) {
	svc := New(Config{}, testSources(), logx.Nop())
	t.Cleanup(func() { svc.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	svc.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	require.Eventually(t, func() bool { return svc.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, waitForHTTP(ctx, "http://"+svc.Addr()+"/healthz"))

	svc.Reconfigure(ctx, Config{Enabled: false})
	assert.Equal(t, "", svc.Addr())
	assert.Nil(t, svc.Supervisor())
}

func TestRefusesInsecureBind(t *testing.T) {
	svc := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, testSources(), logx.Nop())
	err := svc.serveOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure bind")
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:9464"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:1"))
	assert.False(t, isLoopbackAddr(":9464"))
	assert.False(t, isLoopbackAddr("10.0.0.1:80"))
	assert.False(t, isLoopbackAddr("nonsense"))
}
