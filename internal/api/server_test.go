package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marketdesk/refresher/internal/api"
	"github.com/marketdesk/refresher/internal/auth"
	"github.com/marketdesk/refresher/internal/metrics"
	"github.com/marketdesk/refresher/internal/model"
	"github.com/marketdesk/refresher/internal/service"
	"github.com/marketdesk/refresher/internal/static"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// gateExecutor blocks every step until release is closed.
type gateExecutor struct {
	started chan string
	release chan struct{}
	once    sync.Once
}

func newGateExecutor() *gateExecutor {
	return &gateExecutor{
		started: make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (g *gateExecutor) Run(ctx context.Context, cmd service.Command, _ service.StderrFunc) service.Result {
	g.started <- cmd.Path
	select {
	case <-g.release:
	case <-ctx.Done():
	}
	now := time.Now()
	return service.Result{Path: cmd.Path, Started: now, Stopped: now, Outcome: service.OutcomeSuccess}
}

func (g *gateExecutor) open() {
	g.once.Do(func() { close(g.release) })
}

type fixture struct {
	handler    http.Handler
	sup        *service.Supervisor
	exec       *gateExecutor
	store      *auth.Store
	adminToken string
	userToken  string
}

func newFixture(t *testing.T, opts api.Options) *fixture {
	t.Helper()
	catalog, err := model.NewCatalog([]model.ModuleConfig{
		{Key: "market", Name: "Market data", Steps: []model.StepConfig{{Path: "fetch-market"}}},
		{Key: "news", Name: "News", Steps: []model.StepConfig{{Path: "fetch-news"}}},
	}, time.Minute)
	require.NoError(t, err)

	exec := newGateExecutor()
	sup, err := service.NewSupervisor(context.Background(), catalog, exec, service.Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		exec.open()
		sup.Wait()
	})

	store, err := auth.Open(t.Context(), filepath.Join(t.TempDir(), "auth.db"), auth.Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})

	ctx := t.Context()
	_, err = store.CreateUser(ctx, auth.NewUser{Username: "root", Password: "rootpass", IsAdmin: true})
	require.NoError(t, err)
	_, err = store.Register(ctx, "bob", "bobpass", "Bob", "")
	require.NoError(t, err)
	adminSession, _, err := store.Login(ctx, "root", "rootpass", "")
	require.NoError(t, err)
	userSession, _, err := store.Login(ctx, "bob", "bobpass", "")
	require.NoError(t, err)

	return &fixture{
		handler:    api.New(sup, store, opts).Routes(),
		sup:        sup,
		exec:       exec,
		store:      store,
		adminToken: adminSession.Token,
		userToken:  userSession.Token,
	}
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.RemoteAddr = "192.0.2.10:40000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestConcurrentRefresh(t *testing.T) {
	t.Parallel()
	f := newFixture(t, api.Options{})

	var (
		wg   sync.WaitGroup
		recs = make([]*httptest.ResponseRecorder, 2)
	)
	for i := range recs {
		wg.Go(func() {
			recs[i] = do(t, f.handler, http.MethodPost, "/api/refresh/market", f.adminToken, nil)
		})
	}
	wg.Wait()

	codes := []int{recs[0].Code, recs[1].Code}
	require.ElementsMatch(t, []int{http.StatusAccepted, http.StatusTooManyRequests}, codes)
	for _, rec := range recs {
		switch rec.Code {
		case http.StatusAccepted:
			body := decodeAs[map[string]any](t, rec)
			require.Equal(t, true, body["ok"])
			require.NotEmpty(t, body["run_id"])
			require.Contains(t, body["message"], "market")
		case http.StatusTooManyRequests:
			body := decodeAs[map[string]any](t, rec)
			require.Equal(t, "market", body["running_module"])
			require.Contains(t, body, "step")
			require.NotEmpty(t, body["error"])
		}
	}

	require.Equal(t, "fetch-market", <-f.exec.started)
	rec := do(t, f.handler, http.MethodGet, "/api/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeAs[service.Status](t, rec)
	require.True(t, st.Running)
	require.Equal(t, "market", st.Module)
	require.Equal(t, "Market data", st.ModuleName)
	require.Equal(t, "fetch-market", st.Step)

	f.exec.open()
	f.sup.Wait()

	rec = do(t, f.handler, http.MethodGet, "/api/status", "", nil)
	st = decodeAs[service.Status](t, rec)
	require.False(t, st.Running)
	require.NotNil(t, st.LastResult)
	require.True(t, st.LastResult.OK)
	require.Len(t, st.Modules, 2)
}

func TestRefreshAuthorization(t *testing.T) {
	t.Parallel()
	window, err := model.NewWindow("15:00", "09:30", time.UTC)
	require.NoError(t, err)

	var (
		mx  sync.Mutex
		now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mx.Lock()
		defer mx.Unlock()
		return now
	}
	f := newFixture(t, api.Options{Window: window, Now: clock})

	rec := do(t, f.handler, http.MethodPost, "/api/refresh/market", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, f.handler, http.MethodPost, "/api/refresh/market", "not-a-token", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, f.handler, http.MethodPost, "/api/refresh-all", f.userToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, f.handler, http.MethodPost, "/api/cancel", f.userToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, f.handler, http.MethodPost, "/api/refresh/market", f.adminToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, decodeAs[map[string]any](t, rec)["error"], "15:00-09:30")

	mx.Lock()
	now = time.Date(2026, 3, 2, 9, 30, 59, 0, time.UTC)
	mx.Unlock()
	rec = do(t, f.handler, http.MethodPost, "/api/refresh/nope", f.adminToken, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, f.handler, http.MethodPost, "/api/refresh-all", f.adminToken, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "fetch-market", <-f.exec.started)

	// the window closes while the run is active
	mx.Lock()
	now = time.Date(2026, 3, 2, 9, 31, 0, 0, time.UTC)
	mx.Unlock()
	rec = do(t, f.handler, http.MethodPost, "/api/refresh-all", f.adminToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, f.handler, http.MethodPost, "/api/cancel", f.adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, decodeAs[map[string]any](t, rec)["ok"])

	st := decodeAs[service.Status](t, do(t, f.handler, http.MethodGet, "/api/status", "", nil))
	require.True(t, st.CancelRequested)

	f.exec.open()
	f.sup.Wait()

	st = decodeAs[service.Status](t, do(t, f.handler, http.MethodGet, "/api/status", "", nil))
	require.NotNil(t, st.LastResult)
	require.True(t, st.LastResult.Cancelled)
	require.True(t, st.LastResult.Results["market"].OK)
	require.True(t, st.LastResult.Results["news"].Cancelled)

	rec = do(t, f.handler, http.MethodPost, "/api/cancel", f.adminToken, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotEmpty(t, decodeAs[map[string]any](t, rec)["error"])
}

func TestAuthFlow(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	f := newFixture(t, api.Options{Metrics: m})

	rec := do(t, f.handler, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "Carol", "password": "carolpass", "display_name": "Carol C.",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, decodeAs[map[string]any](t, rec)["ok"])

	rec = do(t, f.handler, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "carol", "password": "otherpass",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, decodeAs[map[string]any](t, rec)["msg"], "already taken")

	rec = do(t, f.handler, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "x", "password": "carolpass",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, false, decodeAs[map[string]any](t, rec)["ok"])

	unknown := do(t, f.handler, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "nobody", "password": "carolpass",
	})
	badPassword := do(t, f.handler, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "carol", "password": "wrongpass",
	})
	require.Equal(t, http.StatusUnauthorized, unknown.Code)
	require.Equal(t, http.StatusUnauthorized, badPassword.Code)
	require.Equal(t, unknown.Body.String(), badPassword.Body.String())

	rec = do(t, f.handler, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "carol", "password": "carolpass",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var login struct {
		OK          bool      `json:"ok"`
		Token       string    `json:"token"`
		Username    string    `json:"username"`
		DisplayName string    `json:"display_name"`
		IsAdmin     bool      `json:"is_admin"`
		ExpiresAt   time.Time `json:"expires_at"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	require.True(t, login.OK)
	require.NotEmpty(t, login.Token)
	require.Equal(t, "carol", login.Username)
	require.Equal(t, "Carol C.", login.DisplayName)
	require.False(t, login.IsAdmin)
	require.True(t, login.ExpiresAt.After(time.Now()))

	rec = do(t, f.handler, http.MethodGet, "/api/auth/me", login.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decodeAs[map[string]any](t, rec)
	require.Equal(t, "carol", me["username"])
	require.EqualValues(t, 1, me["login_count"])

	rec = do(t, f.handler, http.MethodPost, "/api/auth/logout", login.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, f.handler, http.MethodGet, "/api/auth/me", login.Token, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, f.handler, http.MethodPost, "/api/auth/logout", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, f.handler, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `refresher_login_attempts_total{outcome="failure"} 2`)
	require.Contains(t, rec.Body.String(), `refresher_login_attempts_total{outcome="success"} 1`)
}

func TestLoginRateLimit(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC)
	f := newFixture(t, api.Options{
		LoginRate: &model.LoginRate{PerMinute: 1, Burst: 2},
		Now:       func() time.Time { return now },
	})

	creds := map[string]string{"username": "bob", "password": "wrongpass"}
	for range 2 {
		rec := do(t, f.handler, http.MethodPost, "/api/auth/login", "", creds)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := do(t, f.handler, http.MethodPost, "/api/auth/login", "", creds)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "60", rec.Header().Get("Retry-After"))
	require.Equal(t, false, decodeAs[map[string]any](t, rec)["ok"])

	rec = do(t, f.handler, http.MethodPost, "/api/auth/register", "", map[string]string{"username": "dave", "password": "davepass"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// other clients have their own bucket
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"username":"bob","password":"bobpass"}`))
	req.RemoteAddr = "198.51.100.7:5000"
	other := httptest.NewRecorder()
	f.handler.ServeHTTP(other, req)
	require.Equal(t, http.StatusOK, other.Code)
}

func TestAdminUsers(t *testing.T) {
	t.Parallel()
	f := newFixture(t, api.Options{})
	ctx := t.Context()

	rec := do(t, f.handler, http.MethodGet, "/api/admin/users", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, f.handler, http.MethodGet, "/api/admin/users", f.userToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, f.handler, http.MethodGet, "/api/admin/users", f.adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		OK    bool        `json:"ok"`
		Users []auth.User `json:"users"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Users, 2)
	var admin, bob auth.User
	for _, u := range list.Users {
		if u.IsAdmin {
			admin = u
		} else {
			bob = u
		}
	}
	require.Equal(t, "bob", bob.Username)

	path := func(id int64, suffix string) string {
		return "/api/admin/users/" + strconv.FormatInt(id, 10) + suffix
	}

	rec = do(t, f.handler, http.MethodPost, path(admin.ID, "/toggle"), f.adminToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, f.handler, http.MethodPost, path(bob.ID, "/toggle"), f.adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var toggled struct {
		User auth.User `json:"user"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &toggled))
	require.Equal(t, auth.StatusDisabled, toggled.User.Status)
	rec = do(t, f.handler, http.MethodGet, "/api/auth/me", f.userToken, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, f.handler, http.MethodPost, path(bob.ID, "/toggle"), f.adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, f.handler, http.MethodPost, path(bob.ID, "/reset-password"), f.adminToken, map[string]string{"password": "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, f.handler, http.MethodPost, path(bob.ID, "/reset-password"), f.adminToken, map[string]string{"password": "newbobpass"})
	require.Equal(t, http.StatusOK, rec.Code)
	_, _, err := f.store.Login(ctx, "bob", "newbobpass", "")
	require.NoError(t, err)

	rec = do(t, f.handler, http.MethodGet, "/api/admin/login-log?limit=1", f.adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var loginLog struct {
		Entries []auth.LoginLogEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &loginLog))
	require.Len(t, loginLog.Entries, 1)
	require.Equal(t, "bob", loginLog.Entries[0].Username)
	rec = do(t, f.handler, http.MethodGet, "/api/admin/login-log?limit=abc", f.adminToken, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, f.handler, http.MethodDelete, path(admin.ID, ""), f.adminToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, f.handler, http.MethodPost, path(bob.ID, "/delete"), f.adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, f.handler, http.MethodDelete, path(bob.ID, ""), f.adminToken, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, f.handler, http.MethodPost, "/api/admin/users/abc/toggle", f.adminToken, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStaticFallback(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>dashboard</h1>"), 0o644))
	cache, err := static.New(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	f := newFixture(t, api.Options{Static: cache})

	rec := do(t, f.handler, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "<h1>dashboard</h1>", rec.Body.String())

	rec = do(t, f.handler, http.MethodGet, "/api/unknown", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, f.handler, http.MethodPost, "/index.html", "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	rec = do(t, f.handler, http.MethodGet, "/api/cancel", "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.URL.Path = "/../secret"
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, api.Options{})

	rec := do(t, f.handler, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decodeAs[map[string]string](t, rec)["status"])

	require.NoError(t, f.store.Close())
	rec = do(t, f.handler, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServe(t *testing.T) {
	t.Parallel()
	f := newFixture(t, api.Options{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := api.New(f.sup, f.store, api.Options{MaxConnections: 4})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, ln)
	}()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + ln.Addr().String() + "/api/status")
	require.NoError(t, err)
	var st service.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.NoError(t, resp.Body.Close())
	require.False(t, st.Running)
	require.Len(t, st.Modules, 2)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not shut down")
	}
}
