package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/ispbill/routerd/internal/config"
	"github.com/ispbill/routerd/internal/crypto"
	"github.com/ispbill/routerd/internal/database"
	"github.com/ispbill/routerd/internal/devicepool"
	"github.com/ispbill/routerd/internal/middleware"
	"github.com/ispbill/routerd/internal/routeraudit"
	"github.com/ispbill/routerd/internal/routerstore"
)

const testPassword = "pw-1234"

// fakeRouterSession answers a few commands and rejects the rest like a router trap.
type fakeRouterSession struct{}

func (fakeRouterSession) Run(ctx context.Context, path string, args []string) ([]devicepool.Row, error) {
	switch path {
	case "/system/identity/print":
		return []devicepool.Row{{"name": "core-rtr"}}, nil
	case "/ppp/secret/print":
		return []devicepool.Row{{"name": "pppoe-7", "profile": "10M"}}, nil
	default:
		return nil, fmt.Errorf("%w: %s: no such command prefix", devicepool.ErrDeviceRejected, path)
	}
}

func (fakeRouterSession) Close() error { return nil }

func (fakeRouterSession) Subscribe(devicepool.SessionListener) func() { return func() {} }

type testEnv struct {
	srv     *Server
	handler http.Handler
	store   *routerstore.Store
	auditor *routeraudit.Auditor

	mu    sync.Mutex
	dials int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	prev := config.Cfg.AuthDisabled
	config.Cfg.AuthDisabled = true
	t.Cleanup(func() { config.Cfg.AuthDisabled = prev })

	db, err := database.Open(filepath.Join(t.TempDir(), "routerd.db"), logger.Silent)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	env := &testEnv{}
	pool, err := devicepool.New(devicepool.Options{
		Dialer: devicepool.DialerFunc(func(ctx context.Context, addr string, cfg devicepool.DeviceConfig) (devicepool.Session, error) {
			env.mu.Lock()
			env.dials++
			env.mu.Unlock()
			if cfg.Password != testPassword {
				return nil, fmt.Errorf("%w: invalid user name or password", devicepool.ErrAuthFailure)
			}
			return fakeRouterSession{}, nil
		}),
		CommandSpacing: -1,
		BackoffBase:    time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})

	env.store = routerstore.New(db, crypto.NewBox(db))
	env.auditor = routeraudit.NewAuditor(db, 0)
	pool.SetConfigLoader(env.store.Loader())
	pool.SetAuditLogger(env.auditor.Sink())

	env.srv = &Server{
		DB:              db,
		Pool:            pool,
		Store:           env.store,
		Auditor:         env.auditor,
		TerminalLimiter: middleware.NewTenantLimiter(100, time.Second),
	}
	env.handler = env.srv.Routes()
	return env
}

func (env *testEnv) do(t *testing.T, method, path, tenant string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if body != nil {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
		req = httptest.NewRequest(method, path, &buf)
	}
	if tenant != "" {
		req.Header.Set(middleware.TenantHeader, tenant)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (env *testEnv) addRouter(t *testing.T, tenant, name, host, password string) map[string]interface{} {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/v1/routers", tenant, map[string]interface{}{
		"name": name, "host": host, "user": "api", "password": password, "primary": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode(t, rec)
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "connected", body["database"])
}

func TestMissingTenant(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/routers", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIKeyRequired(t *testing.T) {
	env := newTestEnv(t)
	config.Cfg.AuthDisabled = false
	hash, err := middleware.HashToken("tok")
	require.NoError(t, err)
	env.srv.APITokenHash = hash
	handler := env.srv.Routes()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/routers", nil)
	req.Header.Set(middleware.TenantHeader, "isp-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set(middleware.APIKeyHeader, "tok")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "health is public")
}

func TestUpsertRouterVerifies(t *testing.T) {
	env := newTestEnv(t)
	body := env.addRouter(t, "isp-1", "core", "10.0.0.1", testPassword)

	assert.Equal(t, true, body["verified"])
	assert.Equal(t, "core-rtr", body["identity"])
	assert.Nil(t, body["reason"])
	router := body["router"].(map[string]interface{})
	assert.Equal(t, "****1234", router["password"])
	assert.NotNil(t, router["last_verified_at"])

	rec := env.do(t, http.MethodGet, "/api/v1/routers", "isp-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "10.0.0.1", list[0]["host"])
	assert.Equal(t, float64(devicepool.DefaultAPIPort), list[0]["port"])
	assert.NotContains(t, rec.Body.String(), testPassword)

	rec = env.do(t, http.MethodGet, "/api/v1/routers", "isp-2", nil)
	assert.JSONEq(t, "[]", rec.Body.String(), "routers are tenant scoped")
}

func TestUpsertRouterBadCredentials(t *testing.T) {
	env := newTestEnv(t)
	body := env.addRouter(t, "isp-1", "core", "10.0.0.1", "wrong")
	assert.Equal(t, false, body["verified"])
	assert.Equal(t, "auth", body["reason"])
}

func TestUpsertRouterRotatesCredentials(t *testing.T) {
	env := newTestEnv(t)
	env.addRouter(t, "isp-1", "core", "10.0.0.1", "wrong")
	body := env.addRouter(t, "isp-1", "core", "10.0.0.1", testPassword)
	assert.Equal(t, true, body["verified"], "re-upsert reloads the cached configuration")
}

func TestUpsertRouterValidation(t *testing.T) {
	env := newTestEnv(t)
	for _, payload := range []interface{}{
		map[string]interface{}{"host": "10.0.0.1", "user": "api"},
		map[string]interface{}{"host": "x", "user": "api", "password": "p"},
		map[string]interface{}{"host": "10.0.0.1", "user": "api", "password": "p", "timeout_ms": 10},
		map[string]interface{}{"host": "10.0.0.1", "user": "api", "password": "p", "bogus": true},
	} {
		rec := env.do(t, http.MethodPost, "/api/v1/routers", "isp-1", payload)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%v", payload)
	}
}

func TestDeleteRouter(t *testing.T) {
	env := newTestEnv(t)
	body := env.addRouter(t, "isp-1", "core", "10.0.0.1", testPassword)
	id := int(body["router"].(map[string]interface{})["id"].(float64))

	rec := env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/routers/%d", id), "isp-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/v1/routers/exec", "isp-1", map[string]interface{}{"path": "/ppp/secret/print"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/routers/%d", id), "isp-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/v1/routers/exec", "isp-1", map[string]interface{}{"path": "/ppp/secret/print"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "router_not_configured", decode(t, rec)["code"])

	rec = env.do(t, http.MethodDelete, "/api/v1/routers/abc", "isp-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecCommand(t *testing.T) {
	env := newTestEnv(t)
	env.addRouter(t, "isp-1", "core", "10.0.0.1", testPassword)

	rec := env.do(t, http.MethodPost, "/api/v1/routers/exec", "isp-1", map[string]interface{}{
		"path": "/ppp/secret/print", "args": []string{"?name=pppoe-7"}, "selector": map[string]string{"name": "core"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"ok":true,"result":[{"name":"pppoe-7","profile":"10M"}]}`, rec.Body.String())
}

func TestExecCommandErrors(t *testing.T) {
	env := newTestEnv(t)
	env.addRouter(t, "isp-1", "core", "10.0.0.1", testPassword)

	rec := env.do(t, http.MethodPost, "/api/v1/routers/exec", "isp-1", map[string]interface{}{"path": "/nope/print"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "device_rejected", decode(t, rec)["code"])

	rec = env.do(t, http.MethodPost, "/api/v1/routers/exec", "isp-9", map[string]interface{}{"path": "/system/identity/print"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "router_not_configured", decode(t, rec)["code"])

	rec = env.do(t, http.MethodPost, "/api/v1/routers/exec", "isp-1", map[string]interface{}{"path": "system"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/routers/exec", "isp-1", map[string]interface{}{"path": "/x", "timeout_ms": 5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecAuthFailureMapsTo502(t *testing.T) {
	env := newTestEnv(t)
	env.addRouter(t, "isp-1", "core", "10.0.0.1", "wrong")

	rec := env.do(t, http.MethodPost, "/api/v1/routers/exec", "isp-1", map[string]interface{}{"path": "/system/identity/print"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "device_auth_failed", body["code"])
	assert.Equal(t, "Misconfigured device credentials", body["detail"])
}

func TestReconnect(t *testing.T) {
	env := newTestEnv(t)
	env.addRouter(t, "isp-1", "core", "10.0.0.1", testPassword)
	env.mu.Lock()
	before := env.dials
	env.mu.Unlock()

	rec := env.do(t, http.MethodPost, "/api/v1/routers/reconnect", "isp-1", map[string]interface{}{
		"selector": map[string]string{"name": "core"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env.mu.Lock()
	assert.Equal(t, before+1, env.dials)
	env.mu.Unlock()

	rec = env.do(t, http.MethodPost, "/api/v1/routers/reconnect", "isp-9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.addRouter(t, "isp-1", "core", "10.0.0.1", testPassword)
	env.addRouter(t, "isp-2", "core", "10.0.0.2", testPassword)

	rec := env.do(t, http.MethodGet, "/api/v1/routers/status", "isp-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var statuses []devicepool.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "10.0.0.1", statuses[0].Host)
	assert.True(t, statuses[0].Connected)

	rec = env.do(t, http.MethodGet, "/api/v1/admin/pool", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	assert.Len(t, statuses, 2)
}

func TestTerminalExec(t *testing.T) {
	env := newTestEnv(t)
	env.addRouter(t, "isp-1", "core", "10.0.0.1", testPassword)

	rec := env.do(t, http.MethodPost, "/api/v1/routers/terminal/exec", "isp-1", map[string]interface{}{
		"command": "/ppp/secret/print ?name=pppoe-7",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "/ppp/secret/print", body["path"])
	assert.Equal(t, []interface{}{"?name=pppoe-7"}, body["words"])

	rec = env.do(t, http.MethodPost, "/api/v1/routers/terminal/exec", "isp-1", map[string]interface{}{
		"command": "/system/shutdown",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/routers/terminal/exec", "isp-1", map[string]interface{}{
		"command": "system identity print",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTerminalRateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.srv.TerminalLimiter = middleware.NewTenantLimiter(1, time.Minute)
	env.handler = env.srv.Routes()
	env.addRouter(t, "isp-1", "core", "10.0.0.1", testPassword)

	payload := map[string]interface{}{"command": "/system/identity/print"}
	rec := env.do(t, http.MethodPost, "/api/v1/routers/terminal/exec", "isp-1", payload)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/v1/routers/terminal/exec", "isp-1", payload)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAuditEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.addRouter(t, "isp-1", "core", "10.0.0.1", testPassword)

	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/api/v1/routers/audit?kind=routeros.exec&ok=true", "isp-1", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var res routeraudit.QueryResult
		if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
			return false
		}
		return res.Total >= 1 && res.Entries[0].Command == "/system/identity/print"
	}, 2*time.Second, 10*time.Millisecond)

	rec := env.do(t, http.MethodGet, "/api/v1/routers/audit?since=yesterday", "isp-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/routers/audit", "isp-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":0`)

	rec = env.do(t, http.MethodPost, "/api/v1/admin/audit/purge?older_than=1h", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decode(t, rec)["deleted"])
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t)
	env.addRouter(t, "isp-1", "core", "10.0.0.1", testPassword)

	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/routers/events/stream",
		&websocket.DialOptions{HTTPHeader: http.Header{middleware.TenantHeader: []string{"isp-1"}}})
	require.NoError(t, err)
	defer conn.CloseNow()

	// History from the verification connect arrives first.
	var ev devicepool.ConnectionEvent
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, "isp-1", ev.Key.TenantID)

	rec := env.do(t, http.MethodPost, "/api/v1/routers/reconnect", "isp-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	seen := map[devicepool.ConnectionEventType]bool{}
	for !seen[devicepool.EventReconnectForced] {
		require.NoError(t, wsjson.Read(ctx, conn, &ev))
		assert.Equal(t, "isp-1", ev.Key.TenantID)
		seen[ev.Type] = true
	}
}

func TestCommandErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&devicepool.CommandError{Kind: devicepool.ErrQueueFull, Err: devicepool.ErrQueueFull}, http.StatusServiceUnavailable, "device_busy"},
		{&devicepool.CommandError{Kind: devicepool.ErrCommandTimeout}, http.StatusServiceUnavailable, "device_unreachable"},
		{&devicepool.CommandError{Kind: devicepool.ErrConnectTimeout}, http.StatusServiceUnavailable, "device_unreachable"},
		{&devicepool.CommandError{Kind: devicepool.ErrTransient}, http.StatusServiceUnavailable, "device_unreachable"},
		{&devicepool.CommandError{Kind: devicepool.ErrAuthFailure}, http.StatusBadGateway, "device_auth_failed"},
		{&devicepool.CommandError{Kind: devicepool.ErrConfigNotFound}, http.StatusNotFound, "router_not_configured"},
		{&devicepool.CommandError{Kind: devicepool.ErrDeviceRejected}, http.StatusUnprocessableEntity, "device_rejected"},
		{devicepool.ErrPoolClosed, http.StatusServiceUnavailable, "shutting_down"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "internal_error"},
		{fmt.Errorf("router command /x abandoned: %w", context.Canceled), 499, "request_canceled"},
	}
	for _, tt := range tests {
		status, code, _ := commandErrorStatus(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
