package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"PPresence/service/fanout"
	"PPresence/service/messaging"
	"PPresence/service/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const token = "s3cret"

type stubConn struct {
	id     string
	mu     sync.Mutex
	events []string
	closed bool
}

func (c *stubConn) ID() string { return c.id }
func (c *stubConn) Emit(event string, _ json.RawMessage, _ string) bool {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	return true
}
func (c *stubConn) Close(string) { c.mu.Lock(); c.closed = true; c.mu.Unlock() }

func (c *stubConn) snapshot() ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...), c.closed
}

type env struct {
	router   *gin.Engine
	draining bool
	sockets  *storage.SocketRegistry
	presence *storage.Presence
	ns       *fanout.Namespace
	rdb      *redis.Client
	keys     storage.Keys
}

func newEnv(t *testing.T) *env {
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	e := &env{rdb: rdb, keys: storage.NewKeys("api")}
	e.sockets = storage.NewSocketRegistry(rdb, e.keys, time.Minute, 50)
	e.presence = storage.NewPresence(rdb, e.keys, e.sockets, nil)
	ad := fanout.NewAdapter(fanout.NewRedisBus(rdb, "api-test"), fanout.Options{ProcessID: "api-test"})
	require.NoError(t, ad.Start(context.Background()))
	t.Cleanup(func() { _ = ad.Close() })
	e.ns, _ = ad.Namespace("/")

	s := New(Deps{
		Presence:      e.presence,
		Sockets:       e.sockets,
		Emitter:       messaging.NewEmitter(ad, e.sockets, "/"),
		Draining:      func() bool { return e.draining },
		InternalToken: token,
	})
	e.router = gin.New()
	s.Register(e.router)
	return e
}

func (e *env) connect(t *testing.T, uid, sid, cid string) *stubConn {
	ctx := context.Background()
	c := &stubConn{id: cid}
	require.NoError(t, e.ns.Add(c))
	require.NoError(t, e.sockets.Register(ctx, storage.SocketEntry{ConnectionID: cid, UserID: uid, SessionID: sid, ProcessID: "api-test", Namespace: "/"}))
	require.NoError(t, e.presence.Add(ctx, uid, cid))
	return c
}

func (e *env) do(method, path string, body any, auth bool) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set("X-Internal-Token", token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusOK, e.do("GET", "/healthz", nil, false).Code)
	e.draining = true
	assert.Equal(t, http.StatusServiceUnavailable, e.do("GET", "/healthz", nil, false).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)
	w := e.do("GET", "/metrics", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPresenceRoutes(t *testing.T) {
	e := newEnv(t)
	e.connect(t, "u1", "s1", "c1")
	e.connect(t, "u1", "s1", "c2")
	e.connect(t, "u2", "s2", "c3")

	assert.Equal(t, http.StatusUnauthorized, e.do("GET", "/presence/online", nil, false).Code)
	assert.Equal(t, http.StatusUnauthorized, e.do("GET", "/presence/users/u1", nil, false).Code)

	w := e.do("GET", "/presence/online?page=1&size=1", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	var list storage.OnlineList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Total)
	require.Len(t, list.Rows, 1)

	w = e.do("GET", "/presence/count", nil, false)
	assert.JSONEq(t, `{"count":2}`, w.Body.String())

	w = e.do("GET", "/presence/users/u1", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	var user struct {
		Online      bool       `json:"online"`
		Connections []connView `json:"connections"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &user))
	assert.True(t, user.Online)
	assert.Len(t, user.Connections, 2)

	assert.Equal(t, http.StatusUnauthorized, e.do("DELETE", "/presence/users/u1", nil, false).Code)
	w = e.do("DELETE", "/presence/users/u1", nil, true)
	assert.JSONEq(t, `{"removed":2}`, w.Body.String())
	online, err := e.presence.IsOnline(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestOnlineHugePage(t *testing.T) {
	e := newEnv(t)
	e.connect(t, "u1", "s1", "c1")

	w := e.do("GET", "/presence/online?page=9223372036854775807&size=2", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	var list storage.OnlineList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)
	assert.Empty(t, list.Rows)
}

func TestPresenceStoreDown(t *testing.T) {
	e := newEnv(t)
	_ = e.rdb.Close()
	w := e.do("GET", "/presence/count", nil, false)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestInternalEmit(t *testing.T) {
	e := newEnv(t)
	c1 := e.connect(t, "u1", "s1", "c1")
	c2 := e.connect(t, "u2", "s2", "c2")

	body := map[string]any{"target": "user", "userId": "u1", "event": "notice", "payload": map[string]int{"n": 1}}
	assert.Equal(t, http.StatusUnauthorized, e.do("POST", "/internal/emit", body, false).Code)
	assert.Equal(t, http.StatusAccepted, e.do("POST", "/internal/emit", body, true).Code)

	ev, _ := c1.snapshot()
	assert.Equal(t, []string{"notice"}, ev)
	ev, _ = c2.snapshot()
	assert.Empty(t, ev)

	assert.Equal(t, http.StatusAccepted, e.do("POST", "/internal/emit", map[string]any{"target": "broadcast", "event": "all"}, true).Code)
	ev, _ = c2.snapshot()
	assert.Equal(t, []string{"all"}, ev)

	w := e.do("POST", "/internal/emit", map[string]any{"target": "nowhere", "event": "x"}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do("POST", "/internal/emit", map[string]any{"target": "room", "event": "x"}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInternalDisconnect(t *testing.T) {
	e := newEnv(t)
	c1 := e.connect(t, "u1", "s1", "c1")
	c2 := e.connect(t, "u2", "s2", "c2")

	assert.Equal(t, http.StatusAccepted, e.do("POST", "/internal/disconnect", map[string]string{"connectionId": "c1"}, true).Code)
	_, closed := c1.snapshot()
	assert.True(t, closed)
	_, closed = c2.snapshot()
	assert.False(t, closed)

	assert.Equal(t, http.StatusAccepted, e.do("POST", "/internal/disconnect", map[string]string{"userId": "u2"}, true).Code)
	_, closed = c2.snapshot()
	assert.True(t, closed)

	assert.Equal(t, http.StatusBadRequest, e.do("POST", "/internal/disconnect", map[string]string{}, true).Code)
}
