package storage

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"PPresence/service/identity"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUsers map[string]*identity.User

func (f fakeUsers) Get(_ context.Context, userID string) (*identity.User, error) {
	if u, ok := f[userID]; ok {
		return u, nil
	}
	return nil, identity.ErrUserNotFound
}

type fixture struct {
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	sockets  *SocketRegistry
	presence *Presence
	clock    time.Time
}

func newFixture(t *testing.T, users UserGetter) *fixture {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	keys := NewKeys("t")
	f := &fixture{mr: mr, rdb: rdb, clock: time.UnixMilli(1_700_000_000_000)}
	f.sockets = NewSocketRegistry(rdb, keys, time.Minute, 10)
	f.presence = NewPresence(rdb, keys, f.sockets, users)
	f.presence.now = func() time.Time {
		f.clock = f.clock.Add(time.Millisecond)
		return f.clock
	}
	return f
}

// connect mirrors what the gateway does on Active.
func (f *fixture) connect(t *testing.T, userID, sessionID, connID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.sockets.Register(ctx, SocketEntry{ConnectionID: connID, UserID: userID, SessionID: sessionID, ProcessID: "gw-1"}))
	require.NoError(t, f.presence.Add(ctx, userID, connID))
}

func (f *fixture) disconnect(t *testing.T, userID, connID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.sockets.Unregister(ctx, userID, connID))
	require.NoError(t, f.presence.Remove(ctx, userID, connID))
}

func TestParsePresenceMember(t *testing.T) {
	uid, cid, ok := ParsePresenceMember("42:1001")
	assert.True(t, ok)
	assert.Equal(t, "42", uid)
	assert.Equal(t, "1001", cid)

	uid, cid, ok = ParsePresenceMember("a:b:1001")
	assert.True(t, ok)
	assert.Equal(t, "a:b", uid)
	assert.Equal(t, "1001", cid)

	for _, bad := range []string{"", "nocolon", ":1001", "42:"} {
		_, _, ok := ParsePresenceMember(bad)
		assert.False(t, ok, bad)
	}
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, "plain", escapeGlob("plain"))
	assert.Equal(t, `a\*b\?\[c\]`, escapeGlob("a*b?[c]"))
}

func TestRegisterSetsTTL(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "42", "s1", "c1")

	assert.Equal(t, time.Minute, f.mr.TTL("t:socket:42:c1"))

	e, err := f.sockets.Get(context.Background(), "42", "c1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "s1", e.SessionID)
	assert.Equal(t, "gw-1", e.ProcessID)
}

func TestRegisterRejectsEmptyIDs(t *testing.T) {
	f := newFixture(t, nil)
	err := f.sockets.Register(context.Background(), SocketEntry{ConnectionID: "c1"})
	assert.Error(t, err)
}

func TestFindConnectionsForUser(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i, c := range []string{"c1", "c2", "c3", "c4", "c5", "c6", "c7", "c8", "c9", "c10", "c11", "c12"} {
		uid := "42"
		if i%3 == 0 {
			uid = "7"
		}
		f.connect(t, uid, "s", c)
	}
	// a user whose id extends 42 must not leak into 42's scan
	f.connect(t, "42:x", "s", "c99")
	// corrupt payload and a payload claiming another owner
	require.NoError(t, f.mr.Set("t:socket:42:bad", "{{{"))
	require.NoError(t, f.mr.Set("t:socket:42:c50", `{"connectionId":"c50","userId":"13","sessionId":"s"}`))

	got, err := f.sockets.FindConnectionsForUser(ctx, "42")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c2", "c3", "c5", "c6", "c8", "c9", "c11", "c12"}, got)

	none, err := f.sockets.FindConnectionsForUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLookupMany(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "1", "s", "c1")
	f.connect(t, "2", "s", "c2")

	got, err := f.sockets.LookupMany(context.Background(), []SocketRef{
		{UserID: "1", ConnectionID: "c1"},
		{UserID: "2", ConnectionID: "missing"},
		{UserID: "2", ConnectionID: "c2"},
	})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "1", got["c1"].UserID)
	assert.Equal(t, "2", got["c2"].UserID)
}

func TestAddKeepsInsertionScore(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.presence.Add(ctx, "1", "c1"))
	first, err := f.rdb.ZScore(ctx, "t:presence", "1:c1").Result()
	require.NoError(t, err)

	require.NoError(t, f.presence.Add(ctx, "1", "c1"))
	again, err := f.rdb.ZScore(ctx, "t:presence", "1:c1").Result()
	require.NoError(t, err)
	assert.Equal(t, first, again)

	assert.Error(t, f.presence.Add(ctx, "1", "bad:conn"))
}

func TestListGroupsBySession(t *testing.T) {
	users := fakeUsers{
		"U": {ID: "U", Username: "ursula", Roles: []string{"admin"}},
		"V": {ID: "V", Username: "victor"},
	}
	f := newFixture(t, users)
	ctx := context.Background()

	f.connect(t, "U", "S", "c1")
	f.connect(t, "U", "S", "c2")
	f.connect(t, "U", "S2", "c3")
	f.connect(t, "V", "T", "c4")

	res, err := f.presence.List(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, res.Rows, 3)
	assert.Equal(t, 3, res.Total)

	assert.Equal(t, OnlineUser{ID: "U", Username: "ursula", Roles: []string{"admin"}, ConnectionCount: 2, SessionID: "S", ConnectedAt: res.Rows[0].ConnectedAt}, res.Rows[0])
	assert.Equal(t, "S2", res.Rows[1].SessionID)
	assert.Equal(t, 1, res.Rows[1].ConnectionCount)
	assert.Equal(t, "V", res.Rows[2].ID)

	again, err := f.presence.List(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, res.Rows, again.Rows)
}

func TestListScenarioTwoTabs(t *testing.T) {
	f := newFixture(t, fakeUsers{"U": {ID: "U", Username: "u"}})
	ctx := context.Background()

	f.connect(t, "U", "S", "c1")
	f.connect(t, "U", "S", "c2")
	res, err := f.presence.List(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, 2, res.Rows[0].ConnectionCount)

	f.disconnect(t, "U", "c1")
	res, err = f.presence.List(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, 1, res.Rows[0].ConnectionCount)

	f.disconnect(t, "U", "c2")
	res, err = f.presence.List(ctx, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Rows)

	online, err := f.presence.IsOnline(ctx, "U")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestListPrunesStaleAndMalformed(t *testing.T) {
	f := newFixture(t, fakeUsers{"1": {ID: "1"}, "2": {ID: "2"}})
	ctx := context.Background()

	f.connect(t, "1", "s", "c1")
	f.connect(t, "2", "s", "c2")
	// out-of-band deletion of c2's socket entry
	require.NoError(t, f.sockets.Unregister(ctx, "2", "c2"))
	_, err := f.rdb.ZAdd(ctx, "t:presence", redis.Z{Score: 1, Member: "garbage"}).Result()
	require.NoError(t, err)

	res, err := f.presence.List(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "1", res.Rows[0].ID)

	members, err := f.rdb.ZRange(ctx, "t:presence", 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"1:c1"}, members)
}

func TestListSkipsUnhydratedUsers(t *testing.T) {
	f := newFixture(t, fakeUsers{"1": {ID: "1"}})
	f.connect(t, "1", "s", "c1")
	f.connect(t, "ghost", "s", "c2")

	res, err := f.presence.List(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "1", res.Rows[0].ID)

	// hydration failure is not staleness
	n, err := f.rdb.ZCard(context.Background(), "t:presence").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestListPagination(t *testing.T) {
	users := fakeUsers{}
	f := newFixture(t, users)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		users[id] = &identity.User{ID: id}
		f.connect(t, id, "s", "c-"+id)
	}
	ctx := context.Background()

	p2, err := f.presence.List(ctx, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, p2.Total)
	require.Len(t, p2.Rows, 2)
	assert.Equal(t, "c", p2.Rows[0].ID)
	assert.Equal(t, "d", p2.Rows[1].ID)

	p3, err := f.presence.List(ctx, 3, 2)
	require.NoError(t, err)
	require.Len(t, p3.Rows, 1)

	p9, err := f.presence.List(ctx, 9, 2)
	require.NoError(t, err)
	assert.Empty(t, p9.Rows)
}

func TestListHugePageIsEmpty(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "1", "s", "c1")
	ctx := context.Background()

	var list *OnlineList
	require.NotPanics(t, func() {
		var err error
		list, err = f.presence.List(ctx, math.MaxInt, 2)
		require.NoError(t, err)
	})
	assert.Equal(t, 1, list.Total)
	assert.Empty(t, list.Rows)

	list, err := f.presence.List(ctx, 1, math.MaxInt)
	require.NoError(t, err)
	assert.Len(t, list.Rows, 1)

	list, err = f.presence.List(ctx, math.MinInt, 2)
	require.NoError(t, err)
	assert.Len(t, list.Rows, 1)
}

func TestCountDistinctUsers(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "1", "s", "c1")
	f.connect(t, "1", "s", "c2")
	f.connect(t, "2", "s", "c3")

	n, err := f.presence.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestIsOnlinePrunesStale(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.connect(t, "1", "s", "c1")
	f.connect(t, "1", "s", "c2")
	f.connect(t, "1:x", "s", "c3")
	require.NoError(t, f.sockets.Unregister(ctx, "1", "c2"))

	online, err := f.presence.IsOnline(ctx, "1")
	require.NoError(t, err)
	assert.True(t, online)

	members, err := f.rdb.ZRange(ctx, "t:presence", 0, -1).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1:c1", "1:x:c3"}, members)
}

func TestRemoveAllForUser(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.connect(t, "1", "s", "c1")
	f.connect(t, "1", "s2", "c2")
	f.connect(t, "1:x", "s", "c3")
	f.connect(t, "2", "s", "c4")

	n, err := f.presence.RemoveAllForUser(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	members, err := f.rdb.ZRange(ctx, "t:presence", 0, -1).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1:x:c3", "2:c4"}, members)
}

func TestStoreDownSurfaces(t *testing.T) {
	f := newFixture(t, nil)
	f.mr.Close()
	_, err := f.presence.List(context.Background(), 1, 0)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, identity.ErrUserNotFound))
}
