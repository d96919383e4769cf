package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"PPresence/service/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	room, event string
	payload     any
}

type recorder struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recorder) SendToRoom(_ context.Context, room, event string, payload any) {
	r.mu.Lock()
	r.sent = append(r.sent, sent{room, event, payload})
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type flakyLister struct {
	mu    sync.Mutex
	calls int
}

func (f *flakyLister) List(context.Context, int, int) (*storage.OnlineList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls%2 == 1 {
		return nil, errors.New("store down")
	}
	return &storage.OnlineList{Page: 1}, nil
}

func TestRunOncePublishesReconciledList(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	keys := storage.NewKeys("sch")
	sockets := storage.NewSocketRegistry(rdb, keys, time.Minute, 50)
	presence := storage.NewPresence(rdb, keys, sockets, nil)
	require.NoError(t, sockets.Register(ctx, storage.SocketEntry{ConnectionID: "c1", UserID: "u1", SessionID: "s1"}))
	require.NoError(t, presence.Add(ctx, "u1", "c1"))
	require.NoError(t, presence.Add(ctx, "u2", "gone"))

	rec := &recorder{}
	s := New(Config{Interval: time.Second, Room: "admins"}, presence, rec)
	require.NoError(t, s.RunOnce(ctx))

	require.Equal(t, 1, rec.count())
	got := rec.sent[0]
	assert.Equal(t, "admins", got.room)
	assert.Equal(t, "admin:online-users", got.event)
	list, ok := got.payload.(*storage.OnlineList)
	require.True(t, ok)
	require.Len(t, list.Rows, 1)
	assert.Equal(t, "u1", list.Rows[0].ID)

	members, err := rdb.ZRange(ctx, keys.Presence(), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"u1:c1"}, members)
}

func TestRunOnceFailureDoesNotPublish(t *testing.T) {
	rec := &recorder{}
	s := New(Config{Interval: time.Second}, &flakyLister{}, rec)
	assert.Error(t, s.RunOnce(context.Background()))
	assert.Zero(t, rec.count())
}

func TestRunSurvivesFailedTicks(t *testing.T) {
	rec := &recorder{}
	lister := &flakyLister{}
	s := New(Config{Interval: 10 * time.Millisecond}, lister, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return rec.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, "admin-room", rec.sent[0].room)
}
