package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriberName(t *testing.T) {
	named := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0", ClientName: "presence"})
	defer named.Close()
	assert.Equal(t, "presence:sub", SubscriberName(named, "gw-1", SubscriberSuffix))

	anon := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer anon.Close()
	assert.Equal(t, "gw-1:sub", SubscriberName(anon, "gw-1", SubscriberSuffix))
}

func TestNewSubscriberClonesEndpoint(t *testing.T) {
	main := redis.NewClient(&redis.Options{Addr: "10.1.2.3:6379", DB: 3, Password: "pw"})
	defer main.Close()

	sub := NewSubscriber(main, "gw-x")
	defer sub.Close()

	assert.Equal(t, "10.1.2.3:6379", sub.Options().Addr)
	assert.Equal(t, 3, sub.Options().DB)
	assert.Equal(t, "gw-x:sub", sub.Options().ClientName)
	assert.Empty(t, main.Options().ClientName)
}

func TestNamedSubscribersAreDistinct(t *testing.T) {
	main := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0", ClientName: "presence"})
	defer main.Close()

	fan := NewSubscriber(main, "gw-1")
	defer fan.Close()
	roles := NewNamedSubscriber(main, "gw-1", RolesSuffix)
	defer roles.Close()

	assert.Equal(t, "presence:sub", fan.Options().ClientName)
	assert.Equal(t, "presence:roles", roles.Options().ClientName)
	assert.Equal(t, 2, roles.Options().PoolSize)
}

func TestNewClientPing(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()

	rdb, err := NewClient(context.Background(), Config{Addr: addr})
	require.NoError(t, err)
	defer rdb.Close()

	mr.Close()
	_, err = NewClient(context.Background(), Config{Addr: addr})
	assert.Error(t, err)
}
