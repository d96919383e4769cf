package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"PPresence/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValidWithProcessID(t *testing.T) {
	cfg := Default()
	cfg.ProcessID = "gw-1"
	require.NoError(t, cfg.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "presence.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
process_id: gw-file
redis:
  addr: redis:6379
scheduler:
  interval: 2s
gateway:
  namespaces: ["/", "/admin", "/web"]
`), 0o600))

	t.Setenv("GATEWAY_ID", "")
	t.Setenv("REDIS_ADDR", "10.0.0.1:6379")
	t.Setenv("SESSION_SECRET", "k1,k2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gw-file", cfg.ProcessID)
	assert.Equal(t, "10.0.0.1:6379", cfg.Redis.Addr)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, []string{"/", "/admin", "/web"}, cfg.Gateway.Namespaces)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Session.Secrets)
	assert.Equal(t, "connect.sid", cfg.Session.CookieName)
}

func TestLoadGeneratesProcessID(t *testing.T) {
	t.Setenv("GATEWAY_ID", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.ProcessID)
}

func TestValidateRejects(t *testing.T) {
	base := Default()
	base.ProcessID = "gw"

	cases := map[string]func(c *AppConfig){
		"no namespaces":    func(c *AppConfig) { c.Gateway.Namespaces = nil },
		"zero interval":    func(c *AppConfig) { c.Scheduler.Interval = 0 },
		"pong before ping": func(c *AppConfig) { c.Gateway.PongWait = time.Second },
		"bad transport":    func(c *AppConfig) { c.Fanout.Transport = "kafka" },
		"nats no servers":  func(c *AppConfig) { c.Fanout.Transport = "nats" },
		"heartbeat vs ttl": func(c *AppConfig) { c.Registry.TTL = 10 * time.Second },
		"zero read limit":  func(c *AppConfig) { c.Gateway.ReadLimit = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			c.Gateway.Namespaces = append([]string(nil), base.Gateway.Namespaces...)
			mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errs.ErrArgs))
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestSampleConfigLoads(t *testing.T) {
	t.Setenv("GATEWAY_ID", "gw-sample")
	t.Setenv("SESSION_SECRET", "")
	cfg, err := Load(filepath.Join("..", "..", "config", "presence.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "gw-sample", cfg.ProcessID)
	assert.Equal(t, 2*time.Minute, cfg.Registry.TTL)
	assert.Equal(t, "/admin", cfg.Gateway.AdminNamespace)
	assert.Equal(t, int64(1<<20), cfg.Gateway.ReadLimit)
	assert.Equal(t, []string{"change-me"}, cfg.Session.Secrets)
}
