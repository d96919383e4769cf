package storage

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"PPresence/logger"
	"PPresence/tools/errs"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SocketEntry is the shared-store record of one live connection.
type SocketEntry struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	SessionID    string `json:"sessionId"`
	ProcessID    string `json:"processId"`
	Namespace    string `json:"namespace,omitempty"`
	ConnectedAt  int64  `json:"connectedAt,omitempty"` // unix ms
}

// SocketRef identifies a socket entry without its payload.
type SocketRef struct {
	UserID       string
	ConnectionID string
}

const defaultScanPage = 100

// SocketRegistry maps connection ids to their owner in the shared store.
type SocketRegistry struct {
	rdb      redis.Cmdable
	keys     Keys
	ttl      time.Duration
	scanPage int64
}

// NewSocketRegistry ttl<=0 stores entries without expiry; they are then only
// removed by Unregister.
func NewSocketRegistry(rdb redis.Cmdable, keys Keys, ttl time.Duration, scanPage int64) *SocketRegistry {
	if scanPage <= 0 {
		scanPage = defaultScanPage
	}
	return &SocketRegistry{rdb: rdb, keys: keys, ttl: ttl, scanPage: scanPage}
}

func (r *SocketRegistry) TTL() time.Duration { return r.ttl }

// Register writes (or rewrites) the entry with the registry TTL. Rewriting is
// idempotent and is how heartbeats refresh liveness.
func (r *SocketRegistry) Register(ctx context.Context, e SocketEntry) error {
	return r.RegisterTTL(ctx, e, r.ttl)
}

func (r *SocketRegistry) RegisterTTL(ctx context.Context, e SocketEntry, ttl time.Duration) error {
	if e.ConnectionID == "" || e.UserID == "" {
		return errs.ErrArgs.WrapMsg("socket entry needs connection and user id")
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return errs.Wrap(err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := r.rdb.Set(ctx, r.keys.Socket(e.UserID, e.ConnectionID), raw, ttl).Err(); err != nil {
		return errs.WrapMsg(err, "register socket", "conn_id", e.ConnectionID)
	}
	return nil
}

// Unregister removes the entry of one connection. Missing entries are not an error.
func (r *SocketRegistry) Unregister(ctx context.Context, userID, connID string) error {
	if err := r.rdb.Del(ctx, r.keys.Socket(userID, connID)).Err(); err != nil {
		return errs.WrapMsg(err, "unregister socket", "conn_id", connID)
	}
	return nil
}

// Get returns the entry or (nil, nil) when it does not exist or cannot be decoded.
func (r *SocketRegistry) Get(ctx context.Context, userID, connID string) (*SocketEntry, error) {
	raw, err := r.rdb.Get(ctx, r.keys.Socket(userID, connID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "get socket", "conn_id", connID)
	}
	return r.decode(raw, userID, connID), nil
}

// LookupMany fetches several entries in one round trip. The result is keyed by
// connection id; refs whose entry is missing, corrupt or owned by another user
// are absent from it.
func (r *SocketRegistry) LookupMany(ctx context.Context, refs []SocketRef) (map[string]*SocketEntry, error) {
	out := make(map[string]*SocketEntry, len(refs))
	if len(refs) == 0 {
		return out, nil
	}
	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(refs))
	for i, ref := range refs {
		cmds[i] = pipe.Get(ctx, r.keys.Socket(ref.UserID, ref.ConnectionID))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, errs.WrapMsg(err, "lookup sockets", "count", len(refs))
	}
	for i, cmd := range cmds {
		raw, err := cmd.Bytes()
		if err != nil {
			continue
		}
		if e := r.decode(raw, refs[i].UserID, refs[i].ConnectionID); e != nil {
			out[e.ConnectionID] = e
		}
	}
	return out, nil
}

// FindConnectionsForUser scans the user's socket keys with a bounded page size
// and returns the connection ids whose stored entry really belongs to userID.
func (r *SocketRegistry) FindConnectionsForUser(ctx context.Context, userID string) ([]string, error) {
	entries, err := r.FindEntriesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ConnectionID)
	}
	return out, nil
}

func (r *SocketRegistry) FindEntriesForUser(ctx context.Context, userID string) ([]*SocketEntry, error) {
	if userID == "" {
		return nil, nil
	}
	var (
		cursor uint64
		out    []*SocketEntry
		seen   = make(map[string]struct{})
		prefix = r.keys.Socket(userID, "")
	)
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, r.keys.SocketPattern(userID), r.scanPage).Result()
		if err != nil {
			return nil, errs.WrapMsg(err, "scan sockets", "user_id", userID)
		}
		if len(keys) > 0 {
			vals, err := r.rdb.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, errs.WrapMsg(err, "mget sockets", "user_id", userID)
			}
			for i, v := range vals {
				s, ok := v.(string)
				if !ok {
					continue // expired between SCAN and MGET
				}
				connID := strings.TrimPrefix(keys[i], prefix)
				e := r.decode([]byte(s), userID, connID)
				if e == nil {
					continue
				}
				if _, dup := seen[e.ConnectionID]; dup {
					continue // SCAN may return a key more than once
				}
				seen[e.ConnectionID] = struct{}{}
				out = append(out, e)
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// decode returns nil for payloads that are not a well-formed entry of the
// expected user and connection.
func (r *SocketRegistry) decode(raw []byte, userID, connID string) *SocketEntry {
	var e SocketEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		logger.Debug("[registry] corrupt socket entry", zap.String("user_id", userID), zap.String("conn_id", connID), zap.Error(err))
		return nil
	}
	if e.UserID != userID || e.ConnectionID != connID {
		logger.Debug("[registry] socket entry owner mismatch",
			zap.String("user_id", userID), zap.String("conn_id", connID),
			zap.String("stored_user_id", e.UserID), zap.String("stored_conn_id", e.ConnectionID))
		return nil
	}
	return &e
}
