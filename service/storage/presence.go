package storage

import (
	"context"
	"sort"
	"strings"
	"time"

	"PPresence/logger"
	"PPresence/service/identity"
	"PPresence/service/metrics"
	"PPresence/tools/errs"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ===== Lua 脚本 =====

// 删除某用户在在线索引中的全部成员
// KEYS[1] = presence zset
// ARGV[1] = MATCH pattern (<escaped uid>:*)
// ARGV[2] = exact member prefix (<uid>:)
// 返回：被删除的成员数组
const luaRemoveUser = `
local z      = KEYS[1]
local prefix = ARGV[2]
local cursor = "0"
local victims = {}
repeat
  local res = redis.call("ZSCAN", z, cursor, "MATCH", ARGV[1], "COUNT", 200)
  cursor = res[1]
  local items = res[2]
  for i = 1, #items, 2 do
    local m = items[i]
    local rest = string.sub(m, #prefix + 1)
    if string.sub(m, 1, #prefix) == prefix and #rest > 0 and not string.find(rest, ":", 1, true) then
      table.insert(victims, m)
    end
  end
until cursor == "0"
for _, m in ipairs(victims) do
  redis.call("ZREM", z, m)
end
return victims
`

// OnlineUser is one presence row: a user's logical session with the number
// of live connections it holds.
type OnlineUser struct {
	ID              string   `json:"id"`
	Username        string   `json:"username"`
	Roles           []string `json:"roles"`
	ConnectionCount int      `json:"connectionCount"`
	SessionID       string   `json:"sessionId"`
	ConnectedAt     int64    `json:"connectedAt"` // earliest connection of the session, unix ms
}

type OnlineList struct {
	Rows  []OnlineUser `json:"rows"`
	Total int          `json:"total"`
	Page  int          `json:"page"`
	Size  int          `json:"size"`
}

// UserGetter resolves profile and roles for listing.
type UserGetter interface {
	Get(ctx context.Context, userID string) (*identity.User, error)
}

// Presence is the sorted-set index of online connections.
type Presence struct {
	rdb     redis.Cmdable
	keys    Keys
	sockets *SocketRegistry
	users   UserGetter
	now     func() time.Time

	luaRemoveUser *redis.Script
}

func NewPresence(rdb redis.Cmdable, keys Keys, sockets *SocketRegistry, users UserGetter) *Presence {
	return &Presence{
		rdb:           rdb,
		keys:          keys,
		sockets:       sockets,
		users:         users,
		now:           time.Now,
		luaRemoveUser: redis.NewScript(luaRemoveUser),
	}
}

// Add inserts userId:connId scored with the current time. An existing member
// keeps its original score, so heartbeats can call Add freely.
func (p *Presence) Add(ctx context.Context, userID, connID string) error {
	if userID == "" || connID == "" || strings.ContainsRune(connID, ':') {
		return errs.ErrArgs.WrapMsg("invalid presence member", "user_id", userID, "conn_id", connID)
	}
	err := p.rdb.ZAddNX(ctx, p.keys.Presence(), redis.Z{
		Score:  float64(p.now().UnixMilli()),
		Member: PresenceMember(userID, connID),
	}).Err()
	if err != nil {
		return errs.WrapMsg(err, "presence add", "user_id", userID, "conn_id", connID)
	}
	return nil
}

func (p *Presence) Remove(ctx context.Context, userID, connID string) error {
	if err := p.rdb.ZRem(ctx, p.keys.Presence(), PresenceMember(userID, connID)).Err(); err != nil {
		return errs.WrapMsg(err, "presence remove", "user_id", userID, "conn_id", connID)
	}
	return nil
}

// RemoveAllForUser drops every index member of userID and returns how many
// were removed. Socket entries are left to their owners.
func (p *Presence) RemoveAllForUser(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, nil
	}
	victims, err := p.luaRemoveUser.Run(ctx, p.rdb,
		[]string{p.keys.Presence()},
		escapeGlob(userID)+":*",
		userID+":",
	).StringSlice()
	if err != nil && err != redis.Nil {
		return 0, errs.WrapMsg(err, "presence remove user", "user_id", userID)
	}
	return len(victims), nil
}

// Count returns the number of distinct user ids in the index. Stale members
// are counted until the next List prunes them.
func (p *Presence) Count(ctx context.Context) (int, error) {
	members, err := p.rdb.ZRange(ctx, p.keys.Presence(), 0, -1).Result()
	if err != nil {
		return 0, errs.WrapMsg(err, "presence count")
	}
	users := make(map[string]struct{}, len(members))
	for _, m := range members {
		if uid, _, ok := ParsePresenceMember(m); ok {
			users[uid] = struct{}{}
		}
	}
	return len(users), nil
}

// IsOnline reports whether userID has at least one member backed by a live
// socket entry. Stale members found on the way are removed.
func (p *Presence) IsOnline(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	var (
		cursor uint64
		refs   []SocketRef
	)
	for {
		items, next, err := p.rdb.ZScan(ctx, p.keys.Presence(), cursor, escapeGlob(userID)+":*", 200).Result()
		if err != nil {
			return false, errs.WrapMsg(err, "presence scan", "user_id", userID)
		}
		// items alternates member, score
		for i := 0; i < len(items); i += 2 {
			uid, connID, ok := ParsePresenceMember(items[i])
			if ok && uid == userID {
				refs = append(refs, SocketRef{UserID: uid, ConnectionID: connID})
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(refs) == 0 {
		return false, nil
	}
	live, err := p.sockets.LookupMany(ctx, refs)
	if err != nil {
		return false, err
	}
	var stale []any
	for _, ref := range refs {
		if _, ok := live[ref.ConnectionID]; !ok {
			stale = append(stale, PresenceMember(ref.UserID, ref.ConnectionID))
		}
	}
	p.prune(ctx, stale)
	return len(live) > 0, nil
}

type sessionKey struct {
	userID    string
	sessionID string
}

type sessionAgg struct {
	count       int
	connectedAt int64
}

// List materializes the deduplicated presence rows, sorted by earliest
// connection then user id then session id, and returns the requested page.
// page is 1-based; size<=0 returns every row. Malformed and stale members are
// removed from the index in one batch before returning.
func (p *Presence) List(ctx context.Context, page, size int) (*OnlineList, error) {
	zs, err := p.rdb.ZRangeWithScores(ctx, p.keys.Presence(), 0, -1).Result()
	if err != nil {
		return nil, errs.WrapMsg(err, "presence list")
	}

	var (
		stale  []any
		refs   = make([]SocketRef, 0, len(zs))
		scores = make(map[string]int64, len(zs))
	)
	for _, z := range zs {
		member, _ := z.Member.(string)
		uid, connID, ok := ParsePresenceMember(member)
		if !ok {
			stale = append(stale, member)
			continue
		}
		refs = append(refs, SocketRef{UserID: uid, ConnectionID: connID})
		scores[connID] = int64(z.Score)
	}

	live, err := p.sockets.LookupMany(ctx, refs)
	if err != nil {
		return nil, err
	}

	groups := make(map[sessionKey]*sessionAgg)
	var userIDs []string
	seenUser := make(map[string]struct{})
	for _, ref := range refs {
		e, ok := live[ref.ConnectionID]
		if !ok || e.UserID != ref.UserID {
			stale = append(stale, PresenceMember(ref.UserID, ref.ConnectionID))
			continue
		}
		k := sessionKey{userID: e.UserID, sessionID: e.SessionID}
		g := groups[k]
		if g == nil {
			g = &sessionAgg{connectedAt: scores[ref.ConnectionID]}
			groups[k] = g
		}
		g.count++
		if s := scores[ref.ConnectionID]; s < g.connectedAt {
			g.connectedAt = s
		}
		if _, ok := seenUser[e.UserID]; !ok {
			seenUser[e.UserID] = struct{}{}
			userIDs = append(userIDs, e.UserID)
		}
	}

	profiles := p.hydrate(ctx, userIDs)

	rows := make([]OnlineUser, 0, len(groups))
	for k, g := range groups {
		u, ok := profiles[k.userID]
		if !ok {
			continue
		}
		rows = append(rows, OnlineUser{
			ID:              k.userID,
			Username:        u.Username,
			Roles:           u.Roles,
			ConnectionCount: g.count,
			SessionID:       k.sessionID,
			ConnectedAt:     g.connectedAt,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.ConnectedAt != b.ConnectedAt {
			return a.ConnectedAt < b.ConnectedAt
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.SessionID < b.SessionID
	})

	p.prune(ctx, stale)
	return paginate(rows, page, size), nil
}

// hydrate loads each distinct user once. Failed users are logged and left out.
func (p *Presence) hydrate(ctx context.Context, userIDs []string) map[string]*identity.User {
	out := make(map[string]*identity.User, len(userIDs))
	for _, uid := range userIDs {
		if p.users == nil {
			out[uid] = &identity.User{ID: uid}
			continue
		}
		u, err := p.users.Get(ctx, uid)
		if err != nil || u == nil {
			logger.Warn("[presence] hydrate user failed", zap.String("user_id", uid), zap.Error(err))
			continue
		}
		out[uid] = u
	}
	return out
}

func (p *Presence) prune(ctx context.Context, members []any) {
	if len(members) == 0 {
		return
	}
	if err := p.rdb.ZRem(ctx, p.keys.Presence(), members...).Err(); err != nil {
		logger.Warn("[presence] prune failed", zap.Int("count", len(members)), zap.Error(err))
		return
	}
	metrics.PresencePruned.Add(float64(len(members)))
	logger.Debug("[presence] pruned stale members", zap.Int("count", len(members)))
}

func paginate(rows []OnlineUser, page, size int) *OnlineList {
	out := &OnlineList{Total: len(rows), Page: page, Size: size}
	if size <= 0 {
		out.Page = 1
		out.Rows = rows
		return out
	}
	if page < 1 {
		page = 1
		out.Page = 1
	}
	// page-1 is compared to the page count first so (page-1)*size cannot overflow
	pages := len(rows) / size
	if len(rows)%size != 0 {
		pages++
	}
	if page-1 >= pages {
		out.Rows = []OnlineUser{}
		return out
	}
	start := (page - 1) * size
	end := start + size
	if end > len(rows) {
		end = len(rows)
	}
	out.Rows = rows[start:end]
	return out
}
