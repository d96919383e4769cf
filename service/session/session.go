package session

import (
	"context"
	"errors"

	"PPresence/tools/decode"
	"PPresence/tools/errs"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errs.ErrSessionNotFound

// Session is the part of the HTTP session payload this layer reads.
type Session struct {
	ID     string
	UserID string
}

// Store resolves an unsigned session id to its session.
type Store interface {
	Get(ctx context.Context, sid string) (*Session, error)
}

// payload mirrors the session layer's JSON. The user id lives under
// passport.user; a flat userId is accepted too.
type payload struct {
	Passport struct {
		User string `json:"user"`
	} `json:"passport"`
	UserID string `json:"userId"`
}

// RedisStore reads sessions written by the HTTP session layer as JSON under
// <keyPrefix><sid>.
type RedisStore struct {
	rdb       redis.Cmdable
	keyPrefix string
}

func NewRedisStore(rdb redis.Cmdable, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "sess:"
	}
	return &RedisStore{rdb: rdb, keyPrefix: keyPrefix}
}

func (s *RedisStore) Key(sid string) string { return s.keyPrefix + sid }

func (s *RedisStore) Get(ctx context.Context, sid string) (*Session, error) {
	raw, err := s.rdb.Get(ctx, s.Key(sid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound.WrapMsg("", "sid", sid)
	}
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg(err.Error(), "sid", sid)
	}
	p, err := decode.DecodeJSON[payload](raw)
	if err != nil {
		return nil, ErrNotFound.WrapMsg("undecodable session", "sid", sid)
	}
	uid := p.Passport.User
	if uid == "" {
		uid = p.UserID
	}
	if uid == "" {
		// anonymous session, nobody logged in
		return nil, ErrNotFound.WrapMsg("no user in session", "sid", sid)
	}
	return &Session{ID: sid, UserID: uid}, nil
}
