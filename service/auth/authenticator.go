package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"

	"PPresence/logger"
	"PPresence/service/metrics"
	"PPresence/service/session"
	"PPresence/tools/errs"
	"PPresence/tools/security"

	"go.uber.org/zap"
)

// Identity is what a successful handshake attaches to a connection.
type Identity struct {
	UserID    string
	SessionID string
	Method    string // cookie | jwt
}

type Config struct {
	CookieName string
	Secrets    []string
	JWT        *security.Options // nil disables bearer tokens
}

// Authenticator resolves handshake metadata to an Identity. While draining
// it rejects everything with ErrDraining so clients can retry elsewhere.
type Authenticator struct {
	sessions   session.Store
	cookieName string
	secrets    [][]byte
	jwt        *security.Options
	draining   atomic.Bool
}

func New(sessions session.Store, c Config) *Authenticator {
	a := &Authenticator{sessions: sessions, cookieName: c.CookieName, jwt: c.JWT}
	if a.cookieName == "" {
		a.cookieName = "connect.sid"
	}
	for _, s := range c.Secrets {
		if s != "" {
			a.secrets = append(a.secrets, []byte(s))
		}
	}
	if a.jwt != nil && len(a.jwt.Secret) == 0 {
		a.jwt = nil
	}
	return a
}

func (a *Authenticator) SetDraining(v bool) { a.draining.Store(v) }
func (a *Authenticator) Draining() bool     { return a.draining.Load() }

// Authenticate checks the session cookie first, then a bearer token.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	if a.Draining() {
		metrics.AuthRejections.WithLabelValues("draining").Inc()
		return nil, errs.ErrDraining.Wrap()
	}
	var (
		id  *Identity
		err error
	)
	if c, cerr := r.Cookie(a.cookieName); cerr == nil && c.Value != "" {
		id, err = a.AuthenticateCookie(ctx, c.Value)
	} else if tok := bearerToken(r); tok != "" && a.jwt != nil {
		id, err = a.AuthenticateToken(tok)
	} else {
		err = errs.ErrUnauthorized.WrapMsg("no credentials")
	}
	if err != nil {
		metrics.AuthRejections.WithLabelValues(reason(err)).Inc()
		return nil, err
	}
	return id, nil
}

// AuthenticateCookie unsigns raw and resolves the session it names.
func (a *Authenticator) AuthenticateCookie(ctx context.Context, raw string) (*Identity, error) {
	if a.Draining() {
		return nil, errs.ErrDraining.Wrap()
	}
	sid, err := security.Unsign(raw, a.secrets...)
	if err != nil {
		return nil, errs.ErrUnauthorized.WrapMsg(err.Error())
	}
	s, err := a.sessions.Get(ctx, sid)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			// 存储异常：不重试，直接拒绝连接
			logger.Debug("[auth] session lookup failed", zap.String("sid", sid), zap.Error(err))
		}
		return nil, errs.ErrUnauthorized.WrapMsg("session lookup", "cause", err.Error())
	}
	return &Identity{UserID: s.UserID, SessionID: s.ID, Method: "cookie"}, nil
}

func (a *Authenticator) AuthenticateToken(token string) (*Identity, error) {
	if a.jwt == nil {
		return nil, errs.ErrUnauthorized.WrapMsg("bearer tokens disabled")
	}
	claims, err := security.Verify(*a.jwt, token)
	if err != nil {
		return nil, errs.ErrUnauthorized.WrapMsg(err.Error())
	}
	return &Identity{UserID: claims.UserID, SessionID: claims.SessionID, Method: "jwt"}, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return r.URL.Query().Get("token")
}

func reason(err error) string {
	switch errs.Code(err) {
	case errs.Draining:
		return "draining"
	case errs.Unauthorized:
		return "unauthorized"
	default:
		return "error"
	}
}
