package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"PPresence/service/session"
	"PPresence/tools/errs"
	"PPresence/tools/security"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSessions map[string]string

func (m memSessions) Get(_ context.Context, sid string) (*session.Session, error) {
	if sid == "broken" {
		return nil, errs.ErrStoreUnavailable.Wrap()
	}
	uid, ok := m[sid]
	if !ok {
		return nil, session.ErrNotFound.Wrap()
	}
	return &session.Session{ID: sid, UserID: uid}, nil
}

const secret = "keyboard cat"

func newAuth() *Authenticator {
	jwtOpts := security.DefaultOptions([]byte("jwt-secret"))
	return New(memSessions{"sid-1": "42", "broken": ""}, Config{
		CookieName: "connect.sid",
		Secrets:    []string{secret},
		JWT:        &jwtOpts,
	})
}

func cookieRequest(value string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.AddCookie(&http.Cookie{Name: "connect.sid", Value: value})
	return r
}

func TestAuthenticateCookie(t *testing.T) {
	a := newAuth()
	id, err := a.Authenticate(context.Background(), cookieRequest(security.Sign("sid-1", []byte(secret))))
	require.NoError(t, err)
	assert.Equal(t, &Identity{UserID: "42", SessionID: "sid-1", Method: "cookie"}, id)
}

func TestAuthenticateRejects(t *testing.T) {
	a := newAuth()
	cases := map[string]*http.Request{
		"no credentials":  httptest.NewRequest(http.MethodGet, "/ws", nil),
		"unsigned":        cookieRequest("sid-1"),
		"bad signature":   cookieRequest(security.Sign("sid-1", []byte("other"))),
		"unknown session": cookieRequest(security.Sign("nope", []byte(secret))),
		"store error":     cookieRequest(security.Sign("broken", []byte(secret))),
	}
	for name, r := range cases {
		_, err := a.Authenticate(context.Background(), r)
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, errs.ErrUnauthorized), name)
		assert.False(t, errors.Is(err, errs.ErrDraining), name)
	}
}

func TestAuthenticateBearer(t *testing.T) {
	a := newAuth()
	tok, _, err := security.Generate(security.DefaultOptions([]byte("jwt-secret")), "7", "s-7")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	id, err := a.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "7", id.UserID)
	assert.Equal(t, "s-7", id.SessionID)
	assert.Equal(t, "jwt", id.Method)

	q := httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil)
	id, err = a.Authenticate(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, "7", id.UserID)
}

func TestBearerDisabledWithoutSecret(t *testing.T) {
	a := New(memSessions{}, Config{Secrets: []string{secret}})
	tok, _, err := security.Generate(security.DefaultOptions([]byte("jwt-secret")), "7", "")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	_, err = a.Authenticate(context.Background(), r)
	assert.True(t, errors.Is(err, errs.ErrUnauthorized))
}

func TestDrainingRejectsValidCredentials(t *testing.T) {
	a := newAuth()
	a.SetDraining(true)

	_, err := a.Authenticate(context.Background(), cookieRequest(security.Sign("sid-1", []byte(secret))))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrDraining))
	assert.Equal(t, errs.Draining, errs.Code(err))

	a.SetDraining(false)
	_, err = a.Authenticate(context.Background(), cookieRequest(security.Sign("sid-1", []byte(secret))))
	assert.NoError(t, err)
}
