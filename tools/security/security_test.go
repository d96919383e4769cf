package security

import (
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCookieRoundTrip(t *testing.T) {
	secret := []byte("keyboard cat")
	raw := Sign("sess-123", secret)

	sid, err := Unsign(raw, secret)
	require.NoError(t, err)
	assert.Equal(t, "sess-123", sid)
}

func TestCookieKeyRotation(t *testing.T) {
	old := []byte("old")
	raw := Sign("abc", old)

	sid, err := Unsign(raw, []byte("new"), old)
	require.NoError(t, err)
	assert.Equal(t, "abc", sid)
}

func TestCookieUnencodedPlus(t *testing.T) {
	secret := []byte("keyboard cat")
	// find a session whose signature has a '+' and send it without encoding
	for i := 0; i < 200; i++ {
		sid := fmt.Sprintf("sess-%d", i)
		mac := signature(sid, secret)
		if !strings.Contains(mac, "+") {
			continue
		}
		got, err := Unsign("s:"+sid+"."+mac, secret)
		require.NoError(t, err)
		assert.Equal(t, sid, got)
		return
	}
	t.Fatal("no signature with '+' found")
}

func TestCookieSpaceInSession(t *testing.T) {
	secret := []byte("keyboard cat")
	raw := Sign("a b", secret)
	assert.NotContains(t, raw, "+")

	sid, err := Unsign(raw, secret)
	require.NoError(t, err)
	assert.Equal(t, "a b", sid)
}

func TestCookieRejects(t *testing.T) {
	secret := []byte("s3cret")
	good, _ := url.QueryUnescape(Sign("abc", secret))

	cases := map[string]struct {
		raw  string
		want error
	}{
		"no prefix":    {raw: "abc.sig", want: ErrCookieMalformed},
		"no signature": {raw: url.QueryEscape("s:abc"), want: ErrCookieMalformed},
		"empty sig":    {raw: url.QueryEscape("s:abc."), want: ErrCookieMalformed},
		"bad escape":   {raw: "%zz", want: ErrCookieMalformed},
		"tampered id":  {raw: url.QueryEscape("s:abd" + good[len("s:abc"):]), want: ErrCookieSignature},
		"wrong secret": {raw: Sign("abc", []byte("other")), want: ErrCookieSignature},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Unsign(tc.raw, secret)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestJWTRoundTrip(t *testing.T) {
	opts := DefaultOptions([]byte("jwt-secret"))
	tok, exp, err := Generate(opts, "42", "sess-9")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), exp, time.Minute)

	claims, err := Verify(opts, tok)
	require.NoError(t, err)
	assert.Equal(t, "42", claims.UserID)
	assert.Equal(t, "sess-9", claims.SessionID)
}

func TestJWTWithoutSessionUsesHash(t *testing.T) {
	opts := DefaultOptions([]byte("jwt-secret"))
	tok, _, err := Generate(opts, "42", "")
	require.NoError(t, err)

	claims, err := Verify(opts, tok)
	require.NoError(t, err)
	assert.Equal(t, HashToken(tok), claims.SessionID)
}

func TestJWTRejectsWrongSecretAndExpired(t *testing.T) {
	tok, _, err := Generate(DefaultOptions([]byte("a")), "1", "s")
	require.NoError(t, err)
	_, err = Verify(DefaultOptions([]byte("b")), tok)
	assert.Error(t, err)

	expired := Options{Secret: []byte("a"), TTL: time.Nanosecond}
	tok, _, err = Generate(expired, "1", "s")
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)
	_, err = Verify(expired, tok)
	assert.Error(t, err)
}
