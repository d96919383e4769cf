package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/url"
	"strings"
)

// Signed session cookies are produced by the HTTP session layer as
// "s:" + value + "." + base64(HMAC-SHA256(secret, value)) without padding,
// then URL-encoded.

var (
	ErrCookieMalformed = errors.New("cookie malformed")
	ErrCookieSignature = errors.New("cookie signature mismatch")
)

const signedPrefix = "s:"

// Sign produces the cookie value for sessionID, URL-encoded the way
// encodeURIComponent does it (space is %20, never '+').
func Sign(sessionID string, secret []byte) string {
	v := url.QueryEscape(signedPrefix + sessionID + "." + signature(sessionID, secret))
	return strings.ReplaceAll(v, "+", "%20")
}

// Unsign returns the session id of a raw cookie value. Several secrets are
// accepted so the session layer can rotate keys.
func Unsign(raw string, secrets ...[]byte) (string, error) {
	// '+' is literal here: base64 signatures carry it unencoded
	val, err := url.PathUnescape(raw)
	if err != nil {
		return "", ErrCookieMalformed
	}
	if !strings.HasPrefix(val, signedPrefix) {
		return "", ErrCookieMalformed
	}
	val = val[len(signedPrefix):]
	dot := strings.LastIndexByte(val, '.')
	if dot <= 0 || dot == len(val)-1 {
		return "", ErrCookieMalformed
	}
	sid, mac := val[:dot], val[dot+1:]
	for _, secret := range secrets {
		if len(secret) == 0 {
			continue
		}
		if hmac.Equal([]byte(mac), []byte(signature(sid, secret))) {
			return sid, nil
		}
	}
	return "", ErrCookieSignature
}

func signature(value string, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(value))
	return base64.RawStdEncoding.EncodeToString(h.Sum(nil))
}
