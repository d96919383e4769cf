package storage

import "strings"

// Keys builds every shared-store key of the presence layer under one prefix.
type Keys struct {
	Prefix string
}

func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = "presence"
	}
	return Keys{Prefix: prefix}
}

// ===== Key 构造 =====

// Socket entry: <prefix>:socket:<userId>:<connId>
func (k Keys) Socket(userID, connID string) string {
	return k.Prefix + ":socket:" + userID + ":" + connID
}

// SocketPattern matches every socket entry of one user. The user id is
// glob-escaped so ids containing * or ? cannot widen the scan.
func (k Keys) SocketPattern(userID string) string {
	return k.Prefix + ":socket:" + escapeGlob(userID) + ":*"
}

// Presence index ZSET, member=userId:connId, score=unix ms of insertion.
func (k Keys) Presence() string {
	return k.Prefix + ":presence"
}

// PresenceMember joins a user id and connection id into an index member.
func PresenceMember(userID, connID string) string {
	return userID + ":" + connID
}

// ParsePresenceMember splits on the last colon; connection ids never contain one.
func ParsePresenceMember(member string) (userID, connID string, ok bool) {
	i := strings.LastIndexByte(member, ':')
	if i <= 0 || i == len(member)-1 {
		return "", "", false
	}
	return member[:i], member[i+1:], true
}

func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
