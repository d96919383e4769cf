package ids

import (
	"github.com/google/uuid"
)

// NewConnID returns a fresh connection id. Connection ids double as room
// names across the whole cluster, so they come from a random source rather
// than from per-process state that two processes could share.
func NewConnID() string {
	return uuid.NewString()
}

// NewProcessID returns a random process id for instances started without one.
func NewProcessID() string {
	return "gw-" + uuid.NewString()[:8]
}
