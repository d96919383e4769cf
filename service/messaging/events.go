package messaging

// Event names emitted by this service itself. Feature modules pass their own
// free-form names straight to the Emitter.
type Event string

const (
	// EventOnlineUsers carries the reconciled presence list to the admin room.
	EventOnlineUsers Event = "admin:online-users"
	// EventSessionRefresh tells a client to re-read its session.
	EventSessionRefresh Event = "session:refresh"
	EventAnnouncement   Event = "announcement"
	EventForceLogout    Event = "session:force-logout"
)

func (e Event) String() string { return string(e) }
