package messaging

import (
	"context"
	"encoding/json"

	"PPresence/logger"
	"PPresence/service/fanout"
	"PPresence/service/storage"

	"go.uber.org/zap"
)

// AllNamespaces binds an emitter to every namespace. It applies to room,
// user and broadcast sends; connection-targeted calls need a real namespace.
const AllNamespaces = "*"

// ConnFinder resolves a user's live connections.
type ConnFinder interface {
	FindEntriesForUser(ctx context.Context, userID string) ([]*storage.SocketEntry, error)
}

// Emitter is the outbound API for other backend features. Every call is
// fire-and-forget: success means handed to the transport, not received.
// Failures are logged; a missing target is a normal state, not an error.
type Emitter struct {
	adapter *fanout.Adapter
	conns   ConnFinder
	nsp     string
}

func NewEmitter(adapter *fanout.Adapter, conns ConnFinder, nsp string) *Emitter {
	if nsp == "" {
		nsp = "/"
	}
	return &Emitter{adapter: adapter, conns: conns, nsp: nsp}
}

// In returns an emitter bound to another namespace.
func (e *Emitter) In(nsp string) *Emitter {
	return &Emitter{adapter: e.adapter, conns: e.conns, nsp: nsp}
}

func (e *Emitter) Namespace() string { return e.nsp }

func (e *Emitter) encode(event string, payload any) (json.RawMessage, bool) {
	raw, err := fanout.MarshalPayload(payload)
	if err != nil {
		logger.Error("[messaging] payload not serializable", zap.String("event", event), zap.Error(err))
		return nil, false
	}
	return raw, true
}

func (e *Emitter) broadcast(ctx context.Context, opts fanout.BroadcastOptions, event string, payload any) {
	raw, ok := e.encode(event, payload)
	if !ok {
		return
	}
	nsps := []string{e.nsp}
	if e.nsp == AllNamespaces {
		nsps = e.adapter.Namespaces()
	}
	for _, nsp := range nsps {
		if _, err := e.adapter.Broadcast(ctx, nsp, opts, event, raw); err != nil {
			logger.Error("[messaging] broadcast failed", zap.String("nsp", nsp), zap.String("event", event),
				zap.Strings("rooms", opts.Rooms), zap.Error(err))
		}
	}
}

// userConns returns the user's connections in this emitter's namespace.
func (e *Emitter) userConns(ctx context.Context, userID string) []string {
	entries, err := e.conns.FindEntriesForUser(ctx, userID)
	if err != nil {
		logger.Error("[messaging] resolve user connections", zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	var out []string
	for _, en := range entries {
		if e.nsp == AllNamespaces || en.Namespace == "" || en.Namespace == e.nsp {
			out = append(out, en.ConnectionID)
		}
	}
	return out
}

func (e *Emitter) SendToUser(ctx context.Context, userID, event string, payload any) {
	ids := e.userConns(ctx, userID)
	if len(ids) == 0 {
		logger.Warn("[messaging] no connections for user", zap.String("user_id", userID), zap.String("event", event))
		return
	}
	e.broadcast(ctx, fanout.BroadcastOptions{Rooms: ids}, event, payload)
}

func (e *Emitter) SendToRoom(ctx context.Context, room, event string, payload any) {
	e.broadcast(ctx, fanout.BroadcastOptions{Rooms: []string{room}}, event, payload)
}

func (e *Emitter) Broadcast(ctx context.Context, event string, payload any) {
	e.broadcast(ctx, fanout.BroadcastOptions{}, event, payload)
}

func (e *Emitter) SendToConnection(ctx context.Context, connID, event string, payload any) {
	raw, ok := e.encode(event, payload)
	if !ok {
		return
	}
	if err := e.adapter.EmitTo(ctx, e.nsp, connID, event, raw); err != nil {
		logger.Error("[messaging] emit to connection failed", zap.String("conn_id", connID), zap.String("event", event), zap.Error(err))
	}
}

// SendToRoomExceptConnection skips excludeID, which is always in the room
// named by its own id.
func (e *Emitter) SendToRoomExceptConnection(ctx context.Context, room, excludeID, event string, payload any) {
	e.broadcast(ctx, fanout.BroadcastOptions{Rooms: []string{room}, Except: []string{excludeID}}, event, payload)
}

// SendWithAcknowledgment calls cb with the client's reply. cb may never run;
// callers needing a deadline must apply their own.
func (e *Emitter) SendWithAcknowledgment(ctx context.Context, connID, event string, payload any, cb func(json.RawMessage)) {
	raw, ok := e.encode(event, payload)
	if !ok {
		return
	}
	if err := e.adapter.EmitWithAck(ctx, e.nsp, connID, event, raw, cb); err != nil {
		logger.Error("[messaging] emit with ack failed", zap.String("conn_id", connID), zap.String("event", event), zap.Error(err))
	}
}

func (e *Emitter) DisconnectConnection(ctx context.Context, connID string) {
	local, err := e.adapter.Disconnect(ctx, e.nsp, connID)
	if err != nil {
		logger.Error("[messaging] disconnect failed", zap.String("conn_id", connID), zap.Error(err))
		return
	}
	if !local {
		logger.Debug("[messaging] connection not held locally, relayed", zap.String("conn_id", connID))
	}
}

// DisconnectUser force-closes every connection of userID in every namespace.
func (e *Emitter) DisconnectUser(ctx context.Context, userID string) {
	entries, err := e.conns.FindEntriesForUser(ctx, userID)
	if err != nil {
		logger.Error("[messaging] resolve user connections", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if len(entries) == 0 {
		logger.Warn("[messaging] disconnect: user has no connections", zap.String("user_id", userID))
		return
	}
	for _, en := range entries {
		nsp := en.Namespace
		if nsp == "" {
			nsp = e.nsp
		}
		local, err := e.adapter.Disconnect(ctx, nsp, en.ConnectionID)
		if err != nil {
			logger.Warn("[messaging] disconnect skipped", zap.String("user_id", userID), zap.String("conn_id", en.ConnectionID), zap.Error(err))
			continue
		}
		if !local {
			logger.Debug("[messaging] connection not held locally, relayed",
				zap.String("user_id", userID), zap.String("conn_id", en.ConnectionID))
		}
	}
}
