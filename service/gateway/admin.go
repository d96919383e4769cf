package gateway

import (
	"context"
	"errors"

	"PPresence/logger"
	"PPresence/service/auth"
	"PPresence/service/identity"
	"PPresence/service/storage"
	"PPresence/tools/errs"

	"go.uber.org/zap"
)

type RoleSource interface {
	Get(ctx context.Context, userID string) (*identity.User, error)
}

type ConnFinder interface {
	FindEntriesForUser(ctx context.Context, userID string) ([]*storage.SocketEntry, error)
}

type AdminConfig struct {
	Room      string   // joined by every admin connection, in its own namespace
	Namespace string   // restricted to admins; empty disables the guard
	Roles     []string // any of these makes a user an admin
}

// AdminRooms keeps admin-room membership in step with roles. Membership is
// granted at connect and changed only by explicit role-change events.
type AdminRooms struct {
	cfg   AdminConfig
	users RoleSource
	conns ConnFinder
	gw    *Gateway
}

func NewAdminRooms(cfg AdminConfig, users RoleSource, conns ConnFinder, gw *Gateway) *AdminRooms {
	if cfg.Room == "" {
		cfg.Room = "admin-room"
	}
	if len(cfg.Roles) == 0 {
		cfg.Roles = []string{"admin"}
	}
	return &AdminRooms{cfg: cfg, users: users, conns: conns, gw: gw}
}

// Attach installs the namespace guard and the connect hook.
func (a *AdminRooms) Attach() {
	a.gw.Use(a.Guard)
	a.gw.OnConnect(a.OnConnect)
}

func (a *AdminRooms) isAdmin(ctx context.Context, userID string) (bool, error) {
	u, err := a.users.Get(ctx, userID)
	if errors.Is(err, identity.ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.HasAnyRole(a.cfg.Roles...), nil
}

func (a *AdminRooms) Guard(ctx context.Context, nsp string, id *auth.Identity) error {
	if a.cfg.Namespace == "" || nsp != a.cfg.Namespace {
		return nil
	}
	ok, err := a.isAdmin(ctx, id.UserID)
	if err != nil {
		logger.Debug("[gateway] admin lookup failed", zap.String("user_id", id.UserID), zap.Error(err))
		return errs.ErrUnauthorized.WrapMsg("role lookup failed")
	}
	if !ok {
		return errs.ErrForbidden.WrapMsg("admin namespace", "user_id", id.UserID)
	}
	return nil
}

func (a *AdminRooms) OnConnect(ctx context.Context, c ConnInfo) {
	ok, err := a.isAdmin(ctx, c.UserID)
	if err != nil {
		logger.Warn("[gateway] admin lookup failed", zap.String("user_id", c.UserID), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	if err := a.gw.Subscribe(ctx, c.Namespace, c.ConnID, a.cfg.Room); err != nil {
		logger.Warn("[gateway] admin room join failed", zap.String("conn_id", c.ConnID), zap.Error(err))
	}
}

// OnRoleChange joins or leaves the admin room for the user's connections
// held by this process. Every process receives the event and handles its own
// shard. A demoted user is also dropped from the restricted namespace.
func (a *AdminRooms) OnRoleChange(ctx context.Context, rc identity.RoleChange) {
	promoted := (&identity.User{ID: rc.UserID, Roles: rc.Roles}).HasAnyRole(a.cfg.Roles...)
	entries, err := a.conns.FindEntriesForUser(ctx, rc.UserID)
	if err != nil {
		logger.Warn("[gateway] role change: resolve connections", zap.String("user_id", rc.UserID), zap.Error(err))
		return
	}
	var applied int
	for _, e := range entries {
		if e.ProcessID != "" && e.ProcessID != a.gw.cfg.ProcessID {
			continue
		}
		applied++
		var err error
		switch {
		case promoted:
			err = a.gw.Subscribe(ctx, e.Namespace, e.ConnectionID, a.cfg.Room)
		case a.cfg.Namespace != "" && e.Namespace == a.cfg.Namespace:
			_, err = a.gw.adapter.Disconnect(ctx, e.Namespace, e.ConnectionID)
		default:
			err = a.gw.Unsubscribe(ctx, e.Namespace, e.ConnectionID, a.cfg.Room)
		}
		if err != nil {
			logger.Warn("[gateway] role change not applied",
				zap.String("user_id", rc.UserID), zap.String("conn_id", e.ConnectionID), zap.Error(err))
		}
	}
	logger.Info("[gateway] role change applied",
		zap.String("user_id", rc.UserID), zap.Bool("admin", promoted), zap.Int("connections", applied))
}
