package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"PPresence/logger"
	"PPresence/service/auth"
	"PPresence/service/fanout"
	"PPresence/service/storage"
	"PPresence/tools/errs"
	"PPresence/tools/ids"
	"PPresence/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Authenticator validates a handshake before the upgrade.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*auth.Identity, error)
}

type SocketRegistry interface {
	Register(ctx context.Context, e storage.SocketEntry) error
	Unregister(ctx context.Context, userID, connID string) error
}

type PresenceIndex interface {
	Add(ctx context.Context, userID, connID string) error
	Remove(ctx context.Context, userID, connID string) error
}

// Guard may veto a namespace for an authenticated identity (e.g. /admin).
type Guard func(ctx context.Context, nsp string, id *auth.Identity) error

type Hook func(ctx context.Context, c ConnInfo)

type Config struct {
	ProcessID         string
	PingInterval      time.Duration
	PongWait          time.Duration
	WriteWait         time.Duration
	SendQueue         int
	HeartbeatInterval time.Duration
	AllowedOrigins    []string
	StoreTimeout      time.Duration
	ReadLimit         int64 // max inbound frame size, bytes
}

func (c *Config) norm() {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 2
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 2 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
}

// Gateway owns the live connections of this process.
type Gateway struct {
	cfg      Config
	auth     Authenticator
	sockets  SocketRegistry
	presence PresenceIndex
	adapter  *fanout.Adapter
	upgrader websocket.Upgrader

	mu           sync.Mutex // guards the hook and guard slices
	guards       []Guard
	onConnect    []Hook
	onDisconnect []Hook

	hmu      sync.Mutex // orders handlers.Add against Wait
	waiting  bool
	handlers sync.WaitGroup
}

func New(cfg Config, a Authenticator, sockets SocketRegistry, presence PresenceIndex, adapter *fanout.Adapter) *Gateway {
	cfg.norm()
	g := &Gateway{cfg: cfg, auth: a, sockets: sockets, presence: presence, adapter: adapter}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) Use(guard Guard) {
	g.mu.Lock()
	g.guards = append(g.guards, guard)
	g.mu.Unlock()
}

// OnConnect hooks run once a connection is Active.
func (g *Gateway) OnConnect(h Hook) {
	g.mu.Lock()
	g.onConnect = append(g.onConnect, h)
	g.mu.Unlock()
}

func (g *Gateway) OnDisconnect(h Hook) {
	g.mu.Lock()
	g.onDisconnect = append(g.onDisconnect, h)
	g.mu.Unlock()
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range g.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Register mounts /ws (default namespace) and /ws/:nsp.
func (g *Gateway) Register(r gin.IRouter) {
	r.GET("/ws", g.HandleWS)
	r.GET("/ws/:nsp", g.HandleWS)
}

func namespaceOf(c *gin.Context) string {
	if n := c.Param("nsp"); n != "" {
		return "/" + strings.TrimPrefix(n, "/")
	}
	if n := c.Query("nsp"); n != "" {
		return "/" + strings.TrimPrefix(n, "/")
	}
	return "/"
}

// Subscribe joins a connection to a room on whichever process holds it.
func (g *Gateway) Subscribe(ctx context.Context, nsp, connID, room string) error {
	return g.adapter.AddToRoom(ctx, nsp, connID, room)
}

func (g *Gateway) Unsubscribe(ctx context.Context, nsp, connID, room string) error {
	return g.adapter.RemoveFromRoom(ctx, nsp, connID, room)
}

// Wait blocks until every connection handler has finished its cleanup.
// Handshakes arriving after Wait started are rejected as draining.
func (g *Gateway) Wait(ctx context.Context) error {
	g.hmu.Lock()
	g.waiting = true
	g.hmu.Unlock()

	ch := make(chan struct{})
	go func() {
		g.handlers.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func reject(c *gin.Context, err error) {
	status := http.StatusUnauthorized
	switch errs.Code(err) {
	case errs.Draining, errs.NamespaceClosed:
		status = http.StatusServiceUnavailable
		c.Header("Retry-After", "1")
	case errs.ArgsError:
		status = http.StatusNotFound
	case errs.Forbidden:
		status = http.StatusForbidden
	}
	body := gin.H{"code": errs.Unauthorized, "msg": errs.ErrUnauthorized.Msg}
	if ce, ok := errs.AsCode(err); ok {
		body = gin.H{"code": ce.Code, "msg": ce.Msg}
	}
	c.AbortWithStatusJSON(status, body)
}

// HandleWS runs one connection from handshake to cleanup.
func (g *Gateway) HandleWS(c *gin.Context) {
	if !g.track() {
		reject(c, errs.ErrDraining.Wrap())
		return
	}
	defer g.handlers.Done()

	nsp := namespaceOf(c)
	ns, ok := g.adapter.Namespace(nsp)
	if !ok {
		reject(c, errs.ErrArgs.WrapMsg("unknown namespace", "nsp", nsp))
		return
	}

	// ---- Connecting：握手鉴权，失败则不升级、不写任何注册表 ----
	reqCtx := c.Request.Context()
	id, err := g.auth.Authenticate(reqCtx, c.Request)
	if err != nil {
		logger.Debug("[gateway] handshake rejected", zap.String("nsp", nsp), zap.Error(err))
		reject(c, err)
		return
	}
	g.mu.Lock()
	guards := append([]Guard(nil), g.guards...)
	g.mu.Unlock()
	for _, guard := range guards {
		if err := guard(reqCtx, nsp, id); err != nil {
			reject(c, err)
			return
		}
	}

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败，Upgrade 已写回 HTTP 错误
		logger.Debug("[gateway] upgrade failed", zap.Error(err))
		return
	}

	conn := newWsConn(ws, ConnInfo{
		ConnID:    ids.NewConnID(),
		UserID:    id.UserID,
		SessionID: id.SessionID,
		Namespace: nsp,
	}, g.cfg.SendQueue)
	conn.setState(Authenticated)

	go conn.writePump(g.cfg.PingInterval, g.cfg.WriteWait)

	if err := ns.Add(conn); err != nil {
		conn.Close("shutdown")
		<-conn.written
		conn.setState(Disconnected)
		return
	}
	if err := g.activate(conn); err != nil {
		logger.Debug("[gateway] activate failed, dropping connection", zap.String("conn_id", conn.ID()), zap.Error(err))
		conn.Close("store_error")
		g.cleanup(ns, conn)
		<-conn.written
		return
	}

	g.run(ns, conn)
}

// track counts a handler unless Wait has begun.
func (g *Gateway) track() bool {
	g.hmu.Lock()
	defer g.hmu.Unlock()
	if g.waiting {
		return false
	}
	g.handlers.Add(1)
	return true
}

// activate records the connection in both registries, socket entry first.
func (g *Gateway) activate(conn *WsConn) error {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.StoreTimeout)
	defer cancel()
	if err := g.sockets.Register(ctx, g.entry(conn)); err != nil {
		return err
	}
	if err := g.presence.Add(ctx, conn.info.UserID, conn.info.ConnID); err != nil {
		return err
	}
	conn.setState(Active)
	logger.Info("[gateway] connection active",
		zap.String("conn_id", conn.info.ConnID), zap.String("user_id", conn.info.UserID), zap.String("nsp", conn.info.Namespace))

	conn.Emit(EventConnected, buildConnected(conn.info.ConnID, conn.info.Namespace, g.cfg.HeartbeatInterval), "")

	g.mu.Lock()
	hooks := append([]Hook(nil), g.onConnect...)
	g.mu.Unlock()
	for _, h := range hooks {
		h := h
		_ = safe.Run("on-connect", func() { h(ctx, conn.info) })
	}
	return nil
}

func (g *Gateway) entry(conn *WsConn) storage.SocketEntry {
	return storage.SocketEntry{
		ConnectionID: conn.info.ConnID,
		UserID:       conn.info.UserID,
		SessionID:    conn.info.SessionID,
		ProcessID:    g.cfg.ProcessID,
		Namespace:    conn.info.Namespace,
		ConnectedAt:  conn.connectedAt.UnixMilli(),
	}
}

// run is the read loop. It only reads; any read error ends the connection.
func (g *Gateway) run(ns *fanout.Namespace, conn *WsConn) {
	ws := conn.ws
	ws.SetReadLimit(g.cfg.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	})

readLoop:
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				logger.Debug("[gateway] peer closed", zap.String("conn_id", conn.ID()))
			case errors.As(err, &ne) && ne.Timeout():
				logger.Debug("[gateway] read timeout", zap.String("conn_id", conn.ID()))
			default:
				logger.Debug("[gateway] read err", zap.String("conn_id", conn.ID()), zap.Error(err))
			}
			break readLoop
		}
		if mt != websocket.TextMessage {
			continue
		}
		_ = ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))

		f, perr := ParseFrameJSON(data)
		if perr != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Debug("[gateway] bad frame", zap.String("conn_id", conn.ID()), zap.ByteString("sample", sample), zap.Error(perr))
			continue
		}
		switch f.Event {
		case EventHeartbeat:
			g.heartbeat(conn)
		case EventAck:
			g.adapter.HandleAck(context.Background(), conn.info.Namespace, conn.ID(), f.AckID, f.Data)
		default:
			logger.Debug("[gateway] ignore client event", zap.String("conn_id", conn.ID()), zap.String("event", f.Event))
		}
	}

	conn.Close("client")
	g.cleanup(ns, conn)
	<-conn.written
}

// heartbeat re-registers the connection; the registry TTL may be shorter than
// the socket's own timeout.
func (g *Gateway) heartbeat(conn *WsConn) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.StoreTimeout)
	defer cancel()
	if err := g.sockets.Register(ctx, g.entry(conn)); err != nil {
		logger.Warn("[gateway] heartbeat register failed", zap.String("conn_id", conn.ID()), zap.Error(err))
		return
	}
	if err := g.presence.Add(ctx, conn.info.UserID, conn.info.ConnID); err != nil {
		logger.Warn("[gateway] heartbeat presence failed", zap.String("conn_id", conn.ID()), zap.Error(err))
	}
}

// cleanup removes exactly this connection from the local table and both
// registries. Other connections of the same user are untouched.
func (g *Gateway) cleanup(ns *fanout.Namespace, conn *WsConn) {
	if conn.State() == Disconnected {
		return
	}
	wasActive := conn.State() == Active
	conn.setState(Disconnected)
	ns.Remove(conn.ID())

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.StoreTimeout)
	defer cancel()
	if err := g.sockets.Unregister(ctx, conn.info.UserID, conn.info.ConnID); err != nil {
		logger.Warn("[gateway] unregister failed", zap.String("conn_id", conn.ID()), zap.Error(err))
	}
	if err := g.presence.Remove(ctx, conn.info.UserID, conn.info.ConnID); err != nil {
		logger.Warn("[gateway] presence remove failed", zap.String("conn_id", conn.ID()), zap.Error(err))
	}
	logger.Info("[gateway] connection closed",
		zap.String("conn_id", conn.ID()), zap.String("user_id", conn.info.UserID), zap.String("reason", conn.Reason()))

	if !wasActive {
		return
	}
	g.mu.Lock()
	hooks := append([]Hook(nil), g.onDisconnect...)
	g.mu.Unlock()
	for _, h := range hooks {
		h := h
		_ = safe.Run("on-disconnect", func() { h(ctx, conn.info) })
	}
}
