package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"PPresence/logger"
	"PPresence/middleware"
	midsec "PPresence/middleware/security"
	"PPresence/service/messaging"
	"PPresence/service/metrics"
	"PPresence/service/storage"
	"PPresence/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type PresenceReader interface {
	List(ctx context.Context, page, size int) (*storage.OnlineList, error)
	Count(ctx context.Context) (int, error)
	IsOnline(ctx context.Context, userID string) (bool, error)
	RemoveAllForUser(ctx context.Context, userID string) (int, error)
}

type ConnFinder interface {
	FindEntriesForUser(ctx context.Context, userID string) ([]*storage.SocketEntry, error)
}

type Deps struct {
	Presence      PresenceReader
	Sockets       ConnFinder
	Emitter       *messaging.Emitter
	Draining      func() bool
	InternalToken string
}

// Server is the HTTP surface next to the websocket gateway.
type Server struct {
	Deps
	internal middleware.RouteOpt
}

func New(d Deps) *Server {
	if d.Draining == nil {
		d.Draining = func() bool { return false }
	}
	return &Server{
		Deps:     d,
		internal: middleware.RouteOpt{IsAuth: true, Security: midsec.DefaultOptions(d.InternalToken)},
	}
}

func (s *Server) Register(r gin.IRouter) {
	open := middleware.RouteOpt{}
	middleware.GET(r, "/healthz", s.Healthz, open)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	p := r.Group("/presence")
	middleware.GET(p, "/count", wrap(s.GetCount), open)
	// user-level data: same audience as the admin room
	middleware.GET(p, "/online", wrap(s.GetOnline), s.internal)
	middleware.GET(p, "/users/:id", wrap(s.GetUser), s.internal)
	middleware.DELETE(p, "/users/:id", wrap(s.DeleteUser), s.internal)

	in := r.Group("/internal")
	middleware.POST(in, "/emit", wrap(s.PostEmit), s.internal)
	middleware.POST(in, "/disconnect", wrap(s.PostDisconnect), s.internal)
}

// wrap renders a handler error as {code,msg,detail}. Errors without a code
// come from the store.
func wrap(h func(c *gin.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := h(c)
		if err == nil {
			return
		}
		status := http.StatusInternalServerError
		switch errs.Code(err) {
		case errs.ArgsError:
			status = http.StatusBadRequest
		case errs.RecordNotFoundError, errs.ConnNotFoundError:
			status = http.StatusNotFound
		case errs.StoreUnavailable:
			status = http.StatusServiceUnavailable
		}
		ce, ok := errs.AsCode(err)
		if !ok {
			ce = errs.ErrStoreUnavailable
			status = http.StatusServiceUnavailable
		}
		logger.Warn("[api] request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.AbortWithStatusJSON(status, ce)
	}
}

func (s *Server) Healthz(c *gin.Context) {
	if s.Draining() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetOnline ?page=1&size=20，size 为 0 返回全部
func (s *Server) GetOnline(c *gin.Context) error {
	page := int(parseInt64(c.Query("page"), 1))
	size := int(parseInt64(c.Query("size"), 0))
	list, err := s.Presence.List(c.Request.Context(), page, size)
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, list)
	return nil
}

func (s *Server) GetCount(c *gin.Context) error {
	n, err := s.Presence.Count(c.Request.Context())
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
	return nil
}

type connView struct {
	ConnectionID string `json:"connectionId"`
	SessionID    string `json:"sessionId"`
	ProcessID    string `json:"processId"`
	Namespace    string `json:"namespace"`
	ConnectedAt  int64  `json:"connectedAt"`
}

func (s *Server) GetUser(c *gin.Context) error {
	ctx := c.Request.Context()
	uid := c.Param("id")
	online, err := s.Presence.IsOnline(ctx, uid)
	if err != nil {
		return err
	}
	entries, err := s.Sockets.FindEntriesForUser(ctx, uid)
	if err != nil {
		return err
	}
	conns := make([]connView, 0, len(entries))
	for _, e := range entries {
		conns = append(conns, connView{e.ConnectionID, e.SessionID, e.ProcessID, e.Namespace, e.ConnectedAt})
	}
	c.JSON(http.StatusOK, gin.H{"userId": uid, "online": online, "connections": conns})
	return nil
}

func (s *Server) DeleteUser(c *gin.Context) error {
	n, err := s.Presence.RemoveAllForUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
	return nil
}

type emitReq struct {
	Target    string          `json:"target"` // user | room | broadcast | connection | room_except
	Namespace string          `json:"nsp"`
	UserID    string          `json:"userId"`
	Room      string          `json:"room"`
	ConnID    string          `json:"connectionId"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *Server) PostEmit(c *gin.Context) error {
	var req emitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return errs.ErrArgs.WithDetail(err.Error())
	}
	if req.Event == "" {
		return errs.ErrArgs.WithDetail("event required")
	}
	em := s.Emitter
	if req.Namespace != "" {
		em = em.In(req.Namespace)
	}
	ctx := c.Request.Context()
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	switch req.Target {
	case "user":
		if req.UserID == "" {
			return errs.ErrArgs.WithDetail("userId required")
		}
		em.SendToUser(ctx, req.UserID, req.Event, payload)
	case "room":
		if req.Room == "" {
			return errs.ErrArgs.WithDetail("room required")
		}
		em.SendToRoom(ctx, req.Room, req.Event, payload)
	case "broadcast":
		em.Broadcast(ctx, req.Event, payload)
	case "connection":
		if req.ConnID == "" {
			return errs.ErrArgs.WithDetail("connectionId required")
		}
		em.SendToConnection(ctx, req.ConnID, req.Event, payload)
	case "room_except":
		if req.Room == "" || req.ConnID == "" {
			return errs.ErrArgs.WithDetail("room and connectionId required")
		}
		em.SendToRoomExceptConnection(ctx, req.Room, req.ConnID, req.Event, payload)
	default:
		return errs.ErrArgs.WithDetail(fmt.Sprintf("unknown target %q", req.Target))
	}
	logger.Debug("[api] emit accepted", zap.String("target", req.Target), zap.String("event", req.Event),
		zap.String("caller", c.GetString(midsec.PPCtxCallerKey)))
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
	return nil
}

type disconnectReq struct {
	Namespace string `json:"nsp"`
	UserID    string `json:"userId"`
	ConnID    string `json:"connectionId"`
}

func (s *Server) PostDisconnect(c *gin.Context) error {
	var req disconnectReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return errs.ErrArgs.WithDetail(err.Error())
	}
	em := s.Emitter
	if req.Namespace != "" {
		em = em.In(req.Namespace)
	}
	switch {
	case req.ConnID != "":
		em.DisconnectConnection(c.Request.Context(), req.ConnID)
	case req.UserID != "":
		em.DisconnectUser(c.Request.Context(), req.UserID)
	default:
		return errs.ErrArgs.WithDetail("userId or connectionId required")
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
	return nil
}

// helpers
func parseInt64(s string, def int64) int64 {
	var x int64
	_, err := fmt.Sscan(s, &x)
	if err != nil {
		return def
	}
	return x
}
