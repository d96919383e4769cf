package middleware

import (
	"sync"
	"time"

	"PPresence/logger"
	"PPresence/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MiddlewareManager 可以自由注册/注销中间件
type MiddlewareManager struct {
	mu   sync.RWMutex
	mids []gin.HandlerFunc
}

func NewManager() *MiddlewareManager {
	return &MiddlewareManager{}
}

// Add 注册一个中间件
func (m *MiddlewareManager) Add(h ...gin.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mids = append(m.mids, h...)
}

// Clear 清空全部中间件
func (m *MiddlewareManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mids = nil
}

// Use 返回一个 gin.HandlerFunc，作为总控挂载到 Engine 上
func (m *MiddlewareManager) Use() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.mu.RLock()
		handlers := append([]gin.HandlerFunc{}, m.mids...) // 拷贝一份快照
		m.mu.RUnlock()

		for _, h := range handlers {
			h(c)
			if c.IsAborted() {
				return
			}
		}
		c.Next()
	}
}

// Recover turns a handler panic into a 500 with the standard error body.
func Recover() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("[http] handler panic", zap.String("path", c.Request.URL.Path), zap.Error(errs.ErrPanic(r)))
				c.AbortWithStatusJSON(500, gin.H{"code": errs.ServerInternalError, "msg": errs.ErrInternal.Msg})
			}
		}()
		c.Next()
	}
}

// AccessLog logs each request after it completes. Websocket handshakes log
// when the connection ends.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("[http] request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}
