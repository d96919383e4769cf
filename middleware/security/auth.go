package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"PPresence/tools/errs"

	"github.com/gin-gonic/gin"
)

// ===== context key =====
const PPCtxCallerKey = "internalCaller" // string，调用方标识

type Options struct {
	HeaderToken               string // 默认 "X-Internal-Token"
	HeaderCaller              string // 默认 "X-Internal-Caller"
	EnableAuthorizationBearer bool   // 默认 true
	Token                     string // 为空则拒绝所有请求
}

func DefaultOptions(token string) *Options {
	return &Options{
		HeaderToken:               "X-Internal-Token",
		HeaderCaller:              "X-Internal-Caller",
		EnableAuthorizationBearer: true,
		Token:                     token,
	}
}

// Middleware guards internal routes with a shared token.
func Middleware(opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions("")
	}
	want := []byte(opts.Token)
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.GetHeader(opts.HeaderToken))

		// 兼容 Authorization: Bearer xxx
		if token == "" && opts.EnableAuthorizationBearer {
			if authz := strings.TrimSpace(c.GetHeader("Authorization")); len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
				token = strings.TrimSpace(authz[7:])
			}
		}

		if len(want) == 0 || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": errs.Unauthorized, "msg": errs.ErrUnauthorized.Msg})
			return
		}
		if caller := strings.TrimSpace(c.GetHeader(opts.HeaderCaller)); caller != "" {
			c.Set(PPCtxCallerKey, caller)
		}
		c.Next()
	}
}
