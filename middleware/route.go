package middleware

import (
	midsec "PPresence/middleware/security"

	"github.com/gin-gonic/gin"
)

// 配置选项
type RouteOpt struct {
	IsAuth   bool
	Security *midsec.Options
}

func (o RouteOpt) chain(handler gin.HandlerFunc) []gin.HandlerFunc {
	if !o.IsAuth {
		return []gin.HandlerFunc{handler}
	}
	return []gin.HandlerFunc{midsec.Middleware(o.Security), handler}
}

// 封装 POST
func POST(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	r.POST(path, opt.chain(handler)...)
}

// 封装 GET
func GET(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	r.GET(path, opt.chain(handler)...)
}

// 封装 DELETE
func DELETE(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	r.DELETE(path, opt.chain(handler)...)
}
