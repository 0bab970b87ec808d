package livehttp

import (
	"embed"
	"io/fs"
	"net/http"
	"path"

	"optguard/internal/logger"

	"github.com/gin-gonic/gin"
)

//go:embed admin/*
var adminAssets embed.FS

// registerAdminRoutes 挂载内嵌的只读管理页面，页面通过 /api 操作急停与熔断。
func registerAdminRoutes(router *gin.Engine) {
	sub, err := fs.Sub(adminAssets, "admin")
	if err != nil {
		logger.Warnf("admin assets unavailable: %v", err)
		return
	}

	serveFile := func(c *gin.Context, name string) {
		data, err := fs.ReadFile(sub, name)
		if err != nil {
			c.Status(http.StatusNotFound)
			return
		}
		c.Header("Cache-Control", "no-cache")
		c.Data(http.StatusOK, mimeType(name), data)
	}

	router.GET("/", func(c *gin.Context) { c.Redirect(http.StatusFound, "/admin/") })
	router.GET("/admin/*asset", func(c *gin.Context) {
		name := path.Base(path.Clean("/" + c.Param("asset")))
		if name == "/" || name == "." {
			name = "index.html"
		}
		serveFile(c, name)
	})
}

func mimeType(name string) string {
	switch path.Ext(name) {
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript"
	default:
		return "text/html; charset=utf-8"
	}
}
