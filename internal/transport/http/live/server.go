package livehttp

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"optguard/internal/logger"
	"optguard/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	requestIDHeader  = "X-Request-ID"
	adminTokenHeader = "X-Admin-Token"
)

// Server 提供管理与查询 HTTP 服务（急停、决策、持仓、统计、指标）。
type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig 描述 HTTP 服务依赖；Decisions/HaltEvents/Breaker/Metrics 可为 nil。
type ServerConfig struct {
	Addr         string
	Orchestrator DecisionService
	KillSwitch   HaltSwitch
	Breaker      BreakerControl
	Decisions    store.DecisionStore
	HaltEvents   store.HaltEventStore
	Metrics      http.Handler
	// AdminToken 非空时，所有写操作需携带 X-Admin-Token 或 Authorization: Bearer。
	AdminToken string
}

// NewServer 构建 HTTP server。
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Orchestrator == nil || cfg.KillSwitch == nil {
		return nil, errors.New("http server requires orchestrator and kill switch")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	registerAdminRoutes(router)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}
	api := &Router{
		Orchestrator: cfg.Orchestrator,
		KillSwitch:   cfg.KillSwitch,
		Breaker:      cfg.Breaker,
		Decisions:    cfg.Decisions,
		HaltEvents:   cfg.HaltEvents,
	}
	api.Register(router.Group("/api", requireAdminToken(cfg.AdminToken)))

	return &Server{addr: cfg.Addr, router: router}, nil
}

// requestLogger 为每个请求分配 X-Request-ID；写操作（急停、平仓、重置）按 info 记录，查询按 debug 记录。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header(requestIDHeader, reqID)
		start := time.Now()
		c.Next()

		target := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			target += "?" + q
		}
		logf := logger.Debugf
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			logf = logger.Infof
		}
		logf("[HTTP] %s %s status=%d ip=%s id=%s dur=%s",
			c.Request.Method, target, c.Writer.Status(), c.ClientIP(), reqID, time.Since(start).Round(time.Microsecond))
	}
}

// requireAdminToken 只校验写操作，查询接口保持只读开放。
func requireAdminToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" || c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			c.Next()
			return
		}
		got := c.GetHeader(adminTokenHeader)
		if got == "" {
			got = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			logger.Warnf("[HTTP] rejected %s %s from %s: bad admin token", c.Request.Method, c.Request.URL.Path, c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin token required"})
			return
		}
		c.Next()
	}
}

// Addr 返回监听地址。
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Handler 暴露路由，测试中配合 httptest 使用。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动 HTTP 服务，直到 ctx 取消或监听失败；取消时最多等待 5s 完成在途请求。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- srv.ListenAndServe()
	}()
	logger.Infof("[HTTP] admin api listening on %s", s.addr)

	select {
	case err := <-listenErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http listen %s: %w", s.addr, err)
	case <-ctx.Done():
	}
	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		logger.Warnf("[HTTP] shutdown incomplete: %v", err)
	}
	return nil
}
