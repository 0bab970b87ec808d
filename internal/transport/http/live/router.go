package livehttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"optguard/internal/agent"
	"optguard/internal/decision"
	"optguard/internal/logger"
	"optguard/internal/pkg/circuit"
	"optguard/internal/safety/killswitch"
	"optguard/internal/store"
	"optguard/internal/strategy/exit"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// DecisionService 由 agent.Orchestrator 实现。
type DecisionService interface {
	DecideExit(ctx context.Context, req agent.ExitRequest) (agent.ExitDecision, error)
	DecideEntry(ctx context.Context, req agent.EntryRequest) (agent.EntryDecision, error)
	ResetCycle()
	ClosePosition(key exit.PositionKey, realizedPnL decimal.Decimal) bool
	Positions() []exit.PositionState
	Stats() agent.Stats
}

// HaltSwitch 由 killswitch.KillSwitch 实现。
type HaltSwitch interface {
	Status() killswitch.Status
	Activate(reason, source string, monitorOnly bool) bool
	Deactivate(source string) bool
}

type BreakerControl interface {
	Status() circuit.Status
	Reset()
}

// Router 暴露 /api 下的管理与查询接口。
type Router struct {
	Orchestrator DecisionService
	KillSwitch   HaltSwitch
	Breaker      BreakerControl
	Decisions    store.DecisionStore
	HaltEvents   store.HaltEventStore
}

// Register 将路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/killswitch", r.handleKillSwitchStatus)
	group.POST("/killswitch/activate", r.handleKillSwitchActivate)
	group.POST("/killswitch/deactivate", r.handleKillSwitchDeactivate)
	group.GET("/killswitch/events", r.handleKillSwitchEvents)

	group.POST("/decide/exit", r.handleDecideExit)
	group.POST("/decide/entry", r.handleDecideEntry)
	group.POST("/cycle/reset", r.handleCycleReset)

	group.GET("/positions", r.handlePositions)
	group.POST("/positions/close", r.handleClosePosition)
	group.GET("/stats", r.handleStats)

	group.GET("/decisions", r.handleDecisions)
	group.GET("/decisions/:trace_id", r.handleDecisionByID)

	group.GET("/circuit", r.handleCircuitStatus)
	group.POST("/circuit/reset", r.handleCircuitReset)
}

// ActivateRequest 是手动急停的请求体。
type ActivateRequest struct {
	Reason      string `json:"reason"`
	MonitorOnly bool   `json:"monitor_only"`
}

// ClosePositionRequest 在券商确认平仓后由外部调用。
type ClosePositionRequest struct {
	Symbol      string          `json:"symbol"`
	Strike      float64         `json:"strike"`
	Side        string          `json:"side"`
	EntryTime   time.Time       `json:"entry_time"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

func (r *Router) handleKillSwitchStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.KillSwitch.Status())
}

func (r *Router) handleKillSwitchActivate(c *gin.Context) {
	var req ActivateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual halt via api"
	}
	changed := r.KillSwitch.Activate(reason, killswitch.SourceManual, req.MonitorOnly)
	logger.Warnf("[api] kill switch activate ip=%s changed=%v reason=%s", c.ClientIP(), changed, reason)
	c.JSON(http.StatusOK, gin.H{"changed": changed, "status": r.KillSwitch.Status()})
}

func (r *Router) handleKillSwitchDeactivate(c *gin.Context) {
	changed := r.KillSwitch.Deactivate(killswitch.SourceManual)
	logger.Warnf("[api] kill switch deactivate ip=%s changed=%v", c.ClientIP(), changed)
	c.JSON(http.StatusOK, gin.H{"changed": changed, "status": r.KillSwitch.Status()})
}

func (r *Router) handleKillSwitchEvents(c *gin.Context) {
	if r.HaltEvents == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "halt event log disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	events, err := r.HaltEvents.ListHaltEvents(c.Request.Context(), limit)
	if err != nil {
		logger.Errorf("[api] halt events failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (r *Router) handleDecideExit(c *gin.Context) {
	var req agent.ExitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := r.Orchestrator.DecideExit(c.Request.Context(), req)
	if err != nil {
		r.decideFailed(c, "exit", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (r *Router) handleDecideEntry(c *gin.Context) {
	var req agent.EntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := r.Orchestrator.DecideEntry(c.Request.Context(), req)
	if err != nil {
		r.decideFailed(c, "entry", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// decideFailed 全部提供方失败返回 502，超时 504，其余视为请求错误。
func (r *Router) decideFailed(c *gin.Context, kind string, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, decision.ErrAllProvidersFailed):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusGatewayTimeout
	}
	logger.Errorf("[api] decide %s failed ip=%s status=%d err=%v", kind, c.ClientIP(), status, err)
	c.JSON(status, gin.H{"error": err.Error()})
}

func (r *Router) handleCycleReset(c *gin.Context) {
	r.Orchestrator.ResetCycle()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (r *Router) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": r.Orchestrator.Positions()})
}

func (r *Router) handleClosePosition(c *gin.Context) {
	var req ClosePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	side, err := exit.ParseSide(req.Side)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Symbol) == "" || req.EntryTime.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol and entry_time are required"})
		return
	}
	pos := exit.Position{Symbol: req.Symbol, Strike: req.Strike, Side: side, EntryTime: req.EntryTime}
	removed := r.Orchestrator.ClosePosition(pos.Key(), req.RealizedPnL)
	logger.Infof("[api] close position ip=%s key=%s removed=%v", c.ClientIP(), pos.Key(), removed)
	c.JSON(http.StatusOK, gin.H{"removed": removed, "key": pos.Key().String()})
}

func (r *Router) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, r.Orchestrator.Stats())
}

func (r *Router) handleDecisions(c *gin.Context) {
	if r.Decisions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "decision audit store disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	q := store.DecisionQuery{
		Symbol: c.Query("symbol"),
		Kind:   c.Query("kind"),
		Limit:  limit,
		Offset: offset,
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	records, err := r.Decisions.ListDecisions(ctx, q)
	if err != nil {
		logger.Errorf("[api] decisions list failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": records, "offset": offset})
}

func (r *Router) handleDecisionByID(c *gin.Context) {
	if r.Decisions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "decision audit store disabled"})
		return
	}
	rec, err := r.Decisions.GetDecision(c.Request.Context(), c.Param("trace_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "decision not found"})
			return
		}
		logger.Errorf("[api] decision detail failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (r *Router) handleCircuitStatus(c *gin.Context) {
	if r.Breaker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "circuit breaker disabled"})
		return
	}
	c.JSON(http.StatusOK, r.Breaker.Status())
}

func (r *Router) handleCircuitReset(c *gin.Context) {
	if r.Breaker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "circuit breaker disabled"})
		return
	}
	r.Breaker.Reset()
	logger.Warnf("[api] circuit breaker reset ip=%s", c.ClientIP())
	c.JSON(http.StatusOK, r.Breaker.Status())
}
