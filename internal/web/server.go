// Package web 暴露查询与管理用的HTTP接口，以及实时分发的WebSocket端点。
package web

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/y001j/fieldgate/internal/alert"
	"github.com/y001j/fieldgate/internal/config"
	"github.com/y001j/fieldgate/internal/fanout"
	"github.com/y001j/fieldgate/internal/readmodel"
	"github.com/y001j/fieldgate/internal/security"
	"github.com/y001j/fieldgate/internal/status"
	"github.com/y001j/fieldgate/internal/store"
)

// APIResponse 统一的响应信封
type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Deps Server依赖的运行时组件。ReadModel和AlertStore可以为nil，
// 对应的接口返回503。
type Deps struct {
	Engine      *alert.Engine
	Broadcaster *fanout.Broadcaster
	Guards      map[string]*security.Guard
	ReadModel   *readmodel.Store
	AlertStore  *store.AlertStore
}

// Server HTTP接口层
type Server struct {
	deps   Deps
	router *gin.Engine
}

// NewServer 创建Server并注册全部路由
func NewServer(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		deps:   deps,
		router: gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.registerRoutes()
	return s
}

// Router 返回底层路由，供http.Server挂载
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	ws := fanout.NewWSTransport(s.deps.Broadcaster, nil)
	s.router.GET("/ws", gin.WrapH(ws))

	api := s.router.Group("/api/v1")
	{
		api.GET("/connections", s.handleConnections)

		api.GET("/security/status", s.handleSecurityStatus)
		api.GET("/security/events", s.handleSecurityEvents)
		api.POST("/security/connections/:name/reset", s.handleSecurityReset)

		api.GET("/alerts/rules", s.handleListRules)
		api.POST("/alerts/rules", s.handleAddRule)
		api.DELETE("/alerts/rules/:index", s.handleRemoveRule)
		api.GET("/alerts/history", s.handleAlertHistory)

		api.GET("/readings/:unit", s.handleUnitReadings)
		api.GET("/readings/:unit/:sensor", s.handleSensorReading)

		api.GET("/fanout/status", s.handleFanoutStatus)
	}
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{Code: 0, Message: "success", Data: data})
}

func fail(c *gin.Context, httpCode int, msg string) {
	c.JSON(httpCode, APIResponse{Code: httpCode, Message: msg})
}

// connectionView 单个连接的聚合视图：协议状态加推导出的健康信息
type connectionView struct {
	Name         string                 `json:"name"`
	Status       map[string]interface{} `json:"status"`
	HealthScore  float64                `json:"health_score"`
	Availability string                 `json:"availability"`
}

func (s *Server) handleConnections(c *gin.Context) {
	out := make([]connectionView, 0, len(s.deps.Guards))
	for name, guard := range s.deps.Guards {
		client := guard.Client()
		if client == nil {
			continue
		}
		state := client.State()
		out = append(out, connectionView{
			Name:         name,
			Status:       client.Status(),
			HealthScore:  status.ComputeHealthScore(state),
			Availability: status.ComputeAvailabilityLevel(state).String(),
		})
	}
	ok(c, out)
}

func (s *Server) handleSecurityStatus(c *gin.Context) {
	out := make(map[string]security.Status, len(s.deps.Guards))
	for name, guard := range s.deps.Guards {
		out[name] = guard.SecurityStatus()
	}
	ok(c, out)
}

func (s *Server) handleSecurityEvents(c *gin.Context) {
	name := c.Query("connection")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	if name != "" {
		guard, exists := s.deps.Guards[name]
		if !exists {
			fail(c, http.StatusNotFound, "未知的连接: "+name)
			return
		}
		ok(c, guard.SecurityEvents(limit))
		return
	}

	out := make(map[string]interface{}, len(s.deps.Guards))
	for n, guard := range s.deps.Guards {
		out[n] = guard.SecurityEvents(limit)
	}
	ok(c, out)
}

func (s *Server) handleSecurityReset(c *gin.Context) {
	name := c.Param("name")
	guard, exists := s.deps.Guards[name]
	if !exists {
		fail(c, http.StatusNotFound, "未知的连接: "+name)
		return
	}
	guard.ResetConnectionAttempts()
	log.Info().Str("connection", name).Msg("管理端重置连接尝试计数")
	ok(c, nil)
}

func (s *Server) handleListRules(c *gin.Context) {
	ok(c, s.deps.Engine.ListRules())
}

func (s *Server) handleAddRule(c *gin.Context) {
	var req config.AlertRuleConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求体解析失败: "+err.Error())
		return
	}
	rule, err := req.Rule()
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	s.deps.Engine.AddRule(rule)
	ok(c, nil)
}

func (s *Server) handleRemoveRule(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		fail(c, http.StatusBadRequest, "非法的规则序号")
		return
	}
	if !s.deps.Engine.RemoveRule(index) {
		fail(c, http.StatusNotFound, "规则序号越界")
		return
	}
	ok(c, nil)
}

func (s *Server) handleAlertHistory(c *gin.Context) {
	if s.deps.AlertStore == nil {
		fail(c, http.StatusServiceUnavailable, "告警历史存储未启用")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	events, err := s.deps.AlertStore.Recent(limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, events)
}

func (s *Server) handleUnitReadings(c *gin.Context) {
	if s.deps.ReadModel == nil {
		fail(c, http.StatusServiceUnavailable, "读模型未启用")
		return
	}
	readings, err := s.deps.ReadModel.ListUnit(c.Request.Context(), c.Param("unit"))
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, readings)
}

func (s *Server) handleSensorReading(c *gin.Context) {
	if s.deps.ReadModel == nil {
		fail(c, http.StatusServiceUnavailable, "读模型未启用")
		return
	}
	msg, err := s.deps.ReadModel.GetLatest(c.Request.Context(), c.Param("unit"), c.Param("sensor"))
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if msg == nil {
		fail(c, http.StatusNotFound, "没有该传感器的读数")
		return
	}
	ok(c, msg)
}

func (s *Server) handleFanoutStatus(c *gin.Context) {
	ok(c, s.deps.Broadcaster.GetStatus())
}
