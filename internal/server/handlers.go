package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"saxo-trader/internal/broker"
	"saxo-trader/internal/execution"
	"saxo-trader/internal/instrument"
	"saxo-trader/internal/monitor"
	"saxo-trader/internal/pipeline"
	"saxo-trader/internal/strategy"
)

const (
	secretHeader      = "X-Webhook-Token"
	defaultEventLimit = 200
)

var errBadSecret = errors.New("invalid or missing webhook secret")

// signalRequest 为 /signal 的请求体。
type signalRequest struct {
	strategy.Signal
	Secret string `json:"secret,omitempty"`
}

// tvAlert 为 TradingView 告警的请求体。
type tvAlert struct {
	Ticker       string   `json:"ticker"`
	Symbol       string   `json:"symbol"`
	Price        *float64 `json:"price"`
	Close        *float64 `json:"close"`
	Rule         string   `json:"rule"`
	First30Green *bool    `json:"first30Green"`
	VolumeStrong *bool    `json:"volumeStrong"`
	BTC          *float64 `json:"BTC"`
	GOLD         *float64 `json:"GOLD"`
	Date         string   `json:"date"`
	Secret       string   `json:"secret"`
}

// toSignal 将 EXCHANGE:SYM 形式的 ticker 归一为 SYM，缺少 price 时使用 close。
func (a tvAlert) toSignal() strategy.Signal {
	symbol := a.Ticker
	if symbol == "" {
		symbol = a.Symbol
	}
	if idx := strings.LastIndex(symbol, ":"); idx >= 0 {
		symbol = symbol[idx+1:]
	}
	price := a.Price
	if price == nil {
		price = a.Close
	}
	return strategy.Signal{
		Symbol:       strings.TrimSpace(symbol),
		Price:        price,
		Rule:         a.Rule,
		First30Green: a.First30Green,
		VolumeStrong: a.VolumeStrong,
		BTC:          a.BTC,
		GOLD:         a.GOLD,
		Date:         a.Date,
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handlePlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plans": s.deps.Pipeline.Plans()})
}

func (s *Server) handleSignal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if !s.authorized(c.GetHeader(secretHeader), req.Secret) {
		s.rejectSecret(c)
		return
	}
	s.process(c, req.Signal)
}

func (s *Server) handleTradingView(c *gin.Context) {
	var alert tvAlert
	if err := c.ShouldBindJSON(&alert); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if !s.authorized(c.GetHeader(secretHeader), alert.Secret) {
		s.rejectSecret(c)
		return
	}
	s.process(c, alert.toSignal())
}

func (s *Server) process(c *gin.Context, sig strategy.Signal) {
	sig.Symbol = strings.TrimSpace(sig.Symbol)
	if sig.Symbol == "" {
		c.JSON(http.StatusBadRequest, errorBody("missing symbol/ticker in payload"))
		return
	}
	sig.RequestID = requestIDFrom(c)

	// 下单不随客户端断开而取消，超时由流水线控制。
	res := s.deps.Pipeline.Process(context.WithoutCancel(c.Request.Context()), sig)
	status, body := renderResult(res)
	c.JSON(status, body)
}

func (s *Server) authorized(header, body string) bool {
	if s.secret == "" {
		return true
	}
	for _, candidate := range []string{header, body} {
		if candidate != "" && subtle.ConstantTimeCompare([]byte(candidate), []byte(s.secret)) == 1 {
			return true
		}
	}
	return false
}

func (s *Server) rejectSecret(c *gin.Context) {
	s.logger.Warn("webhook 密钥校验失败", zap.String("ip", c.ClientIP()), zap.String("path", c.Request.URL.Path))
	c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody(errBadSecret.Error()))
}

func (s *Server) requireSecret() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.authorized(c.GetHeader(secretHeader), c.Query("secret")) {
			s.rejectSecret(c)
			return
		}
		c.Next()
	}
}

func errorBody(msg string) gin.H {
	return gin.H{"status": string(pipeline.StatusError), "error": msg}
}

// renderResult 将流水线结果映射为 HTTP 状态码与响应体。
func renderResult(res pipeline.Result) (int, gin.H) {
	switch res.Status {
	case pipeline.StatusIgnored:
		if res.NoStrategy {
			body := errorBody("no strategy for symbol " + res.Symbol)
			body["request_id"] = res.RequestID
			return http.StatusNotFound, body
		}
		return http.StatusOK, gin.H{
			"status":     string(res.Status),
			"reason":     res.Reason,
			"request_id": res.RequestID,
		}
	case pipeline.StatusOK:
		executed := make([]*execution.Result, 0)
		for _, o := range res.Executed() {
			executed = append(executed, o.Result)
		}
		failures := res.Failures()
		if failures == nil {
			failures = []pipeline.Outcome{}
		}
		return http.StatusOK, gin.H{
			"status":     string(res.Status),
			"request_id": res.RequestID,
			"executed":   executed,
			"failures":   failures,
		}
	}

	failures := res.Failures()
	body := gin.H{
		"status":     string(pipeline.StatusError),
		"request_id": res.RequestID,
		"error":      res.Reason,
		"outcomes":   res.Outcomes,
	}
	if len(failures) == 0 {
		return http.StatusInternalServerError, body
	}
	first := failures[0]
	if first.Stage != "" {
		body["stage"] = string(first.Stage)
	}
	return statusForOutcome(first), body
}

func statusForOutcome(o pipeline.Outcome) int {
	if isCredentialError(o.Err) {
		return http.StatusUnauthorized
	}
	switch o.State {
	case pipeline.StateAccountUnresolved:
		return http.StatusUnauthorized
	case pipeline.StateRiskRejected:
		return http.StatusConflict
	case pipeline.StateResolutionFailed, pipeline.StateQuoteFailed, pipeline.StatePlacementFailed:
		return http.StatusBadRequest
	case pipeline.StateTimedOut:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func isCredentialError(err error) bool {
	return errors.Is(err, broker.ErrCredentialRefresh) || errors.Is(err, broker.ErrUnauthorized)
}

func (s *Server) handleEvents(c *gin.Context) {
	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	eventType := monitor.EventType(strings.ToLower(strings.TrimSpace(c.Query("type"))))

	events, err := s.deps.Events.ListEvents(c.Request.Context(), eventType, limit)
	if err != nil {
		s.logger.Error("查询监控事件失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) handleDebugInstrument(c *gin.Context) {
	symbol := strings.TrimSpace(c.Query("symbol"))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, errorBody("symbol is required"))
		return
	}
	rows, err := s.deps.Inspector.Inspect(c.Request.Context(), symbol)
	if err != nil {
		c.JSON(http.StatusBadGateway, errorBody(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": rows})
}

func (s *Server) handleDebugOptionSpace(c *gin.Context) {
	symbol := strings.TrimSpace(c.Query("symbol"))
	expiry := strings.TrimSpace(c.Query("expiry"))
	if symbol == "" || expiry == "" {
		c.JSON(http.StatusBadRequest, errorBody("symbol and expiry are required"))
		return
	}
	report, err := s.deps.Inspector.OptionSpace(c.Request.Context(), symbol, expiry)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, instrument.ErrNoMatchingInstrument) {
			status = http.StatusNotFound
		}
		c.JSON(status, errorBody(err.Error()))
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleDebugBulkRoots(c *gin.Context) {
	var req struct {
		Symbols []string `json:"symbols" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": s.deps.Inspector.BulkRoots(c.Request.Context(), req.Symbols)})
}
