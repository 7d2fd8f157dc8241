package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/joehajt/tradingbotappweb/internal/ingest"
	"github.com/joehajt/tradingbotappweb/internal/position"
	"github.com/joehajt/tradingbotappweb/internal/signal"
	"github.com/joehajt/tradingbotappweb/internal/tradeerr"
	"github.com/joehajt/tradingbotappweb/pkg/exchanges/common"
)

// response is the envelope every API route returns.
type response struct {
	Success   bool          `json:"success"`
	Message   string        `json:"message,omitempty"`
	ErrorKind tradeerr.Kind `json:"error_kind,omitempty"`
	Data      any           `json:"data,omitempty"`
}

type submitSignalRequest struct {
	Text string `json:"text" binding:"required"`
}

type executeTradeRequest struct {
	Symbol    string    `json:"symbol" binding:"required"`
	Direction string    `json:"direction" binding:"required,oneof=long short LONG SHORT"`
	Entry     float64   `json:"entry" binding:"gt=0"`
	Targets   []float64 `json:"targets"`
	StopLoss  float64   `json:"stop_loss"`
}

type answerChallengeRequest struct {
	Answer string `json:"answer" binding:"required"`
}

// positionView adds derived fields to a position for the operator.
type positionView struct {
	position.Position
	TargetsHit       int               `json:"targets_hit"`
	NextTarget       float64           `json:"next_target,omitempty"`
	BreakevenTrigger float64           `json:"breakeven_trigger,omitempty"`
	UnrealizedPnL    float64           `json:"unrealized_pnl"`
	Orders           []common.OrderRef `json:"orders"`
}

func newPositionView(p position.Position) positionView {
	v := positionView{Position: p, Orders: p.RestingOrders()}
	for _, t := range p.Targets {
		if t.Hit {
			v.TargetsHit++
		} else if v.NextTarget == 0 {
			v.NextTarget = t.Price
		}
		if t.Index == p.BreakevenTarget && !p.BreakevenArmed {
			v.BreakevenTrigger = t.Price
		}
	}
	if p.LastPrice > 0 {
		diff := p.LastPrice - p.EntryPrice
		if p.Direction == signal.Short {
			diff = -diff
		}
		v.UnrealizedPnL = diff * p.Quantity
	}
	return v
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind tradeerr.Kind) int {
	switch kind {
	case tradeerr.NotASignal:
		return http.StatusUnprocessableEntity
	case tradeerr.RiskDenied:
		return http.StatusForbidden
	case tradeerr.ExchangeRejected, tradeerr.InvalidRequest:
		return http.StatusBadRequest
	case tradeerr.ExchangeUnavailable:
		return http.StatusServiceUnavailable
	case tradeerr.InvariantViolation:
		return http.StatusConflict
	case tradeerr.AuthTimeout:
		return http.StatusGatewayTimeout
	case tradeerr.NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func respondOK(c *gin.Context, msg string, data any) {
	c.JSON(http.StatusOK, response{Success: true, Message: msg, Data: data})
}

func (s *Server) respondError(c *gin.Context, err error) {
	kind := tradeerr.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError && kind == "" {
		s.logger.Error("unclassified failure", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, response{Success: false, Message: err.Error(), ErrorKind: kind})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, response{Success: false, Message: msg, ErrorKind: tradeerr.InvalidRequest})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	respondOK(c, "", s.cfg.Engine.GetSystemStatus(c.Request.Context()))
}

func (s *Server) submitSignal(c *gin.Context) {
	var req submitSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "text is required")
		return
	}
	res, err := s.cfg.Signals.Submit(c.Request.Context(), ingest.Job{
		Source: ingest.SourceAPI,
		Text:   req.Text,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondOK(c, "signal executed", res)
}

func (s *Server) executeTrade(c *gin.Context) {
	var req executeTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid trade payload: "+err.Error())
		return
	}
	intent := signal.TradeIntent{
		Symbol:    strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Direction: signal.Direction(strings.ToLower(req.Direction)),
		Entry:     req.Entry,
		Targets:   req.Targets,
		StopLoss:  req.StopLoss,
	}
	res, err := s.cfg.Signals.Submit(c.Request.Context(), ingest.Job{
		Source: ingest.SourceAPI,
		Intent: &intent,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondOK(c, "trade executed", res)
}

func (s *Server) getPositions(c *gin.Context) {
	positions := s.cfg.Positions.Positions()
	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, newPositionView(p))
	}
	respondOK(c, "", gin.H{
		"positions":  views,
		"count":      len(views),
		"monitoring": s.cfg.Positions.Running(),
	})
}

func (s *Server) forceBreakeven(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	p, err := s.cfg.Positions.ForceBreakeven(c.Request.Context(), symbol)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.logger.Info("breakeven forced", zap.String("symbol", symbol), zap.String("operator", CurrentOperator(c)))
	respondOK(c, "breakeven set", newPositionView(p))
}

func (s *Server) removePosition(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	if err := s.cfg.Positions.Remove(symbol); err != nil {
		s.respondError(c, err)
		return
	}
	s.logger.Info("position removed from monitoring", zap.String("symbol", symbol), zap.String("operator", CurrentOperator(c)))
	respondOK(c, symbol+" no longer monitored", nil)
}

func (s *Server) getMonitoring(c *gin.Context) {
	respondOK(c, "", gin.H{
		"running":   s.cfg.Positions.Running(),
		"positions": len(s.cfg.Positions.Positions()),
	})
}

func (s *Server) startMonitoring(c *gin.Context) {
	if s.cfg.Positions.Running() {
		respondOK(c, "monitoring already running", gin.H{"running": true})
		return
	}
	s.cfg.Positions.Start(s.lifetime)
	respondOK(c, "monitoring started", gin.H{"running": true})
}

func (s *Server) stopMonitoring(c *gin.Context) {
	s.cfg.Positions.Stop()
	respondOK(c, "monitoring stopped", gin.H{"running": false})
}

func (s *Server) getRiskStats(c *gin.Context) {
	respondOK(c, "", s.cfg.Risk.Stats())
}

func (s *Server) getChallenge(c *gin.Context) {
	if s.cfg.Auth == nil {
		respondOK(c, "no challenge pending", gin.H{"pending": false})
		return
	}
	ch, ok := s.cfg.Auth.Pending()
	if !ok {
		respondOK(c, "no challenge pending", gin.H{"pending": false})
		return
	}
	respondOK(c, "", gin.H{"pending": true, "challenge": ch})
}

func (s *Server) answerChallenge(c *gin.Context) {
	var req answerChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "answer is required")
		return
	}
	if s.cfg.Auth == nil {
		s.respondError(c, tradeerr.New(tradeerr.NotFound, "api.answerChallenge", "no challenge is pending"))
		return
	}
	if err := s.cfg.Auth.Respond(strings.TrimSpace(req.Answer)); err != nil {
		s.respondError(c, err)
		return
	}
	respondOK(c, "answer delivered", nil)
}
