package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"scalping-engine/internal/kvstore"
	"scalping-engine/internal/marketdrop"
	"scalping-engine/internal/signals"
	"scalping-engine/internal/store"
)

func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	checks := gin.H{}

	if err := s.repo.HealthCheck(c.Request.Context()); err != nil {
		status = "degraded"
		checks["database"] = err.Error()
	} else {
		checks["database"] = "ok"
	}
	if err := s.kv.Ping(c.Request.Context()); err != nil {
		status = "degraded"
		checks["kvstore"] = err.Error()
	} else {
		checks["kvstore"] = "ok"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().UTC(),
	})
}

// handleIngestSignal accepts a candidate signal from an external detector,
// logs it as PENDING, and runs it through validation. Shape failures are
// rejected at the door; semantic failures get a terminal REJECTED row so
// the signal log stays one-row-per-signal.
func (s *Server) handleIngestSignal(c *gin.Context) {
	var cand signals.Candidate
	if err := c.ShouldBindJSON(&cand); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signal payload: " + err.Error()})
		return
	}
	if err := cand.CheckShape(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if cand.SignalID == "" {
		cand.SignalID = uuid.New().String()
	}
	if cand.ReceivedAt.IsZero() {
		cand.ReceivedAt = time.Now().UTC()
	}

	ctx := c.Request.Context()
	agent, err := s.repo.GetAgent(ctx, cand.AgentID)
	if err != nil {
		if err == store.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown agent " + cand.AgentID})
			return
		}
		s.logger.Error().Err(err).Str("agent_id", cand.AgentID).Msg("agent lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "agent lookup failed"})
		return
	}

	if err := s.repo.CreateSignalLog(ctx, &store.SignalLog{
		SignalID:       cand.SignalID,
		AgentID:        cand.AgentID,
		Symbol:         cand.Symbol,
		Recommendation: string(cand.Recommendation),
		Category:       cand.Category,
		Status:         store.SignalPending,
	}); err != nil {
		s.logger.Error().Err(err).Str("signal_id", cand.SignalID).Msg("signal log create failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signal could not be recorded"})
		return
	}

	validated, err := s.validator.ValidateAndEnqueue(ctx, cand, agent)
	if err != nil {
		s.logger.Error().Err(err).Str("signal_id", cand.SignalID).Msg("enqueue failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signal could not be queued"})
		return
	}

	if !validated.IsValid {
		status := store.SignalRejected
		if validated.Filtered {
			status = store.SignalFiltered
		}
		if _, err := s.repo.MarkSignalTerminal(ctx, cand.SignalID, status,
			store.TerminalUpdate{FailedReason: validated.Reason}); err != nil {
			s.logger.Error().Err(err).Str("signal_id", cand.SignalID).Msg("terminal mark failed")
		}
		if s.metrics != nil {
			s.metrics.SignalsTotal.WithLabelValues(string(status)).Inc()
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"signal_id": cand.SignalID,
			"accepted":  false,
			"reason":    validated.Reason,
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"signal_id":         cand.SignalID,
		"accepted":          true,
		"priority":          validated.PriorityQueue(),
		"position_size_usd": validated.PositionSizeUSD,
		"risk_class":        validated.RiskClass,
	})
}

func (s *Server) handleOpenPositions(c *gin.Context) {
	positions, err := s.repo.GetOpenPositions(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("open positions query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "positions unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (s *Server) handlePositionHistory(c *gin.Context) {
	limit := intQuery(c, "limit", 50, 500)
	offset := intQuery(c, "offset", 0, 1<<20)
	positions, err := s.repo.GetPositionHistory(c.Request.Context(), limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Msg("position history query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (s *Server) handleManualClose(c *gin.Context) {
	ticket, err := strconv.ParseInt(c.Param("ticket"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ticket"})
		return
	}
	if err := s.manager.CloseByTicket(c.Request.Context(), ticket, "manual"); err != nil {
		if err == store.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "position not found"})
			return
		}
		s.logger.Error().Err(err).Int64("ticket", ticket).Msg("manual close failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket": ticket, "closed": true})
}

func (s *Server) handleRiskStatus(c *gin.Context) {
	stats, err := s.authority.TodayStats(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("daily stats query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "risk status unavailable"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleSignalLogs(c *gin.Context) {
	limit := intQuery(c, "limit", 100, 500)
	status := store.SignalStatus(c.Query("status"))
	logs, err := s.repo.GetSignalLogs(c.Request.Context(), status, c.Query("agent"), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("signal logs query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signal logs unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": logs, "count": len(logs)})
}

func (s *Server) handleQueueDepths(c *gin.Context) {
	priority, validated, err := s.queue.Depths(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("queue depth query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue depth unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"priority": priority, "validated": validated})
}

// handleDropHistory returns the most recent drop alerts for a symbol, newest
// first, from the capped KV history.
func (s *Server) handleDropHistory(c *gin.Context) {
	symbol := c.Param("symbol")
	limit := intQuery(c, "limit", 20, 100)
	members, err := s.kv.ZRevRange(c.Request.Context(), kvstore.DropAlertsKey(symbol), 0, int64(limit-1))
	if err != nil && !kvstore.IsMiss(err) {
		s.logger.Error().Err(err).Str("symbol", symbol).Msg("drop history query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "drop history unavailable"})
		return
	}

	alerts := make([]marketdrop.Alert, 0, len(members))
	for _, raw := range members {
		var a marketdrop.Alert
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			continue
		}
		alerts = append(alerts, a)
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "alerts": alerts, "count": len(alerts)})
}

func intQuery(c *gin.Context, name string, def, max int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
