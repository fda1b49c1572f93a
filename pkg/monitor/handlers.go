package monitor

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/settlement-relayer/config"
	"github.com/scalarorg/settlement-relayer/pkg/db"
	"github.com/scalarorg/settlement-relayer/pkg/settlement"
	"github.com/scalarorg/settlement-relayer/pkg/types"
	"github.com/shopspring/decimal"
)

const (
	DEFAULT_LIST_LIMIT = 50
	MAX_LIST_LIMIT     = 500
)

type SubmitSettlementRequest struct {
	SourceChain  string          `json:"source_chain"`
	SourceTxHash string          `json:"source_tx_hash" validate:"required"`
	Sender       string          `json:"sender"`
	Receiver     string          `json:"receiver" validate:"required"`
	Amount       decimal.Decimal `json:"amount"`
	Nonce        uint64          `json:"nonce"`
}

type SettlementView struct {
	Instruction *types.SettlementInstruction `json:"instruction"`
	Result      *types.SettlementResult      `json:"result,omitempty"`
}

type StatusResponse struct {
	Status           string          `json:"status"`
	UptimeSeconds    uint64          `json:"uptime_seconds"`
	SuccessRate      float64         `json:"success_rate"`
	VaultBalanceUSDC decimal.Decimal `json:"vault_balance_usdc"`
	Pending          uint64          `json:"pending_settlements"`
	LastProcessedAt  *time.Time      `json:"last_processed_at,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) metricsHandler() http.Handler {
	return promhttp.HandlerFor(s.collectors.Registry(), promhttp.HandlerOpts{})
}

func (s *Server) handleIndex(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"service":           config.APP_NAME,
		"source_chain":      types.CHAIN_SOLANA,
		"destination_chain": s.destinationChain,
		"endpoints": []string{
			"/health", "/metrics", "/api/v1/health", "/api/v1/metrics", "/api/v1/statistics",
			"/api/v1/status", "/api/v1/settlements",
		},
	})
}

func healthy(components map[string]bool) bool {
	for _, ok := range components {
		if !ok {
			return false
		}
	}
	return true
}

func (s *Server) handleHealth(c echo.Context) error {
	components := s.service.CheckHealth(c.Request().Context())
	if !healthy(components) {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "unhealthy"})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "healthy"})
}

func (s *Server) handleHealthDetail(c echo.Context) error {
	components := s.service.CheckHealth(c.Request().Context())
	status, code := "healthy", http.StatusOK
	if !healthy(components) {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	return c.JSON(code, echo.Map{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC(),
	})
}

func (s *Server) handleMetrics(c echo.Context) error {
	ctx := c.Request().Context()
	stats, err := s.service.GetStatistics(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("[MonitorServer] [handleMetrics] statistics unavailable")
	}
	return c.JSON(http.StatusOK, echo.Map{
		"metrics":    s.service.GetMetrics(),
		"statistics": stats,
		"health":     s.service.CheckHealth(ctx),
	})
}

func (s *Server) handleStatistics(c echo.Context) error {
	stats, err := s.service.GetStatistics(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleStatus(c echo.Context) error {
	metrics := s.service.GetMetrics()
	return c.JSON(http.StatusOK, StatusResponse{
		Status:           "running",
		UptimeSeconds:    metrics.UptimeSeconds,
		SuccessRate:      metrics.SuccessRate(),
		VaultBalanceUSDC: metrics.VaultBalanceUSDC,
		Pending:          metrics.PendingSettlements,
		LastProcessedAt:  metrics.LastProcessedAt,
	})
}

func (s *Server) handleListSettlements(c echo.Context) error {
	limit := DEFAULT_LIST_LIMIT
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
		}
		limit = min(parsed, MAX_LIST_LIMIT)
	}
	rows, err := s.service.GetRecentResults(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	views := make([]SettlementView, 0, len(rows))
	for _, row := range rows {
		views = append(views, SettlementView{Instruction: row.Instruction, Result: row.Result})
	}
	return c.JSON(http.StatusOK, echo.Map{"settlements": views, "count": len(views)})
}

func (s *Server) handleGetSettlement(c echo.Context) error {
	row, err := s.service.GetSettlement(c.Request().Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "settlement not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, SettlementView{Instruction: row.Instruction, Result: row.Result})
}

func (s *Server) handleSubmitSettlement(c echo.Context) error {
	var req SubmitSettlementRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	if req.SourceChain == "" {
		req.SourceChain = types.CHAIN_SOLANA
	}
	instr, err := types.NewSettlementInstructionFromDecimal(req.SourceChain, req.SourceTxHash, s.destinationChain,
		req.Sender, req.Receiver, req.Amount, req.Nonce)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: types.KindOf(err).String()})
	}
	ctx := c.Request().Context()
	result, err := s.service.ProcessInstruction(ctx, instr)
	kind := types.KindOf(err)
	switch {
	case errors.Is(err, settlement.ErrShuttingDown):
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case err != nil && kind == types.ErrKindInvalidInstruction:
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: kind.String()})
	case err != nil:
		code := http.StatusUnprocessableEntity
		if kind == types.ErrKindAlreadyProcessed {
			code = http.StatusConflict
		}
		return c.JSON(code, echo.Map{
			"error":      err.Error(),
			"kind":       kind.String(),
			"result":     result,
			"settlement": s.existingSettlement(ctx, instr),
		})
	}
	return c.JSON(http.StatusOK, SettlementView{Instruction: s.existingSettlement(ctx, instr).Instruction, Result: result})
}

// existingSettlement resolves the stored settlement sharing instr's source key. A deduplicated
// submission carries a fresh id that was never persisted.
func (s *Server) existingSettlement(ctx context.Context, instr *types.SettlementInstruction) *SettlementView {
	row, err := s.service.GetSettlementBySource(ctx, instr.SourceChain, instr.SourceTxHash)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			log.Warn().Err(err).Str("sourceTxHash", instr.SourceTxHash).
				Msg("[MonitorServer] [existingSettlement] lookup failed")
		}
		return &SettlementView{Instruction: instr}
	}
	return &SettlementView{Instruction: row.Instruction, Result: row.Result}
}
