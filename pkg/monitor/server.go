package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/settlement-relayer/config"
	"github.com/scalarorg/settlement-relayer/pkg/events"
	"github.com/scalarorg/settlement-relayer/pkg/types"
)

const (
	REFRESH_INTERVAL = 10 * time.Second
	SHUTDOWN_TIMEOUT = 5 * time.Second
)

// SettlementService is what the monitoring surface reads from and submits to.
type SettlementService interface {
	GetMetrics() types.RelayerMetrics
	GetStatistics(ctx context.Context) (*types.Statistics, error)
	CheckHealth(ctx context.Context) map[string]bool
	ProcessInstruction(ctx context.Context, instr *types.SettlementInstruction) (*types.SettlementResult, error)
	GetRecentResults(ctx context.Context, limit int) ([]types.PendingInstruction, error)
	GetSettlement(ctx context.Context, id string) (*types.PendingInstruction, error)
	GetSettlementBySource(ctx context.Context, sourceChain, sourceTxHash string) (*types.PendingInstruction, error)
}

type requestValidator struct {
	validator *validator.Validate
}

func (v *requestValidator) Validate(i interface{}) error {
	return v.validator.Struct(i)
}

type Server struct {
	config           *config.MonitoringConfig
	destinationChain string
	service          SettlementService
	collectors       *Collectors
	router           *echo.Echo
	healthRouter     *echo.Echo
	results          <-chan *events.ResultEvent
}

func NewServer(cfg *config.MonitoringConfig, destinationChain string, service SettlementService, eventBus *events.EventBus) *Server {
	s := &Server{
		config:           cfg,
		destinationChain: destinationChain,
		service:          service,
		collectors:       NewCollectors(),
	}
	if eventBus != nil {
		s.results = eventBus.Subscribe(events.EVENT_SETTLEMENT_COMPLETED, events.EVENT_SETTLEMENT_FAILED)
	}
	s.router = s.newRouter(true)
	if cfg.HealthPort > 0 && cfg.HealthPort != cfg.MetricsPort {
		s.healthRouter = s.newRouter(false)
	}
	return s
}

func (s *Server) newRouter(full bool) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{validator: validator.New()}
	e.Use(middleware.Recover())

	e.GET("/health", s.handleHealth)
	e.GET("/api/v1/health", s.handleHealthDetail)
	if !full {
		return e
	}
	e.GET("/", s.handleIndex)
	e.GET("/metrics", echo.WrapHandler(s.metricsHandler()))
	e.GET("/api/v1/metrics", s.handleMetrics)
	e.GET("/api/v1/statistics", s.handleStatistics)
	e.GET("/api/v1/status", s.handleStatus)
	e.GET("/api/v1/settlements", s.handleListSettlements)
	e.GET("/api/v1/settlements/:id", s.handleGetSettlement)
	e.POST("/api/v1/settlements", s.handleSubmitSettlement)
	return e
}

// Router exposes the main router, mostly for tests.
func (s *Server) Router() *echo.Echo {
	return s.router
}

func (s *Server) Collectors() *Collectors {
	return s.collectors
}

// Start serves until ctx is cancelled, then shuts the listeners down.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 2)
	s.serve(s.router, s.config.MetricsPort, errCh)
	if s.healthRouter != nil {
		s.serve(s.healthRouter, s.config.HealthPort, errCh)
	}
	go s.refresh(ctx)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		s.shutdown()
		return err
	}
	s.shutdown()
	return nil
}

func (s *Server) serve(router *echo.Echo, port int, errCh chan<- error) {
	address := fmt.Sprintf(":%d", port)
	log.Info().Str("address", address).Msg("[MonitorServer] [Start] listening")
	go func() {
		if err := router.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("monitor server on %s: %w", address, err)
		}
	}()
}

func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), SHUTDOWN_TIMEOUT)
	defer cancel()
	for _, router := range []*echo.Echo{s.router, s.healthRouter} {
		if router == nil {
			continue
		}
		if err := router.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("[MonitorServer] [shutdown] failed to stop listener")
		}
	}
}

// refresh keeps the prometheus collectors in line with the relayer metrics and result events.
func (s *Server) refresh(ctx context.Context) {
	ticker := time.NewTicker(REFRESH_INTERVAL)
	defer ticker.Stop()
	s.collectors.Update(s.service.GetMetrics())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collectors.Update(s.service.GetMetrics())
		case event, ok := <-s.results:
			if !ok {
				s.results = nil
				continue
			}
			s.collectors.Observe(event)
		}
	}
}
