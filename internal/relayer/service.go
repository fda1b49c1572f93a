package relayer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/settlement-relayer/config"
	"github.com/scalarorg/settlement-relayer/pkg/chains"
	"github.com/scalarorg/settlement-relayer/pkg/clients/evm"
	"github.com/scalarorg/settlement-relayer/pkg/clients/rabbitmq"
	"github.com/scalarorg/settlement-relayer/pkg/clients/solana"
	"github.com/scalarorg/settlement-relayer/pkg/db"
	"github.com/scalarorg/settlement-relayer/pkg/events"
	"github.com/scalarorg/settlement-relayer/pkg/monitor"
	"github.com/scalarorg/settlement-relayer/pkg/settlement"
	"github.com/scalarorg/settlement-relayer/pkg/telemetry"
)

const SHUTDOWN_TIMEOUT = 30 * time.Second

type Service struct {
	Config       *config.Config
	Store        db.Store
	EventBus     *events.EventBus
	Source       chains.SourceChain
	Destination  chains.DestinationChain
	Orchestrator *settlement.Orchestrator
	Monitor      *monitor.Server
	Intents      *rabbitmq.Client

	shutdownTracing telemetry.ShutdownFunc
	cancel          context.CancelFunc
	workers         sync.WaitGroup
}

// NewService connects every configured dependency. Partially created clients are closed on error.
func NewService(ctx context.Context, cfg *config.Config) (*Service, error) {
	shutdownTracing, err := telemetry.SetupTracing(ctx, &cfg.Monitoring)
	if err != nil {
		return nil, err
	}
	store, err := db.NewStore(ctx, &cfg.Database)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	evmClient, err := evm.NewEvmClient(ctx, &cfg.Destination)
	if err != nil {
		store.Close()
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("failed to create destination client: %w", err)
	}
	solanaClient, err := solana.NewSolanaClient(&cfg.Solana, cfg.Destination.ChainName, store)
	if err != nil {
		evmClient.Close()
		store.Close()
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("failed to create source client: %w", err)
	}
	service := NewServiceWithChains(cfg, store, solanaClient, evmClient)
	service.shutdownTracing = shutdownTracing
	if cfg.RabbitMQ.Enabled {
		service.Intents, err = rabbitmq.NewClient(&cfg.RabbitMQ)
		if err != nil {
			service.Close(ctx)
			return nil, fmt.Errorf("failed to create intent consumer: %w", err)
		}
	}
	return service, nil
}

// NewServiceWithChains assembles the service around already connected chains and store.
// A zero metrics port disables the monitoring server.
func NewServiceWithChains(cfg *config.Config, store db.Store, source chains.SourceChain,
	destination chains.DestinationChain) *Service {
	eventBus := events.NewEventBus(&cfg.EventBus)
	orchestrator := settlement.NewOrchestrator(&cfg.Processing, cfg.Destination.TxTimeout,
		source, destination, store, eventBus)
	service := &Service{
		Config:       cfg,
		Store:        store,
		EventBus:     eventBus,
		Source:       source,
		Destination:  destination,
		Orchestrator: orchestrator,
	}
	if cfg.Monitoring.MetricsPort > 0 {
		service.Monitor = monitor.NewServer(&cfg.Monitoring, destination.Name(), orchestrator, eventBus)
	}
	return service
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if err := s.Orchestrator.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	if s.Monitor != nil {
		s.goWorker(func() {
			if err := s.Monitor.Start(runCtx); err != nil {
				log.Error().Err(err).Msg("[Relayer] [Start] monitor server stopped")
			}
		})
	}
	if s.Intents != nil {
		s.goWorker(func() {
			err := s.Intents.Consume(runCtx, s.Orchestrator)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("[Relayer] [Start] intent consumer stopped")
			}
		})
	}
	log.Info().Str("source", chainName(s.Source)).Str("destination", s.Destination.Name()).
		Int("maxConcurrent", s.Config.Processing.MaxConcurrentSettlements).
		Msg("[Relayer] [Start] settlement relayer started")
	return nil
}

func (s *Service) goWorker(fn func()) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		fn()
	}()
}

// Stop stops intake, drains in-flight settlements within SHUTDOWN_TIMEOUT, then releases every client.
func (s *Service) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.workers.Wait()
	ctx, cancel := context.WithTimeout(ctx, SHUTDOWN_TIMEOUT)
	defer cancel()
	err := s.Orchestrator.Shutdown(ctx)
	if err != nil {
		log.Error().Err(err).Msg("[Relayer] [Stop] orchestrator did not stop cleanly")
	}
	s.Close(ctx)
	log.Info().Msg("[Relayer] [Stop] relayer service stopped")
	return err
}

func (s *Service) Close(ctx context.Context) {
	if s.Intents != nil {
		s.Intents.Close()
	}
	if closer, ok := s.Destination.(interface{ Close() }); ok {
		closer.Close()
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			log.Warn().Err(err).Msg("[Relayer] [Close] failed to close store")
		}
	}
	s.EventBus.Close()
	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			log.Warn().Err(err).Msg("[Relayer] [Close] failed to flush traces")
		}
	}
}

func chainName(chain chains.SourceChain) string {
	if chain == nil {
		return "none"
	}
	return chain.Name()
}
