// Package convoflow assembles the conversational agent runtime: the
// session registry, resource allocator, team coordinator, quality
// monitor, and orchestrator, wired from a single YAML configuration.
package convoflow

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/convoflow-dev/convoflow/internal/bus"
	"github.com/convoflow-dev/convoflow/internal/coordination"
	"github.com/convoflow-dev/convoflow/internal/directory"
	"github.com/convoflow-dev/convoflow/internal/engine"
	"github.com/convoflow-dev/convoflow/internal/observability"
	"github.com/convoflow-dev/convoflow/internal/orchestrator"
	"github.com/convoflow-dev/convoflow/internal/quality"
	"github.com/convoflow-dev/convoflow/internal/resource"
	"github.com/convoflow-dev/convoflow/internal/session"
	"github.com/convoflow-dev/convoflow/pkg/config"
	obsserver "github.com/convoflow-dev/convoflow/pkg/observability"
)

// eventBufferSize is the per-topic buffer of the in-process event bus.
const eventBufferSize = 256

// shutdownTimeout bounds graceful shutdown of all components.
const shutdownTimeout = 30 * time.Second

// System is a fully wired runtime. Construct one with NewSystem, use
// the Orchestrator for conversation flows, and Close it when done.
type System struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Registry     *session.Registry
	Allocator    *resource.Allocator
	Coordinator  *coordination.Coordinator
	Quality      *quality.Monitor
	Events       bus.Bus
	Directory    *directory.InMemory

	// Teams maps configured team names to their coordinator IDs.
	Teams map[string]string

	store session.SnapshotStore
}

// NewSystem builds every component from the configuration. The context
// covers setup work only (pool monitors inherit it).
func NewSystem(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dir := directory.NewInMemory()
	for _, a := range cfg.Agents {
		var meta map[string]any
		if len(a.Metadata) > 0 {
			meta = make(map[string]any, len(a.Metadata))
			for k, v := range a.Metadata {
				meta[k] = v
			}
		}
		dir.Register(&directory.Agent{
			ID:          a.ID,
			Name:        a.Name,
			WorkspaceID: a.WorkspaceID,
			Description: a.Description,
			Metadata:    meta,
		})
	}

	events := bus.New(eventBufferSize, log)

	store, err := newStore(cfg.Store)
	if err != nil {
		events.Close()
		return nil, err
	}

	eng, err := newEngine(cfg.Engine)
	if err != nil {
		store.Close()
		events.Close()
		return nil, err
	}

	var regOpts []session.Option
	if cfg.Sessions.IdleTimeout > 0 {
		regOpts = append(regOpts, session.WithDefaultIdleTimeout(cfg.Sessions.IdleTimeout))
	}
	if cfg.Sessions.MaxHistory > 0 {
		regOpts = append(regOpts, session.WithMaxHistory(cfg.Sessions.MaxHistory))
	}
	registry := session.NewRegistry(dir, events, store, log, regOpts...)

	allocator := resource.NewAllocator(cfg.Defaults, nil, events, log)
	for _, pc := range cfg.Pools {
		if _, err := allocator.CreatePool(ctx, pc); err != nil {
			allocator.Close()
			registry.Close(ctx)
			events.Close()
			return nil, fmt.Errorf("create pool %s: %w", pc.Name, err)
		}
	}

	coordinator := coordination.NewCoordinator(dir, registry, events, log)
	auth := directory.AuthContext{UserID: "system"}
	teams := make(map[string]string, len(cfg.Teams))
	for _, tc := range cfg.Teams {
		id, err := coordinator.CreateTeam(ctx, tc, auth)
		if err != nil {
			allocator.Close()
			registry.Close(ctx)
			events.Close()
			return nil, fmt.Errorf("create team %s: %w", tc.Name, err)
		}
		teams[tc.Name] = id
	}

	monitor := quality.NewMonitor(registry, events, log)

	orch := orchestrator.New(orchestrator.Deps{
		Registry:    registry,
		Allocator:   allocator,
		Coordinator: coordinator,
		Quality:     monitor,
		Engine:      eng,
		Events:      events,
		Logger:      log,
	})

	return &System{
		Config:       cfg,
		Orchestrator: orch,
		Registry:     registry,
		Allocator:    allocator,
		Coordinator:  coordinator,
		Quality:      monitor,
		Events:       events,
		Directory:    dir,
		Teams:        teams,
		store:        store,
	}, nil
}

// TeamID resolves a configured team name to its coordinator ID.
func (s *System) TeamID(name string) (string, bool) {
	id, ok := s.Teams[name]
	return id, ok
}

// Close shuts the system down: quality monitor first, then allocator,
// registry, and finally the event bus, so nothing publishes to a
// closed bus.
func (s *System) Close(ctx context.Context) error {
	err := s.Orchestrator.Close(ctx)
	if s.store != nil {
		if closeErr := s.store.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

func newStore(cfg config.StoreConfig) (session.SnapshotStore, error) {
	switch cfg.Backend {
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return session.NewRedisStoreFromClient(redis.NewClient(opts), "convoflow:", cfg.TTL), nil
	case "file", "":
		return session.NewFileStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func newEngine(cfg config.EngineConfig) (engine.Engine, error) {
	switch cfg.Provider {
	case "openai":
		return engine.NewOpenAIEngine(engine.OpenAIConfig{
			APIKey:  cfg.OpenAIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
	case "echo", "":
		return engine.NewEchoEngine(), nil
	default:
		return nil, fmt.Errorf("unknown engine provider %q", cfg.Provider)
	}
}

// Run loads the configuration, assembles the system, and serves until
// SIGINT or SIGTERM. It is the entry point used by cmd/convoflow.
func Run(configPath string) error {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	return RunWithConfig(cfg, log)
}

// RunWithConfig runs an already loaded configuration.
func RunWithConfig(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := observability.InitFromEnv(); err != nil {
		log.Warn().Err(err).Msg("tracing disabled")
	}

	sys, err := NewSystem(ctx, cfg, log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	var obs *obsserver.Server
	if cfg.Observability.Enabled {
		obsserver.InitMetrics()
		checker := obsserver.InitHealthChecker()
		checker.RegisterCheck(obsserver.PingCheck())
		if pinger, ok := sys.store.(interface {
			Ping(context.Context) error
		}); ok {
			checker.RegisterCheck(obsserver.SnapshotStoreCheck(pinger.Ping))
		}

		obs = obsserver.NewServer(cfg.Observability.Port)
		g.Go(func() error {
			log.Info().Int("port", cfg.Observability.Port).Msg("observability server listening")
			if err := obs.Start(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("observability server: %w", err)
			}
			return nil
		})
	}

	log.Info().
		Int("agents", len(cfg.Agents)).
		Int("pools", len(cfg.Pools)).
		Int("teams", len(cfg.Teams)).
		Msg("convoflow started")

	<-gctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if obs != nil {
		if err := obs.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("observability server shutdown")
		}
	}
	if err := sys.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("system shutdown")
	}
	if err := observability.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("tracing shutdown")
	}

	return g.Wait()
}
