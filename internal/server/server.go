package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/quizchain/quizchain/internal/archive"
	"github.com/quizchain/quizchain/internal/coordinator"
	"github.com/quizchain/quizchain/internal/event"
	"github.com/quizchain/quizchain/internal/ledger"
	"github.com/quizchain/quizchain/internal/registry"
	"github.com/quizchain/quizchain/internal/settlement"
	"github.com/quizchain/quizchain/internal/telemetry"
	"github.com/quizchain/quizchain/internal/transport"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Redis struct {
		Registry struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Archive struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	Ledger struct {
		BaseURL    string
		APIKey     string
		TimeoutSec int
	}

	Game struct {
		RoomCodeTTLHours int
		StartWindowSec   int
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			registry redis.UniversalClient
			pubsub   redis.UniversalClient
		}

		postgres struct {
			archive *pgxpool.Pool
		}

		ledger ledger.Client
	}

	service struct {
		registry   *registry.Service
		bridge     *transport.Bridge
		archive    *archive.Repository
		settlement *settlement.Client
		games      *coordinator.Service
	}

	hub  *Hub
	http *http.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	s.infra.ledger = ledger.NewHTTPClient(ledger.Config{
		BaseURL: s.c.Ledger.BaseURL,
		APIKey:  s.c.Ledger.APIKey,
		Timeout: time.Duration(s.c.Ledger.TimeoutSec) * time.Second,
	})

	return nil
}

func (s *Server) initRedis() error {
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.registry, err = connect(s.c.Redis.Registry.Addrs, s.c.Redis.Registry.Pass)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := s.c.Postgres.Archive
	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", p.User, p.Pass, p.Addr, p.Name))
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	s.infra.postgres.archive = db
	return nil
}

func (s *Server) initService() {
	s.service.registry = registry.NewService(registry.Config{
		Store: registry.NewRedisStore(s.infra.redis.registry, s.c.Redis.Registry.Prefix),
		TTL:   time.Duration(s.c.Game.RoomCodeTTLHours) * time.Hour,
	})

	s.service.bridge = transport.New(transport.Config{
		Channels: []transport.Channel{
			transport.NewLocalChannel(s.eb),
			transport.NewPushChannel(s.infra.redis.pubsub, s.c.Redis.Pubsub.Prefix),
		},
		Ledger: s.infra.ledger,
	})

	s.service.archive = archive.NewRepository(archive.Config{
		DB: s.infra.postgres.archive,
	})

	s.service.settlement = settlement.New(settlement.Config{
		Ledger: s.infra.ledger,
		Store:  s.service.archive,
	})

	s.service.games = coordinator.NewService(coordinator.Config{
		Registry:    s.service.registry,
		Bridge:      s.service.bridge,
		Ledger:      s.infra.ledger,
		Settlement:  s.service.settlement,
		Answers:     s.service.archive,
		StartWindow: time.Duration(s.c.Game.StartWindowSec) * time.Second,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery(), telemetry.HTTPMetrics())

	s.hub = NewHub(s.service.bridge)
	NewAPI(s.service.games, s.hub).Register(e)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.hub.Stop()
	s.eb.Stop()
	s.infra.postgres.archive.Close()

	slog.InfoContext(ctx, "server: shutdown completed")
}
