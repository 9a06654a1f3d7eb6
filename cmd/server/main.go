package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/asakaida/habilis/internal/entities"
	"github.com/asakaida/habilis/internal/handlers"
	infracache "github.com/asakaida/habilis/internal/infrastructure/cache"
	"github.com/asakaida/habilis/internal/infrastructure/config"
	"github.com/asakaida/habilis/internal/infrastructure/database"
	"github.com/asakaida/habilis/internal/infrastructure/metrics"
	"github.com/asakaida/habilis/internal/repositories"
	"github.com/asakaida/habilis/internal/repositories/memory"
	"github.com/asakaida/habilis/internal/repositories/postgres"
	"github.com/asakaida/habilis/internal/services"
	"github.com/asakaida/habilis/pkg/cache/memorycache"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const (
	defaultEnv      = "dev"
	shutdownTimeout = 30 * time.Second
	metricsInterval = 10 * time.Second
	healthInterval  = 15 * time.Second
)

// store bundles the repositories of the selected driver
type store struct {
	repos   []repositories.AssociationRepository
	pg      *database.Postgres
	checker handlers.HealthChecker
}

func (s *store) Close() error {
	if s.pg != nil {
		return s.pg.Close()
	}
	return nil
}

func main() {
	env := os.Getenv("ENV")
	if env == "" {
		env = defaultEnv
	}

	if err := config.InitConfig(env); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.Store.Driver, err)
	}
	defer st.Close()

	collector := metrics.NewCollector()
	exporter := metrics.NewPrometheusExporter(collector, nil)

	opts := []services.MembershipOption{
		services.WithRecorder(metrics.NewReconcileRecorder(collector, exporter)),
	}
	if cfg.Cache.Enabled {
		membershipCache, err := memorycache.New(&memorycache.Config[[]string]{
			MaxSizeBytes:  cfg.Cache.MaxMemoryBytes,
			DefaultTTL:    time.Duration(cfg.Cache.TTLMinutes) * time.Minute,
			EnableMetrics: cfg.Cache.Metrics,
			Sizer:         membershipSize,
		})
		if err != nil {
			log.Fatalf("Failed to create cache: %v", err)
		}
		defer membershipCache.Close()

		collector.SetCache(membershipCache)
		opts = append(opts, services.WithCache(membershipCache, time.Duration(cfg.Cache.TTLMinutes)*time.Minute))
		log.Printf("Membership cache enabled: %d bytes, TTL %d minute(s)", cfg.Cache.MaxMemoryBytes, cfg.Cache.TTLMinutes)
	}

	membershipService, err := services.NewMembershipService(st.repos, nil, opts...)
	if err != nil {
		log.Fatalf("Failed to create membership service: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Store.Notify && cfg.Cache.Enabled {
		listener := infracache.NewMembershipListener(cfg.Database.ConnectionString(), postgres.MembershipChannel, membershipService)
		if err := listener.Start(ctx); err != nil {
			log.Fatalf("Failed to start membership listener: %v", err)
		}
		defer listener.Stop()
		log.Printf("Listening for membership changes on %s", postgres.MembershipChannel)
	}

	healthHandler := handlers.NewHealthHandler(st.checker)
	router := handlers.NewRouter(handlers.NewMembershipHandler(membershipService), healthHandler, collector, exporter)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", exporter.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(metrics.UnaryServerInterceptor(collector, exporter)))
	healthpb.RegisterHealthServer(grpcServer, healthHandler.Server())
	// Register reflection service (for grpcurl, etc.)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort))
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("HTTP server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Printf("gRPC server listening on %s", grpcListener.Addr())
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("gRPC server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Printf("Metrics server listening on %s", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		healthHandler.Watch(gctx, healthInterval)
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(metricsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				exporter.Update()
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Println("Initiating graceful shutdown...")
		shutdown(httpServer, metricsServer, grpcServer)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("Server error: %v", err)
	}
	log.Println("Shutdown complete")
}

func openStore(cfg *config.Config) (*store, error) {
	if cfg.Store.Driver == config.StoreDriverMemory {
		st := &store{}
		for _, kind := range entities.Kinds {
			st.repos = append(st.repos, memory.NewAssociationRepository(kind))
		}
		log.Println("Using in-memory association store")
		return st, nil
	}

	pg, err := database.NewPostgres(&cfg.Database)
	if err != nil {
		return nil, err
	}
	log.Printf("Connected to database: %s@%s:%d/%s",
		cfg.Database.User,
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Database)

	root, err := config.ProjectRoot()
	if err != nil {
		pg.Close()
		return nil, err
	}
	if err := pg.RunMigrations(filepath.Join(root, database.MigrationsPathSuffix)); err != nil {
		pg.Close()
		return nil, err
	}
	log.Println("Database migrations applied")

	var repoOpts []postgres.Option
	if !cfg.Store.Notify {
		repoOpts = append(repoOpts, postgres.WithNotifyChannel(""))
	}

	st := &store{pg: pg, checker: pg}
	for _, kind := range entities.Kinds {
		repo, err := postgres.NewPostgresAssociationRepository(pg.DB, kind, repoOpts...)
		if err != nil {
			pg.Close()
			return nil, err
		}
		st.repos = append(st.repos, repo)
	}
	return st, nil
}

func shutdown(httpServer, metricsServer *http.Server, grpcServer *grpc.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, srv := range []*http.Server{httpServer, metricsServer} {
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down %s: %v", srv.Addr, err)
		}
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		log.Println("gRPC server stopped gracefully")
	case <-ctx.Done():
		log.Println("Shutdown timeout exceeded, forcing stop")
		grpcServer.Stop()
	}
}

// membershipSize approximates the memory held by one cached target list
func membershipSize(key string, ids []string) int64 {
	size := int64(64 + len(key))
	for _, id := range ids {
		size += int64(16 + len(id))
	}
	return size
}
