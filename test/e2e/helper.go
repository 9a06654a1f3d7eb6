package e2e

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/asakaida/habilis/internal/entities"
	"github.com/asakaida/habilis/internal/handlers"
	infracache "github.com/asakaida/habilis/internal/infrastructure/cache"
	"github.com/asakaida/habilis/internal/infrastructure/config"
	"github.com/asakaida/habilis/internal/infrastructure/database"
	"github.com/asakaida/habilis/internal/infrastructure/metrics"
	"github.com/asakaida/habilis/internal/repositories"
	"github.com/asakaida/habilis/internal/repositories/postgres"
	"github.com/asakaida/habilis/internal/services"
	"github.com/asakaida/habilis/pkg/cache/memorycache"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

func init() {
	gin.SetMode(gin.TestMode)
}

// E2ETestServer represents an E2E test server backed by PostgreSQL
type E2ETestServer struct {
	HTTP         *httptest.Server
	GRPCServer   *grpc.Server
	HealthClient healthpb.HealthClient
	Health       *handlers.HealthHandler
	Repos        map[entities.AssociationKind]repositories.AssociationRepository
	Conn         *grpc.ClientConn
	DB           *sql.DB
	Listener     *bufconn.Listener

	pg             *database.Postgres
	cache          *memorycache.Cache[[]string]
	membershipList *infracache.MembershipListener
	cancel         context.CancelFunc
}

// SetupE2ETest sets up an E2E test environment.
// The test is skipped when no database is reachable.
func SetupE2ETest(t *testing.T) *E2ETestServer {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	if err := config.InitConfig("test"); err != nil {
		t.Fatalf("failed to init config: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Skipf("test config unavailable: %v", err)
	}

	pg, err := database.NewPostgres(&cfg.Database)
	if err != nil {
		t.Skipf("test database unavailable: %v", err)
	}

	root, err := config.ProjectRoot()
	if err != nil {
		t.Fatalf("failed to find project root: %v", err)
	}
	if err := pg.RunMigrations(filepath.Join(root, database.MigrationsPathSuffix)); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	cleanupDatabase(t, pg.DB)

	repos := make(map[entities.AssociationKind]repositories.AssociationRepository, len(entities.Kinds))
	list := make([]repositories.AssociationRepository, 0, len(entities.Kinds))
	for _, kind := range entities.Kinds {
		repo, err := postgres.NewPostgresAssociationRepository(pg.DB, kind)
		if err != nil {
			t.Fatalf("failed to create %s repository: %v", kind, err)
		}
		repos[kind] = repo
		list = append(list, repo)
	}

	membershipCache, err := memorycache.New(&memorycache.Config[[]string]{
		MaxSizeBytes:  1 << 20,
		DefaultTTL:    time.Minute,
		EnableMetrics: true,
	})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	collector := metrics.NewCollector()
	collector.SetCache(membershipCache)
	exporter := metrics.NewPrometheusExporter(collector, prometheus.NewRegistry())

	service, err := services.NewMembershipService(list, nil,
		services.WithCache(membershipCache, time.Minute),
		services.WithRecorder(metrics.NewReconcileRecorder(collector, exporter)),
	)
	if err != nil {
		t.Fatalf("failed to create membership service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	listener := infracache.NewMembershipListener(cfg.Database.ConnectionString(), postgres.MembershipChannel, service)
	if err := listener.Start(ctx); err != nil {
		cancel()
		t.Fatalf("failed to start membership listener: %v", err)
	}

	health := handlers.NewHealthHandler(pg)
	health.Refresh(ctx)
	router := handlers.NewRouter(handlers.NewMembershipHandler(service), health, collector, exporter)
	httpServer := httptest.NewServer(router)

	// Create in-memory gRPC server with bufconn
	bufListener := bufconn.Listen(bufSize)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(metrics.UnaryServerInterceptor(collector, exporter)))
	healthpb.RegisterHealthServer(grpcServer, health.Server())
	go func() {
		if err := grpcServer.Serve(bufListener); err != nil {
			t.Logf("server error: %v", err)
		}
	}()

	bufDialer := func(context.Context, string) (net.Conn, error) {
		return bufListener.Dial()
	}
	conn, err := grpc.NewClient(
		"passthrough://bufconn",
		grpc.WithContextDialer(bufDialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		cancel()
		t.Fatalf("failed to create client connection: %v", err)
	}

	return &E2ETestServer{
		HTTP:           httpServer,
		GRPCServer:     grpcServer,
		HealthClient:   healthpb.NewHealthClient(conn),
		Health:         health,
		Repos:          repos,
		Conn:           conn,
		DB:             pg.DB,
		Listener:       bufListener,
		pg:             pg,
		cache:          membershipCache,
		membershipList: listener,
		cancel:         cancel,
	}
}

// Teardown cleans up the E2E test environment
func (e *E2ETestServer) Teardown(t *testing.T) {
	t.Helper()

	if e.Conn != nil {
		e.Conn.Close()
	}
	if e.GRPCServer != nil {
		e.GRPCServer.Stop()
	}
	if e.Listener != nil {
		e.Listener.Close()
	}
	if e.HTTP != nil {
		e.HTTP.Close()
	}
	if e.membershipList != nil {
		e.membershipList.Stop()
	}
	if e.cancel != nil {
		e.cancel()
	}
	if e.cache != nil {
		e.cache.Close()
	}
	if e.pg != nil {
		cleanupDatabase(t, e.DB)
		e.pg.Close()
	}
}

// Do sends a JSON request to the HTTP API and decodes the response into out.
// It returns the response status code.
func (e *E2ETestServer) Do(t *testing.T, method, path string, body, out any) int {
	t.Helper()

	code, err := e.Send(method, path, body, out)
	if err != nil {
		t.Fatal(err)
	}
	return code
}

// Send is Do without the testing.T, for use from other goroutines
func (e *E2ETestServer) Send(method, path string, body, out any) (int, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	req, err := http.NewRequest(method, e.HTTP.URL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTP.Client().Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

// cleanupDatabase removes all data from test database
func cleanupDatabase(t *testing.T, db *sql.DB) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, kind := range entities.Kinds {
		table := kind.Table().Name
		if _, err := db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			t.Logf("warning: failed to clean up table %s: %v", table, err)
		}
	}
}
