package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/keyfold/keyfold/internal/account"
	"github.com/keyfold/keyfold/internal/ceremony"
	"github.com/keyfold/keyfold/internal/challenge"
	"github.com/keyfold/keyfold/internal/platform/config"
	"github.com/keyfold/keyfold/internal/storage/sqlite"
)

const sweepInterval = time.Minute

// Server hosts the keyfold process: the SQLite store, the ceremony
// coordinator with its challenge ledger, and a gRPC health endpoint
// for liveness probes.
type Server struct {
	listener    net.Listener
	grpcServer  *grpc.Server
	health      *health.Server
	store       *sqlite.Store
	ledger      *challenge.Ledger
	coordinator *ceremony.Coordinator
	account     *account.Service
}

// New creates a configured server listening on the provided port.
func New(port int) (*Server, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	store, err := openStore(loadServerEnv().DBPath)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	cfg := ceremony.LoadConfigFromEnv()
	ledger := challenge.NewLedger(cfg.ChallengeTTL)
	coordinator := ceremony.NewCoordinator(cfg, ledger, store)
	accountService := account.NewService(store)

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{
		listener:    listener,
		grpcServer:  grpcServer,
		health:      healthServer,
		store:       store,
		ledger:      ledger,
		coordinator: coordinator,
		account:     accountService,
	}, nil
}

// Addr returns the listener address for the server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Coordinator returns the ceremony coordinator backed by this server's
// store and ledger.
func (s *Server) Coordinator() *ceremony.Coordinator {
	return s.coordinator
}

// Account returns the account service backed by this server's store.
func (s *Server) Account() *account.Service {
	return s.account
}

// Run creates and serves a server until the context ends.
func Run(ctx context.Context, port int) error {
	keyfoldServer, err := New(port)
	if err != nil {
		return err
	}
	return keyfoldServer.Serve(ctx)
}

// Serve starts the server and blocks until it stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.closeStore()

	s.startSweep(serverCtx, sweepInterval)

	log.Printf("keyfold server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	handleErr := func(err error) error {
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}

	select {
	case <-ctx.Done():
		if s.health != nil {
			s.health.Shutdown()
		}
		s.grpcServer.GracefulStop()
		return handleErr(<-serveErr)
	case err := <-serveErr:
		return handleErr(err)
	}
}

// startSweep drops expired challenges on a fixed interval so abandoned
// ceremonies do not accumulate.
func (s *Server) startSweep(ctx context.Context, interval time.Duration) {
	if s.ledger == nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if swept := s.ledger.SweepExpired(now.UTC()); swept > 0 {
					log.Printf("swept %d expired challenges", swept)
				}
			}
		}
	}()
}

type serverEnv struct {
	DBPath string `env:"KEYFOLD_DB_PATH"`
}

func loadServerEnv() serverEnv {
	var cfg serverEnv
	if err := config.ParseEnv(&cfg); err != nil {
		log.Printf("parse server env: %v", err)
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join("data", "keyfold.db")
	}
	return cfg
}

func openStore(path string) (*sqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, nil
}

func (s *Server) closeStore() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}
}
