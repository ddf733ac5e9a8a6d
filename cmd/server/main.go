// Command sqlchat-gateway starts the authentication gateway in front of the SQL chat agent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	grpccreds "google.golang.org/grpc/credentials"

	"github.com/and161185/sqlchat-gateway/internal/config"
	"github.com/and161185/sqlchat-gateway/internal/credentials"
	"github.com/and161185/sqlchat-gateway/internal/limiter"
	"github.com/and161185/sqlchat-gateway/internal/migrate"
	"github.com/and161185/sqlchat-gateway/internal/repository"
	"github.com/and161185/sqlchat-gateway/internal/repository/postgres"
	"github.com/and161185/sqlchat-gateway/internal/repository/sqlite"
	grpcserver "github.com/and161185/sqlchat-gateway/internal/server/grpc"
	httpserver "github.com/and161185/sqlchat-gateway/internal/server/http"
	"github.com/and161185/sqlchat-gateway/internal/service"
	"github.com/and161185/sqlchat-gateway/internal/token"
	"github.com/and161185/sqlchat-gateway/internal/upstream"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main parses configuration, opens the credential store and serves HTTP (plus optional gRPC health).
func main() {
	// Flags override file and environment.
	cfgPath := flag.String("config", "", "config file (.yaml, .yml or .toml)")
	addr := flag.String("addr", "", "HTTP listen address")
	grpcAddr := flag.String("grpc-addr", "", "gRPC health listen address (empty disables)")
	dsn := flag.String("dsn", "", "credential store DSN (postgres://... or sqlite:...)")
	upstreamURL := flag.String("upstream", "", "upstream agent base URL")
	tokenTTL := flag.Duration("token-ttl", 0, "session token lifetime")
	dev := flag.Bool("dev", false, "enable gRPC reflection (dev only)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath, func(c *config.Config) {
		flag.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "addr":
				c.Server.HTTPAddr = *addr
			case "grpc-addr":
				c.Server.GRPCAddr = *grpcAddr
			case "dsn":
				c.Database.DSN = *dsn
			case "upstream":
				c.Upstream.BaseURL = *upstreamURL
			case "token-ttl":
				c.Auth.TokenTTL = config.Duration{Duration: *tokenTTL}
			}
		})
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Server.HTTPAddr),
		zap.String("upstream", cfg.Upstream.BaseURL),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *dev, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(c config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		lvl, err := zapcore.ParseLevel(c.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}

// openStore selects the credential backend by DSN. The limiter needs PostgreSQL.
func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (repository.AccountRepository, limiter.Limiter, error) {
	kind, err := config.StoreKind(cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	switch kind {
	case config.StorePostgres:
		if cfg.Limiter.Enabled {
			if err := migrate.Up(ctx, cfg.Database.DSN); err != nil {
				return nil, nil, fmt.Errorf("migrate up: %w", err)
			}
		}
		db, err := postgres.New(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("pgxpool: %w", err)
		}
		var lim limiter.Limiter = limiter.Nop{}
		if cfg.Limiter.Enabled {
			lim = limiter.NewPG(db.Pool, cfg.Limiter.Window.Duration, cfg.Limiter.MaxFails, cfg.Limiter.BlockFor.Duration)
		}
		return postgres.NewAccountRepo(db), lim, nil
	default:
		repo, err := sqlite.Open(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		if cfg.Limiter.Enabled {
			log.Warn("login limiter needs the postgres store; running without it")
		}
		return repo, limiter.Nop{}, nil
	}
}

func run(ctx context.Context, cfg config.Config, dev bool, log *zap.Logger) error {
	accounts, lim, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer accounts.Close()

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.LookupTimeout.Duration)
	if err := accounts.Ping(pingCtx); err != nil {
		log.Warn("credential store not reachable yet", zap.Error(err))
	}
	cancel()

	devPw := credentials.DevPasswords{Admin: cfg.Auth.DevPasswords.Admin, User: cfg.Auth.DevPasswords.User}
	if len(devPw.Admin)+len(devPw.User) > 0 {
		log.Warn("development password list is enabled; do not run this configuration in production")
	}

	// Services
	tokens := token.NewService([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL.Duration)
	store := credentials.NewStore(accounts, cfg.Database.LookupTimeout.Duration, devPw, log)
	authSvc := service.NewAuthService(store, tokens, lim, log)
	fwd := upstream.New(upstream.Options{
		BaseURL:               cfg.Upstream.BaseURL,
		CookieName:            cfg.Upstream.CookieName,
		AdminMarker:           cfg.Upstream.AdminMarker,
		GuestMarker:           cfg.Upstream.GuestMarker,
		ResponseHeaderTimeout: cfg.Upstream.ResponseHeaderTimeout.Duration,
		PollTimeout:           cfg.Upstream.PollTimeout.Duration,
		StreamIdleTimeout:     cfg.Upstream.StreamIdleTimeout.Duration,
		StreamMaxDuration:     cfg.Upstream.StreamMaxDuration.Duration,
		HealthTimeout:         cfg.Upstream.HealthTimeout.Duration,
	}, log)

	// HTTP
	api := httpserver.New(authSvc, tokens, fwd, httpserver.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		TrustProxy:     cfg.Server.TrustProxy,
	}, log)
	hs := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Duration,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("http listening", zap.String("addr", hs.Addr), zap.Bool("tls", cfg.Server.TLSEnabled()))
		var err error
		if cfg.Server.TLSEnabled() {
			err = hs.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = hs.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// gRPC health
	var gs *grpc.Server
	if cfg.Server.GRPCAddr != "" {
		var opts []grpc.ServerOption
		if cfg.Server.TLSEnabled() {
			creds, err := grpccreds.NewServerTLSFromFile(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
			if err != nil {
				return fmt.Errorf("load TLS cert/key: %w", err)
			}
			opts = append(opts, grpc.Creds(creds))
		}
		health := grpcserver.NewHealth(fwd, cfg.Upstream.HealthInterval.Duration, log)
		go health.Run(ctx)

		gs = grpcserver.NewServer(health, log, dev, opts...)
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		go func() {
			log.Info("grpc listening", zap.String("addr", cfg.Server.GRPCAddr))
			errCh <- gs.Serve(lis)
		}()
	}

	// Wait for stop
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		// open streams did not finish in time
		_ = hs.Close()
	}
	if gs != nil {
		done := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			gs.Stop()
		}
	}
	return runErr
}
