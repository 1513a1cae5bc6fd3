// Package main initializes and starts the fieldkeeper HTTPS server,
// setting up configuration, logging, database connections, repositories,
// services, handlers, TLS and the background reconcile sweeper.
package main

import (
	"cmp"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	nethttp "net/http"

	"github.com/atinyakov/fieldkeeper/internal/access"
	"github.com/atinyakov/fieldkeeper/internal/config"
	"github.com/atinyakov/fieldkeeper/internal/db"
	"github.com/atinyakov/fieldkeeper/internal/logger"
	"github.com/atinyakov/fieldkeeper/internal/repository"
	"github.com/atinyakov/fieldkeeper/internal/server/handler/http"
	"github.com/atinyakov/fieldkeeper/internal/service"
	"github.com/atinyakov/fieldkeeper/internal/settings"
	"github.com/atinyakov/fieldkeeper/internal/vault"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Parse command-line, config file and environment configuration.
	options, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	// Print build metadata (or "N/A" if unset).
	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	// Initialize structured logging.
	log := logger.New()
	defer func() { _ = log.Log.Sync() }()
	if err := log.Init(options.LogLevel, time.UTC); err != nil {
		log.Log.Fatal("failed to init logger", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, options, log); err != nil {
		log.Log.Fatal("server stopped", zap.Error(err))
	}
}

func run(ctx context.Context, options *config.Options, log *logger.Logger) error {
	// Initialize PostgreSQL connection.
	postgresDB, err := db.InitPostgres(options.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("cannot init database: %w", err)
	}
	defer postgresDB.Close()

	store, err := settings.Load(ctx, postgresDB)
	if err != nil {
		return err
	}
	if loc := settings.Timezone(store); loc != time.UTC {
		if err := log.Init(options.LogLevel, loc); err != nil {
			return fmt.Errorf("re-init logger: %w", err)
		}
	}
	zapLogger := log.Log

	if email := settings.NewEmailSettings(store); email.Configured() {
		zapLogger.Info("email relay configured", zap.Object("email", email))
	}

	cipher, err := vault.NewFromSecret(options.MasterKey)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}
	checker, err := access.NewChecker(options.SessionSecret)
	if err != nil {
		return err
	}

	// Wire repository, service and handler.
	fieldsRepo := repository.NewPostgresFieldsRepository(postgresDB)
	fieldsService := service.NewFieldsService(fieldsRepo, cipher, zapLogger)
	fieldsHandler := http.NewFieldsHandler(fieldsService, checker, zapLogger)
	router := http.NewRouter(fieldsHandler, zapLogger)

	tlsConfig, err := serverTLS(options.CertDir)
	if err != nil {
		return err
	}
	server := &nethttp.Server{
		Addr:              options.Port,
		Handler:           router,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if options.SweepInterval > 0 {
		timeout := settings.TaskMaxRunTime(store)
		done := db.StartReconcileSweeper(gctx, postgresDB, options.SweepInterval, timeout, zapLogger,
			func(ctx context.Context, fieldID int64, encrypted bool) (int, error) {
				res, err := fieldsService.ReconcileField(ctx, fieldID, encrypted)
				return len(res.Updates), err
			})
		g.Go(func() error {
			<-done
			return nil
		})
	}

	g.Go(func() error {
		zapLogger.Info("starting HTTPS server", zap.String("addr", options.Port))
		if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("https server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		zapLogger.Info("shutting down HTTPS server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// serverTLS loads server.crt, server.key and ca.crt from dir. Client
// certificates are verified against the CA when presented.
func serverTLS(dir string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(filepath.Join(dir, "server.crt"), filepath.Join(dir, "server.key"))
	if err != nil {
		return nil, fmt.Errorf("failed to load server TLS cert/key: %w", err)
	}

	caCert, err := os.ReadFile(filepath.Join(dir, "ca.crt"))
	if err != nil {
		return nil, fmt.Errorf("failed to read CA cert: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if ok := caCertPool.AppendCertsFromPEM(caCert); !ok {
		return nil, errors.New("failed to append CA cert to pool")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.VerifyClientCertIfGiven,
		ClientCAs:    caCertPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
