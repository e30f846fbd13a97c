// Package commands holds the cobra subcommands for cmd/server: the
// long-running serve command and the one-shot healthcheck command.
package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ruvnet/crdtsync/internal/authclient"
	"github.com/ruvnet/crdtsync/internal/bridge"
	"github.com/ruvnet/crdtsync/internal/config"
	"github.com/ruvnet/crdtsync/internal/gateway"
	internalgrpc "github.com/ruvnet/crdtsync/internal/grpc"
	"github.com/ruvnet/crdtsync/internal/metadataclient"
	"github.com/ruvnet/crdtsync/internal/persistence"
	"github.com/ruvnet/crdtsync/internal/registry"
	"github.com/ruvnet/crdtsync/internal/session"
	"github.com/ruvnet/crdtsync/pkg/metrics"
)

// ServeCmd boots one replica: HTTP gateway, gRPC health service, the
// Pub/Sub Bridge, and the Persistence Coordinator, and serves until an
// interrupt triggers a bounded graceful drain.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the document sync server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("serve: logger: %w", err)
	}
	defer logger.Sync()

	m := metrics.NewMetrics()
	reg := registry.New(logger, m)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Substrate.RedisAddr,
		Password: cfg.Substrate.RedisPassword,
		DB:       cfg.Substrate.RedisDB,
	})
	b := bridge.New(rdb, reg, logger, m, cfg.Sync.UnsubscribeLinger)
	b.Start()

	var awareBridge *bridge.AwarenessBridge
	if cfg.Substrate.AwarenessBridge {
		nc, err := nats.Connect(cfg.Substrate.NATSURL)
		if err != nil {
			logger.Warn("nats connect failed, awareness bridge disabled", zap.Error(err))
		} else {
			awareBridge = bridge.NewAwarenessBridge(nc, logger, func(docID string, payload []byte) {
				reg.BroadcastExcept(docID, payload, nil)
			})
		}
	}

	metadataClient, err := metadataclient.NewPostgresClient(cfg.Metadata.PostgresDSN, logger)
	if err != nil {
		return fmt.Errorf("serve: metadata client: %w", err)
	}
	defer metadataClient.Close()

	authClient := authclient.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	coordinator := persistence.New(metadataClient, fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), logger, m)

	deps := session.Deps{
		Auth:        authClient,
		Metadata:    metadataClient,
		Persistence: coordinator,
		Bridge:      b,
		Awareness:   awareBridge,
		Registry:    reg,
		Logger:      logger,
		Metrics:     m,
	}

	gw := gateway.New(cfg, deps, rdb, metadataClient, logger, m)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	grpcSrv := internalgrpc.NewServer(internalgrpc.Config{Port: cfg.Server.GRPCPort}, logger)

	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()
	go func() {
		if err := grpcSrv.Serve(); err != nil {
			logger.Fatal("grpc server failed", zap.Error(err))
		}
	}()
	grpcSrv.SetServing(true)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Sync.DrainTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	if err := b.Stop(ctx); err != nil {
		logger.Warn("bridge stop error", zap.Error(err))
	}
	if awareBridge != nil {
		awareBridge.Close()
	}

	logger.Info("shutdown complete")
	return nil
}
