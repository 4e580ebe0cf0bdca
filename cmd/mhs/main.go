// Command mhs runs the Message Handling Service: the outbound server that
// accepts supplier messages for delivery to Spine, and the inbound server
// that receives asynchronous responses back from Spine.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nhsconnect/go-mhs/internal/config"
	"github.com/nhsconnect/go-mhs/internal/inbound"
	"github.com/nhsconnect/go-mhs/internal/queue"
	"github.com/nhsconnect/go-mhs/internal/server"
	"github.com/nhsconnect/go-mhs/internal/store"
	"github.com/nhsconnect/go-mhs/internal/store/memory"
	"github.com/nhsconnect/go-mhs/internal/store/mongodb"
	"github.com/nhsconnect/go-mhs/internal/workflow"
	"github.com/nhsconnect/go-mhs/pkg/routing"
	"github.com/nhsconnect/go-mhs/pkg/transport"
)

func main() {
	configPath := flag.String("config", "mhs.yaml", "path to the configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("mhs terminated", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	wds := store.New(backend)
	defer wds.Close(context.Background())

	publisher, err := queue.NewRabbitMQPublisher(&queue.RabbitMQConfig{
		URL:       cfg.Queue.URL,
		QueueName: cfg.Queue.Name,
	}, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	resolver := newResolver(cfg, logger)

	sender := transport.NewClient(&transport.Config{
		MaxRetries: cfg.Spine.HTTP.MaxRetries,
		RetryDelay: cfg.Spine.HTTP.RetryDelay,
		Timeout:    cfg.Spine.HTTP.Timeout,
	}, logger)

	engine := workflow.NewEngine(wds, resolver, sender, publisher, workflow.Config{
		FromPartyID:             cfg.Spine.FromPartyID,
		FromASID:                cfg.Spine.FromASID,
		MaxRequestSize:          cfg.Spine.MaxRequestSize,
		RetriableSoapFaultCodes: cfg.Spine.RetriableSoapFaultCodes,
		StoreMaxRetries:         cfg.Storage.MaxRetries,
		QueueMaxRetries:         cfg.Queue.MaxRetries,
		QueueRetryDelay:         cfg.Queue.RetryDelay,
		ForwardReliableURL:      cfg.Spine.ForwardReliableURL,
		ResyncTimeout:           cfg.Spine.ResyncTimeout,
	}, logger)

	inboundHandler := inbound.New(wds, engine, inbound.Config{
		FromPartyID: cfg.Spine.FromPartyID,
	}, logger)

	outboundSrv := server.NewOutbound(cfg, engine, wds, logger)
	inboundSrv := server.NewInbound(cfg, inboundHandler, logger)

	errCh := make(chan error, 2)
	go func() {
		if err := outboundSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := inboundSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		stop()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := outboundSrv.Shutdown(shutdownCtx); err != nil {
		shutdownErr = err
	}
	if err := inboundSrv.Shutdown(shutdownCtx); err != nil {
		shutdownErr = err
	}
	return shutdownErr
}

func newBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Backend, error) {
	switch cfg.Storage.Type {
	case "memory":
		logger.Warn("using in-memory state storage, not suitable for production")
		return memory.New(), nil
	default:
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return mongodb.New(connectCtx, &mongodb.Config{
			URI:        cfg.Storage.MongoDB.URI,
			Database:   cfg.Storage.MongoDB.Database,
			Collection: cfg.Storage.MongoDB.Collection,
		})
	}
}

func newResolver(cfg *config.Config, logger *slog.Logger) *routing.StaticResolver {
	resolver := routing.NewStaticResolver(logger)
	for serviceID, route := range cfg.Routing.Routes {
		resolver.RegisterRoute(serviceID, route.OrgCode, &routing.Route{
			URLs:     route.URLs,
			PartyKey: route.PartyKey,
			CPAID:    route.CPAID,
			Reliability: routing.ReliabilityInfo{
				Retries:         route.Reliability.Retries,
				RetryInterval:   route.Reliability.RetryInterval,
				PersistDuration: route.Reliability.PersistDuration,
			},
		})
	}
	return resolver
}
