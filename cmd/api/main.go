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
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/whisper/backend/internal/config"
	"github.com/zhouzirui/whisper/backend/internal/handler"
	"github.com/zhouzirui/whisper/backend/internal/model/holder"
	"github.com/zhouzirui/whisper/backend/internal/service/chat"
	"github.com/zhouzirui/whisper/backend/internal/service/inbox"
	"github.com/zhouzirui/whisper/backend/internal/service/session"
	"github.com/zhouzirui/whisper/backend/internal/store"
	"github.com/zhouzirui/whisper/backend/internal/store/dynamo"
	"github.com/zhouzirui/whisper/backend/internal/store/memory"
	"github.com/zhouzirui/whisper/backend/internal/store/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", cfg.Store.Driver, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("warning: failed to close store: %v", err)
		}
	}()
	log.Printf("using %s store", cfg.Store.Driver)

	holders := holder.NewMemoryDirectory(cfg.Holder.Holders)

	inboxService, err := inbox.NewService(st, holders, inbox.Config{StoreTimeout: cfg.Store.Timeout})
	if err != nil {
		log.Fatalf("failed to initialize inbox service: %v", err)
	}

	limiter := session.NewLimiter(cfg.Session.VerifyPerMinute, cfg.Session.VerifyBurst)
	if limiter == nil {
		log.Println("warning: session verification throttling disabled")
	}
	verifier, err := session.NewVerifier(st, session.Config{StoreTimeout: cfg.Store.Timeout, Limiter: limiter})
	if err != nil {
		log.Fatalf("failed to initialize session verifier: %v", err)
	}

	chatService, err := chat.NewService(st, chat.Config{StoreTimeout: cfg.Store.Timeout})
	if err != nil {
		log.Fatalf("failed to initialize chat service: %v", err)
	}

	router := handler.NewRouter(handler.Services{
		Holders:  holders,
		Inbox:    inboxService,
		Verifier: verifier,
		Chat:     chatService,

		TrustedProxies: cfg.Session.TrustedProxies,
	})

	startServer(ctx, cfg.Server, router)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverDynamo:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := awsdynamodb.NewFromConfig(awsCfg, func(o *awsdynamodb.Options) {
			if cfg.DynamoEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
			}
		})
		st, err := dynamo.New(client, cfg.DynamoTable, dynamo.WithPollInterval(cfg.PollInterval))
		if err != nil {
			return nil, err
		}
		return st, nil

	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		return postgres.New(pool), nil
	}
	return memory.New(), nil
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		// Live chat streams end with the process context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	log.Printf("Whisper backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
