package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"roomchat/internal/app"
	"roomchat/internal/config"
	"roomchat/internal/hub"
	"roomchat/internal/idtoken"
	"roomchat/internal/relay"
	"roomchat/internal/server"
	"roomchat/internal/util"
	"roomchat/pkg/storage"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseDuration(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}
	leeway, err := config.ParseDuration(cfg.IDTokenLeeway)
	if err != nil {
		log.Fatalf("failed to parse ID token leeway: %v", err)
	}

	util.InitLogger(cfg.LogLevel)

	verifier, err := idtoken.NewVerifier(idtoken.Config{
		JWKSURL:  cfg.IDTokenJWKSURL,
		Issuer:   cfg.IDTokenIssuer,
		Audience: cfg.IDTokenAudience,
		Leeway:   leeway,
	})
	if err != nil {
		log.Fatalf("failed to init ID token verifier: %v", err)
	}

	objects, err := storage.NewMinioStore(
		cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey,
		cfg.MinioBucket, cfg.MediaBaseURL, cfg.MinioUseSSL,
	)
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	events := hub.New()

	var eventRelay *relay.Relay
	if cfg.AMQPURL != "" {
		eventRelay, err = relay.New(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatalf("failed to init event relay: %v", err)
		}
		defer eventRelay.Close()
	}

	appCfg := app.Config{
		DatabaseURL:       cfg.DatabaseURL,
		RedisAddr:         cfg.RedisAddr,
		RedisPassword:     cfg.RedisPassword,
		SessionTTL:        sessionTTL,
		CodeAttemptLimit:  cfg.CodeAttemptLimitPerMinute,
		CodeAttemptWindow: time.Minute,
		Verifier:          verifier,
		Objects:           objects,
		Hub:               events,
	}
	if eventRelay != nil {
		appCfg.Relay = eventRelay
	}
	appCore, err := app.New(appCfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		MaxUploadBytes: cfg.MaxUploadBytes,
		SessionTTL:     sessionTTL,
		CookieSecure:   cfg.CookieSecure,
		AllowedOrigins: cfg.AllowedOrigins,
		TrustedProxies: trusted,
	})

	handler := util.WithRequestID(
		util.WithRequestLog(trusted,
			util.WithSecurityHeaders(
				util.WithCORS(cfg.AllowedOrigins, httpServer.Router()))))

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		// Websocket connections stay open indefinitely, so only the
		// header read is bounded here.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if eventRelay != nil {
		g.Go(func() error {
			return eventRelay.Run(ctx, events)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
	}
	slog.Info("server stopped")
}
