package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"herita-client/internal/authclient"
	"herita-client/internal/devserver"

	"go.uber.org/zap"
)

func main() {
	listen := flag.String("listen", "127.0.0.1:8080", "address to listen on")
	secret := flag.String("secret", os.Getenv("HERITA_DEV_SECRET"), "HS256 signing secret (env HERITA_DEV_SECRET)")
	accessTTL := flag.Duration("access-ttl", 15*time.Minute, "access token lifetime")
	refreshTTL := flag.Duration("refresh-ttl", 30*24*time.Hour, "refresh token lifetime")
	logLevel := flag.String("log-level", "info", "log level")
	logFormat := flag.String("log-format", authclient.LogFormatConsole, "log format (json or console)")
	seedEmail := flag.String("seed-email", "", "create this user at startup")
	seedPassword := flag.String("seed-password", "", "password for -seed-email")
	flag.Parse()

	logger, err := authclient.NewLogger(*logLevel, *logFormat)
	if err != nil {
		panic(fmt.Sprintf("init logger: %v", err))
	}
	defer logger.Sync()

	if *secret == "" {
		logger.Fatal("a signing secret is required (-secret or HERITA_DEV_SECRET)")
	}

	srv, err := devserver.New(devserver.Options{
		Secret:          *secret,
		AccessTokenTTL:  *accessTTL,
		RefreshTokenTTL: *refreshTTL,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal("init devserver", zap.Error(err))
	}

	if *seedEmail != "" {
		id, err := srv.CreateUser(*seedEmail, "", *seedPassword)
		if err != nil {
			logger.Fatal("seed user", zap.Error(err))
		}
		logger.Info("seed user created", zap.String("email", *seedEmail), zap.String("id", id))
	}

	server := &http.Server{
		Addr:              *listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting devserver",
			zap.String("listen", *listen),
			zap.Duration("access_ttl", *accessTTL),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serverErr:
		logger.Fatal("server error", zap.Error(err))
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown error", zap.Error(err))
	}
}
