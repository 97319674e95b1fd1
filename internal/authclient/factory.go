package authclient

import (
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewStore creates the credential store selected by cfg.CredentialBackend.
// Stores that hold connections implement io.Closer.
func NewStore(cfg Config) (CredentialStore, error) {
	switch cfg.CredentialBackend {
	case BackendFile, "":
		return NewFileStore(cfg.CredentialPath()), nil
	case BackendKeyring:
		return NewKeyringStore(cfg.KeyringService), nil
	case BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewRedisStore(rdb, cfg.Redis.Prefix), nil
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown credential backend: %s", cfg.CredentialBackend)
	}
}

// NewFromConfig wires a Client from configuration.
func NewFromConfig(cfg Config, onSignedOut func(reason error), logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := NewStore(cfg)
	if err != nil {
		return nil, err
	}

	logger.Debug("credential store ready",
		zap.String("backend", cfg.CredentialBackend),
		zap.String("base_url", cfg.BaseURL),
	)

	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		ResponseHeaderTimeout: cfg.RequestTimeout.Duration,
	}

	return New(Options{
		BaseURL:            cfg.BaseURL,
		Store:              store,
		Base:               base,
		RequestTimeout:     cfg.RequestTimeout.Duration,
		RefreshTimeout:     cfg.RefreshTimeout.Duration,
		ExpirySkew:         cfg.ExpirySkew.Duration,
		CheckInterval:      cfg.RefreshCheckInterval.Duration,
		MaxRefreshAttempts: cfg.MaxRefreshAttempts,
		RefreshPath:        cfg.RefreshPath,
		SignInPath:         cfg.SignInPath,
		SignOutPath:        cfg.SignOutPath,
		OnSignedOut:        onSignedOut,
		Logger:             logger,
	})
}
