package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/config"
)

// RedisOptions configures NewRedis. File paths are read only when TLS is on.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	TLS                bool
	RequireTLS         bool
	TLSServerName      string
	TLSCAFile          string
	TLSCertFile        string
	TLSKeyFile         string
	InsecureSkipVerify bool
	AllowInsecureTLS   bool
}

func RedisOptionsFrom(cfg config.RedisConfig) RedisOptions {
	return RedisOptions{
		Addr:               cfg.Addr,
		Password:           cfg.Password,
		DB:                 cfg.DB,
		TLS:                cfg.TLS,
		RequireTLS:         cfg.RequireTLS,
		TLSServerName:      cfg.TLSServerName,
		TLSCAFile:          cfg.TLSCAFile,
		TLSCertFile:        cfg.TLSCertFile,
		TLSKeyFile:         cfg.TLSKeyFile,
		InsecureSkipVerify: cfg.TLSInsecure,
		AllowInsecureTLS:   cfg.AllowInsecureTLS,
	}
}

// NewRedis connects and pings. The caller decides whether a failure is fatal.
func NewRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	addr := opts.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	tlsConfig, err := redisTLSConfig(opts)
	if err != nil {
		return nil, err
	}
	if opts.RequireTLS && tlsConfig == nil {
		return nil, fmt.Errorf("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	client := redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: tlsConfig,
	})
	ctxPing, cancel := context.WithTimeout(ctx, time.Second*2)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func redisTLSConfig(opts RedisOptions) (*tls.Config, error) {
	if !opts.TLS {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: opts.TLSServerName}
	if opts.InsecureSkipVerify {
		if !opts.AllowInsecureTLS {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
		}
		cfg.InsecureSkipVerify = true
	}
	if opts.TLSCAFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(opts.TLSCAFile))
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
		}
		cfg.RootCAs = pool
	}
	if opts.TLSCertFile != "" || opts.TLSKeyFile != "" {
		if opts.TLSCertFile == "" || opts.TLSKeyFile == "" {
			return nil, fmt.Errorf("both REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(opts.TLSCertFile), filepath.Clean(opts.TLSKeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
