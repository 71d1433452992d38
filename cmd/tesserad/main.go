// Command tesserad runs the federation event authorization and signing
// daemon: it publishes the server's signing keys, authenticates inbound
// federation requests and evaluates membership transitions.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/tessera/pkg/api"
	"github.com/Mindburn-Labs/tessera/pkg/authorizer"
	"github.com/Mindburn-Labs/tessera/pkg/config"
	"github.com/Mindburn-Labs/tessera/pkg/dag"
	"github.com/Mindburn-Labs/tessera/pkg/fedauth"
	"github.com/Mindburn-Labs/tessera/pkg/keyfetch"
	"github.com/Mindburn-Labs/tessera/pkg/keystore"
	"github.com/Mindburn-Labs/tessera/pkg/media"
	"github.com/Mindburn-Labs/tessera/pkg/observability"
	"github.com/Mindburn-Labs/tessera/pkg/signing"
	"github.com/Mindburn-Labs/tessera/pkg/storage"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; with none it starts the server.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}
	switch args[1] {
	case "serve", "server":
		return runServer(stderr)
	case "generate-key":
		return runGenerateKey(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `Usage: tesserad [command]

Commands:
  serve          start the federation daemon (default)
  generate-key   generate and persist a fresh signing key, then exit
  help           show this help`)
}

func setupLogging(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l})))
}

// openDatabase picks the driver from the URL: postgres:// uses lib/pq,
// anything else is a SQLite path.
func openDatabase(url string) (*sql.DB, error) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return sql.Open("postgres", url)
	}
	db, err := sql.Open("sqlite", url)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; a single connection avoids lock errors.
	db.SetMaxOpenConns(1)
	return db, nil
}

func runGenerateKey(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	setupLogging(cfg.LogLevel)
	ctx := context.Background()

	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "open database: %v\n", err)
		return 1
	}
	defer db.Close()

	store := storage.NewSQLStore(db, cfg.ServerName)
	if err := store.Init(ctx); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	keys := keystore.NewStore(cfg.ServerName, cfg.KeyValidity, store)
	key, err := keys.Generate(ctx)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "generated %s (expires %s)\n", key.KeyID, key.ExpiresAt.UTC().Format(time.RFC3339))
	return 0
}

func runServer(stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "tesserad")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "tessera",
		ServiceVersion: "0.1.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     0.1,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer obs.Shutdown(context.Background())

	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		logger.Error("open database failed", "error", err)
		return 1
	}
	defer db.Close()

	store := storage.NewSQLStore(db, cfg.ServerName)
	if err := store.Init(ctx); err != nil {
		logger.Error("schema init failed", "error", err)
		return 1
	}

	keys := keystore.NewStore(cfg.ServerName, cfg.KeyValidity, store)
	if err := keys.Load(ctx); err != nil {
		logger.Error("load signing keys failed", "error", err)
		return 1
	}
	if _, err := keys.Current(); errors.Is(err, keystore.ErrNoActiveKey) {
		if _, err := keys.Generate(ctx); err != nil {
			logger.Error("generate signing key failed", "error", err)
			return 1
		}
	}

	// Remote key cache: Redis when configured, SQL otherwise.
	var cache keystore.RemoteCache = store
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("parse redis url failed", "error", err)
			return 1
		}
		cache = keystore.NewRedisCache(redis.NewClient(redisOpts))
	}
	fetcher := keyfetch.NewClient(keyfetch.WithObservability(obs))
	remote := keystore.NewRemoteStore(cache, fetcher)

	signer := signing.NewSigner(keys, remote, cfg.ServerName, obs)
	reqAuth := fedauth.NewRequestAuth(keys, remote, cfg.ServerName, obs)
	auth := authorizer.New(store, cfg.ServerName, obs)
	graph := dag.NewAssembler(store)

	manager := keystore.NewManager(keys, cfg.KeyCheckInterval)
	go func() {
		if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("key manager stopped", "error", err)
		}
	}()

	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	mux := http.NewServeMux()
	mux.Handle("/_matrix/key/v2/server",
		api.NewKeyHandler(keys, cfg.ServerName, api.DefaultKeyWindow))
	api.NewFederationHandler(auth, graph, signer, store).Register(mux,
		func(next http.Handler) http.Handler { return api.FederationAuth(reqAuth, next) })
	if cfg.MediaBucket != "" {
		blobs, err := media.NewStore(ctx, media.Config{
			Bucket:   cfg.MediaBucket,
			Region:   cfg.MediaRegion,
			Endpoint: cfg.MediaEndpoint,
			Prefix:   "media/",
		})
		if err != nil {
			logger.Error("media store init failed", "error", err)
			return 1
		}
		api.NewMediaHandler(blobs, cfg.ServerName).Register(mux,
			func(next http.Handler) http.Handler { return api.FederationAuth(reqAuth, next) })
	}
	mux.Handle("/_matrix/federation/v1/version",
		api.FederationAuth(reqAuth, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			api.WriteJSON(w, http.StatusOK, map[string]any{
				"server": map[string]string{"name": "tessera", "version": "0.1.0"},
			})
		})))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if err := db.PingContext(context.Background()); err != nil {
			api.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           limiter.Middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("listening", "addr", srv.Addr, "server_name", cfg.ServerName)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
		return 1
	}
	return 0
}
