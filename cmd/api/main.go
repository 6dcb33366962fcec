package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ovaphlow/pitchfork/service-auth-core/internal/authz"
	"github.com/ovaphlow/pitchfork/service-auth-core/internal/password"
	"github.com/ovaphlow/pitchfork/service-auth-core/internal/router"
	"github.com/ovaphlow/pitchfork/service-auth-core/internal/session"
	sessionrepo "github.com/ovaphlow/pitchfork/service-auth-core/internal/session/repo"
	"github.com/ovaphlow/pitchfork/service-auth-core/internal/user"
	userrepo "github.com/ovaphlow/pitchfork/service-auth-core/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-auth-core/pkg/database"
	"github.com/ovaphlow/pitchfork/service-auth-core/pkg/utilities"
)

func main() {
	// best-effort: without a .env the real environment and defaults apply
	_ = godotenv.Load()

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Info("starting service-auth-core")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbCfg := database.ConfigFromEnv()
	db, dialect, err := database.Open(dbCfg)
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	// one guard for every table so writes are serialized process-wide
	guard := database.NewGuard(db, dialect, nil)

	store := userrepo.NewStore(guard, nil, sugar.Named("store"))
	if err := store.Initialize(ctx); err != nil {
		sugar.Fatalf("initialize credential store: %v", err)
	}
	tokens := sessionrepo.NewTokenRepo(guard)
	if err := tokens.EnsureTable(ctx); err != nil {
		sugar.Fatalf("initialize session tokens: %v", err)
	}

	hasher, err := password.New(password.ConfigFromEnv())
	if err != nil {
		sugar.Fatalf("password hasher: %v", err)
	}
	registry := session.NewRegistry(tokens, sugar.Named("session"))
	resolver := authz.NewResolver(authz.ConfigFromEnv(), registry, store, sugar.Named("authz"))
	svc := user.NewService(store, hasher, registry, sugar.Named("user"))

	handler := router.RegisterRoutes(sugar, user.NewHandler(svc, resolver, sugar.Named("http")), resolver)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = "0.0.0.0:8431"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()
	sugar.Infow("service is running; press Ctrl+C to stop", "addr", addr, "driver", dbCfg.Driver)

	<-ctx.Done()

	sugar.Info("shutting down")

	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}
	if err := db.PingContext(doneCtx); err != nil {
		sugar.Warnf("db ping on shutdown failed: %v", err)
	}

	sugar.Info("goodbye")
}
