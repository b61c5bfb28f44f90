package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/St1453/algofinstatix/internal/auth"
	"github.com/St1453/algofinstatix/internal/config"
	"github.com/St1453/algofinstatix/internal/httpapi"
	"github.com/St1453/algofinstatix/internal/obs"
)

var version = "0.3.1"

func main() {
	obs.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := sql.Open("pgx", cfg.PGDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	uowFactory := auth.SQLUnitOfWorkFactory(db)

	tokenSvc, err := auth.NewTokenService(uowFactory, auth.TokenServiceConfig{
		Secret:          cfg.TokenSecret,
		Algorithm:       cfg.TokenAlgorithm,
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		Issuer:          cfg.TokenIssuer,
	})
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	authSvc, err := auth.NewAuthService(uowFactory, tokenSvc, auth.NewBcryptPasswordService(0))
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, authSvc, tokenSvc, httpapi.RateLimitConfig{
		PerSecond: cfg.RateLimitRPS,
		Burst:     cfg.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Janitor: purge expired tokens on an interval.
	janitorCtx, janitorCancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(cfg.JanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-janitorCtx.Done():
				return
			case <-ticker.C:
				if _, err := tokenSvc.DeleteExpiredTokens(janitorCtx); err != nil {
					obs.Error("janitor run failed", err, nil)
				}
			}
		}
	}()

	log.Printf("Starting algofinstatix-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	janitorCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = db.Close()
	log.Println("Stopped")
}
