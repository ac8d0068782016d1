// cmd/gateway-service/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gatekeeper/internal/gateway"
	"gatekeeper/pkg/auth"
	"gatekeeper/pkg/config"
	"gatekeeper/pkg/db"
	"gatekeeper/pkg/idempotency"
	"gatekeeper/pkg/logger"
	"gatekeeper/pkg/ratelimit"
	"gatekeeper/pkg/tenants"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)

	pool := db.MustConnect(cfg, log)

	reg := tenants.NewRegistry(log)
	var prov tenants.Provider
	if pool != nil {
		if err := tenants.EnsureSchema(context.Background(), pool); err != nil {
			log.Fatalw("tenant schema", "err", err)
		}
		if err := auth.EnsureSessionSchema(context.Background(), pool); err != nil {
			log.Fatalw("session schema", "err", err)
		}
		if err := idempotency.EnsureLedgerSchema(context.Background(), pool); err != nil {
			log.Fatalw("ledger schema", "err", err)
		}
		if err := tenants.SeedFromEnv(context.Background(), pool, os.Getenv("TENANT_SEED_JSON")); err != nil {
			log.Warnw("seed", "err", err)
		}
		prov = tenants.NewPostgresProvider(pool, log)
	} else {
		prov = tenants.NewMemoryProvider(log, cfg.TenantSeedJSON, cfg.TenantConfigFile)
	}
	if err := prov.Load(context.Background(), reg); err != nil {
		log.Fatalw("tenant load", "err", err)
	}

	// SIGHUP triggers hot reconfiguration: the provider re-reads its source
	// and the registry swaps in whole snapshots.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := prov.Reload(context.Background(), reg); err != nil {
				log.Errorw("tenant reload", "err", err)
				continue
			}
			log.Infow("tenants reloaded", "count", len(reg.AppIDs()))
		}
	}()

	var sessions *auth.PGSessions
	var verifier auth.Verifier
	if pool != nil {
		sessions = &auth.PGSessions{Pool: pool}
		verifier = sessions
	}

	ledgerStore := &idempotency.PGStore{Pool: pool}
	ledger := &idempotency.Ledger{Store: ledgerStore, Log: log}
	if pool != nil {
		ledgerStore.StartSweeper(context.Background(), cfg.LedgerSweepInterval, log)
	}

	engine := ratelimit.NewEngine(log, verifier)
	identity := auth.NewIdentityVerifier(log, cfg.Issuer, cfg.JWKSURL)

	srvHandlers := &gateway.Server{
		Registry: reg,
		Sessions: sessions,
		Ledger:   ledger,
		Log:      log,
	}
	router := srvHandlers.Router(srvHandlers.Dependencies(identity, engine, verifier, cfg.RateLimitShortCircuit))

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		log.Infow("gateway-service listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	fmt.Println("gateway-service stopped")
}
