package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"tenauth.io/internal/access"
	"tenauth.io/internal/audit"
	"tenauth.io/internal/cache"
	"tenauth.io/internal/httpapi"
	"tenauth.io/internal/obs"
	"tenauth.io/internal/ratelimit"
	"tenauth.io/internal/store/pg"
)

var version = "0.3.0"

func main() {
	obs.Init()

	cfg := access.DefaultConfig()

	// Storage: Postgres when a DSN is set, in-memory otherwise (dev runs).
	var (
		store   access.Store
		emitter audit.Emitter
		ready   httpapi.ReadyProbe
	)
	if dsn := os.Getenv("TENAUTH_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer func() { _ = pgStore.Close() }()
		store = pgStore
		emitter = pg.NewAuditSink(pgStore)
		ready = httpapi.ReadyProbe{Check: pgStore.Ping}
	} else {
		log.Println("TENAUTH_PG_DSN not set; using in-memory store")
		store = access.NewMemoryStore()
		emitter = audit.LogEmitter{}
	}

	// Redis backs rate windows and step-up grants. Without it the per-action
	// limiter and step-up checks degrade as documented.
	var (
		redisCache *cache.Cache
		limiter    *ratelimit.Limiter
	)
	if addr := os.Getenv("TENAUTH_REDIS_ADDR"); addr != "" {
		db, _ := strconv.Atoi(os.Getenv("TENAUTH_REDIS_DB"))
		redisCache = cache.Open(addr, os.Getenv("TENAUTH_REDIS_PASSWORD"), db)
		defer func() { _ = redisCache.Close() }()
		limiter = ratelimit.New(redisCache, ratelimit.DefaultCatalog())
	} else {
		log.Println("TENAUTH_REDIS_ADDR not set; per-action rate limits disabled")
	}

	secret := os.Getenv("TENAUTH_SESSION_SECRET")
	if secret == "" {
		log.Fatal("TENAUTH_SESSION_SECRET is required")
	}
	sessions, err := access.NewSessionManager(secret, "tenauth")
	if err != nil {
		log.Fatalf("session manager: %v", err)
	}

	deps := httpapi.Deps{
		Store:         store,
		Credentials:   access.NewCredentialService(store, emitter),
		Identities:    access.NewIdentityService(store, cfg, emitter),
		Invitations:   access.NewInvitationService(store, cfg, emitter),
		Trials:        access.NewTrialService(store, cfg, emitter),
		Sessions:      sessions,
		Limiter:       limiter,
		Emitter:       emitter,
		Config:        cfg,
		AllowQueryKey: os.Getenv("TENAUTH_ALLOW_QUERY_KEY") == "1",
		Ready:         ready,
		Version:       version,
	}
	if redisCache != nil {
		deps.StepUp = access.NewStepUpService(redisCache, cfg, emitter)
	} else {
		obs.Logger().Println(`{"level":"warn","msg":"no redis configured; sensitive actions will be refused until a grant backend is wired"}`)
	}

	api := httpapi.New(deps)

	addr := os.Getenv("TENAUTH_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Background sweeps: stale invitations, expired trials, inactive accounts.
	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	go runSweeps(sweepCtx, deps)

	log.Printf("Starting tenauth-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	stopSweeps()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}

func runSweeps(ctx context.Context, deps httpapi.Deps) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := deps.Invitations.ExpireStale(ctx); err != nil {
				log.Printf("invitation sweep: %v", err)
			} else if n > 0 {
				log.Printf("invitation sweep: expired %d", n)
			}
			if n, err := deps.Trials.ExpireStale(ctx); err != nil {
				log.Printf("trial sweep: %v", err)
			} else if n > 0 {
				log.Printf("trial sweep: expired %d", n)
			}
			if n, err := deps.Identities.SweepInactive(ctx); err != nil {
				log.Printf("inactivity sweep: %v", err)
			} else if n > 0 {
				log.Printf("inactivity sweep: suspended %d", n)
			}
		}
	}
}
