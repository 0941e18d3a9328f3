package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"

	"github.com/loa-finn/hounfour/internal/api"
	"github.com/loa-finn/hounfour/internal/budget"
	"github.com/loa-finn/hounfour/internal/config"
	"github.com/loa-finn/hounfour/internal/ensemble"
	"github.com/loa-finn/hounfour/internal/health"
	"github.com/loa-finn/hounfour/internal/identity"
	"github.com/loa-finn/hounfour/internal/infra"
	"github.com/loa-finn/hounfour/internal/invoker"
	"github.com/loa-finn/hounfour/internal/ledger"
	"github.com/loa-finn/hounfour/internal/metrics"
	"github.com/loa-finn/hounfour/internal/orchestrator"
	"github.com/loa-finn/hounfour/internal/ratelimit"
	"github.com/loa-finn/hounfour/internal/registry"
	"github.com/loa-finn/hounfour/internal/router"
	"github.com/loa-finn/hounfour/internal/scheduler"
	"github.com/loa-finn/hounfour/internal/wal"
	"github.com/loa-finn/hounfour/internal/x402"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "config/hounfour.yaml", "path to gateway config")
	flag.Parse()

	log.Println("Starting Hounfour gateway...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Audit WAL and cost ledger share the ledger base dir.
	auditWAL, err := wal.NewFileWAL(cfg.Ledger.BaseDir + "/audit.wal")
	if err != nil {
		log.Fatalf("wal: %v", err)
	}

	costLedger, err := ledger.New(ledger.Options{
		BaseDir:    cfg.Ledger.BaseDir,
		MaxSizeMB:  cfg.Ledger.MaxSizeMB,
		MaxAgeDays: cfg.Ledger.MaxAgeDays,
		Fsync:      cfg.Ledger.Fsync,
	})
	if err != nil {
		log.Fatalf("ledger: %v", err)
	}

	enforcer, err := budget.New(budget.Config{
		Budgets:        cfg.Budgets.Scopes,
		WarnPercent:    cfg.Budgets.WarnPercent,
		Policy:         budget.Policy(cfg.Budgets.Policy),
		CheckpointPath: cfg.Budgets.Checkpoint,
	}, costLedger, auditWAL)
	if err != nil {
		log.Fatalf("budget: %v", err)
	}

	reg, err := registry.New(cfg.Registry)
	if err != nil {
		log.Fatalf("registry: %v", err)
	}
	for _, res := range reg.ValidateBindings() {
		if !res.Valid {
			log.Fatalf("registry: agent %s binding invalid: %s", res.Agent, res.Reason)
		}
	}

	limiter, err := ratelimit.New(cfg.Limits)
	if err != nil {
		log.Fatalf("ratelimit: %v", err)
	}
	prober := health.New(health.DefaultConfig(), auditWAL)

	// Redis is optional. Without it every coordination concern falls back
	// to its in-process store.
	var rdb *goredis.Client
	if cfg.Redis.URL != "" {
		rdb, err = infra.Connect(cfg.Redis.URL)
		if err != nil {
			log.Printf("WARN %v; continuing with in-memory stores", err)
			rdb = nil
		}
	}

	fencer := buildFencer(rdb, auditWAL)
	token, err := fencer.Acquire(context.Background(), cfg.Server.Env)
	if err != nil {
		log.Fatalf("fencing: %v", err)
	}
	res, err := fencer.ValidateAndAdvance(context.Background(), cfg.Server.Env, token)
	if err != nil || res != wal.FenceOK {
		log.Fatalf("fencing: token %d not accepted (%v, %v)", token, res, err)
	}
	log.Printf("Fencing token %d accepted for %q", token, cfg.Server.Env)

	verifier, err := buildVerifier(cfg, rdb)
	if err != nil {
		log.Fatalf("identity: %v", err)
	}

	signer, err := invoker.NewHMACSigner(
		os.Getenv("CHEVAL_HMAC_SECRET"), os.Getenv("CHEVAL_HMAC_SECRET_PREV"))
	if err != nil {
		log.Fatalf("invoker: %v", err)
	}
	binary := cfg.Invoker.BinaryPath
	if binary == "" {
		binary = "cheval"
	}
	retry := invoker.DefaultRetry
	if cfg.Invoker.MaxAttempts > 0 {
		retry = invoker.RetryPolicy{
			MaxAttempts: cfg.Invoker.MaxAttempts,
			BackoffMs:   cfg.Invoker.BackoffMs,
			JitterMs:    cfg.Invoker.JitterMs,
		}
	}
	inv := invoker.NewChevalInvoker(binary, signer, retry)

	var store ensemble.Store = ensemble.NewMemoryStore()
	if rdb != nil {
		store = ensemble.NewRedisStore(rdb)
	}
	reserver := ensemble.NewReserver(store, 0)

	rt := router.New(reg, enforcer, limiter, prober, inv,
		orchestrator.New(orchestrator.Config{}, nil), reserver)

	m := metrics.New()

	sched := scheduler.New(scheduler.Config{
		OnAlert: func(a scheduler.Alert) {
			log.Printf("SCHEDULER ALERT %s %s: %s", a.Kind, a.TaskID, a.Message)
		},
	})
	sched.Register(scheduler.Task{
		ID:       "budget-watchdog",
		Interval: time.Minute,
		Handler: func(ctx context.Context) error {
			for scope := range cfg.Budgets.Scopes {
				snap := enforcer.SnapshotScope(scope)
				m.BudgetPercent.WithLabelValues(scope).Set(snap.PercentUsed)
				if snap.Warning {
					log.Printf("WARN budget %s at %.1f%%", scope, snap.PercentUsed)
				}
			}
			return nil
		},
	})
	sched.Register(scheduler.Task{
		ID:       "circuit-report",
		Interval: 30 * time.Second,
		Handler: func(ctx context.Context) error {
			for _, cs := range prober.Stats() {
				provider, model := splitPairKey(cs.Key)
				m.CircuitState.WithLabelValues(provider, model).Set(circuitGauge(cs.State))
			}
			return nil
		},
	})
	if cfg.Ledger.ArchiveDir != "" {
		exporter := ledger.NewExporter(costLedger, &ledger.DirObjectStore{Root: cfg.Ledger.ArchiveDir})
		sched.Register(scheduler.Task{
			ID:       "ledger-export",
			Interval: time.Hour,
			Handler: func(ctx context.Context) error {
				_, err := exporter.ExportAll(ctx)
				return err
			},
		})
	}

	schedCtx, stopSched := context.WithCancel(context.Background())
	go sched.Run(schedCtx)

	server := api.NewServer(api.Config{
		Router:         rt,
		Verifier:       verifier,
		Registry:       reg,
		Budget:         enforcer,
		Prober:         prober,
		Scheduler:      sched,
		Payments:       buildPayments(cfg, rdb, auditWAL),
		Metrics:        m,
		StrictPoolMode: cfg.Server.StrictPoolMode,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Routes(),
	}

	go func() {
		log.Printf("Gateway listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	// Shutdown order: scheduler, listener, in-flight requests, shared
	// store, final log.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Println("Shutting down...")

	stopSched()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("WARN shutdown: %v", err)
	}
	if rdb != nil {
		rdb.Close()
	}
	log.Println("Gateway stopped")
}

func buildFencer(rdb *goredis.Client, w wal.Appender) wal.Fencer {
	if rdb != nil {
		return infra.NewRedisFencer(rdb, w)
	}
	return wal.NewMemoryFencer(w)
}

// buildVerifier assembles the token verifier from the identity env vars.
// ES256 accepts either a public or a private key PEM in
// FINN_S2S_PRIVATE_KEY; HS256 reads FINN_S2S_JWT_SECRET.
func buildVerifier(cfg *config.Config, rdb *goredis.Client) (*identity.Verifier, error) {
	var replay identity.ReplayGuard = identity.NewMemoryReplayGuard()
	if rdb != nil {
		replay = redisSetNX{rdb}
	}

	icfg := identity.Config{
		Algorithm:  os.Getenv("FINN_S2S_JWT_ALG"),
		Issuer:     "arrakis",
		Audience:   "hounfour",
		Production: cfg.Server.Production(),
	}
	switch icfg.Algorithm {
	case "ES256":
		key, err := parseECKey(os.Getenv("FINN_S2S_PRIVATE_KEY"))
		if err != nil {
			return nil, err
		}
		icfg.PublicKey = key
	case "HS256":
		icfg.HMACSecret = []byte(os.Getenv("FINN_S2S_JWT_SECRET"))
	}
	return identity.NewVerifier(icfg, replay)
}

func parseECKey(pem string) (*ecdsa.PublicKey, error) {
	if pub, err := jwt.ParseECPublicKeyFromPEM([]byte(pem)); err == nil {
		return pub, nil
	}
	priv, err := jwt.ParseECPrivateKeyFromPEM([]byte(pem))
	if err != nil {
		return nil, fmt.Errorf("FINN_S2S_PRIVATE_KEY is neither an EC public nor private key PEM: %w", err)
	}
	return &priv.PublicKey, nil
}

func buildPayments(cfg *config.Config, rdb *goredis.Client, w wal.Appender) *api.Payments {
	if !cfg.Payments.Enabled {
		return nil
	}

	rate := int64(0)
	if v := os.Getenv("USD_USDC_EXCHANGE_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			log.Fatalf("payments: USD_USDC_EXCHANGE_RATE %q: %v", v, err)
		}
		rate = int64(f * float64(x402.RateScale))
	}

	bypass := cfg.Payments.BypassAddresses
	if v := os.Getenv("BETA_BYPASS_ADDRESSES"); v != "" {
		bypass = append(bypass, strings.Split(v, ",")...)
	}

	var nonces x402.NonceStore = x402.NewMemoryNonceStore()
	var credits x402.CreditStore = x402.NewMemoryCreditStore()
	if rdb != nil {
		nonces = x402.NewRedisNonceStore(rdb)
		credits = x402.NewRedisCreditStore(rdb)
	}

	var settler *x402.Settler
	if cfg.Payments.FacilitatorURL != "" {
		settler = x402.NewSettler(x402.NewHTTPSubmitter(cfg.Payments.FacilitatorURL), nil)
	}

	return &api.Payments{
		Quoter: x402.NewQuoter(x402.QuoterConfig{
			Treasury:      cfg.Payments.Treasury,
			ChainID:       cfg.Payments.ChainID,
			Rate:          rate,
			MarkupPercent: cfg.Payments.MarkupPercent,
		}),
		Verifier: x402.NewVerifier(x402.VerifierConfig{
			Treasury:        cfg.Payments.Treasury,
			TokenContract:   cfg.Payments.TokenContract,
			TokenName:       cfg.Payments.TokenName,
			TokenVersion:    cfg.Payments.TokenVersion,
			BypassAddresses: bypass,
		}, nonces, nil, w),
		Settler: settler,
		Credits: x402.NewCreditLedger(credits, cfg.Payments.CreditCapMicro, w),
	}
}

// redisSetNX adapts the shared store to the replay-guard port.
type redisSetNX struct{ rdb *goredis.Client }

func (r redisSetNX) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, "hounfour:"+key, 1, ttl).Result()
}

func splitPairKey(key string) (provider, model string) {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}

func circuitGauge(state string) float64 {
	switch state {
	case "HALF_OPEN":
		return 1
	case "OPEN":
		return 2
	default:
		return 0
	}
}
