// hounfour-check is the pre-flight diagnostic run before a deploy: it
// validates the config file, every agent binding, the ledger directory and
// the optional shared-store connection, then exits non-zero on any failure.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/loa-finn/hounfour/internal/config"
	"github.com/loa-finn/hounfour/internal/infra"
	"github.com/loa-finn/hounfour/internal/registry"
)

type check struct {
	Name string
	Run  func(cfg *config.Config) error
}

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "config/hounfour.yaml", "path to gateway config")
	flag.Parse()

	fmt.Println("Hounfour pre-flight diagnostic")
	fmt.Println("------------------------------")

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Checking %-28s \033[31m[FAIL]\033[0m\n", "Config file...")
		fmt.Printf("  >> %v\n", config.Redact(err.Error()))
		os.Exit(1)
	}
	fmt.Printf("Checking %-28s \033[32m[OK]\033[0m\n", "Config file...")

	checks := []check{
		{"Agent bindings", checkBindings},
		{"Ledger directory", checkLedgerDir},
		{"Identity env", checkIdentityEnv},
		{"Shared store (Redis)", checkRedis},
	}

	failed := false
	for _, c := range checks {
		fmt.Printf("Checking %-28s ", c.Name+"...")
		if err := c.Run(cfg); err != nil {
			failed = true
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> %v\n", config.Redact(err.Error()))
		} else {
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}

	fmt.Println("------------------------------")
	if failed {
		fmt.Println("Status: NOT ready.")
		os.Exit(1)
	}
	fmt.Println("Status: ready for traffic.")
}

func checkBindings(cfg *config.Config) error {
	reg, err := registry.New(cfg.Registry)
	if err != nil {
		return err
	}
	for _, res := range reg.ValidateBindings() {
		if !res.Valid {
			return fmt.Errorf("agent %s: %s", res.Agent, res.Reason)
		}
	}
	return nil
}

func checkLedgerDir(cfg *config.Config) error {
	if cfg.Ledger.BaseDir == "" {
		return fmt.Errorf("ledger.base_dir is not set")
	}
	if err := os.MkdirAll(cfg.Ledger.BaseDir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(cfg.Ledger.BaseDir, ".preflight")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("ledger dir not writable: %w", err)
	}
	return os.Remove(probe)
}

func checkIdentityEnv(cfg *config.Config) error {
	alg := os.Getenv("FINN_S2S_JWT_ALG")
	switch alg {
	case "ES256":
		if os.Getenv("FINN_S2S_PRIVATE_KEY") == "" {
			return fmt.Errorf("ES256 selected but FINN_S2S_PRIVATE_KEY is empty")
		}
	case "HS256":
		if cfg.Server.Production() {
			return fmt.Errorf("HS256 is not permitted in production")
		}
		if os.Getenv("FINN_S2S_JWT_SECRET") == "" {
			return fmt.Errorf("HS256 selected but FINN_S2S_JWT_SECRET is empty")
		}
	case "":
		return fmt.Errorf("FINN_S2S_JWT_ALG must be set explicitly")
	default:
		return fmt.Errorf("unsupported algorithm %q", alg)
	}
	return nil
}

func checkRedis(cfg *config.Config) error {
	if cfg.Redis.URL == "" {
		return nil // optional, in-memory fallbacks apply
	}
	rdb, err := infra.Connect(cfg.Redis.URL)
	if err != nil {
		return err
	}
	return rdb.Close()
}
