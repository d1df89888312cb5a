package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/chidi150c/optionpilot/internal/config"
)

func fail(msg string) { log.Fatalf("FAIL: %s", msg) }
func pass(msg string) { fmt.Println("PASS:", msg) }

func main() {
	// Load .env (do not overwrite existing env)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			fail("cannot load .env")
		}
	} else {
		fail(".env missing")
	}

	mode := os.Getenv("MODE")
	switch mode {
	case "":
		fail("MODE missing")
	case "paper", "live":
		pass("MODE is " + mode)
	default:
		fail("MODE must be 'paper' or 'live'")
	}

	if os.Getenv("TRADIER_API_KEY") == "" || os.Getenv("TRADIER_ACCOUNT_ID") == "" {
		if mode == "live" {
			fail("TRADIER_API_KEY or TRADIER_ACCOUNT_ID missing")
		}
		fmt.Println("NOTE: Tradier credentials not set; paper mode will only reach the sandbox once they are.")
	} else {
		pass("Tradier credentials present")
	}

	if dir := os.Getenv("DATA_DIR"); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fail("DATA_DIR not writable: " + err.Error())
		}
		pass("DATA_DIR usable: " + dir)
	}

	// Guard knobs, when set, must parse
	for _, k := range []string{"RATE_LIMIT_ORDERS_PER_MIN", "BREAKER_THRESHOLD", "BREAKER_HALFOPEN_PROBES"} {
		if v := os.Getenv(k); v != "" {
			if n, err := strconv.Atoi(v); err != nil || n < 0 {
				fail(k + " must be a non-negative integer")
			}
		}
	}
	for _, k := range []string{"BREAKER_COOLDOWN", "DUP_SUPPRESS_WINDOW"} {
		if v := os.Getenv(k); v != "" {
			if _, err := time.ParseDuration(v); err != nil {
				fail(k + " must be a duration like 60s")
			}
		}
	}
	pass("Guard knobs OK")

	cfgPath := ""
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fail("config: " + err.Error())
	}
	pass(fmt.Sprintf("Config valid (account %.0f, daily loss limit %.0f)", cfg.Account.Size, cfg.Account.MaxDailyLoss))

	if mode == "live" && cfg.Account.StartAutopilot {
		fmt.Println("NOTE: live mode with AUTOPILOT on; entries begin at the first window.")
	}

	pass("Preflight completed")
}
