// Command servicetoken mints a bearer token for the internal trigger routes.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"matchpay/internal/auth"
	"matchpay/internal/config"
	"matchpay/internal/logger"
)

func main() {
	caller := flag.String("caller", "scheduler-cron", "caller name placed in the token subject")
	role := flag.String("role", auth.RoleScheduler, "role granted to the caller")
	ttl := flag.Duration("ttl", auth.DefaultServiceTokenTTL, "token lifetime")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	token, err := auth.GenerateServiceToken(*caller, *role, cfg.JWTSecret, *ttl)
	if err != nil {
		logger.Fatalf("Failed to sign token: %v", err)
	}

	fmt.Fprintln(os.Stdout, token)
	logger.Info("service token issued", "caller", *caller, "role", *role, "expires_at", time.Now().Add(*ttl).UTC())
}
