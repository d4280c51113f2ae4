// Command devtoken mints a bearer token for local testing against the API.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/smsrelay/backend/internal/auth"
	"github.com/smsrelay/backend/internal/config"
)

func main() {
	role := flag.String("role", auth.RoleWorker, "worker or admin")
	user := flag.String("user", "", "user id (random when empty)")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	userID := uuid.New()
	if *user != "" {
		userID, err = uuid.Parse(*user)
		if err != nil {
			fmt.Fprintln(os.Stderr, "invalid -user:", err)
			os.Exit(1)
		}
	}

	tok, err := auth.NewTokens(cfg.JWTSecret).Issue(userID, *role, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "issue:", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
