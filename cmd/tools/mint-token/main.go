// Command mint-token issues a session token against the shared Postgres
// session store, for smoke tests and operator scripts that need to call
// authenticated API routes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"cinetide/internal/auth"
)

func main() {
	var (
		dsn    string
		userID string
		ttl    time.Duration
	)
	flag.StringVar(&dsn, "postgres-dsn", "", "Postgres DSN for the session store")
	flag.StringVar(&userID, "user", "", "user id the token authenticates")
	flag.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("CINETIDE_SESSION_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("CINETIDE_POSTGRES_DSN"))
	}

	if strings.TrimSpace(userID) == "" {
		fmt.Fprintln(os.Stderr, "mint-token: -user is required")
		os.Exit(2)
	}
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "mint-token: provide -postgres-dsn or CINETIDE_POSTGRES_DSN")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := auth.NewPostgresSessionStore(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mint-token: open session store: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = store.Close(closeCtx)
	}()

	sessions := auth.NewSessionManager(ttl, auth.WithStore(store))
	token, expires, err := sessions.Create(ctx, userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mint-token: create session: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("token: %s\nexpires: %s\n", token, expires.Format(time.RFC3339))
}
