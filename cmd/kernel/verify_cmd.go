package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/trustplane/kernel/pkg/audit"
	"github.com/trustplane/kernel/pkg/config"
	"github.com/trustplane/kernel/pkg/signer"

	_ "github.com/lib/pq" // Postgres driver
)

// runVerifyCmd checks the audit chain's hash links and every event
// signature end to end (P2/P3), reusing the same Config the server uses
// so `kernel verify` always points at the deployment's real chain.
//
// Exit codes:
//
//	0 = chain verified
//	1 = chain verification failed
//	2 = runtime error (bad flags, unreachable database)
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var databaseURL string
	cmd.StringVar(&databaseURL, "database-url", "", "Postgres DSN to verify (defaults to DATABASE_URL)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if databaseURL == "" {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		databaseURL = cfg.DatabaseURL
	}

	if databaseURL == "" {
		fmt.Fprintln(stderr, "Error: no database configured; pass --database-url or set DATABASE_URL")
		return 2
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "Error: connect to database: %v\n", err)
		return 2
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	registry := signer.NewRegistry(signer.NewPostgresStore(db), 5*time.Minute)
	chain := audit.NewPostgresChain(db, nil, nil, registry)

	if err := chain.VerifyChain(ctx); err != nil {
		fmt.Fprintf(stdout, "%sFAIL%s chain verification: %v\n", ColorRed, ColorReset, err)
		return 1
	}

	fmt.Fprintf(stdout, "%sOK%s audit chain verified\n", ColorGreen, ColorReset)
	return 0
}
