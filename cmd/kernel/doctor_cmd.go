package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/trustplane/kernel/pkg/config"

	_ "github.com/lib/pq" // Postgres driver
)

type doctorCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warn", "fail"
	Detail string `json:"detail,omitempty"`
}

// runDoctorCmd validates configuration and dependency reachability without
// starting the HTTP server, so an operator can diagnose a deployment
// before flipping traffic to it.
func runDoctorCmd(stdout, stderr io.Writer) int {
	var checks []doctorCheck
	allOK := true

	checks = append(checks, doctorCheck{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	})

	cfg, err := config.Load()
	if err != nil {
		checks = append(checks, doctorCheck{Name: "config", Status: "fail", Detail: err.Error()})
		allOK = false
	} else {
		checks = append(checks, doctorCheck{Name: "config", Status: "ok", Detail: "loaded"})

		if cfg.DatabaseURL == "" {
			checks = append(checks, doctorCheck{
				Name: "database_url", Status: "warn",
				Detail: "DATABASE_URL not set; server will run with in-memory stores",
			})
		} else {
			checks = append(checks, checkDatabase(cfg.DatabaseURL))
		}

		if cfg.SigningProxyURL == "" && cfg.SigningKMSKeyID == "" {
			checks = append(checks, doctorCheck{
				Name: "signing_provider", Status: "warn",
				Detail: "neither SIGNING_KMS_KEY_ID nor SIGNING_PROXY_URL set; server will mint an ephemeral local signer",
			})
		} else {
			checks = append(checks, doctorCheck{Name: "signing_provider", Status: "ok", Detail: "proxy/KMS configured"})
		}

		if cfg.PolicyGateEnabled() {
			checks = append(checks, doctorCheck{Name: "policy_gate", Status: "ok", Detail: cfg.PolicyGateURL})
		} else {
			checks = append(checks, doctorCheck{Name: "policy_gate", Status: "warn", Detail: "POLICY_GATE_URL not set; all proposals allowed"})
		}
	}

	for _, c := range checks {
		if c.Status == "fail" {
			allOK = false
		}
	}

	jsonOutput := len(os.Args) > 2 && os.Args[2] == "--json"
	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(checks)
	} else {
		fmt.Fprintf(stdout, "%sTrust Kernel doctor%s\n\n", ColorBold+ColorBlue, ColorReset)
		for _, c := range checks {
			color := ColorGreen
			switch c.Status {
			case "warn":
				color = ColorYellow
			case "fail":
				color = ColorRed
			}
			fmt.Fprintf(stdout, "  %s%-6s%s %-20s %s\n", color, c.Status, ColorReset, c.Name, c.Detail)
		}
	}

	if !allOK {
		return 1
	}
	return 0
}

func checkDatabase(url string) doctorCheck {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return doctorCheck{Name: "database", Status: "fail", Detail: err.Error()}
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return doctorCheck{Name: "database", Status: "fail", Detail: err.Error()}
	}
	return doctorCheck{Name: "database", Status: "ok", Detail: "reachable"}
}
