package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trustplane/kernel/pkg/api"
	"github.com/trustplane/kernel/pkg/artifacts"
	"github.com/trustplane/kernel/pkg/audit"
	"github.com/trustplane/kernel/pkg/authn"
	"github.com/trustplane/kernel/pkg/config"
	"github.com/trustplane/kernel/pkg/governance"
	"github.com/trustplane/kernel/pkg/idempotency"
	"github.com/trustplane/kernel/pkg/manifest"
	"github.com/trustplane/kernel/pkg/policy"
	"github.com/trustplane/kernel/pkg/signer"
	"github.com/trustplane/kernel/pkg/signing"
	"github.com/trustplane/kernel/pkg/telemetry"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"      // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver for the embedded Audit Chain
)

// runServeCmd builds every subsystem from a single Config and blocks
// serving HTTP until an interrupt or terminate signal arrives, draining
// in-flight requests before exit.
//
//nolint:gocyclo
func runServeCmd(stdout, stderr io.Writer) int {
	fmt.Fprintf(stdout, "%sTrust Kernel starting...%s\n", ColorBold+ColorBlue, ColorReset)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to connect to database: %v", err)
		}
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("database ping failed: %v", err)
		}
		fmt.Fprintf(stdout, "%sdatabase: connected (postgres)%s\n", ColorGreen, ColorReset)
	} else {
		fmt.Fprintf(stdout, "%sDATABASE_URL not set, running with in-memory stores%s\n", ColorYellow, ColorReset)
	}

	registry := signer.NewRegistry(newSignerStore(db), 5*time.Minute)

	provider, err := loadOrGenerateProvider(ctx, cfg, registry)
	if err != nil {
		log.Fatalf("failed to initialize signing provider: %v", err)
	}
	fmt.Fprintf(stdout, "%ssigning provider ready (kind=%s)%s\n", ColorGreen, providerKind(cfg), ColorReset)

	chain, err := newAuditChain(ctx, stdout, cfg, db, provider, provider, registry)
	if err != nil {
		log.Fatalf("failed to initialize audit chain: %v", err)
	}
	if err := wireArchival(ctx, cfg, chain); err != nil {
		log.Fatalf("failed to initialize audit archival sink: %v", err)
	}
	registry.SetAuditSink(func(ctx context.Context, eventType string, payload any) error {
		_, err := chain.Append(ctx, eventType, payload)
		return err
	})

	manifests := newManifestStore(db)
	idemStore, err := newIdempotencyStore(cfg, db)
	if err != nil {
		log.Fatalf("failed to initialize idempotency store: %v", err)
	}

	gate := newPolicyGate(cfg)

	tel, err := telemetry.New(ctx, &telemetry.Config{
		ServiceName:  "trustplane-kernel",
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.TelemetryOn,
	})
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	coord := governance.New(idemStore, manifests, provider, registry, chain, gate, nil, tel)

	keySet, err := authn.NewInMemoryKeySet()
	if err != nil {
		log.Fatalf("failed to initialize auth key set: %v", err)
	}
	tm := authn.NewTokenManager(keySet, "trustplane-kernel")

	handler := api.NewHandler(coord, chain)
	srv := api.NewServer(":"+cfg.Port, handler, tm, cfg.CORSOrigins)

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(stdout, "%slistening on :%s%s\n", ColorBold+ColorGreen, cfg.Port, ColorReset)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Printf("server exited with error: %v", err)
			return 1
		}
	case <-ctx.Done():
		fmt.Fprintf(stdout, "%sshutting down...%s\n", ColorYellow, ColorReset)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
			return 1
		}
	}

	return 0
}

func newSignerStore(db *sql.DB) signer.Store {
	if db != nil {
		return signer.NewPostgresStore(db)
	}
	return signer.NewMemoryStore()
}

// providerKind picks the Signing Provider variant, preferring a real KMS
// over a remote proxy over the local in-process key: a deployment that sets
// SIGNING_KMS_KEY_ID is choosing KMS as its trust root outright, regardless
// of whether a proxy URL is also set for some other purpose.
func providerKind(cfg *config.Config) signing.Kind {
	switch {
	case cfg.SigningKMSKeyID != "":
		return signing.KindKMS
	case cfg.SigningProxyURL != "":
		return signing.KindProxy
	default:
		return signing.KindLocal
	}
}

// loadOrGenerateProvider builds the configured Signing Provider. A fresh
// Ed25519 keypair is minted for local mode on every cold start; a real
// deployment sets SIGNING_KMS_KEY_ID or SIGNING_PROXY_URL so restarts
// resolve the same trust root instead of rotating it implicitly.
func loadOrGenerateProvider(ctx context.Context, cfg *config.Config, registry *signer.Registry) (signing.Provider, error) {
	factoryCfg := signing.FactoryConfig{
		Kind:            providerKind(cfg),
		RequireKMS:      cfg.RequireKMS,
		ProxyURL:        cfg.SigningProxyURL,
		ProxyAlgorithm:  "ed25519",
		ProxyTimeoutMS:  cfg.SigningProxyTimeoutMS,
		ProxyMaxRetries: cfg.SigningProxyMaxRetries,
	}

	switch factoryCfg.Kind {
	case signing.KindLocal:
		local, pub, err := signing.GenerateLocalEd25519("kernel-local-1")
		if err != nil {
			return nil, fmt.Errorf("generate local signer: %w", err)
		}
		factoryCfg.Local = local
		if err := registry.Register(ctx, &signer.Record{
			KID:       "kernel-local-1",
			Algorithm: signer.AlgEd25519,
			PublicKey: pub,
		}); err != nil {
			return nil, fmt.Errorf("register local signer: %w", err)
		}
	case signing.KindKMS:
		kms, pub, err := newKMSProvider(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("configure kms signer: %w", err)
		}
		factoryCfg.KMS = kms
		if err := registry.Register(ctx, &signer.Record{
			KID:       cfg.SigningKMSKID,
			Algorithm: signer.Algorithm(cfg.SigningKMSAlgorithm),
			PublicKey: pub,
		}); err != nil {
			return nil, fmt.Errorf("register kms signer: %w", err)
		}
	}

	return signing.New(factoryCfg)
}

// newKMSProvider loads the ambient AWS config (region overridable via
// SIGNING_KMS_REGION, falling back to the SDK's usual credential chain
// resolution otherwise) and builds the KMS-backed Provider, fetching its
// real public key so the Signer Registry record it's paired with can
// actually be used by signer.VerifySignature during Audit Chain
// verification. Only ecdsa-p256-sha256 is supported here: an HMAC-backed
// KMS key never exposes exportable secret material, so there is no public
// half a Registry record could hold that VerifySignature's local HMAC
// dispatch could check against — that variant would need the Audit Chain
// to call back into KMS at verify time, which this module does not do.
func newKMSProvider(ctx context.Context, cfg *config.Config) (*signing.KMSProvider, []byte, error) {
	if cfg.SigningKMSAlgorithm != "ecdsa-p256-sha256" {
		return nil, nil, fmt.Errorf("unsupported SIGNING_KMS_ALGORITHM %q: only ecdsa-p256-sha256 can be locally re-verified by the audit chain", cfg.SigningKMSAlgorithm)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SigningKMSRegion))
	if err != nil {
		return nil, nil, fmt.Errorf("load aws config: %w", err)
	}
	client := awskms.NewFromConfig(awsCfg)

	kms, err := signing.NewKMSProvider(client, cfg.SigningKMSKeyID, cfg.SigningKMSKID, cfg.SigningKMSAlgorithm)
	if err != nil {
		return nil, nil, err
	}
	pub, err := kms.FetchPublicKey(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch kms public key: %w", err)
	}
	return kms, pub, nil
}

// newAuditChain prefers Postgres (if DATABASE_URL is set) over embedded
// SQLite (if AUDIT_SQLITE_PATH is set) over in-memory — a deployment
// running a real database for the rest of its stores shouldn't end up
// with a second, separate chain store underneath it.
func newAuditChain(ctx context.Context, stdout io.Writer, cfg *config.Config, db *sql.DB, provider signing.Provider, verifier signing.Verifier, registry *signer.Registry) (audit.Chain, error) {
	if db != nil {
		return audit.NewPostgresChain(db, provider, verifier, registry), nil
	}
	if cfg.AuditSQLitePath != "" {
		sqliteDB, err := sql.Open("sqlite", cfg.AuditSQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite audit chain %q: %w", cfg.AuditSQLitePath, err)
		}
		chain := audit.NewSQLiteChain(sqliteDB, provider, verifier, registry)
		if err := chain.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		fmt.Fprintf(stdout, "%saudit chain: sqlite (%s)%s\n", ColorGreen, cfg.AuditSQLitePath, ColorReset)
		return chain, nil
	}
	return audit.NewMemoryChain(provider, verifier, registry), nil
}

func newManifestStore(db *sql.DB) manifest.Store {
	if db != nil {
		return manifest.NewPostgresStore(db)
	}
	return manifest.NewMemoryStore()
}

func newIdempotencyStore(cfg *config.Config, db *sql.DB) (idempotency.Store, error) {
	ttl := cfg.IdempotencyTTL()
	if cfg.IdempotencyRedisURL != "" {
		opts, err := redis.ParseURL(cfg.IdempotencyRedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse IDEMPOTENCY_REDIS_URL: %w", err)
		}
		return idempotency.NewRedisStore(redis.NewClient(opts), ttl), nil
	}
	if db != nil {
		return idempotency.NewPostgresStore(db, ttl), nil
	}
	return idempotency.NewMemoryStore(ttl), nil
}

func newPolicyGate(cfg *config.Config) policy.Gate {
	if cfg.PolicyGateEnabled() {
		return policy.NewHTTPGate(cfg.PolicyGateURL)
	}
	return policy.AllowAll{}
}

// wireArchival attaches an S3-backed ArchivalSink to chain when
// AUDIT_ARCHIVE_BUCKET is configured, fanning every appended event out to
// the WORM bucket asynchronously per spec.md §5.
func wireArchival(ctx context.Context, cfg *config.Config, chain audit.Chain) error {
	if cfg.AuditArchiveBucket == "" {
		return nil
	}

	store, err := artifacts.NewS3Store(ctx, artifacts.S3StoreConfig{Bucket: cfg.AuditArchiveBucket})
	if err != nil {
		return fmt.Errorf("audit archive sink: %w", err)
	}
	sink := audit.NewBlobSink(cfg.AuditArchiveBucket, store)
	archiver := audit.NewArchiver(sink)

	type appendNotifier interface {
		OnAppend(func(*audit.Event))
	}
	if notifier, ok := chain.(appendNotifier); ok {
		notifier.OnAppend(func(e *audit.Event) {
			go archiver.Dispatch(ctx, e)
		})
	} else {
		slog.Warn("audit archive sink configured but chain implementation does not support OnAppend hooks")
	}
	return nil
}
