package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v4"

	"github.com/zombor/receipt-reconciler/internal/credential"
	"github.com/zombor/receipt-reconciler/internal/drive"
	"github.com/zombor/receipt-reconciler/internal/ledger"
	"github.com/zombor/receipt-reconciler/internal/matching"
	"github.com/zombor/receipt-reconciler/internal/money"
	"github.com/zombor/receipt-reconciler/internal/receipt"
	"github.com/zombor/receipt-reconciler/internal/reconcile"
	"github.com/zombor/receipt-reconciler/internal/scanning"
)

// config holds the flags shared by every subcommand
type config struct {
	logLevel *string

	dbBackend   *string
	dbPath      *string
	databaseURL *string
	storagePath *string

	rootFolder    *string
	clientID      *string
	clientSecret  *string
	accessToken   *string
	refreshToken  *string
	tokenExpiry   *string
	precedence    *string
	acceptSession *bool
	refreshMargin *time.Duration

	extractorType   *string
	geminiKey       *string
	geminiModel     *string
	ollamaURL       *string
	ollamaModel     *string
	extractAttempts *int
	extractTimeout  *time.Duration
	extractPerMin   *int

	storageWorkers    *int
	extractionWorkers *int
	callTimeout       *time.Duration

	windowDays     *int
	toleranceCents *int
	autoConfirm    *float64
}

func registerConfig(fs *ff.FlagSet) *config {
	return &config{
		logLevel: fs.StringLong("log-level", "info", "log level: debug, info, warn or error"),

		dbBackend:   fs.StringLong("db-backend", "bolt", "match store: 'bolt' or 'postgres'"),
		dbPath:      fs.StringLong("db", "receipt-reconciler.db", "BoltDB file path"),
		databaseURL: fs.StringLong("database-url", "", "PostgreSQL connection string (db-backend=postgres)"),
		storagePath: fs.StringLong("storage", "./receipts", "document cache directory"),

		rootFolder:    fs.StringLong("drive-root", "", "Drive folder id holding the year/month receipt folders"),
		clientID:      fs.StringLong("oauth-client-id", "", "OAuth client id used to refresh Drive tokens"),
		clientSecret:  fs.StringLong("oauth-client-secret", "", "OAuth client secret"),
		accessToken:   fs.StringLong("access-token", "", "Drive access token from the process environment"),
		refreshToken:  fs.StringLong("refresh-token", "", "Drive refresh token from the process environment"),
		tokenExpiry:   fs.StringLong("token-expiry", "", "access token expiry (RFC3339)"),
		precedence:    fs.StringLong("credential-precedence", "", "'session-first' or 'process-first'; required when both are configured"),
		acceptSession: fs.BoolLong("accept-session-credentials", "let clients supply Drive credentials over the API"),
		refreshMargin: fs.DurationLong("refresh-margin", credential.DefaultSafetyMargin, "refresh tokens this long before expiry"),

		extractorType:   fs.StringLong("extractor", "gemini", "document extractor: 'gemini' or 'ollama'"),
		geminiKey:       fs.StringLong("gemini-key", "", "Google Gemini API key"),
		geminiModel:     fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name"),
		ollamaURL:       fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL"),
		ollamaModel:     fs.StringLong("ollama-model", "llava", "Ollama model name"),
		extractAttempts: fs.IntLong("extract-attempts", scanning.DefaultAttempts, "extraction attempts for transient failures"),
		extractTimeout:  fs.DurationLong("extract-timeout", scanning.DefaultTimeout, "timeout per extraction attempt"),
		extractPerMin:   fs.IntLong("extract-per-minute", 0, "maximum extraction calls per minute (0 = unlimited)"),

		storageWorkers:    fs.IntLong("storage-workers", reconcile.DefaultStorageWorkers, "concurrent downloads"),
		extractionWorkers: fs.IntLong("extraction-workers", reconcile.DefaultExtractionWorkers, "concurrent extractions"),
		callTimeout:       fs.DurationLong("call-timeout", reconcile.DefaultCallTimeout, "grace period for in-flight calls after cancellation"),

		windowDays:     fs.IntLong("window-days", matching.DefaultWindowDays, "date window for match candidates"),
		toleranceCents: fs.IntLong("amount-tolerance-cents", 0, "allowed amount difference in cents"),
		autoConfirm:    fs.Float64Long("autoconfirm-threshold", matching.DefaultAutoConfirmThreshold, "score at which an unambiguous proposal is reported as auto-confirmable"),
	}
}

func (c *config) setupLogging() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(*c.logLevel)); err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

// app is the wired object graph
type app struct {
	db      receipt.DB
	storage *receipt.LocalStorage
	session *credential.SessionSource
	tokens  *credential.Store
	drive   *drive.Client
	loader  *ledger.Loader
	service *receipt.Service
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("Failed to close resource", "error", err)
		}
	}
}

func (c *config) openDB(ctx context.Context) (receipt.DB, error) {
	switch *c.dbBackend {
	case "bolt":
		slog.Info("Initializing database...", "backend", "bolt", "path", *c.dbPath)
		return receipt.NewBoltDB(*c.dbPath)
	case "postgres":
		if *c.databaseURL == "" {
			return nil, errors.New("--database-url is required for the postgres backend")
		}
		slog.Info("Initializing database...", "backend", "postgres")
		pool, err := receipt.NewPool(ctx, *c.databaseURL)
		if err != nil {
			return nil, err
		}
		db, err := receipt.NewPostgresDB(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("invalid db backend %q (want bolt or postgres)", *c.dbBackend)
	}
}

func (c *config) processSource() (*credential.StaticSource, error) {
	if *c.accessToken == "" && *c.refreshToken == "" {
		return nil, nil
	}
	var expiry time.Time
	if *c.tokenExpiry != "" {
		t, err := time.Parse(time.RFC3339, *c.tokenExpiry)
		if err != nil {
			return nil, fmt.Errorf("parsing token expiry: %w", err)
		}
		expiry = t
	}
	return credential.NewStaticSource(*c.accessToken, *c.refreshToken, expiry), nil
}

// build wires storage, credentials and the Drive client
func (c *config) build(ctx context.Context) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	db, err := c.openDB(ctx)
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	a.storage, err = receipt.NewLocalStorage(*c.storagePath)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}

	precedence, err := credential.ParsePrecedence(strings.TrimSpace(*c.precedence))
	if err != nil {
		return nil, err
	}
	process, err := c.processSource()
	if err != nil {
		return nil, err
	}
	if *c.acceptSession {
		a.session = credential.NewSessionSource()
	}
	chain, err := credential.NewChain(precedence, a.session, process)
	if err != nil {
		return nil, fmt.Errorf("configuring credentials: %w", err)
	}

	var refresher credential.Refresher
	if *c.clientID != "" {
		refresher = credential.NewOAuth2Refresher(*c.clientID, *c.clientSecret)
	}
	a.tokens = credential.NewStore(chain, refresher, credential.WithSafetyMargin(*c.refreshMargin))

	a.drive, err = drive.NewClient(ctx, a.tokens)
	if err != nil {
		return nil, fmt.Errorf("initializing drive client: %w", err)
	}

	a.loader = ledger.NewLoader(a.db)
	a.service = receipt.NewService(a.db, a.storage, a.drive)

	ok = true
	return a, nil
}

func (c *config) extractor(ctx context.Context) (scanning.Extractor, error) {
	var (
		base scanning.Extractor
		err  error
	)
	switch *c.extractorType {
	case "gemini":
		apiKey := *c.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("gemini API key is required: set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini extractor...", "model", *c.geminiModel)
		base, err = scanning.NewGemini(ctx, apiKey, *c.geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama extractor...", "url", *c.ollamaURL, "model", *c.ollamaModel)
		base, err = scanning.NewOllama(*c.ollamaURL, *c.ollamaModel)
	default:
		return nil, fmt.Errorf("invalid extractor %q (want gemini or ollama)", *c.extractorType)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing %s extractor: %w", *c.extractorType, err)
	}

	return scanning.NewRetrying(base,
		scanning.WithAttempts(*c.extractAttempts),
		scanning.WithTimeout(*c.extractTimeout),
		scanning.WithRateLimit(*c.extractPerMin),
	), nil
}

func (c *config) engine() (*matching.Engine, error) {
	mc := matching.DefaultConfig()
	mc.WindowDays = *c.windowDays
	mc.Tolerance = money.Cents(*c.toleranceCents)
	mc.AutoConfirmThreshold = *c.autoConfirm
	return matching.NewEngine(mc)
}

// orchestrator wires a reconcile.Orchestrator on top of a built app
func (c *config) orchestrator(ctx context.Context, a *app) (*reconcile.Orchestrator, error) {
	extractor, err := c.extractor(ctx)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, extractor.Close)

	engine, err := c.engine()
	if err != nil {
		return nil, err
	}

	walker := drive.NewWalker(a.drive)
	return reconcile.New(reconcile.Config{
		RootFolderID:      *c.rootFolder,
		StorageWorkers:    *c.storageWorkers,
		ExtractionWorkers: *c.extractionWorkers,
		CallTimeout:       *c.callTimeout,
	}, walker, a.drive, extractor, a.loader, a.db, engine, reconcile.WithCache(a.storage)), nil
}
