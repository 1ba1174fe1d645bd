package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-reconciler/internal/api"
	"github.com/zombor/receipt-reconciler/internal/ledger"
	"github.com/zombor/receipt-reconciler/internal/reconcile"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error: loading .env: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	err := root.ParseAndRun(ctx, os.Args[1:], ff.WithEnvVarPrefix("RECONCILER"))
	switch {
	case err == nil:
	case errors.Is(err, ff.ErrHelp):
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(root.GetSelected()))
	default:
		if selected := root.GetSelected(); selected != nil && errors.Is(err, ff.ErrNoExec) {
			fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(selected))
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *ff.Command {
	rootFlags := ff.NewFlagSet("receipt-reconciler")
	cfg := registerConfig(rootFlags)

	root := &ff.Command{
		Name:      "receipt-reconciler",
		Usage:     "receipt-reconciler <subcommand> [flags]",
		ShortHelp: "match scanned receipts against bank transactions",
		Flags:     rootFlags,
	}
	root.Subcommands = []*ff.Command{
		newServeCommand(cfg, rootFlags),
		newReconcileCommand(cfg, rootFlags),
		newImportCommand(cfg, rootFlags),
	}
	return root
}

func newServeCommand(cfg *config, parent *ff.FlagSet) *ff.Command {
	fs := ff.NewFlagSet("serve").SetParent(parent)
	var (
		port     = fs.IntLong("port", 8080, "HTTP server port")
		authUser = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
	)

	return &ff.Command{
		Name:      "serve",
		Usage:     "receipt-reconciler serve [flags]",
		ShortHelp: "run the review API",
		Flags:     fs,
		Exec: func(ctx context.Context, _ []string) error {
			if err := cfg.setupLogging(); err != nil {
				return err
			}
			a, err := cfg.build(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			orchestrator, err := cfg.orchestrator(ctx, a)
			if err != nil {
				return err
			}

			opts := []api.Option{
				api.WithImporter(a.loader),
				api.WithReconciler(orchestrator),
			}
			if a.session != nil {
				opts = append(opts, api.WithSessionCredentials(a.session))
			}
			server := api.NewServer(a.service, api.BasicAuth{Username: *authUser, Password: *authPass}, opts...)

			addr := fmt.Sprintf(":%d", *port)
			if *authUser != "" || *authPass != "" {
				slog.Info("Basic auth enabled", "user", *authUser)
			}
			return server.Start(ctx, addr)
		},
	}
}

func newReconcileCommand(cfg *config, parent *ff.FlagSet) *ff.Command {
	fs := ff.NewFlagSet("reconcile").SetParent(parent)
	now := time.Now()
	var (
		account = fs.StringLong("account", "", "bank account id for imported rows and matching")
		year    = fs.IntLong("year", now.Year(), "receipt folder year")
		month   = fs.IntLong("month", int(now.Month()), "receipt folder month (1-12)")
		csvPath = fs.StringLong("csv", "", "bank statement CSV to import before matching (optional)")
	)

	return &ff.Command{
		Name:      "reconcile",
		Usage:     "receipt-reconciler reconcile --account ID --year YYYY --month M [--csv FILE]",
		ShortHelp: "run one reconciliation pass and print its summary",
		Flags:     fs,
		Exec: func(ctx context.Context, _ []string) error {
			if err := cfg.setupLogging(); err != nil {
				return err
			}
			req := reconcile.Request{
				AccountID: *account,
				Year:      *year,
				Month:     time.Month(*month),
			}
			if *csvPath != "" {
				rows, err := readCSV(*csvPath)
				if err != nil {
					return err
				}
				req.Rows = rows
			}

			a, err := cfg.build(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			orchestrator, err := cfg.orchestrator(ctx, a)
			if err != nil {
				return err
			}
			summary, err := orchestrator.Run(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(summary)
		},
	}
}

func newImportCommand(cfg *config, parent *ff.FlagSet) *ff.Command {
	fs := ff.NewFlagSet("import").SetParent(parent)
	account := fs.StringLong("account", "", "bank account id for rows without an account column")

	return &ff.Command{
		Name:      "import",
		Usage:     "receipt-reconciler import --account ID FILE.csv",
		ShortHelp: "import a bank statement CSV into the ledger",
		Flags:     fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return errors.New("import needs exactly one CSV file")
			}
			if err := cfg.setupLogging(); err != nil {
				return err
			}
			rows, err := readCSV(args[0])
			if err != nil {
				return err
			}

			a, err := cfg.build(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			imported, err := a.loader.ImportTransactions(ctx, *account, rows)
			if err != nil {
				return err
			}
			return printJSON(map[string]int{"rows": len(rows), "imported": imported})
		},
	}
}

func readCSV(path string) ([]ledger.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening statement: %w", err)
	}
	defer f.Close()

	rows, err := ledger.ParseCSV(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return rows, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
