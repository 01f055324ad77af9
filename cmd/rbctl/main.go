package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/text/unicode/norm"

	"github.com/itublockchain/ARIF/integrations/exports"
	"github.com/itublockchain/ARIF/native/requestbook"
	"github.com/itublockchain/ARIF/services/requestbook/bootstrap"
	"github.com/itublockchain/ARIF/services/requestbook/config"
	"github.com/itublockchain/ARIF/services/requestbook/engine"
)

const usageText = `Usage: rbctl [global flags] <command> [flags]

Commands:
  loans                 list visible loans (-status open|funded)
  borrower <address>    list a borrower's loans
  lender <address>      list the loans funded by a lender
  repay <id>            quote the amount due on a funded loan (-at unix)
  export                write an export (-format csv|jsonl|parquet -out path)

Global flags:
`

var errUsage = errors.New("usage")

type globals struct {
	configPath  string
	fixture     string
	rpcURL      string
	contract    string
	concurrency int
	json        bool
	verbose     bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var g globals
	fs := flag.NewFlagSet("rbctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&g.configPath, "config", "", "requestbookd config file (ledger and reconcile sections)")
	fs.StringVar(&g.fixture, "fixture", "", "JSON ledger fixture")
	fs.StringVar(&g.rpcURL, "rpc", os.Getenv("REQUESTBOOK_RPC_URL"), "JSON-RPC endpoint")
	fs.StringVar(&g.contract, "contract", os.Getenv("REQUESTBOOK_CONTRACT"), "RequestBook contract address")
	fs.IntVar(&g.concurrency, "concurrency", 8, "parallel ledger reads")
	fs.BoolVar(&g.json, "json", false, "emit JSON even on a terminal")
	fs.BoolVar(&g.verbose, "v", false, "log ledger retries to stderr")
	fs.Usage = func() {
		fmt.Fprint(stderr, usageText)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}

	err := dispatch(ctx, g, rest[0], rest[1:], stdout, stderr)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		fs.Usage()
		return 2
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
}

func dispatch(ctx context.Context, g globals, command string, args []string, stdout, stderr io.Writer) error {
	switch command {
	case "loans", "borrower", "lender", "repay", "export":
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}

	level := slog.LevelError
	if g.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	ledgerCfg, reconcileCfg, err := g.settings()
	if err != nil {
		return err
	}
	reader, closeLedger, err := bootstrap.Ledger(ctx, ledgerCfg, logger)
	if err != nil {
		return err
	}
	defer closeLedger()
	reconciler, err := bootstrap.Engine(reader, reconcileCfg, logger)
	if err != nil {
		return err
	}
	out := newPrinter(stdout, g.json)

	switch command {
	case "loans":
		return runLoans(ctx, reconciler, args, out)
	case "borrower":
		return runParty(ctx, args, out, reconciler.ReconcileForBorrower)
	case "lender":
		return runParty(ctx, args, out, reconciler.ReconcileForLender)
	case "repay":
		return runRepay(ctx, reconciler, args, out)
	default:
		return runExport(ctx, reconciler, args, stdout, stderr)
	}
}

// settings resolves the ledger source from -config or the inline flags.
func (g globals) settings() (config.LedgerConfig, config.ReconcileConfig, error) {
	if g.configPath != "" {
		cfg, err := config.Load(g.configPath)
		if err != nil {
			return config.LedgerConfig{}, config.ReconcileConfig{}, err
		}
		return cfg.Ledger, cfg.Reconcile, nil
	}
	ledgerCfg := config.LedgerConfig{
		RPCURL:      strings.TrimSpace(g.rpcURL),
		Contract:    strings.TrimSpace(g.contract),
		Fixture:     strings.TrimSpace(g.fixture),
		CallTimeout: 10 * time.Second,
		MaxAttempts: 3,
		MinBackoff:  200 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
	}
	if ledgerCfg.Fixture != "" {
		ledgerCfg.RPCURL = ""
	}
	if ledgerCfg.Fixture == "" && ledgerCfg.RPCURL == "" {
		return ledgerCfg, config.ReconcileConfig{}, fmt.Errorf("%w: one of -config, -fixture or -rpc is required", errUsage)
	}
	if ledgerCfg.RPCURL != "" && !common.IsHexAddress(ledgerCfg.Contract) {
		return ledgerCfg, config.ReconcileConfig{}, fmt.Errorf("-contract must be a hex address")
	}
	concurrency := g.concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return ledgerCfg, config.ReconcileConfig{Concurrency: concurrency, BorrowerIndex: true}, nil
}

func runLoans(ctx context.Context, reconciler *engine.Reconciler, args []string, out *printer) error {
	fs := flag.NewFlagSet("loans", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	status := fs.String("status", "", "open or funded")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	want, err := parseStatus(*status)
	if err != nil {
		return err
	}
	result, err := reconciler.ReconcileAll(ctx)
	if err != nil {
		return err
	}
	if want != "" {
		result.Views = requestbook.FilterStatus(result.Views, want)
	}
	return out.result(result)
}

func runParty(ctx context.Context, args []string, out *printer, reconcile func(context.Context, common.Address) (engine.Result, error)) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: expected exactly one address", errUsage)
	}
	account, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	result, err := reconcile(ctx, account)
	if err != nil {
		return err
	}
	return out.result(result)
}

func runRepay(ctx context.Context, reconciler *engine.Reconciler, args []string, out *printer) error {
	fs := flag.NewFlagSet("repay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	at := fs.Int64("at", 0, "evaluation time as unix seconds (default now)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: expected exactly one loan id", errUsage)
	}
	id, err := strconv.ParseUint(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid loan id %q", fs.Arg(0))
	}
	now := time.Now()
	if *at != 0 {
		now = time.Unix(*at, 0)
	}
	quote, err := reconciler.ComputeRepayment(ctx, id, now)
	if err != nil {
		return err
	}
	return out.quote(quote)
}

func runExport(ctx context.Context, reconciler *engine.Reconciler, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	format := fs.String("format", exports.FormatCSV, "csv, jsonl or parquet")
	path := fs.String("out", "", "output file (default stdout)")
	status := fs.String("status", "", "open or funded")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	want, err := parseStatus(*status)
	if err != nil {
		return err
	}
	result, err := reconciler.ReconcileAll(ctx)
	if err != nil {
		return err
	}
	views := result.Views
	if want != "" {
		views = requestbook.FilterStatus(views, want)
	}
	data, sum, err := exports.Render(*format, views, result.EvaluatedAt)
	if err != nil {
		return err
	}
	if *path == "" {
		_, err = stdout.Write(data)
		return err
	}
	if err := os.WriteFile(*path, data, 0o644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	fmt.Fprintf(stderr, "wrote %d loans to %s (sha256 %s)\n", len(views), *path, sum)
	return nil
}

// parseAddress accepts addresses pasted from wallets and explorers, which
// sometimes carry full width characters.
func parseAddress(raw string) (common.Address, error) {
	cleaned := strings.TrimSpace(norm.NFKC.String(raw))
	if !common.IsHexAddress(cleaned) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(cleaned), nil
}

func parseStatus(raw string) (requestbook.Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return "", nil
	case "open":
		return requestbook.StatusOpen, nil
	case "funded":
		return requestbook.StatusFunded, nil
	default:
		return "", fmt.Errorf("status must be open or funded, got %q", raw)
	}
}
