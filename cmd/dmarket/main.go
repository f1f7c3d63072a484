package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"dmarket/cmd/internal/passphrase"
	"dmarket/config"
	"dmarket/core"
	"dmarket/core/state"
	"dmarket/crypto"
	"dmarket/observability/logging"
	"dmarket/storage"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type globalFlags struct {
	configPath   string
	keystorePath string
	passEnv      string
}

// session is the opened ledger plus the caller's key material.
type session struct {
	cfg      *config.Config
	db       storage.Database
	market   *core.Market
	keystore string
	secret   *passphrase.Source
}

func (s *session) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *session) caller() (*crypto.PrivateState, error) {
	pass, err := s.secret.Get()
	if err != nil {
		return nil, err
	}
	ps, err := crypto.LoadFromKeystore(s.keystore, pass)
	if err != nil {
		return nil, fmt.Errorf("load keystore %s: %w", s.keystore, err)
	}
	return ps, nil
}

type command struct {
	usage string
	run   func(ctx context.Context, s *session, args []string, stdout, stderr io.Writer) int
}

var commands = map[string]command{
	"identity":  {"print the identifiers of the keystore", runIdentity},
	"offer":     {"list an item for sale", runOffer},
	"bid":       {"place or replace a delivery bid", runBid},
	"purchase":  {"buy an offer selecting a carrier", runPurchase},
	"pickup":    {"record pickup by the selected carrier", runPickup},
	"transit":   {"confirm the item is in transit (seller)", runTransit},
	"eta":       {"update the delivery estimate (carrier)", runETA},
	"delivered": {"mark the item delivered (carrier)", runDelivered},
	"confirm":   {"confirm delivery and release escrow (buyer)", runConfirm},
	"dispute":   {"dispute a delivered item (buyer)", runDispute},
	"resolve":   {"resolve a dispute with a full refund (seller)", runResolve},
	"rate":      {"rate a counterpart of a completed offer", runRate},
	"address":   {"open the delivery address (seller or carrier)", runAddress},
	"show":      {"show one offer", runShow},
	"offers":    {"list every offer", runOffers},
	"rank":      {"rank participants by rating", runRank},
	"score":     {"show the running score of a participant", runScore},
	"digest":    {"print the ledger digest", runDigest},
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: dmarket [--config path] [--keystore path] <command> [flags]")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintf(w, "  %-10s %s\n", "keygen", "create a new encrypted keystore")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-10s %s\n", name, commands[name].usage)
	}
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("dmarket", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var g globalFlags
	fs.StringVar(&g.configPath, "config", "./dmarket.toml", "path to the configuration file")
	fs.StringVar(&g.keystorePath, "keystore", "", "keystore of the acting participant (defaults to the configured one)")
	fs.StringVar(&g.passEnv, "passphrase-env", passphrase.DefaultEnv, "environment variable holding the keystore passphrase")
	fs.Usage = func() { usage(stderr) }
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if len(rest) == 0 {
		usage(stderr)
		return 1
	}

	secret := passphrase.NewSource(g.passEnv)
	if rest[0] == "keygen" {
		return runKeygen(g, secret, rest[1:], stdout, stderr)
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n", rest[0])
		usage(stderr)
		return 1
	}

	s, err := open(g, secret, stderr)
	if err != nil {
		return printError(stderr, err)
	}
	defer s.Close()
	return cmd.run(context.Background(), s, rest[1:], stdout, stderr)
}

func open(g globalFlags, secret *passphrase.Source, stderr io.Writer) (*session, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	logger := logging.SetupWithOptions(logging.Options{
		Service: cfg.ServiceName,
		Env:     cfg.Environment,
		File:    cfg.LogFile,
		Level:   logging.ParseLevel(cfg.LogLevel),
		Output:  stderr,
	})
	instance, err := cfg.Instance()
	if err != nil {
		return nil, err
	}
	db, err := storage.NewLevelDB(cfg.LedgerPath())
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	store, err := state.Open(db, cfg.MaxCommitRetries)
	if err != nil {
		db.Close()
		return nil, err
	}
	m, err := core.NewMarket(store, instance, cfg.EscrowToken, core.WithLogger(logger))
	if err != nil {
		db.Close()
		return nil, err
	}
	keystore := cfg.KeystorePath
	if strings.TrimSpace(g.keystorePath) != "" {
		keystore = g.keystorePath
	}
	return &session{cfg: cfg, db: db, market: m, keystore: keystore, secret: secret}, nil
}

func runKeygen(g globalFlags, secret *passphrase.Source, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", g.keystorePath, "keystore file to create")
	force := fs.Bool("force", false, "overwrite an existing keystore")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path := strings.TrimSpace(*out)
	if path == "" {
		cfg, err := config.Load(g.configPath)
		if err != nil {
			return printError(stderr, err)
		}
		path = cfg.KeystorePath
	}
	if _, err := os.Stat(path); err == nil && !*force {
		return printError(stderr, fmt.Errorf("keystore %s already exists; pass --force to replace it", path))
	}
	pass, err := secret.Get()
	if err != nil {
		return printError(stderr, err)
	}
	ps, err := crypto.GeneratePrivateState()
	if err != nil {
		return printError(stderr, err)
	}
	if err := crypto.SaveToKeystore(path, ps, pass); err != nil {
		return printError(stderr, err)
	}
	fmt.Fprintf(stdout, "Keystore written to %s\n", path)
	return 0
}

func printError(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func printJSON(stdout io.Writer, v interface{}) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return 1
	}
	return 0
}
