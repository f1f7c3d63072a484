package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dmarket/config"
	"dmarket/core"
	"dmarket/crypto"
	"dmarket/native/market"
)

const testPassphrase = "correct horse battery staple"

type cliEnv struct {
	t          *testing.T
	configPath string
	keystores  map[string]string
	callers    map[string]market.Caller
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DMARKET_PASSPHRASE", testPassphrase)

	configPath := filepath.Join(dir, "dmarket.toml")
	contents := "DataDir = \"" + filepath.ToSlash(filepath.Join(dir, "data")) + "\"\n" +
		"InstanceID = \"" + strings.Repeat("ab", 32) + "\"\n" +
		"LogLevel = \"error\"\n"
	if err := os.WriteFile(configPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	instance, err := cfg.Instance()
	if err != nil {
		t.Fatalf("instance: %v", err)
	}

	env := &cliEnv{t: t, configPath: configPath, keystores: map[string]string{}, callers: map[string]market.Caller{}}
	for _, name := range []string{"seller", "carrier", "buyer"} {
		ps, err := crypto.GeneratePrivateState()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		path := filepath.Join(dir, name+".keystore")
		if err := crypto.SaveToKeystoreLight(path, ps, testPassphrase); err != nil {
			t.Fatalf("save keystore: %v", err)
		}
		env.keystores[name] = path
		env.callers[name] = market.NewCaller(ps, instance)
	}
	return env
}

func (e *cliEnv) run(as string, args ...string) (string, string, int) {
	e.t.Helper()
	full := []string{"--config", e.configPath}
	if as != "" {
		full = append(full, "--keystore", e.keystores[as])
	}
	full = append(full, args...)
	var stdout, stderr bytes.Buffer
	code := run(full, &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func (e *cliEnv) mustRun(as string, args ...string) string {
	e.t.Helper()
	stdout, stderr, code := e.run(as, args...)
	if code != 0 {
		e.t.Fatalf("dmarket %v exited %d: %s", args, code, stderr)
	}
	return stdout
}

func decodeOffer(t *testing.T, raw string) core.OfferView {
	t.Helper()
	var view core.OfferView
	if err := json.Unmarshal([]byte(raw), &view); err != nil {
		t.Fatalf("decode offer: %v\n%s", err, raw)
	}
	return view
}

func TestCLIPurchaseFlow(t *testing.T) {
	env := newCLIEnv(t)

	listed := decodeOffer(t, env.mustRun("seller", "offer", "--item", "lamp-001", "--price", "50", "--seller-meta", `{"name":"Ada"}`))
	if listed.State != "Offered" || listed.Price != "50" || listed.SellerName != "Ada" {
		t.Fatalf("unexpected listing %+v", listed)
	}

	bid := decodeOffer(t, env.mustRun("carrier", "bid", "--offer", listed.ID, "--fee", "10"))
	if len(bid.Bids) != 1 || bid.Bids[0].Fee != "10" {
		t.Fatalf("unexpected bids %+v", bid.Bids)
	}

	carrierID := env.callers["carrier"].Carrier.String()
	bought := decodeOffer(t, env.mustRun("buyer", "purchase", "--offer", listed.ID, "--carrier", carrierID, "--address", "7 Harbour Row"))
	if bought.State != "Purchased" || bought.Locked != "60" || bought.Carrier != carrierID {
		t.Fatalf("unexpected purchase %+v", bought)
	}
	if len(bought.Bids) != 0 {
		t.Fatalf("expected bids to be cleared")
	}

	shown := env.mustRun("", "show", "--offer", listed.ID)
	if strings.Contains(shown, "Harbour") {
		t.Fatalf("delivery address leaked: %s", shown)
	}

	opened := env.mustRun("carrier", "address", "--offer", listed.ID)
	if !strings.Contains(opened, "7 Harbour Row") {
		t.Fatalf("carrier could not open the address: %s", opened)
	}
	if _, stderr, code := env.run("buyer", "address", "--offer", listed.ID); code == 0 || !strings.Contains(stderr, "not readable") {
		t.Fatalf("expected the buyer to be refused, got %d %s", code, stderr)
	}

	digest := env.mustRun("", "digest")
	if !strings.Contains(digest, `"treasury": "60"`) {
		t.Fatalf("unexpected digest output %s", digest)
	}
}

func TestCLIReportsEngineErrors(t *testing.T) {
	env := newCLIEnv(t)
	listed := decodeOffer(t, env.mustRun("seller", "offer", "--item", "chair", "--price", "5"))

	_, stderr, code := env.run("buyer", "purchase", "--offer", listed.ID, "--carrier", env.callers["carrier"].Carrier.String(), "--address", "x")
	if code != 1 || !strings.Contains(stderr, "No carriers found for the offer") {
		t.Fatalf("expected no carriers error, got %d %s", code, stderr)
	}

	_, stderr, code = env.run("seller", "bid", "--offer", listed.ID)
	if code != 1 || !strings.Contains(stderr, "--fee is required") {
		t.Fatalf("expected missing fee error, got %d %s", code, stderr)
	}
}

func TestCLIUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(nil, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "Usage: dmarket") {
		t.Fatalf("expected usage, got %s", stderr.String())
	}

	stderr.Reset()
	env := newCLIEnv(t)
	if _, errOut, code := env.run("", "bogus"); code != 1 || !strings.Contains(errOut, "Unknown command: bogus") {
		t.Fatalf("expected unknown command error, got %d %s", code, errOut)
	}
}
