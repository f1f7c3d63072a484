package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"dmarket/crypto"
)

const (
	DefaultServiceName   = "dmarket"
	DefaultEscrowToken   = "DMKT"
	DefaultListenAddress = "127.0.0.1:8545"
	DefaultDataDir       = "./dmarket-data"
	DefaultMaxRetries    = 8
)

type Config struct {
	ServiceName      string    `toml:"ServiceName" yaml:"service_name"`
	Environment      string    `toml:"Environment" yaml:"environment"`
	DataDir          string    `toml:"DataDir" yaml:"data_dir"`
	InstanceID       string    `toml:"InstanceID" yaml:"instance_id"`
	EscrowToken      string    `toml:"EscrowToken" yaml:"escrow_token"`
	KeystorePath     string    `toml:"KeystorePath" yaml:"keystore_path"`
	ListenAddress    string    `toml:"ListenAddress" yaml:"listen_address"`
	LogFile          string    `toml:"LogFile" yaml:"log_file"`
	LogLevel         string    `toml:"LogLevel" yaml:"log_level"`
	MaxCommitRetries int       `toml:"MaxCommitRetries" yaml:"max_commit_retries"`
	Telemetry        Telemetry `toml:"Telemetry" yaml:"telemetry"`
	Auth             Auth      `toml:"Auth" yaml:"auth"`
	RateLimit        RateLimit `toml:"RateLimit" yaml:"rate_limit"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint string `toml:"Endpoint" yaml:"endpoint"`
	Insecure bool   `toml:"Insecure" yaml:"insecure"`
	Traces   bool   `toml:"Traces" yaml:"traces"`
	Metrics  bool   `toml:"Metrics" yaml:"metrics"`
}

// Auth protects the daemon's write endpoints with HMAC signed bearer tokens.
type Auth struct {
	Enabled    bool   `toml:"Enabled" yaml:"enabled"`
	HMACSecret string `toml:"HMACSecret" yaml:"hmac_secret"`
	Issuer     string `toml:"Issuer" yaml:"issuer"`
	Audience   string `toml:"Audience" yaml:"audience"`
}

// RateLimit bounds requests per client address on the daemon API.
type RateLimit struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute" yaml:"requests_per_minute"`
	Burst             int     `toml:"Burst" yaml:"burst"`
}

type loadOptions struct {
	passphrase string
}

// Option customises Load.
type Option func(*loadOptions)

// WithKeystorePassphrase makes Load create a keystore protected by passphrase
// when the configured keystore does not exist yet.
func WithKeystorePassphrase(passphrase string) Option {
	return func(o *loadOptions) { o.passphrase = passphrase }
}

// Load loads the configuration from the given path. Files ending in .yaml or
// .yml are parsed as YAML, everything else as TOML. A missing file is created
// with defaults and a freshly generated instance id.
func Load(path string, opts ...Option) (*Config, error) {
	options := loadOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg, err = createDefault(path)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else if err := decode(path, cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults(path)
	if options.passphrase != "" {
		if err := ensureKeystore(cfg.KeystorePath, options.passphrase); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func decode(path string, cfg *Config) error {
	if isYAML(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return yaml.Unmarshal(data, cfg)
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %s has unknown field %s", path, undecoded[0])
	}
	return nil
}

func (c *Config) applyDefaults(path string) {
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = DefaultServiceName
	}
	if strings.TrimSpace(c.EscrowToken) == "" {
		c.EscrowToken = DefaultEscrowToken
	}
	c.EscrowToken = strings.ToUpper(strings.TrimSpace(c.EscrowToken))
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = DefaultDataDir
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if c.KeystorePath == "" {
		c.KeystorePath = defaultKeystorePath(path)
	}
	if c.MaxCommitRetries == 0 {
		c.MaxCommitRetries = DefaultMaxRetries
	}
}

// Instance decodes the configured market instance id.
func (c *Config) Instance() (crypto.InstanceID, error) {
	var id crypto.InstanceID
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(c.InstanceID), "0x"))
	if err != nil {
		return id, fmt.Errorf("instance id: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("instance id must be %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// LedgerPath is the directory holding the LevelDB ledger.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.DataDir, "ledger")
}

func ensureKeystore(path, passphrase string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	ps, err := crypto.GeneratePrivateState()
	if err != nil {
		return err
	}
	return crypto.SaveToKeystore(path, ps, passphrase)
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	var instance [32]byte
	if _, err := rand.Read(instance[:]); err != nil {
		return nil, err
	}
	cfg := &Config{
		ServiceName:      DefaultServiceName,
		Environment:      "local",
		DataDir:          DefaultDataDir,
		InstanceID:       hex.EncodeToString(instance[:]),
		EscrowToken:      DefaultEscrowToken,
		KeystorePath:     defaultKeystorePath(path),
		ListenAddress:    DefaultListenAddress,
		LogLevel:         "info",
		MaxCommitRetries: DefaultMaxRetries,
		Telemetry:        Telemetry{Endpoint: "localhost:4318", Insecure: true},
		RateLimit:        RateLimit{RequestsPerMinute: 600, Burst: 20},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "market.keystore")
}
