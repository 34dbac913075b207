// ABOUTME: Configuration loading and parsing for tipjard
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tipjar-dev/tipjar/internal/amount"
)

// Config represents the complete tipjard configuration
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Node     NodeConfig     `yaml:"node"`
	Coin     CoinConfig     `yaml:"coin"`
	Withdraw WithdrawConfig `yaml:"withdraw"`
	Faucet   FaucetConfig   `yaml:"faucet"`
	Matrix   MatrixConfig   `yaml:"matrix"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// NodeConfig holds the coin node RPC endpoint configuration
type NodeConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// CoinConfig holds coin and deposit scanning parameters
type CoinConfig struct {
	Symbol  string `yaml:"symbol"`
	MinConf int    `yaml:"min_conf"`

	// Base58check version bytes accepted for withdrawal destinations
	P2PKHVersion byte `yaml:"p2pkh_version"`
	P2SHVersion  byte `yaml:"p2sh_version"`

	ScanInterval    time.Duration `yaml:"-"`
	ScanIntervalRaw string        `yaml:"scan_interval"`
}

// WithdrawConfig holds withdrawal parameters. The fee is a coin-denominated
// string parsed into base units at validation time.
type WithdrawConfig struct {
	Fee    int64  `yaml:"-"`
	FeeRaw string `yaml:"fee"`
}

// FaucetConfig holds faucet disbursement parameters. Amounts are
// coin-denominated strings parsed into base units at validation time.
type FaucetConfig struct {
	Amount    int64  `yaml:"-"`
	AmountRaw string `yaml:"amount"`
	Min       int64  `yaml:"-"`
	MinRaw    string `yaml:"min"`
	Max       int64  `yaml:"-"`
	MaxRaw    string `yaml:"max"`

	Interval    time.Duration `yaml:"-"`
	IntervalRaw string        `yaml:"interval"`
}

// MatrixConfig holds the chat frontend configuration
type MatrixConfig struct {
	Homeserver    string   `yaml:"homeserver"`
	UserID        string   `yaml:"user_id"`
	AccessToken   string   `yaml:"access_token"`
	CommandPrefix string   `yaml:"command_prefix"`
	AllowedRooms  []string `yaml:"allowed_rooms"`
	PickleKey     string   `yaml:"pickle_key"` // enables E2EE when set
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied where the file leaves a value unset.
const (
	DefaultSymbol        = "PEP"
	DefaultMinConf       = 5
	DefaultScanInterval  = 30 * time.Second
	DefaultNodeTimeout   = 30 * time.Second
	DefaultPrefix        = "!"
	DefaultP2PKHVersion  = 56 // Pepecoin mainnet
	DefaultP2SHVersion   = 22
	DefaultFee           = "1.0"
	DefaultFaucetAmount  = "50"
	DefaultFaucetMin     = "1"
	DefaultFaucetMax     = "500"
	DefaultFaucetWait    = 2 * time.Hour
)

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration and amount strings are parsed into their typed values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := parseAmounts(&cfg); err != nil {
		return nil, fmt.Errorf("parsing amounts: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Coin.Symbol == "" {
		c.Coin.Symbol = DefaultSymbol
	}
	if c.Coin.MinConf == 0 {
		c.Coin.MinConf = DefaultMinConf
	}
	if c.Coin.P2PKHVersion == 0 {
		c.Coin.P2PKHVersion = DefaultP2PKHVersion
	}
	if c.Coin.P2SHVersion == 0 {
		c.Coin.P2SHVersion = DefaultP2SHVersion
	}
	if c.Matrix.CommandPrefix == "" {
		c.Matrix.CommandPrefix = DefaultPrefix
	}
	if c.Withdraw.FeeRaw == "" {
		c.Withdraw.FeeRaw = DefaultFee
	}
	if c.Faucet.AmountRaw == "" {
		c.Faucet.AmountRaw = DefaultFaucetAmount
	}
	if c.Faucet.MinRaw == "" {
		c.Faucet.MinRaw = DefaultFaucetMin
	}
	if c.Faucet.MaxRaw == "" {
		c.Faucet.MaxRaw = DefaultFaucetMax
	}
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Node.URL == "" {
		return fmt.Errorf("node.url is required")
	}
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if c.Matrix.UserID == "" {
		return fmt.Errorf("matrix.user_id is required")
	}
	if c.Matrix.AccessToken == "" {
		return fmt.Errorf("matrix.access_token is required")
	}
	if c.Coin.MinConf < 1 {
		return fmt.Errorf("coin.min_conf must be at least 1")
	}
	if c.Withdraw.Fee < 0 {
		return fmt.Errorf("withdraw.fee cannot be negative")
	}
	if c.Faucet.Min > c.Faucet.Max {
		return fmt.Errorf("faucet.min (%s) exceeds faucet.max (%s)", c.Faucet.MinRaw, c.Faucet.MaxRaw)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	durations := []struct {
		raw string
		dst *time.Duration
		def time.Duration
		key string
	}{
		{cfg.Node.TimeoutRaw, &cfg.Node.Timeout, DefaultNodeTimeout, "node.timeout"},
		{cfg.Coin.ScanIntervalRaw, &cfg.Coin.ScanInterval, DefaultScanInterval, "coin.scan_interval"},
		{cfg.Faucet.IntervalRaw, &cfg.Faucet.Interval, DefaultFaucetWait, "faucet.interval"},
	}

	for _, d := range durations {
		if d.raw == "" {
			*d.dst = d.def
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", d.key, d.raw, err)
		}
		*d.dst = parsed
	}

	return nil
}

// parseAmounts converts the raw coin-denominated strings into base units
func parseAmounts(cfg *Config) error {
	amounts := []struct {
		raw string
		dst *int64
		key string
	}{
		{cfg.Withdraw.FeeRaw, &cfg.Withdraw.Fee, "withdraw.fee"},
		{cfg.Faucet.AmountRaw, &cfg.Faucet.Amount, "faucet.amount"},
		{cfg.Faucet.MinRaw, &cfg.Faucet.Min, "faucet.min"},
		{cfg.Faucet.MaxRaw, &cfg.Faucet.Max, "faucet.max"},
	}

	for _, a := range amounts {
		parsed, err := amount.Parse(a.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", a.key, a.raw, err)
		}
		*a.dst = parsed
	}

	return nil
}

// FaucetClaim clamps the configured faucet disbursement to [min, max].
func (c *Config) FaucetClaim() int64 {
	amt := c.Faucet.Amount
	if amt < c.Faucet.Min {
		amt = c.Faucet.Min
	}
	if amt > c.Faucet.Max {
		amt = c.Faucet.Max
	}
	return amt
}
