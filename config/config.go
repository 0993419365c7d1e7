package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultListenAddress  = ":8545"
	defaultDataDir        = "./escrow-data"
	defaultEnvironment    = "local"
	defaultSlotSeconds    = 1
	defaultSkewSeconds    = 30
	maxSkewSeconds        = 300
	defaultHeaderTimeout  = 5
	defaultRequestsPerSec = 20
	defaultBurst          = 40
	defaultLogMaxSizeMB   = 100
	defaultLogMaxBackups  = 5
	defaultLogMaxAgeDays  = 28
)

type Config struct {
	ListenAddress        string          `toml:"ListenAddress"`
	DataDir              string          `toml:"DataDir"`
	Environment          string          `toml:"Environment"`
	GenesisTime          int64           `toml:"GenesisTime"`
	SlotDuration         uint64          `toml:"SlotDuration"`
	Assets               []string        `toml:"Assets"`
	AllowSelfArbitration bool            `toml:"AllowSelfArbitration"`
	DevFaucet            bool            `toml:"DevFaucet"`
	MaxRequestSkew       int64           `toml:"MaxRequestSkew"`
	RPCReadHeaderTimeout int             `toml:"RPCReadHeaderTimeout"`
	JournalPath          string          `toml:"JournalPath"`
	RateLimit            RateLimitConfig `toml:"rate_limit"`
	Logging              LoggingConfig   `toml:"logging"`
	Telemetry            TelemetryConfig `toml:"telemetry"`
}

// Load loads the configuration from the given path. A missing file is created
// with defaults so a fresh daemon can start without hand-written config.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = defaultDataDir
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = defaultEnvironment
	}
	if cfg.SlotDuration == 0 {
		cfg.SlotDuration = defaultSlotSeconds
	}
	if cfg.MaxRequestSkew == 0 {
		cfg.MaxRequestSkew = defaultSkewSeconds
	}
	if cfg.RPCReadHeaderTimeout == 0 {
		cfg.RPCReadHeaderTimeout = defaultHeaderTimeout
	}
	if cfg.Assets == nil {
		cfg.Assets = []string{}
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = defaultRequestsPerSec
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = defaultBurst
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = defaultLogMaxSizeMB
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = defaultLogMaxBackups
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = defaultLogMaxAgeDays
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
}

// createDefault creates and saves a default configuration file. Genesis is
// pinned to the creation time so slots keep counting across restarts.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		GenesisTime: time.Now().Unix(),
		Assets:      []string{"USDC", "NHB"},
		DevFaucet:   true,
	}
	cfg.applyDefaults()

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

	return toml.NewEncoder(f).Encode(cfg)
}

// Genesis returns the wall-clock time of slot zero.
func (cfg *Config) Genesis() time.Time { return time.Unix(cfg.GenesisTime, 0) }

// SlotLength returns the configured slot duration.
func (cfg *Config) SlotLength() time.Duration {
	return time.Duration(cfg.SlotDuration) * time.Second
}

// RequestSkew returns how far a signed request timestamp may drift.
func (cfg *Config) RequestSkew() time.Duration {
	return time.Duration(cfg.MaxRequestSkew) * time.Second
}

// ReadHeaderTimeout bounds how long the RPC server waits for request headers.
func (cfg *Config) ReadHeaderTimeout() time.Duration {
	return time.Duration(cfg.RPCReadHeaderTimeout) * time.Second
}

// StatePath is the LevelDB directory holding escrow and ledger state.
func (cfg *Config) StatePath() string { return filepath.Join(cfg.DataDir, "state") }

// ResolveJournalPath returns the event journal location, defaulting into
// DataDir.
func (cfg *Config) ResolveJournalPath() string {
	if path := strings.TrimSpace(cfg.JournalPath); path != "" {
		return path
	}
	return filepath.Join(cfg.DataDir, "events.db")
}
