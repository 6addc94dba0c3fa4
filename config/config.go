package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"escrowchain/crypto"
	"escrowchain/storage"
)

const (
	defaultListenAddress  = ":8090"
	defaultSkewSeconds    = 120
	defaultRequestsPerMin = 60
	defaultBurst          = 10
	// DefaultGenesisBalance funds the generated sender key of a fresh
	// development config.
	DefaultGenesisBalance = "1000000000000000000000"
)

type Config struct {
	ListenAddress  string           `toml:"ListenAddress" yaml:"listenAddress"`
	DataDir        string           `toml:"DataDir" yaml:"dataDir"`
	StorageBackend string           `toml:"StorageBackend" yaml:"storageBackend"`
	JournalPath    string           `toml:"JournalPath" yaml:"journalPath"`
	Environment    string           `toml:"Environment" yaml:"environment"`
	LogFile        string           `toml:"LogFile" yaml:"logFile"`
	LogLevel       string           `toml:"LogLevel" yaml:"logLevel"`
	KeystoreDir    string           `toml:"KeystoreDir,omitempty" yaml:"keystoreDir,omitempty"`
	Parties        Parties          `toml:"Parties" yaml:"parties"`
	Genesis        []GenesisAccount `toml:"Genesis" yaml:"genesis"`
	Auth           Auth             `toml:"Auth" yaml:"auth"`
	RateLimit      RateLimit        `toml:"RateLimit" yaml:"rateLimit"`
	Telemetry      Telemetry        `toml:"Telemetry" yaml:"telemetry"`
}

// Load loads the configuration from the given path. Files ending in .yaml or
// .yml are decoded as YAML, everything else as TOML. A missing file is
// replaced by a development default with freshly generated party keys.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	if isYAML(path) {
		if err := decodeYAML(path, cfg); err != nil {
			return nil, err
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, err
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0].String())
		}
	}
	cfg.applyDefaults(path)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func decodeYAML(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("config file %s: decode yaml: %w", path, err)
	}
	return nil
}

func (cfg *Config) applyDefaults(path string) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if strings.TrimSpace(cfg.StorageBackend) == "" {
		cfg.StorageBackend = storage.BackendLevelDB
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = filepath.Join(filepath.Dir(path), "escrow-data")
	}
	if strings.TrimSpace(cfg.JournalPath) == "" {
		cfg.JournalPath = filepath.Join(cfg.DataDir, "journal.db")
	}
	if cfg.Auth.TimestampSkewSeconds == 0 {
		cfg.Auth.TimestampSkewSeconds = defaultSkewSeconds
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = defaultRequestsPerMin
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = defaultBurst
	}
}

// createDefault generates sender, receiver and arbitrator keystores next to
// the config file, funds the sender and saves the resulting configuration.
func createDefault(path string) (*Config, error) {
	keys := crypto.NewPartyKeys(filepath.Join(filepath.Dir(path), "keys"))
	roles := []string{"sender", "receiver", "arbitrator"}
	addrs := make([]string, len(roles))
	for i, role := range roles {
		key, err := keys.Generate(role, "")
		if err != nil {
			return nil, err
		}
		addrs[i] = key.PubKey().Address().String()
	}

	cfg := &Config{
		Environment: "dev",
		KeystoreDir: keys.Dir(),
		Parties: Parties{
			Sender:     addrs[0],
			Receiver:   addrs[1],
			Arbitrator: addrs[2],
		},
		Genesis: []GenesisAccount{{Address: addrs[0], Balance: DefaultGenesisBalance}},
	}
	cfg.applyDefaults(path)

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
