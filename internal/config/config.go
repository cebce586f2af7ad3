// Package config loads chaind's process configuration from a YAML file plus
// environment-variable overrides, grounded on the teacher's pkg/config
// (viper SetConfigName/AddConfigPath/AutomaticEnv, mapstructure tags) and
// cmd/config's thin AppConfig wrapper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable override; the key's
// section is part of the name, so storage.data_directory becomes
// CHAIND_STORAGE_DATA_DIRECTORY, per spec.md §6.4.
const EnvPrefix = "CHAIND"

// Config is the unified process configuration, mirroring every option of
// spec.md §6.4.
type Config struct {
	Network struct {
		P2PPort        int      `mapstructure:"p2p_port" yaml:"p2p_port"`
		ListenAddr     string   `mapstructure:"listen_addr" yaml:"listen_addr"`
		EnableP2P      bool     `mapstructure:"enable_p2p" yaml:"enable_p2p"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" yaml:"discovery_tag"`
		BootstrapNodes []string `mapstructure:"bootstrap_nodes" yaml:"bootstrap_nodes"`
	} `mapstructure:"network" yaml:"network"`

	Consensus struct {
		Type             string `mapstructure:"consensus" yaml:"consensus"`
		EnableMining     bool   `mapstructure:"enable_mining" yaml:"enable_mining"`
		MiningDifficulty int64  `mapstructure:"mining_difficulty" yaml:"mining_difficulty"`
		BlockGasLimit    uint64 `mapstructure:"block_gas_limit" yaml:"block_gas_limit"`
		BlockSizeLimit   int    `mapstructure:"block_size_limit" yaml:"block_size_limit"`
	} `mapstructure:"consensus" yaml:"consensus"`

	Storage struct {
		DataDirectory  string `mapstructure:"data_directory" yaml:"data_directory"`
		StateDirectory string `mapstructure:"state_directory" yaml:"state_directory"`
		Backend        string `mapstructure:"storage_backend" yaml:"storage_backend"`
	} `mapstructure:"storage" yaml:"storage"`

	Mempool struct {
		MaxSize int `mapstructure:"max_mempool_size" yaml:"max_mempool_size"`
	} `mapstructure:"mempool" yaml:"mempool"`

	API struct {
		Port     int    `mapstructure:"api_port" yaml:"api_port"`
		Host     string `mapstructure:"api_host" yaml:"api_host"`
		Username string `mapstructure:"api_username" yaml:"api_username"`
		Password string `mapstructure:"api_password" yaml:"api_password"`
	} `mapstructure:"api" yaml:"api"`

	Logging struct {
		Level string `mapstructure:"level" yaml:"level"`
		File  string `mapstructure:"file" yaml:"file"`
	} `mapstructure:"logging" yaml:"logging"`
}

// AppConfig holds the most recently loaded configuration.
var AppConfig Config

// Default returns a Config populated with the same defaults the bundled
// default.yaml ships, so a node can run unconfigured for local testing.
func Default() Config {
	var c Config
	c.Network.P2PPort = 30303
	c.Network.ListenAddr = "/ip4/0.0.0.0/tcp/30303"
	c.Network.EnableP2P = true
	c.Network.DiscoveryTag = "chaind-mainnet"
	c.Consensus.Type = "pow"
	c.Consensus.EnableMining = false
	c.Consensus.MiningDifficulty = 1
	c.Consensus.BlockGasLimit = 30_000_000
	c.Consensus.BlockSizeLimit = 1 << 20
	c.Storage.DataDirectory = "./data/blocks"
	c.Storage.StateDirectory = "./data/state"
	c.Storage.Backend = "kv"
	c.Mempool.MaxSize = 10000
	c.API.Port = 8645
	c.API.Host = "127.0.0.1"
	c.Logging.Level = "info"
	return c
}

// Load reads <configPath>/default.yaml, optionally merges <configPath>/<env>.yaml
// on top, applies CHAIND_-prefixed environment variable overrides, and
// stores the result in AppConfig. It mirrors pkg/config.Load's
// SetConfigName/AddConfigPath/MergeInConfig/AutomaticEnv sequence.
func Load(configPath, env string) (*Config, error) {
	v := viper.New()
	applyDefaults(v, Default())

	v.SetConfigName("default")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath("config")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read default config: %w", err)
		}
	}

	if env != "" {
		v.SetConfigName(env)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("config: merge %s config: %w", env, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	AppConfig = cfg
	return &cfg, nil
}

// Save writes cfg to <dir>/default.yaml, creating dir if needed. Unlike
// Load (which goes through viper), Save marshals directly with yaml.v3
// since there's no merge/override logic on the write path, only a literal
// rendering of the struct a future Load call can read back.
func Save(dir string, cfg Config) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create %s: %w", dir, err)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	path := filepath.Join(dir, "default.yaml")
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// applyDefaults seeds viper's internal defaults from a zero-dependency
// Config value so Load succeeds even with no config file present.
func applyDefaults(v *viper.Viper, d Config) {
	v.SetDefault("network.p2p_port", d.Network.P2PPort)
	v.SetDefault("network.listen_addr", d.Network.ListenAddr)
	v.SetDefault("network.enable_p2p", d.Network.EnableP2P)
	v.SetDefault("network.discovery_tag", d.Network.DiscoveryTag)
	v.SetDefault("network.bootstrap_nodes", d.Network.BootstrapNodes)
	v.SetDefault("consensus.consensus", d.Consensus.Type)
	v.SetDefault("consensus.enable_mining", d.Consensus.EnableMining)
	v.SetDefault("consensus.mining_difficulty", d.Consensus.MiningDifficulty)
	v.SetDefault("consensus.block_gas_limit", d.Consensus.BlockGasLimit)
	v.SetDefault("consensus.block_size_limit", d.Consensus.BlockSizeLimit)
	v.SetDefault("storage.data_directory", d.Storage.DataDirectory)
	v.SetDefault("storage.state_directory", d.Storage.StateDirectory)
	v.SetDefault("storage.storage_backend", d.Storage.Backend)
	v.SetDefault("mempool.max_mempool_size", d.Mempool.MaxSize)
	v.SetDefault("api.api_port", d.API.Port)
	v.SetDefault("api.api_host", d.API.Host)
	v.SetDefault("api.api_username", d.API.Username)
	v.SetDefault("api.api_password", d.API.Password)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
}
