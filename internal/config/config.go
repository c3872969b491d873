// Package config loads the forkscope configuration file. Configuration
// errors are fatal at startup: the process exits before any polling begins.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

const (
	envConfigFile     = "FORKSCOPE_CONFIG"
	defaultConfigFile = "config.yaml"
)

// NodeConfig is the static identity and connection configuration of one
// observed node.
type NodeConfig struct {
	ID          int    `mapstructure:"id"`
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	// Implementation selects the client variant: "core" or "esplora".
	Implementation string `mapstructure:"implementation"`

	// Bitcoin Core style settings.
	RPCURL      string `mapstructure:"rpc_url"`
	RPCUser     string `mapstructure:"rpc_user"`
	RPCPassword string `mapstructure:"rpc_password"`
	UseREST     bool   `mapstructure:"use_rest"`

	// Esplora style settings.
	EsploraURL string `mapstructure:"esplora_url"`
}

// NetworkConfig is one independently observed chain.
type NetworkConfig struct {
	ID          int    `mapstructure:"id"`
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	// MinForkHeight bounds how deep header backfill reaches; headers below
	// are never tracked.
	MinForkHeight uint64 `mapstructure:"min_fork_height"`
	// MaxInterestingHeights caps how many fork/tip heights the collapsed
	// export keeps.
	MaxInterestingHeights int          `mapstructure:"max_interesting_heights"`
	Nodes                 []NodeConfig `mapstructure:"nodes"`
}

// RedisConfig enables mirroring change events to a Redis Stream.
type RedisConfig struct {
	URL   string `mapstructure:"url"`
	Topic string `mapstructure:"topic"`
}

// Config holds all configuration for forkscope.
type Config struct {
	Listen        string          `mapstructure:"listen"`
	StoreURL      string          `mapstructure:"store_url"`
	LogLevel      string          `mapstructure:"log_level"`
	QueryInterval time.Duration   `mapstructure:"query_interval"`
	WWWPath       string          `mapstructure:"www_path"`
	FooterHTML    string          `mapstructure:"footer_html"`
	RSSBaseURL    string          `mapstructure:"rss_base_url"`
	Redis         RedisConfig     `mapstructure:"redis"`
	Networks      []NetworkConfig `mapstructure:"networks"`
}

// Load reads the configuration file. The path comes from the
// FORKSCOPE_CONFIG environment variable, defaulting to config.yaml.
func Load() (*Config, error) {
	path := os.Getenv(envConfigFile)
	if path == "" {
		path = defaultConfigFile
	}
	return LoadFile(path)
}

// LoadFile reads and validates the configuration at the given path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("listen", ":2323")
	v.SetDefault("store_url", "./forkscope-db")
	v.SetDefault("log_level", "info")
	v.SetDefault("query_interval", "15s")
	v.SetDefault("redis.topic", "forkscope-changes")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Networks) == 0 {
		return fmt.Errorf("at least one network must be configured")
	}
	if c.QueryInterval <= 0 {
		return fmt.Errorf("query_interval must be positive")
	}

	networkIDs := make(map[int]struct{})
	for _, network := range c.Networks {
		if _, dup := networkIDs[network.ID]; dup {
			return fmt.Errorf("duplicate network id %d", network.ID)
		}
		networkIDs[network.ID] = struct{}{}

		if network.Name == "" {
			return fmt.Errorf("network %d has no name", network.ID)
		}
		if len(network.Nodes) == 0 {
			return fmt.Errorf("network %q has no nodes", network.Name)
		}
		if network.MaxInterestingHeights <= 0 {
			return fmt.Errorf("network %q: max_interesting_heights must be positive", network.Name)
		}

		nodeIDs := make(map[int]struct{})
		for _, node := range network.Nodes {
			if _, dup := nodeIDs[node.ID]; dup {
				return fmt.Errorf("network %q: duplicate node id %d", network.Name, node.ID)
			}
			nodeIDs[node.ID] = struct{}{}

			switch node.Implementation {
			case "core", "":
				if node.RPCURL == "" {
					return fmt.Errorf("network %q node %q: rpc_url is required", network.Name, node.Name)
				}
			case "esplora":
				if node.EsploraURL == "" {
					return fmt.Errorf("network %q node %q: esplora_url is required", network.Name, node.Name)
				}
			default:
				return fmt.Errorf("network %q node %q: unknown implementation %q",
					network.Name, node.Name, node.Implementation)
			}
		}
	}
	return nil
}
