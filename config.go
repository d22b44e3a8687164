package btree

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config mirrors the YAML configuration file:
//
//	storage:
//	  file: /var/lib/kv/tree.db
//	  branching: 32
type Config struct {
	Storage struct {
		File      string `mapstructure:"file"`
		Branching int    `mapstructure:"branching"`
	} `mapstructure:"storage"`
}

// LoadConfig reads and unmarshals the configuration at path.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// OpenFromConfig opens the tree described by cfg.
func OpenFromConfig(cfg *Config) (*BTree, error) {
	return Open(cfg.Storage.File, cfg.Storage.Branching)
}
