package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the daemon configuration, read from a YAML file.
type Config struct {
	// KeyDirectory holds one OpenPGP certificate per regular file.
	KeyDirectory string `yaml:"keyDirectory"`
	// ListenAddr is the address the well-known endpoints are served on.
	ListenAddr string `yaml:"listenAddr"`
	// Debug enables debug logging.
	Debug bool `yaml:"debug"`
}

const (
	DefaultKeyDirectory = "keys"
	DefaultListenAddr   = ":8080"
)

// Load reads the config file at path and applies defaults. A missing file
// is not an error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Config{
		KeyDirectory: DefaultKeyDirectory,
		ListenAddr:   DefaultListenAddr,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.KeyDirectory == "" {
		c.KeyDirectory = DefaultKeyDirectory
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
}
