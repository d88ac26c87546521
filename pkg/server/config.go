package server

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the master's process configuration, distinct from the fleet
// configuration file it watches and distributes.
type Config struct {
	HTTPListenAddress string `yaml:"http_listen_address"`
	HTTPListenPort    int    `yaml:"http_listen_port"`

	// HubURL is the websocket endpoint of the upstream hub.
	HubURL string `yaml:"hub_url"`
	// FleetConfigFile maps agent identifiers to capability sets.
	FleetConfigFile string `yaml:"fleet_config_file"`
	StoragePath     string `yaml:"storage_path"`

	LogLevel string `yaml:"log_level"`
}

func DefaultConfig() Config {
	return Config{
		HTTPListenAddress: "127.0.0.1",
		HTTPListenPort:    8081,
		HubURL:            "ws://127.0.0.1:8090/v1/ingest",
		FleetConfigFile:   "./fleet.json",
		StoragePath:       "./fleetrelay.db",
		LogLevel:          "info",
	}
}

// LoadConfig reads a YAML config file over the defaults. An empty path just
// returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
