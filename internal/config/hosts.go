package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// HostProfile describes one remote host the server knows how to reach.
// Profiles are read from a YAML file at startup; the file is maintained by
// an external tool and treated as read-only input here.
type HostProfile struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	User          string `yaml:"user"`
	Password      string `yaml:"password"`
	KeyPath       string `yaml:"key_path"`
	KeyPassphrase string `yaml:"key_passphrase"`
}

// LoadHosts reads host profiles keyed by alias from a YAML file.
// A missing path returns an empty map rather than an error so the server
// can run with inline connection parameters only.
func LoadHosts(path string) (map[string]HostProfile, error) {
	if path == "" {
		return map[string]HostProfile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]HostProfile{}, nil
		}
		return nil, fmt.Errorf("read hosts file %s: %w", path, err)
	}

	hosts := make(map[string]HostProfile)
	if err := yaml.Unmarshal(data, &hosts); err != nil {
		return nil, fmt.Errorf("parse hosts file %s: %w", path, err)
	}
	for alias, h := range hosts {
		if h.Port == 0 {
			h.Port = 22
			hosts[alias] = h
		}
	}
	return hosts, nil
}
