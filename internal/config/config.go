package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath   string `envconfig:"DATA_PATH" default:"/var/lib/portside"`
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8422"`
	LogPath    string `envconfig:"LOG_PATH" default:""`
	HostsPath  string `envconfig:"HOSTS_PATH" default:""`

	// Transport settings
	ConnectTimeout string `envconfig:"CONNECT_TIMEOUT" default:"20s"`

	// Relay settings
	ScrollbackBytes int `envconfig:"SCROLLBACK_BYTES" default:"1048576"`

	// Attach token settings
	AttachTokenTTL string `envconfig:"ATTACH_TOKEN_TTL" default:"12h"`

	// Audit settings
	AuditRetentionDays int `envconfig:"AUDIT_RETENTION_DAYS" default:"30"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("PORTSIDE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
