package config

import (
	_ "embed"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
)

//go:embed example-config.yaml
var ExampleConfig string

type HomeserverConfig struct {
	// Domain is the server name this instance signs events as. It is
	// baked into every event and key and cannot change once rooms exist.
	Domain         string `yaml:"domain"`
	SigningKeyPath string `yaml:"signing_key_path"`
}

type FederationConfig struct {
	Address  string `yaml:"address"`
	Hostname string `yaml:"hostname"`
	Port     uint16 `yaml:"port"`
}

type EngineConfig struct {
	// RoomVersion overrides the default version for locally created rooms.
	RoomVersion string `yaml:"room_version"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	Federation FederationConfig  `yaml:"federation"`
	Engine     EngineConfig      `yaml:"engine"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Database   dbutil.Config     `yaml:"database"`
	Logging    zeroconfig.Config `yaml:"logging"`
}
