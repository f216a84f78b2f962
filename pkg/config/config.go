// Package config holds the servient's configuration: hostname, catalogue
// port and the per-protocol server settings (port, optional TLS material).
package config

import (
	"fmt"
	"os"
	"path"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultConfigName is the configuration file name looked for when none is
// given explicitly.
const DefaultConfigName = "servient.yaml"

// DefaultEventBusBound is the per-subscriber buffer size used when a
// config file does not override it.
const DefaultEventBusBound = 128

// ServerConfig is the construction configuration for one protocol server.
type ServerConfig struct {
	// Enabled turns this binding on. Disabled servers are never started.
	Enabled bool `yaml:"enabled"`
	// Port this server listens on.
	Port int `yaml:"port"`
	// CertFile and KeyFile name the server's PEM certificate and key;
	// TLSEnabled reports whether both are set. cmd/coffee-machine does not
	// read them and always builds plain-scheme servers.
	CertFile string `yaml:"certFile,omitempty"`
	KeyFile  string `yaml:"keyFile,omitempty"`
}

// TLSEnabled reports whether this server should use the secure scheme variant.
func (s ServerConfig) TLSEnabled() bool {
	return s.CertFile != "" && s.KeyFile != ""
}

// ServientConfig is the top-level configuration used to construct a servient.
type ServientConfig struct {
	// Hostname used to build base URLs handed out in Thing Descriptions.
	// Defaults to the system FQDN.
	Hostname string `yaml:"hostname"`

	// CataloguePort enables the catalogue HTTP endpoint when > 0.
	CataloguePort int `yaml:"cataloguePort,omitempty"`

	// EventBusBound is a per-subscriber buffer size. It is loaded and
	// defaulted here but not passed on: every ExposedThing's observable bus
	// is created with eventbus.DefaultBound.
	EventBusBound int `yaml:"eventBusBound,omitempty"`

	HTTP ServerConfig `yaml:"http"`
	WS   ServerConfig `yaml:"ws"`
	// CoAP is validated like the others; cmd/coffee-machine does not start
	// a CoAP server from it.
	CoAP ServerConfig `yaml:"coap"`

	LogLevel string `yaml:"logLevel"`
	LogFile  string `yaml:"logFile,omitempty"`
}

// Default returns a ServientConfig with the HTTP binding enabled on 8080,
// the WebSocket binding enabled on 8081, CoAP and the catalogue disabled.
func Default() *ServientConfig {
	hostname, err := os.Hostname()
	if err != nil {
		logrus.Warningf("config: unable to determine hostname: %s", err)
		hostname = "localhost"
	}
	return &ServientConfig{
		Hostname:      hostname,
		EventBusBound: DefaultEventBusBound,
		HTTP:          ServerConfig{Enabled: true, Port: 8080},
		WS:            ServerConfig{Enabled: true, Port: 8081},
		CoAP:          ServerConfig{Enabled: false, Port: 5683},
		LogLevel:      "warning",
	}
}

// Load reads and merges a YAML configuration file onto the receiver's
// current values, then validates the result.
func (c *ServientConfig) Load(configFile string) error {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", configFile, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %q: %w", configFile, err)
	}
	return c.Validate()
}

// Validate checks that the configuration is internally consistent.
func (c *ServientConfig) Validate() error {
	if c.Hostname == "" {
		return fmt.Errorf("hostname must not be empty")
	}
	if c.CataloguePort != 0 && c.CataloguePort < 1024 {
		return fmt.Errorf("cataloguePort %d must be >= 1024", c.CataloguePort)
	}
	for name, server := range map[string]ServerConfig{"http": c.HTTP, "ws": c.WS, "coap": c.CoAP} {
		if server.Enabled && server.Port < 1 {
			return fmt.Errorf("%s server enabled with invalid port %d", name, server.Port)
		}
		if (server.CertFile == "") != (server.KeyFile == "") {
			return fmt.Errorf("%s server must set both certFile and keyFile, or neither", name)
		}
	}
	if c.EventBusBound <= 0 {
		c.EventBusBound = DefaultEventBusBound
	}
	return nil
}

// LoadFromArgs parses the -c flag for a configuration file path and loads it
// against Default(). Without -c it loads DefaultConfigName from the working
// directory if that file exists, and otherwise returns the defaults
// unchanged. Intended for command-line entry points; pass nil args to skip
// flag parsing entirely (eg when embedding the servient as a library).
func LoadFromArgs(args []string) (*ServientConfig, error) {
	cfg := Default()
	if args == nil {
		return cfg, nil
	}
	configFile := findConfigFlag(args)
	if configFile == "" {
		if _, err := os.Stat(DefaultConfigName); err == nil {
			configFile = DefaultConfigName
		} else {
			return cfg, nil
		}
	}
	if err := cfg.Load(configFile); err != nil {
		return cfg, err
	}
	logrus.Infof("config: loaded %s", path.Clean(configFile))
	return cfg, nil
}

// findConfigFlag does a minimal scan for "-c <file>" or "-c=<file>" without
// pulling in the flag package's global FlagSet, so LoadFromArgs can be
// called more than once in tests.
func findConfigFlag(args []string) string {
	for i, arg := range args {
		if arg == "-c" && i+1 < len(args) {
			return args[i+1]
		}
		if len(arg) > 3 && arg[:3] == "-c=" {
			return arg[3:]
		}
	}
	return ""
}
