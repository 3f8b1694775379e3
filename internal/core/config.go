package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	BaseDirName    = ".config/lattice"
	ConfigFileName = "lattice.hcl"
)

// DefaultMaxMessageSize caps frames when the config does not say otherwise.
const DefaultMaxMessageSize = 128 * 1024

// Config is the global configuration instance, set by Load.
var Config *Configuration

// Configuration is the parsed lattice.hcl plus runtime settings.
type Configuration struct {
	ConfigPath     string // directory the config was loaded from
	Verbose        int
	PythonPath     string
	ConnectTimeout time.Duration
	MaxMessageSize int
	ModuleCacheDir string
	Hosts          map[string]*HostConfig
}

// HostConfig describes one connectable host: which method spawns it, how to
// reach it, and optionally which configured host to hop through.
type HostConfig struct {
	Name       string `hcl:"name,label"`
	Method     string `hcl:"method,optional"`
	Hostname   string `hcl:"hostname,optional"`
	Username   string `hcl:"username,optional"`
	Port       string `hcl:"port,optional"`
	Container  string `hcl:"container,optional"`
	PythonPath string `hcl:"python_path,optional"`
	Via        string `hcl:"via,optional"`

	// UseKeyring looks the host's password up in the system keyring under
	// its name.
	UseKeyring bool `hcl:"use_keyring,optional"`
}

type hclConfig struct {
	PythonPath     string        `hcl:"python_path,optional"`
	ConnectTimeout string        `hcl:"connect_timeout,optional"`
	MaxMessageSize int           `hcl:"max_message_size,optional"`
	ModuleCacheDir string        `hcl:"module_cache_dir,optional"`
	Hosts          []*HostConfig `hcl:"host,block"`
}

// Load parses configPath/lattice.hcl. A missing file yields defaults, so the
// CLI works out of the box for local connects.
func Load(configPath string) (*Configuration, error) {
	cfg := &Configuration{
		ConfigPath:     configPath,
		ConnectTimeout: 30 * time.Second,
		MaxMessageSize: DefaultMaxMessageSize,
		Hosts:          make(map[string]*HostConfig),
	}

	path := filepath.Join(configPath, ConfigFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	var raw hclConfig
	if err := hclsimple.DecodeFile(path, nil, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.PythonPath = raw.PythonPath
	if raw.MaxMessageSize > 0 {
		cfg.MaxMessageSize = raw.MaxMessageSize
	}
	cfg.ModuleCacheDir = raw.ModuleCacheDir
	if raw.ConnectTimeout != "" {
		d, err := time.ParseDuration(raw.ConnectTimeout)
		if err != nil {
			return nil, fmt.Errorf("parsing connect_timeout: %w", err)
		}
		cfg.ConnectTimeout = d
	}

	for _, h := range raw.Hosts {
		if h.Method == "" {
			h.Method = "local"
		}
		if _, dup := cfg.Hosts[h.Name]; dup {
			return nil, fmt.Errorf("duplicate host %q in %s", h.Name, path)
		}
		cfg.Hosts[h.Name] = h
	}
	return cfg, nil
}

// DefaultConfigPath is ~/.config/lattice.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return BaseDirName
	}
	return filepath.Join(home, BaseDirName)
}
