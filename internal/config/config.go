// Package config describes how hvctl reaches a Hyper-V host.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// The transports a Config can select.
const (
	TransportLocal = "local"
	TransportSSH   = "ssh"
)

// Config describes hvctl configuration.
type Config struct {
	// Transport is local or ssh. Default is local.
	Transport string `yaml:"transport,omitempty"`

	// Address, Username and Password are used by the ssh transport.
	Address  string `yaml:"address,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	PowerShell string `yaml:"powershell,omitempty"`
	ScriptDir  string `yaml:"script_dir,omitempty"`

	PowerTimeout time.Duration `yaml:"power_timeout,omitempty"`

	// LogLevel is info or debug. Default is info.
	LogLevel string `yaml:"log_level,omitempty"`
}

// Load reads the config file at path. If path is empty, the config is
// read from HYPERV_* environment variables instead.
func Load(path string) (*Config, error) {
	var result Config

	if path != "" {
		configFile, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %q", path)
		}
		defer configFile.Close()

		decoder := yaml.NewDecoder(configFile)
		decoder.KnownFields(true)
		if err = decoder.Decode(&result); err != nil {
			return nil, errors.Wrapf(err, "failed to decode config file %q", path)
		}
	} else {
		result.Transport = cleanEnv(os.Getenv("HYPERV_TRANSPORT"))
		result.Address = cleanEnv(os.Getenv("HYPERV_ADDRESS"))
		result.Username = cleanEnv(os.Getenv("HYPERV_USERNAME"))
		result.Password = cleanEnv(os.Getenv("HYPERV_PASSWORD"))
		result.PowerShell = cleanEnv(os.Getenv("HYPERV_POWERSHELL"))
		result.ScriptDir = cleanEnv(os.Getenv("HYPERV_SCRIPT_DIR"))
		result.LogLevel = cleanEnv(os.Getenv("HYPERV_LOG_LEVEL"))
		if v := cleanEnv(os.Getenv("HYPERV_POWER_TIMEOUT")); v != "" {
			timeout, err := time.ParseDuration(v)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid HYPERV_POWER_TIMEOUT %q", v)
			}
			result.PowerTimeout = timeout
		}
	}

	if err := result.validate(); err != nil {
		return nil, err
	}

	return &result, nil
}

func (c *Config) validate() error {
	if c.Transport == "" {
		c.Transport = TransportLocal
	}
	c.Transport = strings.ToLower(c.Transport)

	switch c.Transport {
	case TransportLocal:
	case TransportSSH:
		if c.Address == "" {
			return errors.New("address is required for the ssh transport (set via config file or HYPERV_ADDRESS env var)")
		}
		if c.Username == "" {
			return errors.New("username is required for the ssh transport (set via config file or HYPERV_USERNAME env var)")
		}
		if !strings.Contains(c.Address, ":") {
			c.Address += ":22"
		}
	default:
		return errors.Errorf("transport must be local or ssh, got: %s", c.Transport)
	}

	if c.PowerTimeout < 0 {
		return errors.Errorf("power_timeout cannot be negative, got: %v", c.PowerTimeout)
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	if c.LogLevel != "info" && c.LogLevel != "debug" {
		return errors.Errorf("log_level must be info or debug, got: %s", c.LogLevel)
	}

	return nil
}

func cleanEnv(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
		return v[1 : len(v)-1]
	}
	return v
}
