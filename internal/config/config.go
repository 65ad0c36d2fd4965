// Package config loads and validates PathVault YAML configuration.
// It applies defaults so the daemon can rely on fully populated values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DBConfig holds database settings.
type DBConfig struct {
	Path string `yaml:"path"`
}

// SFTPConfig holds settings shared by all SFTP listeners.
type SFTPConfig struct {
	HostKeyPath string `yaml:"host_key_path"`
}

// FTPConfig holds settings shared by all FTP listeners.
type FTPConfig struct {
	PassivePorts string `yaml:"passive_ports"`
	PublicHost   string `yaml:"public_host"`
}

// Config mirrors the pathvault.yaml schema. Listeners themselves live in the
// database; the file carries only process-wide settings.
type Config struct {
	Log            LogConfig  `yaml:"log"`
	DB             DBConfig   `yaml:"db"`
	DataDir        string     `yaml:"data_dir"`
	DefaultRoot    string     `yaml:"default_root"`
	IdleTimeoutSec int        `yaml:"idle_timeout_sec"`
	SFTP           SFTPConfig `yaml:"sftp"`
	FTP            FTPConfig  `yaml:"ftp"`
}

// Load reads a YAML config file, applies defaults, and validates it.
// It returns a fully populated Config or a descriptive error.
func Load(path string) (Config, error) {
	var c Config
	if path == "" {
		return c, errors.New("config path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyDefaults(&c)
	if err := validate(&c); err != nil {
		return Config{}, err
	}
	c.DB.Path = strings.TrimSpace(c.DB.Path)
	c.DataDir = strings.TrimSpace(c.DataDir)
	c.DefaultRoot = strings.TrimSpace(c.DefaultRoot)
	c.SFTP.HostKeyPath = strings.TrimSpace(c.SFTP.HostKeyPath)
	return c, nil
}

// IdleTimeout returns the session idle timeout as a duration.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

// PassiveRange parses the "start-end" passive port range.
func (c Config) PassiveRange() (int, int, error) {
	return parsePortRange(c.FTP.PassivePorts)
}

func parsePortRange(s string) (int, int, error) {
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("passive_ports %q: want start-end", s)
	}
	start, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return 0, 0, fmt.Errorf("passive_ports %q: %w", s, err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return 0, 0, fmt.Errorf("passive_ports %q: %w", s, err)
	}
	if start <= 0 || end > 65535 || end < start {
		return 0, 0, fmt.Errorf("passive_ports %q: out of range", s)
	}
	return start, end, nil
}

// applyDefaults populates zero-values with sane defaults.
func applyDefaults(c *Config) {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.DB.Path == "" {
		c.DB.Path = "./data/pathvault.db"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.DefaultRoot == "" {
		c.DefaultRoot = c.DataDir
	}
	if c.IdleTimeoutSec == 0 {
		c.IdleTimeoutSec = 300
	}
	if c.SFTP.HostKeyPath == "" {
		c.SFTP.HostKeyPath = "./data/ssh_host_key"
	}
	if c.FTP.PassivePorts == "" {
		c.FTP.PassivePorts = "50000-50100"
	}
}

// validate performs basic sanity checks for required fields and ranges.
// It does not mutate the config.
func validate(c *Config) error {
	if strings.TrimSpace(c.Log.Level) == "" {
		return errors.New("log.level is required")
	}
	if c.DB.Path == "" {
		return errors.New("db.path is required")
	}
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.IdleTimeoutSec < 0 {
		return errors.New("idle_timeout_sec is invalid")
	}
	if c.SFTP.HostKeyPath == "" {
		return errors.New("sftp.host_key_path is required")
	}
	if _, _, err := parsePortRange(c.FTP.PassivePorts); err != nil {
		return err
	}
	return nil
}
