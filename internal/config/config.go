// Package config provides functionality for managing configuration options
// for the application using command-line flags, a config file and environment variables.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Options holds the configuration values for the application.
type Options struct {
	// Port defines the server's listening address (ip:port).
	Port string `json:"port" yaml:"port"`

	// DatabaseDSN holds the database connection string for the application.
	DatabaseDSN string `json:"database_dsn" yaml:"database_dsn"`

	// Config is the path to the Config file.
	Config string `json:"-" yaml:"-"`

	// LogLevel is the minimum zap level.
	LogLevel string `json:"log_level" yaml:"log_level"`

	// CertDir holds ca.crt, server.crt and server.key.
	CertDir string `json:"cert_dir" yaml:"cert_dir"`

	// SessionSecret signs admin session tokens.
	SessionSecret string `json:"session_secret" yaml:"session_secret"`

	// MasterKey is the secret the field value encryption key is derived from.
	MasterKey string `json:"master_key" yaml:"master_key"`

	// SweepInterval is how often interrupted reconciliations are resumed. Zero disables the sweeper.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// Parse parses the command-line flags, the config file and environment variables,
// in that order of increasing precedence for the file and env, and returns the result.
func Parse(args []string) (*Options, error) {
	options := &Options{}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&options.Port, "a", "localhost:8443", "run on ip:port server")
	fs.StringVar(&options.DatabaseDSN, "d", "", "db address")
	fs.StringVar(&options.Config, "config", "config.json", "path to config file")
	fs.StringVar(&options.Config, "c", "config.json", "path to config file (shorthand)")
	fs.StringVar(&options.LogLevel, "l", "info", "log level")
	fs.StringVar(&options.CertDir, "certs", "certs", "directory with TLS material")
	fs.DurationVar(&options.SweepInterval, "sweep", 10*time.Minute, "reconcile sweeper interval, 0 to disable")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Override flags with environment variables if set
	if configPath := os.Getenv("CONFIG"); configPath != "" {
		options.Config = configPath
	}

	if options.Config != "" {
		if err := loadFile(options.Config, options); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("SERVER_ADDRESS"); v != "" {
		options.Port = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		options.DatabaseDSN = v
	}
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		options.SessionSecret = v
	}
	if v := os.Getenv("MASTER_KEY"); v != "" {
		options.MasterKey = v
	}

	return options, nil
}

// loadFile merges the config file into options. A missing file is not an error.
func loadFile(path string, options *Options) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error while reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, options)
	default:
		err = json.Unmarshal(data, options)
	}
	if err != nil {
		return fmt.Errorf("error while parsing config file: %w", err)
	}
	return nil
}
