// Package config loads the filebridge TOML configuration and applies
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"
)

const (
	EnvPort              = "FILEBRIDGE_PORT"
	EnvConnectionTimeout = "FILEBRIDGE_CONNECTION_TIMEOUT"
	EnvLogLevel          = "FILEBRIDGE_LOG_LEVEL"
)

// Remote types.
const (
	RemoteSFTP  = "sftp"
	RemoteS3    = "s3"
	RemoteLocal = "local"
)

// Duration is a time.Duration written as "5s" or "1m" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Server   Server   `toml:"server"`
	Log      Log      `toml:"log"`
	Transfer Transfer `toml:"transfer"`
	Watch    Watch    `toml:"watch"`
	Remote   Remote   `toml:"remote"`
}

type Server struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	// ConnectionTimeout closes idle websocket sessions.
	ConnectionTimeout Duration `toml:"connection_timeout"`
}

func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type Transfer struct {
	Workers   int `toml:"workers"`
	ChunkSize int `toml:"chunk_size"`
}

type Watch struct {
	Debounce      Duration       `toml:"debounce"`
	MaxRetries    int            `toml:"max_retries"`
	Registrations []Registration `toml:"registrations"`
}

type Registration struct {
	Local   string `toml:"local"`
	Remote  string `toml:"remote"`
	Enabled bool   `toml:"enabled"`
}

type Remote struct {
	Type  string `toml:"type"`
	Name  string `toml:"name,omitempty"`
	SFTP  SFTP   `toml:"sftp"`
	S3    S3     `toml:"s3"`
	Local Local  `toml:"local"`
}

type SFTP struct {
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	Username      string   `toml:"username"`
	Password      string   `toml:"password,omitempty"`
	KeyFile       string   `toml:"key_file,omitempty"`
	KeyPassphrase string   `toml:"key_passphrase,omitempty"`
	KnownHosts    string   `toml:"known_hosts,omitempty"`
	Timeout       Duration `toml:"timeout"`
}

type S3 struct {
	Endpoint  string `toml:"endpoint,omitempty"`
	Region    string `toml:"region"`
	Bucket    string `toml:"bucket"`
	Prefix    string `toml:"prefix,omitempty"`
	AccessKey string `toml:"access_key,omitempty"`
	SecretKey string `toml:"secret_key,omitempty"`
}

type Local struct {
	Root string `toml:"root"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: Server{
			Host:              "0.0.0.0",
			Port:              8080,
			ConnectionTimeout: Duration{time.Minute},
		},
		Log: Log{
			Level:  "info",
			Format: "console",
		},
		Transfer: Transfer{
			Workers:   2,
			ChunkSize: 32 * 1024,
		},
		Watch: Watch{
			Debounce:   Duration{5 * time.Second},
			MaxRetries: 3,
		},
		Remote: Remote{
			SFTP: SFTP{Port: 22, Timeout: Duration{10 * time.Second}},
		},
	}
}

// Load reads path on fs over the defaults, then applies the environment.
// An empty path yields the defaults plus the environment.
func Load(fs afero.Fs, path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Encode writes cfg as TOML to w.
func Encode(w io.Writer, cfg Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Save writes cfg as TOML.
func Save(fs afero.Fs, path string, cfg Config) error {
	var buf bytes.Buffer
	if err := Encode(&buf, cfg); err != nil {
		return err
	}
	return afero.WriteFile(fs, path, buf.Bytes(), 0600)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("$%s (%s) is not a valid port: %w", EnvPort, v, err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup(EnvConnectionTimeout); ok && v != "" {
		// plain integers are minutes
		if minutes, err := strconv.Atoi(v); err == nil {
			c.Server.ConnectionTimeout = Duration{time.Duration(minutes) * time.Minute}
		} else if d, err := time.ParseDuration(v); err == nil {
			c.Server.ConnectionTimeout = Duration{d}
		} else {
			return fmt.Errorf("$%s (%s) is not a valid timeout", EnvConnectionTimeout, v)
		}
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate rejects values nothing downstream can work with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.ConnectionTimeout.Duration <= 0 {
		errs = append(errs, errors.New("server.connection_timeout must be positive"))
	}
	if c.Transfer.Workers < 1 {
		errs = append(errs, fmt.Errorf("transfer.workers must be at least 1, got %d", c.Transfer.Workers))
	}
	if c.Transfer.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("transfer.chunk_size must be positive, got %d", c.Transfer.ChunkSize))
	}
	if c.Watch.Debounce.Duration <= 0 {
		errs = append(errs, errors.New("watch.debounce must be positive"))
	}
	if c.Watch.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("watch.max_retries must be at least 1, got %d", c.Watch.MaxRetries))
	}
	for i, r := range c.Watch.Registrations {
		if !strings.HasPrefix(r.Local, "/") || !strings.HasPrefix(r.Remote, "/") {
			errs = append(errs, fmt.Errorf("watch.registrations[%d]: roots must be absolute", i))
		}
	}
	switch c.Remote.Type {
	case "", RemoteSFTP, RemoteS3, RemoteLocal:
	default:
		errs = append(errs, fmt.Errorf("unknown remote.type %q", c.Remote.Type))
	}
	return errors.Join(errs...)
}
