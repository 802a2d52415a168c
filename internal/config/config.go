// Package config loads the file-backed watchlink configuration.
// The file is JSON, optionally with comments and trailing commas.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/guseggert/watchlink/internal/files"
	"github.com/tidwall/jsonc"
)

// FileName is the config file looked up from the working directory.
const FileName = "watchlink.json"

// ErrCreatedDefault is returned when no config file existed and a template was written in its place.
// The template must be filled in before the client can connect.
var ErrCreatedDefault = errors.New("created default config file, fill it in and run again")

const header = "// watchlink configuration. Set the watcher port and the mTLS files, then run again.\n"

// Duration is a time.Duration written as a string such as "5s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

type Config struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// ServerName is the name on the watcher's certificate.
	ServerName string `json:"serverName"`

	CACert     string `json:"caCert"`
	ClientCert string `json:"clientCert"`
	ClientKey  string `json:"clientKey"`

	RequestTimeout   Duration `json:"requestTimeout"`
	HandshakeTimeout Duration `json:"handshakeTimeout"`

	LogLevel string `json:"logLevel"`
}

func Default() Config {
	return Config{
		Host:             "127.0.0.1",
		ServerName:       "localhost",
		CACert:           "certs/ca.pem",
		ClientCert:       "certs/client.pem",
		ClientKey:        "certs/client-key.pem",
		RequestTimeout:   Duration(30 * time.Second),
		HandshakeTimeout: Duration(10 * time.Second),
		LogLevel:         "info",
	}
}

func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d is out of range", c.Port)
	}
	if c.CACert == "" || c.ClientCert == "" || c.ClientKey == "" {
		return errors.New("caCert, clientCert and clientKey are required")
	}
	if c.RequestTimeout < 0 || c.HandshakeTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// Find returns the path of the nearest config file at or above dir, or "" if there is none.
func Find(dir string) (string, error) {
	return files.FindUp(FileName, dir)
}

// Load reads the config at path. Missing fields take their default values,
// and relative cert paths are resolved against the config file's directory.
// If path does not exist, a template is written there and ErrCreatedDefault is returned.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := WriteDefault(path); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", path, ErrCreatedDefault)
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	err = json.Unmarshal(jsonc.ToJSON(b), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	for _, p := range []*string{&cfg.CACert, &cfg.ClientCert, &cfg.ClientKey} {
		if !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	return &cfg, nil
}

// WriteDefault writes a config template to path, failing if the file already exists.
func WriteDefault(path string) error {
	b, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding default config: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()
	_, err = f.Write(append([]byte(header), append(b, '\n')...))
	if err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return f.Close()
}
