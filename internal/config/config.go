// Package config loads muxd settings from a YAML file and the
// environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/inoki/muxd/internal/channel"
	"github.com/inoki/muxd/internal/protocol"
)

// EnvPrefix prefixes every environment override, e.g. MUXD_SOCKET.
const EnvPrefix = "MUXD"

// Environment variables injected into every session's program.
const (
	EnvSocket  = EnvPrefix + "_SOCKET"
	EnvSession = EnvPrefix + "_SESSION"
)

// Config represents the merged muxd configuration.
type Config struct {
	Socket   string  `yaml:"socket"`
	Shell    string  `yaml:"shell"`
	Escape   string  `yaml:"escape"`
	Encoding string  `yaml:"encoding"`
	Log      Log     `yaml:"log"`
	Buffers  Buffers `yaml:"buffers"`
	Server   Server  `yaml:"server"`
}

type Log struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`
	// MaxSize rotates File (and session logs) past this many bytes.
	MaxSize int64 `yaml:"max_size"`
	// SessionDir, when set, records each session's output to a file there.
	SessionDir string `yaml:"session_dir"`
}

type Buffers struct {
	Initial int `yaml:"initial"`
	Ceiling int `yaml:"ceiling"`
	Chunk   int `yaml:"chunk"`
}

type Server struct {
	Backlog          int           `yaml:"backlog"`
	SpareHandles     int           `yaml:"spare_handles"`
	AcceptBackoff    time.Duration `yaml:"accept_backoff"`
	AcceptBackoffMax time.Duration `yaml:"accept_backoff_max"`
}

// envOverrides are read with envconfig as MUXD_SOCKET, MUXD_LOG_LEVEL
// and so on; empty values leave the file's settings alone.
type envOverrides struct {
	Socket    string
	Shell     string
	Escape    string
	Encoding  string
	LogLevel  string `split_words:"true"`
	LogFile   string `split_words:"true"`
	LogFormat string `split_words:"true"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Socket: DefaultSocketPath(),
		Escape: "^Aa",
		Log: Log{
			Level:   "info",
			Format:  "text",
			MaxSize: 10 * 1024 * 1024,
		},
		Buffers: Buffers{
			Initial: channel.DefaultBufferSize,
			Ceiling: channel.DefaultBufferCeiling,
			Chunk:   channel.DefaultChunkSize,
		},
		Server: Server{
			Backlog:          64,
			SpareHandles:     8,
			AcceptBackoff:    50 * time.Millisecond,
			AcceptBackoffMax: 2 * time.Second,
		},
	}
}

// DefaultSocketPath is $XDG_RUNTIME_DIR/muxd/default.sock, or
// /tmp/muxd-<uid>/default.sock without a runtime directory.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "muxd", "default.sock")
	}
	return filepath.Join(os.TempDir(), "muxd-"+strconv.Itoa(os.Getuid()), "default.sock")
}

// FindConfigFile finds the configuration file to use. An explicit path
// must exist; otherwise $MUXD_CONFIG, $XDG_CONFIG_HOME/muxd/config.yaml
// and $HOME/.muxd.yaml are tried in order. No file is not an error.
func FindConfigFile(specifiedFile string) (string, error) {
	if specifiedFile != "" {
		if _, err := os.Stat(specifiedFile); err == nil {
			return specifiedFile, nil
		}
		return "", fmt.Errorf("config file not found: %s", specifiedFile)
	}

	var candidates []string
	if env := os.Getenv(EnvPrefix + "_CONFIG"); env != "" {
		candidates = append(candidates, env)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		candidates = append(candidates, filepath.Join(xdg, "muxd", "config.yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".muxd.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", nil
}

// Load merges defaults, the configuration file (see FindConfigFile) and
// the environment, and validates the result.
func Load(specifiedFile string) (*Config, error) {
	cfg := Default()
	path, err := FindConfigFile(specifiedFile)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnvironment(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// ApplyEnvironment overrides settings from MUXD_* variables.
func (c *Config) ApplyEnvironment() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Socket, env.Socket)
	set(&c.Shell, env.Shell)
	set(&c.Escape, env.Escape)
	set(&c.Encoding, env.Encoding)
	set(&c.Log.Level, env.LogLevel)
	set(&c.Log.File, env.LogFile)
	set(&c.Log.Format, env.LogFormat)
	return nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Socket == "" {
		return errors.New("socket path is empty")
	}
	if _, _, err := ParseEscape(c.Escape); err != nil {
		return err
	}
	if c.Buffers.Initial <= 0 || c.Buffers.Chunk <= 0 {
		return errors.New("buffer sizes must be positive")
	}
	// Every control message must fit in a read buffer.
	if c.Buffers.Ceiling < protocol.MaxFrameSize {
		return fmt.Errorf("buffers.ceiling must be at least %d", protocol.MaxFrameSize)
	}
	if c.Server.SpareHandles < 1 {
		return errors.New("server.spare_handles must be at least 1")
	}
	if c.Server.AcceptBackoff <= 0 || c.Server.AcceptBackoffMax < c.Server.AcceptBackoff {
		return errors.New("server.accept_backoff must be positive and not above accept_backoff_max")
	}
	return nil
}

// BufferOptions turns the buffer settings into channel options.
func (c *Config) BufferOptions() channel.BufferOptions {
	return channel.BufferOptions{
		ReadCapacity:  c.Buffers.Initial,
		ReadCeiling:   c.Buffers.Ceiling,
		WriteCapacity: c.Buffers.Initial,
		WriteCeiling:  c.Buffers.Ceiling,
		ReadChunk:     c.Buffers.Chunk,
		WriteChunk:    c.Buffers.Chunk,
	}
}

// ParseEscape splits an escape setting such as "^Aa" into the command
// character (Ctrl-A) and the key that sends it literally ('a'). The
// command character may be caret notation, \xNN, or a single byte.
func ParseEscape(s string) (command, literal byte, err error) {
	if s == "" {
		return 0x01, 'a', nil
	}
	var rest string
	switch {
	case len(s) >= 2 && s[0] == '^':
		c := s[1]
		switch {
		case c >= 'A' && c <= 'Z':
			command = c - 'A' + 1
		case c >= 'a' && c <= 'z':
			command = c - 'a' + 1
		default:
			return 0, 0, fmt.Errorf("invalid escape %q", s)
		}
		rest = s[2:]
	case len(s) >= 4 && s[:2] == `\x`:
		v, perr := strconv.ParseUint(s[2:4], 16, 8)
		if perr != nil {
			return 0, 0, fmt.Errorf("invalid escape %q", s)
		}
		command = byte(v)
		rest = s[4:]
	default:
		command = s[0]
		rest = s[1:]
	}
	switch len(rest) {
	case 0:
		literal = 'a'
	case 1:
		literal = rest[0]
	default:
		return 0, 0, fmt.Errorf("invalid escape %q", s)
	}
	return command, literal, nil
}
