package main

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CLIArgs is the program's required positional contract: `program
// <port> <pipe-path-template> [exec-on-connect] [exec-on-disconnect]`.
type CLIArgs struct {
	Port             int
	PipeTemplate     string
	ExecOnConnect    string
	ExecOnDisconnect string
	ConfigPath       string
}

// AmbientConfig holds the settings the core protocol leaves
// unconstrained: socket tuning, the HTTP/metrics bind address, and
// hook execution limits. Loaded from an optional `-config` YAML file;
// every field has a working zero-config default.
type AmbientConfig struct {
	Socket SocketConfig `yaml:"socket"`
	HTTP   HTTPConfig   `yaml:"http"`
	Hooks  HooksConfig  `yaml:"hooks"`
}

// SocketConfig tunes the UDP receive path.
type SocketConfig struct {
	RecvBufferBytes int `yaml:"recv_buffer_bytes"` // SO_RCVBUF; 0 = leave at kernel default
}

// HTTPConfig controls the stats/metrics listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"` // "host:port"; empty = same port as the VBAN listener
}

// HooksConfig bounds how long a connect/disconnect hook may run
// before it's abandoned (the process itself never blocks on it —
// see hooks.go).
type HooksConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"` // default 5
}

func defaultAmbientConfig() AmbientConfig {
	return AmbientConfig{
		Socket: SocketConfig{RecvBufferBytes: 1 << 20},
		Hooks:  HooksConfig{TimeoutSeconds: 5},
	}
}

// ParseArgs parses the CLI contract from spec.md §6 plus the optional
// `-config` flag. The positional arguments are the load-bearing
// interface; `-config` only ever widens ambient behavior.
func ParseArgs(args []string) (CLIArgs, error) {
	fs := flag.NewFlagSet("vban2pipe", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional YAML file for ambient settings")
	if err := fs.Parse(args); err != nil {
		return CLIArgs{}, err
	}

	rest := fs.Args()
	if len(rest) < 2 {
		return CLIArgs{}, fmt.Errorf("usage: vban2pipe [-config file] <port> <pipe-path-template> [exec-on-connect] [exec-on-disconnect]")
	}

	var port int
	if _, err := fmt.Sscanf(rest[0], "%d", &port); err != nil {
		return CLIArgs{}, fmt.Errorf("invalid port %q: %w", rest[0], err)
	}
	if port <= 0 || port > 65535 {
		return CLIArgs{}, fmt.Errorf("port %d out of range (1-65535)", port)
	}

	cli := CLIArgs{
		Port:         port,
		PipeTemplate: rest[1],
		ConfigPath:   *configPath,
	}
	if len(rest) > 2 {
		cli.ExecOnConnect = rest[2]
	}
	if len(rest) > 3 {
		cli.ExecOnDisconnect = rest[3]
	}
	return cli, nil
}

// LoadAmbientConfig reads path, or returns the defaults if path is
// empty. Mirrors the teacher's LoadConfig/Validate shape.
func LoadAmbientConfig(path string) (AmbientConfig, error) {
	cfg := defaultAmbientConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return AmbientConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AmbientConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return AmbientConfig{}, err
	}
	return cfg, nil
}

// Validate rejects out-of-range ambient settings.
func (c *AmbientConfig) Validate() error {
	if c.Socket.RecvBufferBytes < 0 {
		return fmt.Errorf("socket.recv_buffer_bytes must be >= 0")
	}
	if c.Hooks.TimeoutSeconds < 1 {
		return fmt.Errorf("hooks.timeout_seconds must be >= 1 (0 would fire reap's timeout immediately)")
	}
	return nil
}
