// Package config loads the TOML configuration files for the server and
// client binaries, falling back to defaults when no file is present.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// ServerConfig configures a running server.
type ServerConfig struct {
	BindAddress string   `toml:"bind_address"`
	PrivateKey  string   `toml:"privkey"`
	StoragePath string   `toml:"storage_path"`
	Clients     []string `toml:"clients"`
}

// DefaultServerConfig returns the fallback values used when no config file
// is present.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		BindAddress: "127.0.0.1:7878",
		PrivateKey:  "",
		StoragePath: "",
		Clients:     nil,
	}
}

// LoadServerConfig reads path, falling back to DefaultServerConfig when the
// file does not exist.
func LoadServerConfig(path string) (ServerConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultServerConfig(), nil
	}
	var cfg ServerConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return cfg, nil
}

// Dump renders cfg back to TOML text, for `phoenix dump-config`.
func (c ServerConfig) Dump() (string, error) {
	return dump(c)
}

// Write persists cfg as TOML to path.
func (c ServerConfig) Write(path string) error {
	return write(c, path)
}

// ClientConfig configures a running client.
type ClientConfig struct {
	PrivateKey    string `toml:"privkey"`
	ServerAddress string `toml:"server_address"`
	ServerPubkey  string `toml:"server_pubkey"`
}

// DefaultClientConfig returns the fallback values used when no config file
// is present.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PrivateKey:    "",
		ServerAddress: "127.0.0.1:7878",
		ServerPubkey:  "",
	}
}

// LoadClientConfig reads path, falling back to DefaultClientConfig when the
// file does not exist.
func LoadClientConfig(path string) (ClientConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultClientConfig(), nil
	}
	var cfg ClientConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return cfg, nil
}

// Dump renders cfg back to TOML text, for `phoenix dump-config`.
func (c ClientConfig) Dump() (string, error) {
	return dump(c)
}

// Write persists cfg as TOML to path.
func (c ClientConfig) Write(path string) error {
	return write(c, path)
}

func dump(v any) (string, error) {
	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(v); err != nil {
		return "", fmt.Errorf("config: encoding: %w", err)
	}
	return sb.String(), nil
}

func write(v any, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: creating %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(v); err != nil {
		return fmt.Errorf("config: encoding to %s: %w", path, err)
	}
	return nil
}
