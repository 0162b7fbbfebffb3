// ABOUTME: Client configuration for dispatch-admin loaded with viper
// ABOUTME: Flags override DISPATCH_* environment variables, which override admin.yaml

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type clientConfig struct {
	Server    string        `mapstructure:"server"`
	Token     string        `mapstructure:"token"`
	TokenFile string        `mapstructure:"token_file"`
	Output    string        `mapstructure:"output"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// configDir returns $XDG_CONFIG_HOME/coven or ~/.config/coven.
func configDir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "coven")
}

// loadClientConfig reads admin.yaml from the config directory, or cfgFile
// when set. A missing default file is not an error; a missing explicit one is.
func loadClientConfig(v *viper.Viper, cfgFile string) (*clientConfig, error) {
	v.SetDefault("server", "localhost:50051")
	v.SetDefault("token_file", filepath.Join(configDir(), "token"))
	v.SetDefault("output", string(formatText))
	v.SetDefault("timeout", 10*time.Second)

	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("admin")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg clientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if _, err := parseFormat(cfg.Output); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", cfg.Timeout)
	}
	return &cfg, nil
}

// resolveToken returns the operator token: explicit setting first, then
// COVEN_TOKEN, then the token file written by login or bootstrap.
func (c *clientConfig) resolveToken() (string, error) {
	if c.Token != "" {
		return c.Token, nil
	}
	if token := os.Getenv("COVEN_TOKEN"); token != "" {
		return token, nil
	}
	data, err := os.ReadFile(c.TokenFile)
	if errors.Is(err, os.ErrNotExist) {
		return "", errors.New("not logged in: run 'dispatch-admin login' or set DISPATCH_TOKEN")
	}
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", c.TokenFile)
	}
	return token, nil
}

// saveToken writes token to the token file, readable only by the user.
func (c *clientConfig) saveToken(token string) error {
	if err := os.MkdirAll(filepath.Dir(c.TokenFile), 0700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}
	if err := os.WriteFile(c.TokenFile, []byte(token+"\n"), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	return nil
}
