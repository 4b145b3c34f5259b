package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/arzzra/plumber/pkg/plumber"
	"github.com/arzzra/plumber/pkg/rtp"
	"gopkg.in/yaml.v3"
)

// fileConfig конфигурация процесса
type fileConfig struct {
	Endpoint    plumber.Config `yaml:"endpoint"`
	Send        string         `yaml:"send"`
	Secure      bool           `yaml:"secure"`
	MetricsAddr string         `yaml:"metrics_addr"`
	LogLevel    string         `yaml:"log_level"`
}

func defaultFileConfig() *fileConfig {
	return &fileConfig{
		Endpoint: plumber.DefaultConfig(),
		Send:     "none",
		LogLevel: "info",
	}
}

// loadConfig читает YAML поверх значений по умолчанию.
// Пустой путь означает конфигурацию по умолчанию.
func loadConfig(path string) (*fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение конфигурации: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("разбор конфигурации: %w", err)
	}
	return cfg, nil
}

// finalize применяет secure и проверяет результат
func (c *fileConfig) finalize() error {
	if c.Secure {
		c.Endpoint.ReceiverKind = rtp.KindDTLSServerSource
		c.Endpoint.SenderKind = rtp.KindDTLSClientSink
	}
	switch strings.ToLower(c.Send) {
	case "", "none", "audio", "video":
	default:
		return fmt.Errorf("недопустимое значение send: %q", c.Send)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return c.Endpoint.Validate()
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("недопустимый уровень логирования %q: %w", s, err)
	}
	return level, nil
}
