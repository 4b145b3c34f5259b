package plumber

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/arzzra/plumber/pkg/pipeline"
	"github.com/arzzra/plumber/pkg/rtp"
)

// Значения конфигурации по умолчанию
const (
	DefaultLocalAddress   = "localhost"
	DefaultLocalPort      = 0
	DefaultRemotePort     = 9999
	DefaultBindTimeout    = 5 * time.Second
	DefaultConnectTimeout = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second
)

// Config конфигурация endpoint
type Config struct {
	// LocalAddress адрес для управляющего канала и принимающих элементов
	LocalAddress string `yaml:"local_address"`
	// LocalPort управляющий порт, 0 - любой свободный
	LocalPort int `yaml:"local_port"`
	// RemoteAddress адрес собеседника. Пустой адрес - endpoint только принимает.
	RemoteAddress string `yaml:"remote_address"`
	RemotePort    int    `yaml:"remote_port"`

	BindTimeout    time.Duration `yaml:"bind_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Виды транспортных элементов из реестра
	ReceiverKind string `yaml:"receiver_kind"`
	SenderKind   string `yaml:"sender_kind"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		LocalAddress:   DefaultLocalAddress,
		LocalPort:      DefaultLocalPort,
		RemotePort:     DefaultRemotePort,
		BindTimeout:    DefaultBindTimeout,
		ConnectTimeout: DefaultConnectTimeout,
		RequestTimeout: DefaultRequestTimeout,
		ReceiverKind:   rtp.KindUDPServerSource,
		SenderKind:     rtp.KindUDPClientSink,
	}
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if c.LocalAddress == "" {
		return fmt.Errorf("локальный адрес обязателен")
	}
	if c.LocalPort < 0 || c.LocalPort > 65535 {
		return fmt.Errorf("недопустимый локальный порт: %d", c.LocalPort)
	}
	if c.RemotePort < 0 || c.RemotePort > 65535 {
		return fmt.Errorf("недопустимый удаленный порт: %d", c.RemotePort)
	}
	if c.RemoteAddress != "" && c.RemotePort == 0 {
		return fmt.Errorf("для удаленного адреса требуется порт")
	}
	if c.BindTimeout <= 0 {
		return fmt.Errorf("таймаут ожидания порта должен быть положительным")
	}
	if c.ConnectTimeout <= 0 || c.RequestTimeout <= 0 {
		return fmt.Errorf("таймауты управляющего канала должны быть положительными")
	}
	if c.ReceiverKind == "" || c.SenderKind == "" {
		return fmt.Errorf("виды транспортных элементов обязательны")
	}
	return nil
}

// Secure проверяет используются ли DTLS элементы
func (c Config) Secure() bool {
	return c.ReceiverKind == rtp.KindDTLSServerSource || c.SenderKind == rtp.KindDTLSClientSink
}

// Option опция endpoint
type Option func(*Endpoint)

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option {
	return func(ep *Endpoint) {
		if l != nil {
			ep.logger = l
		}
	}
}

// WithMetrics задает метрики
func WithMetrics(m *Metrics) Option {
	return func(ep *Endpoint) {
		ep.metrics = m
	}
}

// WithRegistry задает реестр элементов вместо стандартного
func WithRegistry(r *pipeline.Registry) Option {
	return func(ep *Endpoint) {
		ep.registry = r
	}
}

// WithControllerFactory задает фабрику управляющего канала
func WithControllerFactory(f ControllerFactory) Option {
	return func(ep *Endpoint) {
		ep.newController = f
	}
}
