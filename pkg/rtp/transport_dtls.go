package rtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/arzzra/plumber/pkg/pipeline"
	"github.com/pion/dtls/v2"
	"github.com/pion/dtls/v2/pkg/crypto/selfsign"
	"github.com/pion/rtp"
)

// DTLSConfig конфигурация шифрованных элементов
type DTLSConfig struct {
	Certificates       []tls.Certificate
	InsecureSkipVerify bool
	HandshakeTimeout   time.Duration
	MTU                int
}

// DefaultHandshakeTimeout таймаут DTLS рукопожатия по умолчанию
const DefaultHandshakeTimeout = 10 * time.Second

// NewSelfSignedDTLSConfig создает конфигурацию с самоподписанным сертификатом.
// Проверка сертификата собеседника отключена.
func NewSelfSignedDTLSConfig() (DTLSConfig, error) {
	cert, err := selfsign.GenerateSelfSigned()
	if err != nil {
		return DTLSConfig{}, fmt.Errorf("ошибка генерации сертификата: %w", err)
	}
	return DTLSConfig{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		HandshakeTimeout:   DefaultHandshakeTimeout,
		MTU:                1200,
	}, nil
}

func (c DTLSConfig) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout <= 0 {
		return DefaultHandshakeTimeout
	}
	return c.HandshakeTimeout
}

// buildDTLSConfig создает конфигурацию pion/dtls
func (c DTLSConfig) buildDTLSConfig() *dtls.Config {
	timeout := c.handshakeTimeout()
	return &dtls.Config{
		Certificates:         c.Certificates,
		InsecureSkipVerify:   c.InsecureSkipVerify,
		MTU:                  c.MTU,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(context.Background(), timeout)
		},
	}
}

// DTLSServerSource принимает RTP поверх DTLS. Порт сообщается после
// привязки сокета, до появления первого собеседника.
type DTLSServerSource struct {
	pipeline.PortNotify

	name   string
	props  pipeline.Properties
	config DTLSConfig
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup

	dsMu       sync.RWMutex
	downstream pipeline.Sink

	stats counters
}

// NewDTLSServerSource создает DTLS приемник
func NewDTLSServerSource(name string, props pipeline.Properties, cfg DTLSConfig) (*DTLSServerSource, error) {
	if err := validateProps(props, false); err != nil {
		return nil, err
	}
	if len(cfg.Certificates) == 0 {
		return nil, fmt.Errorf("для DTLS приемника требуется сертификат")
	}
	return &DTLSServerSource{
		name:   name,
		props:  props,
		config: cfg,
		conns:  make(map[net.Conn]struct{}),
		logger: slog.Default().With(slog.String("component", "rtp"), slog.String("element", name)),
	}, nil
}

func (s *DTLSServerSource) Name() string { return s.name }
func (s *DTLSServerSource) Kind() string { return KindDTLSServerSource }

// Properties параметры элемента. После первой привязки Port содержит
// фактический порт.
func (s *DTLSServerSource) Properties() pipeline.Properties {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.props
}

func (s *DTLSServerSource) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp", joinHostPort(s.props.BindAddress, s.props.Port))
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("ошибка разрешения адреса привязки: %w", err)
	}
	ln, err := dtls.Listen("udp", addr, s.config.buildDTLSConfig())
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("ошибка создания DTLS слушателя: %w", err)
	}
	port := ln.Addr().(*net.UDPAddr).Port
	s.props.Port = port
	s.listener = ln
	s.wg.Add(1)
	s.mu.Unlock()

	go s.acceptLoop(ln)

	s.logger.Debug("DTLS приемник привязан", slog.Int("port", port))
	s.NotifyBoundPort(port)
	return nil
}

func (s *DTLSServerSource) Stop() error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	conns := s.conns
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()

	if ln == nil {
		return nil
	}
	err := ln.Close()
	for c := range conns {
		c.Close()
	}
	s.wg.Wait()
	return err
}

func (s *DTLSServerSource) SetDownstream(sink pipeline.Sink) {
	s.dsMu.Lock()
	s.downstream = sink
	s.dsMu.Unlock()
}

func (s *DTLSServerSource) Downstream() pipeline.Sink {
	s.dsMu.RLock()
	defer s.dsMu.RUnlock()
	return s.downstream
}

// Statistics возвращает счетчики элемента
func (s *DTLSServerSource) Statistics() Statistics { return s.stats.snapshot() }

func (s *DTLSServerSource) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.mu.Lock()
			closed := s.listener != ln
			s.mu.Unlock()
			if closed {
				return
			}
			s.logger.Debug("Ошибка DTLS рукопожатия", slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		if s.listener != ln {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.readLoop(conn)
	}
}

func (s *DTLSServerSource) readLoop(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	buf := make([]byte, DefaultBufferSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		pkt, err := unmarshalPacket(buf[:n])
		if err != nil {
			s.stats.errorsReceive.Add(1)
			continue
		}
		s.stats.packetsReceived.Add(1)
		s.stats.bytesReceived.Add(uint64(n))
		if ds := s.Downstream(); ds != nil {
			ds.Write(pkt)
		}
	}
}

// DTLSClientSink отправляет RTP поверх DTLS. Рукопожатие выполняется в Start.
type DTLSClientSink struct {
	name   string
	props  pipeline.Properties
	config DTLSConfig

	mu   sync.RWMutex
	conn *dtls.Conn

	stats counters
}

// NewDTLSClientSink создает DTLS отправитель
func NewDTLSClientSink(name string, props pipeline.Properties, cfg DTLSConfig) (*DTLSClientSink, error) {
	if err := validateProps(props, true); err != nil {
		return nil, err
	}
	return &DTLSClientSink{name: name, props: props, config: cfg}, nil
}

func (s *DTLSClientSink) Name() string { return s.name }
func (s *DTLSClientSink) Kind() string { return KindDTLSClientSink }

// Properties параметры, с которыми создан элемент
func (s *DTLSClientSink) Properties() pipeline.Properties { return s.props }

// RemoteAddr адрес назначения host:port
func (s *DTLSClientSink) RemoteAddr() string { return joinHostPort(s.props.Host, s.props.Port) }

func (s *DTLSClientSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	raddr, err := net.ResolveUDPAddr("udp", s.RemoteAddr())
	if err != nil {
		return fmt.Errorf("ошибка разрешения удаленного адреса: %w", err)
	}
	udpConn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("ошибка создания UDP соединения: %w", err)
	}
	applySockOpts(udpConn, DefaultTransportConfig(s.props.MediaType))

	if ctx == nil {
		ctx = context.Background()
	}
	hctx, cancel := context.WithTimeout(ctx, s.config.handshakeTimeout())
	defer cancel()

	conn, err := dtls.ClientWithContext(hctx, udpConn, s.config.buildDTLSConfig())
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("ошибка DTLS клиента: %w", err)
	}
	s.conn = conn
	return nil
}

func (s *DTLSClientSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Write реализует pipeline.Sink
func (s *DTLSClientSink) Write(pkt *rtp.Packet) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return ErrNotStarted
	}

	data, err := pkt.Marshal()
	if err != nil {
		s.stats.errorsSend.Add(1)
		return fmt.Errorf("ошибка сериализации RTP пакета: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		s.stats.errorsSend.Add(1)
		return fmt.Errorf("ошибка отправки DTLS пакета: %w", err)
	}
	s.stats.packetsSent.Add(1)
	s.stats.bytesSent.Add(uint64(len(data)))
	return nil
}

// Statistics возвращает счетчики элемента
func (s *DTLSClientSink) Statistics() Statistics { return s.stats.snapshot() }
