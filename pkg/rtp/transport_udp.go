package rtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/arzzra/plumber/pkg/pipeline"
	"github.com/pion/rtp"
)

// ErrNotStarted элемент еще не запущен
var ErrNotStarted = errors.New("транспорт не запущен")

// UDPServerSource принимает RTP по UDP на локальном адресе.
// После привязки сокета сообщает фактический порт слушателям OnBoundPort.
type UDPServerSource struct {
	pipeline.PortNotify

	name   string
	props  pipeline.Properties
	config TransportConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *net.UDPConn
	done chan struct{}

	dsMu       sync.RWMutex
	downstream pipeline.Sink

	stats counters
}

// NewUDPServerSource создает UDP приемник
func NewUDPServerSource(name string, props pipeline.Properties) (*UDPServerSource, error) {
	if err := validateProps(props, false); err != nil {
		return nil, err
	}
	config := DefaultTransportConfig(props.MediaType)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &UDPServerSource{
		name:   name,
		props:  props,
		config: config,
		logger: slog.Default().With(slog.String("component", "rtp"), slog.String("element", name)),
	}, nil
}

func (s *UDPServerSource) Name() string { return s.name }
func (s *UDPServerSource) Kind() string { return KindUDPServerSource }

// Properties параметры элемента. После первой привязки Port содержит
// фактический порт.
func (s *UDPServerSource) Properties() pipeline.Properties {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.props
}

// Start привязывает сокет и запускает чтение. Повторный вызов ничего не делает.
func (s *UDPServerSource) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp", joinHostPort(s.props.BindAddress, s.props.Port))
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("ошибка разрешения адреса привязки: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("ошибка создания UDP сокета: %w", err)
	}
	if err := applySockOpts(conn, s.config); err != nil {
		s.logger.Debug("Не удалось настроить сокет", slog.String("error", err.Error()))
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	// повторный запуск занимает тот же порт, о котором уже знает собеседник
	s.props.Port = port
	done := make(chan struct{})
	s.conn, s.done = conn, done
	s.mu.Unlock()

	go s.readLoop(conn, done)
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.Stop()
			case <-done:
			}
		}()
	}

	s.logger.Debug("UDP приемник привязан", slog.Int("port", port))
	s.NotifyBoundPort(port)
	return nil
}

// Stop закрывает сокет и дожидается завершения чтения
func (s *UDPServerSource) Stop() error {
	s.mu.Lock()
	conn, done := s.conn, s.done
	s.conn, s.done = nil, nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-done
	return err
}

// LocalAddr адрес сокета или nil если элемент не запущен
func (s *UDPServerSource) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *UDPServerSource) SetDownstream(sink pipeline.Sink) {
	s.dsMu.Lock()
	s.downstream = sink
	s.dsMu.Unlock()
}

func (s *UDPServerSource) Downstream() pipeline.Sink {
	s.dsMu.RLock()
	defer s.dsMu.RUnlock()
	return s.downstream
}

// Statistics возвращает счетчики элемента
func (s *UDPServerSource) Statistics() Statistics { return s.stats.snapshot() }

func (s *UDPServerSource) readLoop(conn *net.UDPConn, done chan struct{}) {
	defer close(done)

	buf := make([]byte, s.config.BufferSize)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.stats.errorsReceive.Add(1)
			continue
		}
		s.deliver(buf[:n])
	}
}

func (s *UDPServerSource) deliver(data []byte) {
	pkt, err := unmarshalPacket(data)
	if err != nil {
		s.stats.errorsReceive.Add(1)
		return
	}
	s.stats.packetsReceived.Add(1)
	s.stats.bytesReceived.Add(uint64(len(data)))

	if ds := s.Downstream(); ds != nil {
		if err := ds.Write(pkt); err != nil {
			s.logger.Debug("Ошибка передачи пакета", slog.String("error", err.Error()))
		}
	}
}

// UDPClientSink отправляет RTP по UDP на Host:Port
type UDPClientSink struct {
	name   string
	props  pipeline.Properties
	config TransportConfig

	mu   sync.RWMutex
	conn *net.UDPConn

	stats counters
}

// NewUDPClientSink создает UDP отправитель
func NewUDPClientSink(name string, props pipeline.Properties) (*UDPClientSink, error) {
	if err := validateProps(props, true); err != nil {
		return nil, err
	}
	config := DefaultTransportConfig(props.MediaType)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &UDPClientSink{
		name:   name,
		props:  props,
		config: config,
	}, nil
}

func (s *UDPClientSink) Name() string { return s.name }
func (s *UDPClientSink) Kind() string { return KindUDPClientSink }

// Properties параметры, с которыми создан элемент
func (s *UDPClientSink) Properties() pipeline.Properties { return s.props }

// RemoteAddr адрес назначения host:port
func (s *UDPClientSink) RemoteAddr() string { return joinHostPort(s.props.Host, s.props.Port) }

func (s *UDPClientSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	raddr, err := net.ResolveUDPAddr("udp", s.RemoteAddr())
	if err != nil {
		return fmt.Errorf("ошибка разрешения удаленного адреса: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("ошибка создания UDP соединения: %w", err)
	}
	applySockOpts(conn, s.config)
	s.conn = conn
	return nil
}

func (s *UDPClientSink) Stop() error {
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
func (s *UDPClientSink) Write(pkt *rtp.Packet) error {
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
		return fmt.Errorf("ошибка отправки RTP пакета: %w", err)
	}
	s.stats.packetsSent.Add(1)
	s.stats.bytesSent.Add(uint64(len(data)))
	return nil
}

// Statistics возвращает счетчики элемента
func (s *UDPClientSink) Statistics() Statistics { return s.stats.snapshot() }

func validateProps(props pipeline.Properties, needHost bool) error {
	if !props.MediaType.Valid() {
		return fmt.Errorf("недопустимый тип медиа: %s", props.MediaType)
	}
	if props.Port < 0 || props.Port > 65535 {
		return fmt.Errorf("недопустимый порт: %d", props.Port)
	}
	if needHost {
		if props.Host == "" {
			return fmt.Errorf("адрес назначения обязателен")
		}
		if props.Port == 0 {
			return fmt.Errorf("порт назначения обязателен")
		}
	}
	return nil
}
