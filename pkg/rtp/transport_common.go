// Package rtp содержит транспортные элементы конвейера для RTP поверх UDP и DTLS.
//
// Приемник (serversrc) слушает локальный порт и сообщает фактически занятый
// порт через pipeline.PortNotifier. Отправитель (clientsink) передает пакеты
// на удаленный адрес. Сокеты настраиваются под тип медиа: DSCP маркировка
// и размеры буферов (см. transport_socket_*.go).
package rtp

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/arzzra/plumber/pkg/pipeline"
	"github.com/pion/rtp"
)

const (
	// DefaultBufferSize размер буфера чтения (MTU Ethernet)
	DefaultBufferSize = 1500

	// SocketBufferSize размер буферов сокета
	SocketBufferSize = 65535

	// DSCP значения согласно RFC 4594
	DSCPExpeditedForwarding = 46 // EF для интерактивного аудио
	DSCPAssuredForwarding   = 34 // AF41 для видео
	DSCPBestEffort          = 0

	// Минимальный размер RTP заголовка
	rtpHeaderSize = 12
)

// Виды элементов, регистрируемые пакетом
const (
	KindUDPServerSource  = "udpserversrc"
	KindUDPClientSink    = "udpclientsink"
	KindDTLSServerSource = "dtlsserversrc"
	KindDTLSClientSink   = "dtlsclientsink"
)

// TransportConfig параметры сокета
type TransportConfig struct {
	BufferSize int // Размер буфера чтения
	DSCP       int // DSCP маркировка (0 = не задавать)
}

// DefaultTransportConfig возвращает настройки сокета для типа медиа
func DefaultTransportConfig(mt pipeline.MediaType) TransportConfig {
	cfg := TransportConfig{BufferSize: DefaultBufferSize, DSCP: DSCPExpeditedForwarding}
	if mt == pipeline.MediaVideo {
		cfg.DSCP = DSCPAssuredForwarding
	}
	return cfg
}

// Validate проверяет корректность настроек
func (c TransportConfig) Validate() error {
	if c.BufferSize < rtpHeaderSize {
		return fmt.Errorf("размер буфера должен быть не меньше %d", rtpHeaderSize)
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return fmt.Errorf("DSCP должен быть в диапазоне 0-63")
	}
	return nil
}

// Statistics счетчики транспортного элемента
type Statistics struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	ErrorsSend      uint64
	ErrorsReceive   uint64
}

type counters struct {
	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	errorsSend      atomic.Uint64
	errorsReceive   atomic.Uint64
}

func (c *counters) snapshot() Statistics {
	return Statistics{
		PacketsSent:     c.packetsSent.Load(),
		PacketsReceived: c.packetsReceived.Load(),
		BytesSent:       c.bytesSent.Load(),
		BytesReceived:   c.bytesReceived.Load(),
		ErrorsSend:      c.errorsSend.Load(),
		ErrorsReceive:   c.errorsReceive.Load(),
	}
}

// applySockOpts применяет настройки сокета. Ошибки отдельных опций
// не критичны (контейнеры, ограниченные права) и не прерывают работу.
func applySockOpts(conn *net.UDPConn, cfg TransportConfig) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("не удалось получить системный сокет: %w", err)
	}
	return raw.Control(func(fd uintptr) {
		setSockOptBuffers(fd, SocketBufferSize)
		if cfg.DSCP > 0 {
			setSockOptDSCP(fd, cfg.DSCP)
		}
	})
}

// unmarshalPacket разбирает датаграмму в RTP пакет.
// Буфер копируется, так как пакет ссылается на него.
func unmarshalPacket(buf []byte) (*rtp.Packet, error) {
	if len(buf) < rtpHeaderSize {
		return nil, fmt.Errorf("пакет слишком мал: %d байт", len(buf))
	}
	data := make([]byte, len(buf))
	copy(data, buf)

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("ошибка разбора RTP пакета: %w", err)
	}
	if pkt.Version != 2 {
		return nil, fmt.Errorf("неподдерживаемая версия RTP: %d", pkt.Version)
	}
	return pkt, nil
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Register регистрирует UDP элементы в реестре
func Register(reg *pipeline.Registry) {
	reg.Register(KindUDPServerSource, func(name string, props pipeline.Properties) (pipeline.Element, error) {
		return NewUDPServerSource(name, props)
	})
	reg.Register(KindUDPClientSink, func(name string, props pipeline.Properties) (pipeline.Element, error) {
		return NewUDPClientSink(name, props)
	})
}

// RegisterDTLS регистрирует DTLS элементы с общей конфигурацией
func RegisterDTLS(reg *pipeline.Registry, cfg DTLSConfig) {
	reg.Register(KindDTLSServerSource, func(name string, props pipeline.Properties) (pipeline.Element, error) {
		return NewDTLSServerSource(name, props, cfg)
	})
	reg.Register(KindDTLSClientSink, func(name string, props pipeline.Properties) (pipeline.Element, error) {
		return NewDTLSClientSink(name, props, cfg)
	})
}
