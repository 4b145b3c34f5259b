package rtp

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/arzzra/plumber/pkg/pipeline"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPacket(seq uint16) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 160,
			SSRC:           0x1234,
		},
		Payload: []byte{0xde, 0xad, 0xbe, 0xef},
	}
}

// collect подключает к источнику канал для полученных пакетов
func collect(src pipeline.Source) chan *rtp.Packet {
	ch := make(chan *rtp.Packet, 64)
	src.SetDownstream(pipeline.SinkFunc(func(pkt *rtp.Packet) error {
		select {
		case ch <- pkt:
		default:
		}
		return nil
	}))
	return ch
}

func TestDefaultTransportConfigDSCP(t *testing.T) {
	assert.Equal(t, DSCPExpeditedForwarding, DefaultTransportConfig(pipeline.MediaAudio).DSCP)
	assert.Equal(t, DSCPAssuredForwarding, DefaultTransportConfig(pipeline.MediaVideo).DSCP)

	assert.NoError(t, DefaultTransportConfig(pipeline.MediaAudio).Validate())
	assert.Error(t, TransportConfig{BufferSize: 4}.Validate())
	assert.Error(t, TransportConfig{BufferSize: DefaultBufferSize, DSCP: 64}.Validate())
}

func TestUDPServerSourceReportsBoundPort(t *testing.T) {
	src, err := NewUDPServerSource("src", pipeline.Properties{MediaType: pipeline.MediaAudio, BindAddress: "127.0.0.1"})
	require.NoError(t, err)

	ports := make(chan int, 1)
	cancel := src.OnBoundPort(func(p int) { ports <- p })
	defer cancel()

	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	// уведомление приходит синхронно внутри Start
	select {
	case p := <-ports:
		assert.Positive(t, p)
		assert.Equal(t, p, src.BoundPort())
	default:
		t.Fatal("порт не сообщен во время Start")
	}
}

func TestUDPElementsUseValidatedConfig(t *testing.T) {
	src, err := NewUDPServerSource("src", pipeline.Properties{MediaType: pipeline.MediaVideo, BindAddress: "127.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, DefaultTransportConfig(pipeline.MediaVideo), src.config)

	sink, err := NewUDPClientSink("sink", pipeline.Properties{MediaType: pipeline.MediaAudio, Host: "127.0.0.1", Port: 5004})
	require.NoError(t, err)
	assert.NoError(t, sink.config.Validate())
	assert.Equal(t, DSCPExpeditedForwarding, sink.config.DSCP)
}

func TestUDPServerSourceKeepsPortAcrossRestart(t *testing.T) {
	src, err := NewUDPServerSource("src", pipeline.Properties{MediaType: pipeline.MediaAudio, BindAddress: "127.0.0.1"})
	require.NoError(t, err)

	var ports []int
	cancel := src.OnBoundPort(func(p int) { ports = append(ports, p) })
	defer cancel()

	require.NoError(t, src.Start(context.Background()))
	first := src.BoundPort()
	require.Positive(t, first)
	assert.Equal(t, first, src.Properties().Port)

	require.NoError(t, src.Stop())
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	assert.Equal(t, []int{first, first}, ports)
	assert.Equal(t, first, src.LocalAddr().(*net.UDPAddr).Port)
}

func TestUDPRoundTrip(t *testing.T) {
	src, err := NewUDPServerSource("src", pipeline.Properties{MediaType: pipeline.MediaVideo, BindAddress: "127.0.0.1"})
	require.NoError(t, err)
	got := collect(src)
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	sink, err := NewUDPClientSink("sink", pipeline.Properties{
		MediaType: pipeline.MediaVideo,
		Host:      "127.0.0.1",
		Port:      src.BoundPort(),
	})
	require.NoError(t, err)

	assert.ErrorIs(t, sink.Write(testPacket(1)), ErrNotStarted)

	require.NoError(t, sink.Start(context.Background()))
	defer sink.Stop()

	require.Eventually(t, func() bool {
		if err := sink.Write(testPacket(7)); err != nil {
			return false
		}
		select {
		case pkt := <-got:
			return pkt.SequenceNumber == 7 && bytes.Equal(pkt.Payload, []byte{0xde, 0xad, 0xbe, 0xef})
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	assert.Positive(t, sink.Statistics().PacketsSent)
	assert.Positive(t, src.Statistics().PacketsReceived)
}

func TestUDPServerSourceStopsWithContext(t *testing.T) {
	src, err := NewUDPServerSource("src", pipeline.Properties{MediaType: pipeline.MediaAudio, BindAddress: "127.0.0.1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, src.Start(ctx))
	require.NotNil(t, src.LocalAddr())

	cancel()
	assert.Eventually(t, func() bool { return src.LocalAddr() == nil }, time.Second, 10*time.Millisecond)
}

func TestClientSinkRequiresDestination(t *testing.T) {
	_, err := NewUDPClientSink("sink", pipeline.Properties{MediaType: pipeline.MediaAudio, Port: 5000})
	assert.Error(t, err)
	_, err = NewUDPClientSink("sink", pipeline.Properties{MediaType: pipeline.MediaAudio, Host: "127.0.0.1"})
	assert.Error(t, err)
	_, err = NewUDPServerSource("src", pipeline.Properties{MediaType: pipeline.MediaType(9)})
	assert.Error(t, err)
}

func TestRegistryKinds(t *testing.T) {
	reg := pipeline.NewRegistry()
	Register(reg)
	cfg, err := NewSelfSignedDTLSConfig()
	require.NoError(t, err)
	RegisterDTLS(reg, cfg)

	assert.Equal(t, []string{KindDTLSClientSink, KindDTLSServerSource, KindUDPClientSink, KindUDPServerSource}, reg.Kinds())

	el, err := reg.Make(KindUDPServerSource, "x", pipeline.Properties{MediaType: pipeline.MediaAudio, BindAddress: "127.0.0.1"})
	require.NoError(t, err)
	_, ok := el.(pipeline.PortNotifier)
	assert.True(t, ok)
}

func TestDTLSRoundTrip(t *testing.T) {
	cfg, err := NewSelfSignedDTLSConfig()
	require.NoError(t, err)

	src, err := NewDTLSServerSource("dsrc", pipeline.Properties{MediaType: pipeline.MediaAudio, BindAddress: "127.0.0.1"}, cfg)
	require.NoError(t, err)
	got := collect(src)
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()
	require.Positive(t, src.BoundPort())

	sink, err := NewDTLSClientSink("dsink", pipeline.Properties{
		MediaType: pipeline.MediaAudio,
		Host:      "127.0.0.1",
		Port:      src.BoundPort(),
	}, cfg)
	require.NoError(t, err)
	require.NoError(t, sink.Start(context.Background()))
	defer sink.Stop()

	require.NoError(t, sink.Write(testPacket(42)))
	select {
	case pkt := <-got:
		assert.Equal(t, uint16(42), pkt.SequenceNumber)
	case <-time.After(3 * time.Second):
		t.Fatal("пакет не получен по DTLS")
	}
}
