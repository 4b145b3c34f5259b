package plumber

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arzzra/plumber/pkg/pipeline"
	"github.com/arzzra/plumber/pkg/rtp"
	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// EndpointPairSuite два endpoint на реальном управляющем канале и UDP:
// A только принимает, B соединяется с A
type EndpointPairSuite struct {
	suite.Suite
	ctx context.Context
	a   *Endpoint
	b   *Endpoint
}

func TestEndpointPairSuite(t *testing.T) {
	suite.Run(t, new(EndpointPairSuite))
}

// startPair запускает A, который только принимает, и B, который
// соединяется с A. modB меняет конфигурацию B перед созданием.
func startPair(t *testing.T, modB func(*Config), optsB ...Option) (a, b *Endpoint) {
	t.Helper()
	ctx := context.Background()

	cfgA := DefaultConfig()
	cfgA.LocalAddress = "127.0.0.1"
	cfgA.BindTimeout = 2 * time.Second
	a, err := New(cfgA, WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(ctx) })
	require.NoError(t, a.Pipeline().SetState(ctx, pipeline.StatePlaying))
	require.Positive(t, a.ControlPort())

	cfgB := DefaultConfig()
	cfgB.LocalAddress = "127.0.0.1"
	cfgB.RemoteAddress = "127.0.0.1"
	cfgB.RemotePort = a.ControlPort()
	if modB != nil {
		modB(&cfgB)
	}
	b, err = New(cfgB, append([]Option{WithLogger(quietLogger())}, optsB...)...)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close(ctx) })
	require.NoError(t, b.Pipeline().SetState(ctx, pipeline.StatePlaying))

	actx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Accept(actx))
	return a, b
}

func (s *EndpointPairSuite) SetupTest() {
	s.ctx = context.Background()
	s.a, s.b = startPair(s.T(), nil)
}

func (s *EndpointPairSuite) TearDownTest() {
	s.NoError(s.b.Close(s.ctx))
	s.NoError(s.a.Close(s.ctx))
	s.Equal(StateClosed, s.a.State())
	s.Equal(StateClosed, s.b.State())
}

func (s *EndpointPairSuite) receivedOnA(mt pipeline.MediaType) <-chan *pionrtp.Packet {
	ch := make(chan *pionrtp.Packet, 64)
	cancel := s.a.Pipeline().Branch(mt).Subscribe(func(pkt *pionrtp.Packet) {
		select {
		case ch <- pkt:
		default:
		}
	})
	s.T().Cleanup(cancel)
	return ch
}

func (s *EndpointPairSuite) TestAudioStreamNegotiation() {
	gate, err := s.b.Pipeline().AddGate(s.ctx, pipeline.MediaAudio)
	s.Require().NoError(err)
	s.True(gate.IsOpen())

	recv, ok := s.a.Receiver(pipeline.MediaAudio).(*rtp.UDPServerSource)
	s.Require().True(ok)
	port := recv.BoundPort()
	s.Positive(port)
	s.Equal(recv.Name(), s.a.Pipeline().Branch(pipeline.MediaAudio).Upstream())

	sender, ok := s.b.Sender(pipeline.MediaAudio).(*rtp.UDPClientSink)
	s.Require().True(ok)
	s.Equal("127.0.0.1", sender.Properties().Host)
	s.Equal(port, sender.Properties().Port)

	got := s.receivedOnA(pipeline.MediaAudio)
	var seq uint16
	s.Require().Eventually(func() bool {
		seq++
		pkt := &pionrtp.Packet{
			Header:  pionrtp.Header{Version: 2, PayloadType: 96, SequenceNumber: seq, SSRC: 0xbeef},
			Payload: []byte{1, 2, 3},
		}
		if err := gate.Write(pkt); err != nil {
			return false
		}
		select {
		case p := <-got:
			return p.SSRC == 0xbeef
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	s.Nil(s.a.Sender(pipeline.MediaAudio))
	s.Nil(s.b.Receiver(pipeline.MediaAudio))
}

func (s *EndpointPairSuite) TestSecondAudioReceiverRefused() {
	_, err := s.b.Pipeline().AddGate(s.ctx, pipeline.MediaAudio)
	s.Require().NoError(err)
	s.Require().NotNil(s.a.Receiver(pipeline.MediaAudio))
	before := len(s.a.Pipeline().Elements())

	_, err = s.a.CreateReceivingStream(s.ctx, pipeline.MediaAudio, 0)
	s.ErrorIs(err, ErrAlreadyExists)
	s.Len(s.a.Pipeline().Elements(), before)
}

func (s *EndpointPairSuite) TestBothMediaTypes() {
	for _, mt := range pipeline.MediaTypes {
		gate, err := s.b.Pipeline().AddGate(s.ctx, mt)
		s.Require().NoError(err)
		s.True(gate.IsOpen(), mt.String())
		s.NotNil(s.a.Receiver(mt), mt.String())
		s.NotNil(s.b.Sender(mt), mt.String())
	}
	s.Len(s.a.Pipeline().Elements(), 2)
	s.Len(s.b.Pipeline().Elements(), 2)
}

func (s *EndpointPairSuite) TestReverseDirectionUsesPeerAddress() {
	// A не знает адрес B из конфигурации и берет его из управляющего канала
	gate, err := s.a.Pipeline().AddGate(s.ctx, pipeline.MediaVideo)
	s.Require().NoError(err)
	s.True(gate.IsOpen())

	sender, ok := s.a.Sender(pipeline.MediaVideo).(*rtp.UDPClientSink)
	s.Require().True(ok)
	s.Equal("127.0.0.1", sender.Properties().Host)

	recv, ok := s.b.Receiver(pipeline.MediaVideo).(*rtp.UDPServerSource)
	s.Require().True(ok)
	s.Equal(recv.BoundPort(), sender.Properties().Port)
}

func (s *EndpointPairSuite) TestGateRemovalReleasesBothSides() {
	_, err := s.b.Pipeline().AddGate(s.ctx, pipeline.MediaAudio)
	s.Require().NoError(err)
	s.Require().NotNil(s.a.Receiver(pipeline.MediaAudio))

	s.Require().NoError(s.b.Pipeline().RemoveGate(s.ctx, pipeline.MediaAudio))
	s.Nil(s.b.Sender(pipeline.MediaAudio))
	s.Nil(s.a.Receiver(pipeline.MediaAudio))
	s.Empty(s.a.Pipeline().Elements())

	// вентиль можно создать заново
	gate, err := s.b.Pipeline().AddGate(s.ctx, pipeline.MediaAudio)
	s.Require().NoError(err)
	s.True(gate.IsOpen())
}

func TestReceiveOnlyEndpointWithoutPeer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LocalAddress = "127.0.0.1"
	ep, err := New(cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, ep.Pipeline().SetState(ctx, pipeline.StatePlaying))
	defer ep.Close(ctx)

	port, err := ep.CreateReceivingStream(ctx, pipeline.MediaVideo, 0)
	require.NoError(t, err)
	require.Positive(t, port)
	require.Equal(t, port, ep.Receiver(pipeline.MediaVideo).(*rtp.UDPServerSource).BoundPort())
}

func TestRenegotiationAfterSenderLinkFailure(t *testing.T) {
	const kindFlakySink = "flakysink"

	reg, err := NewElementRegistry(false)
	require.NoError(t, err)
	var failed atomic.Bool
	reg.Register(kindFlakySink, func(name string, props pipeline.Properties) (pipeline.Element, error) {
		if failed.CompareAndSwap(false, true) {
			// первый элемент не принимает пакеты, связать его с вентилем нельзя
			src, err := rtp.NewUDPServerSource(name, pipeline.Properties{MediaType: props.MediaType, BindAddress: "127.0.0.1"})
			if err != nil {
				return nil, err
			}
			return src, nil
		}
		sink, err := rtp.NewUDPClientSink(name, props)
		if err != nil {
			return nil, err
		}
		return sink, nil
	})

	a, b := startPair(t, func(c *Config) { c.SenderKind = kindFlakySink }, WithRegistry(reg))
	ctx := context.Background()

	gate, err := b.Pipeline().AddGate(ctx, pipeline.MediaAudio)
	require.NoError(t, err)
	assert.False(t, gate.IsOpen())
	assert.Nil(t, b.Sender(pipeline.MediaAudio))

	// принимающий поток A освобожден вместе с откатом B
	assert.Nil(t, a.Receiver(pipeline.MediaAudio))
	assert.Empty(t, a.Pipeline().Elements())

	require.NoError(t, b.Pipeline().RemoveGate(ctx, pipeline.MediaAudio))
	gate, err = b.Pipeline().AddGate(ctx, pipeline.MediaAudio)
	require.NoError(t, err)
	assert.True(t, gate.IsOpen())

	recv, ok := a.Receiver(pipeline.MediaAudio).(*rtp.UDPServerSource)
	require.True(t, ok)
	sender, ok := b.Sender(pipeline.MediaAudio).(*rtp.UDPClientSink)
	require.True(t, ok)
	assert.Equal(t, recv.BoundPort(), sender.Properties().Port)
}
