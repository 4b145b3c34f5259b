package plumber

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/plumber/pkg/mcc"
	"github.com/arzzra/plumber/pkg/pipeline"
	"github.com/pion/rtp"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// controllerStats общие счетчики всех каналов, созданных фабрикой
type controllerStats struct {
	created  atomic.Int32
	started  atomic.Int32
	stopped  atomic.Int32
	released atomic.Int32
}

// fakeController управляющий канал без сети
type fakeController struct {
	stats *controllerStats

	mu         sync.Mutex
	port       int
	createErr  error
	startErr   error
	connectErr error
	peerHost   string
	createFn   mcc.CreateStreamFunc
	releaseFn  mcc.ReleaseStreamFunc
	connects   []string
	// connectGate задерживает Connect до закрытия, connectEntered
	// получает сигнал при входе в Connect
	connectGate    chan struct{}
	connectEntered chan struct{}
	creates        []pipeline.MediaType
	releases       []pipeline.MediaType
}

func (c *fakeController) SetCreateStreamCallback(fn mcc.CreateStreamFunc) {
	c.mu.Lock()
	c.createFn = fn
	c.mu.Unlock()
}

func (c *fakeController) SetReleaseStreamCallback(fn mcc.ReleaseStreamFunc) {
	c.mu.Lock()
	c.releaseFn = fn
	c.mu.Unlock()
}

func (c *fakeController) Start() error {
	c.stats.started.Add(1)
	return c.startErr
}

func (c *fakeController) Connect(ctx context.Context, host string, port int) error {
	c.mu.Lock()
	c.connects = append(c.connects, host)
	err, gate, entered := c.connectErr, c.connectGate, c.connectEntered
	c.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (c *fakeController) CreateMediaStream(ctx context.Context, mt pipeline.MediaType, chanID uint16) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creates = append(c.creates, mt)
	return c.port, c.createErr
}

func (c *fakeController) ReleaseMediaStream(ctx context.Context, mt pipeline.MediaType, chanID uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releases = append(c.releases, mt)
	return nil
}

func (c *fakeController) WaitPeer(ctx context.Context) error {
	if c.PeerHost() != "" {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *fakeController) PeerHost() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerHost
}

func (c *fakeController) LocalPort() int { return 15060 }
func (c *fakeController) Stop()          { c.stats.stopped.Add(1) }
func (c *fakeController) Release()       { c.stats.released.Add(1) }

func (c *fakeController) createCalls() []pipeline.MediaType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pipeline.MediaType(nil), c.creates...)
}

func (c *fakeController) releaseCalls() []pipeline.MediaType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pipeline.MediaType(nil), c.releases...)
}

func (c *fakeController) setCreateErr(err error) {
	c.mu.Lock()
	c.createErr = err
	c.mu.Unlock()
}

// countingFactory возвращает фабрику, которая всегда отдает ctrl
func countingFactory(ctrl *fakeController) ControllerFactory {
	return func(localAddr string, localPort int) ChannelController {
		ctrl.stats.created.Add(1)
		return ctrl
	}
}

const (
	kindSyncSource = "syncsrc"
	kindDeafSource = "deafsrc"
	kindFakeSink   = "fakesink"
)

var nextFakePort atomic.Int32

// fakeReceiver сообщает порт синхронно внутри Start (bind=true) или никогда
type fakeReceiver struct {
	pipeline.PortNotify
	name    string
	kind    string
	bind    bool
	port    int
	started atomic.Int32
	stopped atomic.Int32

	mu         sync.Mutex
	downstream pipeline.Sink
}

func (r *fakeReceiver) Name() string { return r.name }
func (r *fakeReceiver) Kind() string { return r.kind }
func (r *fakeReceiver) Start(ctx context.Context) error {
	r.started.Add(1)
	if r.bind {
		r.NotifyBoundPort(r.port)
	}
	return nil
}
func (r *fakeReceiver) Stop() error { r.stopped.Add(1); return nil }
func (r *fakeReceiver) SetDownstream(s pipeline.Sink) {
	r.mu.Lock()
	r.downstream = s
	r.mu.Unlock()
}
func (r *fakeReceiver) Downstream() pipeline.Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.downstream
}

// fakeSender запоминает параметры и считает пакеты
type fakeSender struct {
	name    string
	props   pipeline.Properties
	started atomic.Int32
	stopped atomic.Int32
	packets atomic.Int32
}

func (s *fakeSender) Name() string                    { return s.name }
func (s *fakeSender) Kind() string                    { return kindFakeSink }
func (s *fakeSender) Start(ctx context.Context) error { s.started.Add(1); return nil }
func (s *fakeSender) Stop() error                     { s.stopped.Add(1); return nil }
func (s *fakeSender) Write(pkt *rtp.Packet) error     { s.packets.Add(1); return nil }

func newTestRegistry() *pipeline.Registry {
	reg := pipeline.NewRegistry()
	reg.Register(kindSyncSource, func(name string, props pipeline.Properties) (pipeline.Element, error) {
		return &fakeReceiver{name: name, kind: kindSyncSource, bind: true, port: 50000 + int(nextFakePort.Add(2))}, nil
	})
	reg.Register(kindDeafSource, func(name string, props pipeline.Properties) (pipeline.Element, error) {
		return &fakeReceiver{name: name, kind: kindDeafSource}, nil
	})
	reg.Register(kindFakeSink, func(name string, props pipeline.Properties) (pipeline.Element, error) {
		return &fakeSender{name: name, props: props}, nil
	})
	return reg
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LocalAddress = "127.0.0.1"
	cfg.ReceiverKind = kindSyncSource
	cfg.SenderKind = kindFakeSink
	cfg.BindTimeout = 100 * time.Millisecond
	cfg.RequestTimeout = time.Second
	cfg.ConnectTimeout = time.Second
	return cfg
}

// newTestEndpoint создает endpoint на тестовых элементах и канале
func newTestEndpoint(cfg Config, opts ...Option) (*Endpoint, *fakeController) {
	ctrl := &fakeController{stats: &controllerStats{}, port: 41000}
	opts = append([]Option{
		WithLogger(quietLogger()),
		WithRegistry(newTestRegistry()),
		WithControllerFactory(countingFactory(ctrl)),
	}, opts...)
	ep, err := New(cfg, opts...)
	if err != nil {
		panic(err)
	}
	return ep, ctrl
}
