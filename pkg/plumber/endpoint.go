// Package plumber реализует plumber endpoint: элемент медиа-конвейера,
// который соединяется с таким же endpoint в другом процессе через
// управляющий канал и договаривается о транспортных потоках.
//
// Когда в локальном конвейере появляется вентиль исходящего медиа, endpoint
// просит собеседника создать принимающий элемент, получает его порт и
// создает отправляющий элемент, направленный на этот порт. Запросы
// собеседника обслуживаются симметрично: создается принимающий элемент,
// связывается с агностичной ветвью и возвращается фактически занятый порт.
//
// Управляющий канал создается лениво при переходе конвейера NULL -> READY
// и уничтожается при READY -> NULL.
package plumber

import (
	"context"
	"log/slog"
	"sync"

	"github.com/arzzra/plumber/pkg/pipeline"
	"github.com/arzzra/plumber/pkg/rtp"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// LifecycleState состояние жизненного цикла endpoint
type LifecycleState string

const (
	StateIdle       LifecycleState = "idle"
	StateLinkActive LifecycleState = "link_active"
	StateClosed     LifecycleState = "closed"
)

const (
	eventActivate = "activate"
	eventClose    = "close"

	// идентификатор канала в запросах к собеседнику
	defaultChannelID uint16 = 0
)

// Endpoint plumber endpoint
type Endpoint struct {
	id            string
	config        Config
	bin           *pipeline.Bin
	registry      *pipeline.Registry
	logger        *slog.Logger
	baseLogger    *slog.Logger
	metrics       *Metrics
	newController ControllerFactory

	// mu защищает слоты элементов, управляющий канал и автомат состояний.
	// Не удерживается во время запросов к собеседнику и ожидания порта.
	mu            sync.Mutex
	lifecycle     *fsm.FSM
	link          ChannelController
	linkReady     chan struct{} // закрывается после первой попытки соединения
	remoteAddress string
	remotePort    int
	receivers     map[pipeline.MediaType]pipeline.Element
	senders       map[pipeline.MediaType]pipeline.Element
}

// New создает endpoint с собственным конвейером
func New(config Config, opts ...Option) (*Endpoint, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ep := &Endpoint{
		id:            uuid.NewString(),
		config:        config,
		logger:        slog.Default(),
		remoteAddress: config.RemoteAddress,
		remotePort:    config.RemotePort,
		receivers:     make(map[pipeline.MediaType]pipeline.Element),
		senders:       make(map[pipeline.MediaType]pipeline.Element),
	}
	for _, opt := range opts {
		opt(ep)
	}
	ep.baseLogger = ep.logger
	ep.logger = ep.logger.With(
		slog.String("component", "plumber"),
		slog.String("endpoint", ep.id[:8]))

	if ep.registry == nil {
		reg, err := NewElementRegistry(config.Secure())
		if err != nil {
			return nil, err
		}
		ep.registry = reg
	}
	if ep.newController == nil {
		ep.newController = defaultControllerFactory(ep.baseLogger, config.RequestTimeout)
	}

	ep.lifecycle = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: eventActivate, Src: []string{string(StateIdle)}, Dst: string(StateLinkActive)},
			{Name: eventClose, Src: []string{string(StateIdle), string(StateLinkActive)}, Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				ep.logger.Debug("Смена состояния endpoint",
					slog.String("from", e.Src),
					slog.String("to", e.Dst))
			},
		},
	)

	ep.bin = pipeline.NewBin("plumber-"+ep.id[:8], ep.registry, pipeline.WithLogger(ep.baseLogger))
	ep.bin.OnBeforeTransition(ep.beforeTransition)
	ep.bin.OnAfterTransition(ep.afterTransition)
	ep.bin.OnGateAdded(func(ctx context.Context, mt pipeline.MediaType, gate *pipeline.Valve) {
		ep.OnLocalGateActive(ctx, mt, gate)
	})
	ep.bin.OnGateRemoved(func(ctx context.Context, mt pipeline.MediaType, gate *pipeline.Valve) {
		ep.OnLocalGateRemoved(ctx, mt)
	})
	return ep, nil
}

// NewElementRegistry возвращает реестр с UDP элементами и, при secure,
// с DTLS элементами на самоподписанном сертификате
func NewElementRegistry(secure bool) (*pipeline.Registry, error) {
	reg := pipeline.NewRegistry()
	rtp.Register(reg)
	if secure {
		cfg, err := rtp.NewSelfSignedDTLSConfig()
		if err != nil {
			return nil, err
		}
		rtp.RegisterDTLS(reg, cfg)
	}
	return reg, nil
}

// ID идентификатор endpoint
func (ep *Endpoint) ID() string { return ep.id }

// Config конфигурация, с которой создан endpoint
func (ep *Endpoint) Config() Config { return ep.config }

// Pipeline конвейер endpoint
func (ep *Endpoint) Pipeline() *pipeline.Bin { return ep.bin }

// State состояние жизненного цикла
func (ep *Endpoint) State() LifecycleState {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return LifecycleState(ep.lifecycle.Current())
}

// Receiver принимающий элемент для типа mt или nil
func (ep *Endpoint) Receiver(mt pipeline.MediaType) pipeline.Element {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.receivers[mt]
}

// Sender отправляющий элемент для типа mt или nil
func (ep *Endpoint) Sender(mt pipeline.MediaType) pipeline.Element {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.senders[mt]
}

// ControlPort управляющий порт или 0, если канал не создан
func (ep *Endpoint) ControlPort() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.link == nil {
		return 0
	}
	return ep.link.LocalPort()
}

// Close переводит конвейер в NULL, что освобождает все ресурсы endpoint
func (ep *Endpoint) Close(ctx context.Context) error {
	return ep.bin.SetState(ctx, pipeline.StateNull)
}

func (ep *Endpoint) beforeTransition(ctx context.Context, t pipeline.Transition) error {
	if t != pipeline.NullToReady {
		return nil
	}
	return ep.activate(ctx)
}

func (ep *Endpoint) afterTransition(ctx context.Context, t pipeline.Transition) error {
	if t != pipeline.ReadyToNull {
		return nil
	}
	ep.deactivate(ctx)
	return nil
}

// activate создает управляющий канал, если его еще нет
func (ep *Endpoint) activate(ctx context.Context) error {
	_, err := ep.ensureLink(ctx)
	return err
}

// ensureLink возвращает управляющий канал, создавая его при первом вызове.
// Соединение с собеседником выполняется без удержания ep.mu, остальные
// вызывающие ждут его завершения.
func (ep *Endpoint) ensureLink(ctx context.Context) (ChannelController, error) {
	ep.mu.Lock()
	link, created, err := ep.ensureLinkLocked(ctx)
	ready := ep.linkReady
	host, port := ep.remoteAddress, ep.remotePort
	ep.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if !created {
		select {
		case <-ready:
			return link, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	defer close(ready)
	if host == "" {
		return link, nil
	}
	cctx, cancel := context.WithTimeout(ctx, ep.config.ConnectTimeout)
	defer cancel()
	if err := link.Connect(cctx, host, port); err != nil {
		// собеседник может подключиться позже сам
		ep.logger.Warn("Не удалось соединиться с собеседником",
			slog.String("host", host),
			slog.Int("port", port),
			slog.String("error", err.Error()))
	}
	return link, nil
}

// ensureLinkLocked создает и запускает управляющий канал, если его нет.
// created сообщает, что канал создан этим вызовом. Вызывается с
// удержанием ep.mu.
func (ep *Endpoint) ensureLinkLocked(ctx context.Context) (link ChannelController, created bool, err error) {
	if ep.lifecycle.Is(string(StateClosed)) {
		return nil, false, ErrClosed
	}
	if ep.link != nil {
		return ep.link, false, nil
	}

	ep.logger.Debug("Создание управляющего канала",
		slog.String("address", ep.config.LocalAddress),
		slog.Int("port", ep.config.LocalPort))

	link = ep.newController(ep.config.LocalAddress, ep.config.LocalPort)
	link.SetCreateStreamCallback(ep.CreateReceivingStream)
	link.SetReleaseStreamCallback(ep.releaseReceivingStream)
	if err := link.Start(); err != nil {
		link.Release()
		return nil, false, newError(ErrorCodeConnectFailure, noMedia, "не удалось запустить управляющий канал", err)
	}

	ep.link = link
	ep.linkReady = make(chan struct{})
	if err := ep.lifecycle.Event(context.WithoutCancel(ctx), eventActivate); err != nil {
		ep.logger.Debug("Переход автомата", slog.String("error", err.Error()))
	}
	ep.metrics.linkUp()
	return link, true, nil
}

// deactivate останавливает управляющий канал и освобождает элементы.
// Endpoint переходит в закрытое состояние.
func (ep *Endpoint) deactivate(ctx context.Context) {
	ep.mu.Lock()
	if ep.lifecycle.Is(string(StateClosed)) {
		ep.mu.Unlock()
		return
	}
	link := ep.link
	ep.link = nil
	elements := make([]pipeline.Element, 0, len(ep.receivers)+len(ep.senders))
	for mt, el := range ep.receivers {
		elements = append(elements, el)
		delete(ep.receivers, mt)
	}
	for mt, el := range ep.senders {
		elements = append(elements, el)
		delete(ep.senders, mt)
	}
	if err := ep.lifecycle.Event(context.WithoutCancel(ctx), eventClose); err != nil {
		ep.logger.Debug("Переход автомата", slog.String("error", err.Error()))
	}
	ep.mu.Unlock()

	for _, mt := range pipeline.MediaTypes {
		if gate, ok := ep.bin.Gate(mt); ok {
			gate.Close()
		}
	}
	for _, el := range elements {
		ep.bin.Remove(el)
	}

	if link != nil {
		link.Stop()
		link.Release()
		ep.metrics.linkDown()
		ep.logger.Debug("Управляющий канал освобожден")
	}
}
