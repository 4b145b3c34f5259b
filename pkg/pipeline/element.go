package pipeline

import (
	"context"
	"sync"

	"github.com/pion/rtp"
)

// Element элемент конвейера
type Element interface {
	Name() string
	Kind() string
	// Start запускает элемент. ctx живет до выхода конвейера из PLAYING.
	Start(ctx context.Context) error
	Stop() error
}

// Sink принимает RTP пакеты
type Sink interface {
	Write(pkt *rtp.Packet) error
}

// SinkFunc адаптер функции к Sink
type SinkFunc func(pkt *rtp.Packet) error

func (f SinkFunc) Write(pkt *rtp.Packet) error { return f(pkt) }

// Source элемент с одним выходом
type Source interface {
	SetDownstream(s Sink)
	Downstream() Sink
}

// PortNotifier элемент, сообщающий о фактически занятом локальном порту.
// Слушатель может быть вызван синхронно изнутри Start.
type PortNotifier interface {
	OnBoundPort(fn func(port int)) (cancel func())
}

// Properties параметры создания элемента
type Properties struct {
	MediaType   MediaType
	BindAddress string
	Port        int
	Host        string
}

// Factory создает элемент заданного вида
type Factory func(name string, props Properties) (Element, error)

// PortNotify встраиваемая реализация PortNotifier
type PortNotify struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]func(int)
	port      int
}

// OnBoundPort регистрирует слушателя уведомлений о порте
func (n *PortNotify) OnBoundPort(fn func(port int)) func() {
	n.mu.Lock()
	if n.listeners == nil {
		n.listeners = make(map[int]func(int))
	}
	id := n.nextID
	n.nextID++
	n.listeners[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.listeners, id)
		n.mu.Unlock()
	}
}

// NotifyBoundPort сохраняет порт и уведомляет слушателей.
// Слушатели вызываются без удержания блокировки.
func (n *PortNotify) NotifyBoundPort(port int) {
	n.mu.Lock()
	n.port = port
	fns := make([]func(int), 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(port)
	}
}

// BoundPort возвращает последний сообщенный порт (0 если не было)
func (n *PortNotify) BoundPort() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.port
}
