package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
)

// Valve вентиль исходящего медиа. Создается закрытым: пакеты отбрасываются,
// пока вентиль не открыт и у него нет связанного получателя.
type Valve struct {
	name      string
	mediaType MediaType

	mu         sync.RWMutex
	downstream Sink
	open       bool

	passed  atomic.Uint64
	dropped atomic.Uint64
}

// NewValve создает закрытый вентиль
func NewValve(name string, mt MediaType) *Valve {
	return &Valve{name: name, mediaType: mt}
}

func (v *Valve) Name() string                    { return v.name }
func (v *Valve) Kind() string                    { return "valve" }
func (v *Valve) Start(ctx context.Context) error { return nil }
func (v *Valve) Stop() error                     { return nil }

// MediaType возвращает тип медиа вентиля
func (v *Valve) MediaType() MediaType { return v.mediaType }

func (v *Valve) SetDownstream(s Sink) {
	v.mu.Lock()
	v.downstream = s
	v.mu.Unlock()
}

func (v *Valve) Downstream() Sink {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.downstream
}

// Open открывает вентиль
func (v *Valve) Open() {
	v.mu.Lock()
	v.open = true
	v.mu.Unlock()
}

// Close закрывает вентиль
func (v *Valve) Close() {
	v.mu.Lock()
	v.open = false
	v.mu.Unlock()
}

// IsOpen проверяет открыт ли вентиль
func (v *Valve) IsOpen() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.open
}

// Write реализует Sink
func (v *Valve) Write(pkt *rtp.Packet) error {
	v.mu.RLock()
	open, ds := v.open, v.downstream
	v.mu.RUnlock()

	if !open || ds == nil {
		v.dropped.Add(1)
		return nil
	}
	v.passed.Add(1)
	return ds.Write(pkt)
}

// Passed количество пропущенных пакетов
func (v *Valve) Passed() uint64 { return v.passed.Load() }

// Dropped количество отброшенных пакетов
func (v *Valve) Dropped() uint64 { return v.dropped.Load() }
