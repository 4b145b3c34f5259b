package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
)

// Branch агностичная ветвь конвейера для входящего медиа одного типа.
// Принимает ровно одну входную связь и раздает пакеты подписчикам.
type Branch struct {
	mediaType MediaType

	mu          sync.RWMutex
	upstream    string
	nextID      int
	subscribers map[int]func(*rtp.Packet)

	packets atomic.Uint64
}

func newBranch(mt MediaType) *Branch {
	return &Branch{
		mediaType:   mt,
		subscribers: make(map[int]func(*rtp.Packet)),
	}
}

// MediaType возвращает тип медиа ветви
func (b *Branch) MediaType() MediaType { return b.mediaType }

// Upstream возвращает имя связанного источника или пустую строку
func (b *Branch) Upstream() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.upstream
}

// Subscribe подписывает потребителя на пакеты ветви
func (b *Branch) Subscribe(fn func(*rtp.Packet)) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
}

// Write реализует Sink
func (b *Branch) Write(pkt *rtp.Packet) error {
	b.packets.Add(1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.subscribers {
		fn(pkt)
	}
	return nil
}

// Packets количество прошедших через ветвь пакетов
func (b *Branch) Packets() uint64 { return b.packets.Load() }

func (b *Branch) attach(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.upstream != "" {
		return ErrAlreadyLinked
	}
	b.upstream = name
	return nil
}

func (b *Branch) detach(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.upstream == name {
		b.upstream = ""
	}
}
