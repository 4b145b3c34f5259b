// Package mixer содержит заготовку матрицы смешивания N-к-M.
// Таблица портов ведется, но соединения между портами не поддерживаются.
package mixer

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/arzzra/plumber/pkg/pipeline"
)

var (
	// ErrPortNotFound порт с таким идентификатором не зарегистрирован
	ErrPortNotFound = errors.New("порт микшера не найден")
	// ErrNotImplemented операция матрицы не поддерживается
	ErrNotImplemented = errors.New("операция микшера не реализована")
)

// Matrix операции матрицы смешивания над идентификаторами портов
type Matrix interface {
	ConnectVideo(source, sink uint) error
	ConnectAudio(source, sink uint) error
	DisconnectAudio(source, sink uint) error
}

type port struct {
	audio *pipeline.Branch
	video *pipeline.Branch
}

// SelectableMixer матрица, в которой каждый приемник выбирает источник
type SelectableMixer struct {
	mu     sync.Mutex
	ports  map[uint]port
	nextID uint
	logger *slog.Logger
}

var _ Matrix = (*SelectableMixer)(nil)

// Option опция микшера
type Option func(*SelectableMixer)

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option {
	return func(m *SelectableMixer) {
		if l != nil {
			m.logger = l
		}
	}
}

// New создает пустой микшер
func New(opts ...Option) *SelectableMixer {
	m := &SelectableMixer{
		ports:  make(map[uint]port),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "mixer"))
	return m
}

// HandlePort регистрирует порт из пары ветвей и возвращает его идентификатор.
// Любая из ветвей может отсутствовать.
func (m *SelectableMixer) HandlePort(audio, video *pipeline.Branch) uint {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.ports[id] = port{audio: audio, video: video}
	m.logger.Debug("Порт добавлен", slog.Uint64("port", uint64(id)))
	return id
}

// UnhandlePort удаляет порт
func (m *SelectableMixer) UnhandlePort(id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ports[id]; !ok {
		return ErrPortNotFound
	}
	delete(m.ports, id)
	m.logger.Debug("Порт удален", slog.Uint64("port", uint64(id)))
	return nil
}

// Ports возвращает идентификаторы портов по возрастанию
func (m *SelectableMixer) Ports() []uint {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]uint, 0, len(m.ports))
	for id := range m.ports {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ConnectVideo направляет видео порта source в порт sink
func (m *SelectableMixer) ConnectVideo(source, sink uint) error {
	return m.unsupported("connect-video", source, sink)
}

// ConnectAudio добавляет аудио порта source в смесь порта sink
func (m *SelectableMixer) ConnectAudio(source, sink uint) error {
	return m.unsupported("connect-audio", source, sink)
}

// DisconnectAudio убирает аудио порта source из смеси порта sink
func (m *SelectableMixer) DisconnectAudio(source, sink uint) error {
	return m.unsupported("disconnect-audio", source, sink)
}

func (m *SelectableMixer) unsupported(op string, source, sink uint) error {
	m.mu.Lock()
	_, okSrc := m.ports[source]
	_, okSink := m.ports[sink]
	m.mu.Unlock()

	if !okSrc || !okSink {
		return ErrPortNotFound
	}
	m.logger.Warn("Операция микшера не реализована",
		slog.String("op", op),
		slog.Uint64("source", uint64(source)),
		slog.Uint64("sink", uint64(sink)))
	return ErrNotImplemented
}

// Close удаляет все порты
func (m *SelectableMixer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.ports)
}
