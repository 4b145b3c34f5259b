package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// TransitionHook вызывается на переходе между состояниями конвейера.
// Хук не должен вызывать SetState.
type TransitionHook func(ctx context.Context, t Transition) error

// GateHook вызывается при появлении и удалении вентиля
type GateHook func(ctx context.Context, mt MediaType, gate *Valve)

// Option опция конвейера
type Option func(*Bin)

// WithLogger задает логгер конвейера
func WithLogger(l *slog.Logger) Option {
	return func(b *Bin) {
		if l != nil {
			b.logger = l
		}
	}
}

type link struct {
	src Source
	dst Sink
}

// Bin контейнер элементов с управлением состоянием
type Bin struct {
	name     string
	registry *Registry
	logger   *slog.Logger

	// transMu сериализует смену состояний целиком, включая хуки
	transMu sync.Mutex

	mu        sync.RWMutex
	state     State
	elements  map[string]Element
	links     map[string]link
	branches  map[MediaType]*Branch
	gates     map[MediaType]*Valve
	runCtx    context.Context
	runCancel context.CancelFunc

	hookMu      sync.RWMutex
	before      []TransitionHook
	after       []TransitionHook
	gateAdded   []GateHook
	gateRemoved []GateHook
}

// NewBin создает конвейер в состоянии NULL с ветвями для всех типов медиа
func NewBin(name string, registry *Registry, opts ...Option) *Bin {
	if registry == nil {
		registry = NewRegistry()
	}
	b := &Bin{
		name:     name,
		registry: registry,
		logger:   slog.Default(),
		state:    StateNull,
		elements: make(map[string]Element),
		links:    make(map[string]link),
		branches: make(map[MediaType]*Branch, len(MediaTypes)),
		gates:    make(map[MediaType]*Valve),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(slog.String("bin", name))
	for _, mt := range MediaTypes {
		b.branches[mt] = newBranch(mt)
	}
	return b
}

func (b *Bin) Name() string { return b.name }

// State текущее состояние
func (b *Bin) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// OnBeforeTransition регистрирует хук, вызываемый до применения перехода.
// Ошибка хука прерывает смену состояния.
func (b *Bin) OnBeforeTransition(h TransitionHook) {
	b.hookMu.Lock()
	b.before = append(b.before, h)
	b.hookMu.Unlock()
}

// OnAfterTransition регистрирует хук, вызываемый после применения перехода
func (b *Bin) OnAfterTransition(h TransitionHook) {
	b.hookMu.Lock()
	b.after = append(b.after, h)
	b.hookMu.Unlock()
}

// OnGateAdded регистрирует хук появления вентиля
func (b *Bin) OnGateAdded(h GateHook) {
	b.hookMu.Lock()
	b.gateAdded = append(b.gateAdded, h)
	b.hookMu.Unlock()
}

// OnGateRemoved регистрирует хук удаления вентиля
func (b *Bin) OnGateRemoved(h GateHook) {
	b.hookMu.Lock()
	b.gateRemoved = append(b.gateRemoved, h)
	b.hookMu.Unlock()
}

// MakeElement создает элемент через реестр с уникальным именем
func (b *Bin) MakeElement(kind string, props Properties) (Element, error) {
	name := fmt.Sprintf("%s-%s", kind, uuid.NewString()[:8])
	return b.registry.Make(kind, name, props)
}

// Add добавляет элемент в конвейер. Элемент не запускается.
func (b *Bin) Add(el Element) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.elements[el.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrNameTaken, el.Name())
	}
	b.elements[el.Name()] = el
	return nil
}

// Remove останавливает элемент, разрывает его связи и удаляет из конвейера
func (b *Bin) Remove(el Element) error {
	b.mu.Lock()
	if cur, ok := b.elements[el.Name()]; !ok || cur != el {
		b.mu.Unlock()
		return ErrNotInBin
	}
	b.unlinkLocked(el.Name())
	for name, l := range b.links {
		if d, ok := l.dst.(Element); ok && d == el {
			b.unlinkLocked(name)
		}
	}
	delete(b.elements, el.Name())
	b.mu.Unlock()

	if err := el.Stop(); err != nil {
		b.logger.Debug("Ошибка остановки элемента",
			slog.String("element", el.Name()),
			slog.String("error", err.Error()))
	}
	return nil
}

// Contains проверяет принадлежность элемента конвейеру
func (b *Bin) Contains(el Element) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cur, ok := b.elements[el.Name()]
	return ok && cur == el
}

// Elements возвращает элементы, отсортированные по имени
func (b *Bin) Elements() []Element {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshotLocked()
}

func (b *Bin) snapshotLocked() []Element {
	out := make([]Element, 0, len(b.elements))
	for _, el := range b.elements {
		out = append(out, el)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// SyncStateWithParent приводит элемент к состоянию конвейера.
// В PLAYING элемент запускается, в остальных состояниях ничего не делается.
func (b *Bin) SyncStateWithParent(el Element) error {
	b.mu.RLock()
	cur, ok := b.elements[el.Name()]
	state, ctx := b.state, b.runCtx
	b.mu.RUnlock()

	if !ok || cur != el {
		return ErrNotInBin
	}
	if state != StatePlaying {
		return nil
	}
	return el.Start(ctx)
}

// Branch возвращает ветвь входящего медиа для типа mt
func (b *Bin) Branch(mt MediaType) *Branch {
	return b.branches[mt]
}

// Gate возвращает вентиль исходящего медиа для типа mt
func (b *Bin) Gate(mt MediaType) (*Valve, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.gates[mt]
	return v, ok
}

// Link связывает выход src с dst.
// src должен быть элементом или вентилем этого конвейера и еще не иметь связи.
// dst может быть ветвью конвейера, его элементом или внешним Sink.
func (b *Bin) Link(src Element, dst Sink) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.ownsSourceLocked(src) {
		return fmt.Errorf("%w: %s", ErrNotInBin, src.Name())
	}
	s, ok := src.(Source)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLinkable, src.Name())
	}
	if s.Downstream() != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyLinked, src.Name())
	}

	switch d := dst.(type) {
	case *Branch:
		if b.branches[d.mediaType] != d {
			return ErrNotInBin
		}
		if err := d.attach(src.Name()); err != nil {
			return fmt.Errorf("ветвь %s: %w", d.mediaType, err)
		}
	case Element:
		if cur, ok := b.elements[d.Name()]; !ok || cur != d {
			return fmt.Errorf("%w: %s", ErrNotInBin, d.Name())
		}
	}

	s.SetDownstream(dst)
	b.links[src.Name()] = link{src: s, dst: dst}
	return nil
}

// Unlink разрывает исходящую связь src
func (b *Bin) Unlink(src Element) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unlinkLocked(src.Name())
}

func (b *Bin) unlinkLocked(name string) {
	l, ok := b.links[name]
	if !ok {
		return
	}
	if br, ok := l.dst.(*Branch); ok {
		br.detach(name)
	}
	l.src.SetDownstream(nil)
	delete(b.links, name)
}

func (b *Bin) ownsSourceLocked(src Element) bool {
	if cur, ok := b.elements[src.Name()]; ok && cur == src {
		return true
	}
	for _, g := range b.gates {
		if Element(g) == src {
			return true
		}
	}
	return false
}

// AddGate создает закрытый вентиль для типа mt и уведомляет хуки
func (b *Bin) AddGate(ctx context.Context, mt MediaType) (*Valve, error) {
	if !mt.Valid() {
		return nil, fmt.Errorf("недопустимый тип медиа: %s", mt)
	}

	b.mu.Lock()
	if _, ok := b.gates[mt]; ok {
		b.mu.Unlock()
		return nil, ErrGateExists
	}
	v := NewValve(fmt.Sprintf("valve-%s-%s", mt, uuid.NewString()[:8]), mt)
	b.gates[mt] = v
	b.mu.Unlock()

	b.logger.Debug("Добавлен вентиль", slog.String("media", mt.String()))

	b.hookMu.RLock()
	hooks := append([]GateHook(nil), b.gateAdded...)
	b.hookMu.RUnlock()
	for _, h := range hooks {
		h(ctx, mt, v)
	}
	return v, nil
}

// RemoveGate уведомляет хуки и удаляет вентиль типа mt
func (b *Bin) RemoveGate(ctx context.Context, mt MediaType) error {
	b.mu.RLock()
	v, ok := b.gates[mt]
	b.mu.RUnlock()
	if !ok {
		return ErrNoGate
	}

	b.hookMu.RLock()
	hooks := append([]GateHook(nil), b.gateRemoved...)
	b.hookMu.RUnlock()
	for _, h := range hooks {
		h(ctx, mt, v)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gates[mt] == v {
		b.unlinkLocked(v.Name())
		delete(b.gates, mt)
	}
	b.logger.Debug("Удален вентиль", slog.String("media", mt.String()))
	return nil
}

// SetState переводит конвейер в target через все промежуточные состояния
func (b *Bin) SetState(ctx context.Context, target State) error {
	if target < StateNull || target > StatePlaying {
		return fmt.Errorf("недопустимое состояние: %s", target)
	}

	b.transMu.Lock()
	defer b.transMu.Unlock()

	for {
		cur := b.State()
		if cur == target {
			return nil
		}
		next := cur + 1
		if target < cur {
			next = cur - 1
		}
		t := Transition{From: cur, To: next}

		b.hookMu.RLock()
		before := append([]TransitionHook(nil), b.before...)
		after := append([]TransitionHook(nil), b.after...)
		b.hookMu.RUnlock()

		for _, h := range before {
			if err := h(ctx, t); err != nil {
				return fmt.Errorf("переход %s: %w", t, err)
			}
		}

		b.apply(t)
		b.logger.Debug("Смена состояния", slog.String("transition", t.String()))

		var errs []error
		for _, h := range after {
			if err := h(ctx, t); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			return fmt.Errorf("переход %s: %w", t, err)
		}
	}
}

func (b *Bin) apply(t Transition) {
	b.mu.Lock()
	b.state = t.To
	var elements []Element
	var runCtx context.Context
	switch t {
	case ReadyToPlaying:
		b.runCtx, b.runCancel = context.WithCancel(context.Background())
		runCtx = b.runCtx
		elements = b.snapshotLocked()
	case PlayingToReady:
		if b.runCancel != nil {
			b.runCancel()
		}
		b.runCtx, b.runCancel = nil, nil
		elements = b.snapshotLocked()
	}
	b.mu.Unlock()

	for _, el := range elements {
		var err error
		if t == ReadyToPlaying {
			err = el.Start(runCtx)
		} else {
			err = el.Stop()
		}
		if err != nil {
			b.logger.Warn("Ошибка смены состояния элемента",
				slog.String("element", el.Name()),
				slog.String("transition", t.String()),
				slog.String("error", err.Error()))
		}
	}
}
