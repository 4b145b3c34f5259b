package pipeline

import (
	"fmt"
	"sort"
	"sync"
)

// Registry реестр фабрик элементов по имени вида
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry создает пустой реестр
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register регистрирует фабрику. Повторная регистрация заменяет предыдущую.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Make создает элемент вида kind
func (r *Registry) Make(kind, name string, props Properties) (Element, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return f(name, props)
}

// Kinds возвращает отсортированный список зарегистрированных видов
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
