// Package portwait позволяет дождаться, пока элемент конвейера сообщит
// фактически занятый локальный порт.
//
// Подписка оформляется до запуска элемента, поэтому уведомление, пришедшее
// синхронно изнутри Start, не теряется. Ожидание ограничено по времени.
package portwait

import (
	"sync"
	"time"

	"github.com/arzzra/plumber/pkg/pipeline"
)

// InvalidPort значение порта, когда он не был сообщен
const InvalidPort = -1

// Result итог ожидания
type Result struct {
	Port     int
	TimedOut bool
}

// Resolved проверяет что порт получен
func (r Result) Resolved() bool { return !r.TimedOut && r.Port != InvalidPort }

// Request одно ожидание порта. Учитывается только первое уведомление.
type Request struct {
	mu     sync.Mutex
	done   bool
	port   int
	ready  chan struct{}
	cancel func()
	once   sync.Once
}

// Subscribe подписывается на уведомления о порте элемента
func Subscribe(n pipeline.PortNotifier) *Request {
	r := &Request{port: InvalidPort, ready: make(chan struct{})}

	cancel := n.OnBoundPort(r.resolve)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	return r
}

func (r *Request) resolve(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	r.port = port
	close(r.ready)
}

// Wait ждет порт не дольше timeout. После возврата подписка снята.
func (r *Request) Wait(timeout time.Duration) Result {
	defer r.Cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.ready:
	case <-timer.C:
		// порт мог прийти одновременно с таймаутом
		select {
		case <-r.ready:
		default:
			return Result{Port: InvalidPort, TimedOut: true}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return Result{Port: r.port}
}

// Cancel снимает подписку. Повторные вызовы ничего не делают.
func (r *Request) Cancel() {
	r.once.Do(func() {
		r.mu.Lock()
		cancel := r.cancel
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// WaitForBoundPort подписывается на n, вызывает trigger и ждет порт.
// Ошибка trigger возвращается без ожидания.
func WaitForBoundPort(n pipeline.PortNotifier, trigger func() error, timeout time.Duration) (Result, error) {
	req := Subscribe(n)
	if trigger != nil {
		if err := trigger(); err != nil {
			req.Cancel()
			return Result{Port: InvalidPort}, err
		}
	}
	return req.Wait(timeout), nil
}
