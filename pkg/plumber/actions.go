package plumber

import (
	"context"
	"log/slog"
)

// Actions явные действия над endpoint
type Actions interface {
	Accept(ctx context.Context) error
	Connect(ctx context.Context, host string, port int) error
}

var _ Actions = (*Endpoint)(nil)

// Accept поднимает управляющий канал и ждет подключения собеседника
func (ep *Endpoint) Accept(ctx context.Context) error {
	link, err := ep.ensureLink(ctx)
	if err != nil {
		return err
	}

	if err := link.WaitPeer(ctx); err != nil {
		return newError(ErrorCodeNotConnected, noMedia, "собеседник не подключился", err)
	}
	return nil
}

// Connect поднимает управляющий канал и соединяется с собеседником
// host:port. Адрес запоминается для последующих отправляющих элементов.
func (ep *Endpoint) Connect(ctx context.Context, host string, port int) error {
	if host == "" || port <= 0 || port > 65535 {
		return newError(ErrorCodeConnectFailure, noMedia, "недопустимый адрес собеседника", nil)
	}

	link, err := ep.ensureLink(ctx)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, ep.config.ConnectTimeout)
	defer cancel()
	if err := link.Connect(cctx, host, port); err != nil {
		return newError(ErrorCodeConnectFailure, noMedia, "не удалось соединиться с собеседником", err)
	}

	ep.mu.Lock()
	ep.remoteAddress = host
	ep.remotePort = port
	ep.mu.Unlock()

	ep.logger.Info("Соединение установлено", slog.String("host", host), slog.Int("port", port))
	return nil
}
