package plumber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arzzra/plumber/pkg/pipeline"
)

// OnLocalGateActive вызывается при появлении вентиля исходящего медиа.
// Просит собеседника создать принимающий поток, создает отправляющий
// элемент на полученный порт, связывает с вентилем и открывает его.
// Повторных попыток при отказе собеседника не делается. Если после
// ответа собеседника что-то не удалось, его принимающий поток освобождается.
func (ep *Endpoint) OnLocalGateActive(ctx context.Context, mt pipeline.MediaType, gate *pipeline.Valve) error {
	log := ep.logger.With(slog.String("media", mt.String()))

	link, err := ep.ensureLink(ctx)
	if err != nil {
		log.Error("Управляющий канал недоступен", slog.String("error", err.Error()))
		return err
	}

	ep.mu.Lock()
	if ep.senders[mt] != nil {
		ep.mu.Unlock()
		log.Warn("Отправляющий элемент уже создан")
		ep.metrics.streamFailed(mt, roleSender, ErrorCodeAlreadyExists)
		return newError(ErrorCodeAlreadyExists, mt, "отправляющий элемент уже создан", nil)
	}
	host := ep.remoteAddress
	ep.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, ep.config.RequestTimeout)
	port, err := link.CreateMediaStream(rctx, mt, defaultChannelID)
	cancel()
	if err != nil {
		log.Error("Собеседник не создал принимающий поток", slog.String("error", err.Error()))
		ep.metrics.streamFailed(mt, roleSender, ErrorCodeRemoteRequestFailure)
		return newError(ErrorCodeRemoteRequestFailure, mt, "собеседник не создал принимающий поток", err)
	}

	// у собеседника занят принимающий слот
	fail := func(e *EndpointError) error {
		log.Error("Отправляющий элемент не создан", slog.String("error", e.Error()))
		ep.releaseRemote(ctx, link, mt)
		ep.metrics.streamFailed(mt, roleSender, e.Code)
		return e
	}

	if host == "" {
		host = link.PeerHost()
	}
	if host == "" {
		return fail(newError(ErrorCodeNotConnected, mt, "адрес собеседника неизвестен", nil))
	}

	el, err := ep.bin.MakeElement(ep.config.SenderKind, pipeline.Properties{
		MediaType: mt,
		Host:      host,
		Port:      port,
	})
	if err != nil {
		return fail(newError(ErrorCodeLinkFailure, mt, "не удалось создать отправляющий элемент", err))
	}

	ep.mu.Lock()
	switch {
	case ep.lifecycle.Is(string(StateClosed)):
		ep.mu.Unlock()
		ep.releaseRemote(ctx, link, mt)
		return ErrClosed
	case ep.senders[mt] != nil:
		ep.mu.Unlock()
		return fail(newError(ErrorCodeAlreadyExists, mt, "отправляющий элемент уже создан", nil))
	}
	ep.senders[mt] = el
	ep.mu.Unlock()

	if err := ep.attachSender(el, gate); err != nil {
		ep.dropSender(mt, el)
		return fail(newError(ErrorCodeLinkFailure, mt, "не удалось подключить отправляющий элемент", err))
	}
	gate.Open()

	log.Info("Создан отправляющий элемент",
		slog.String("element", el.Name()),
		slog.String("host", host),
		slog.Int("port", port))
	ep.metrics.streamCreated(mt, roleSender)
	return nil
}

func (ep *Endpoint) attachSender(el pipeline.Element, gate *pipeline.Valve) error {
	sink, ok := el.(pipeline.Sink)
	if !ok {
		return fmt.Errorf("элемент %s не принимает пакеты", el.Name())
	}
	if err := ep.bin.Add(el); err != nil {
		return err
	}
	if err := ep.bin.SyncStateWithParent(el); err != nil {
		return fmt.Errorf("ошибка запуска: %w", err)
	}
	if err := ep.bin.Link(gate, sink); err != nil {
		return fmt.Errorf("ошибка связывания с вентилем: %w", err)
	}
	return nil
}

func (ep *Endpoint) dropSender(mt pipeline.MediaType, el pipeline.Element) {
	ep.mu.Lock()
	if ep.senders[mt] == el {
		delete(ep.senders, mt)
	}
	ep.mu.Unlock()

	if err := ep.bin.Remove(el); errors.Is(err, pipeline.ErrNotInBin) {
		el.Stop()
	}
}

// OnLocalGateRemoved вызывается при удалении вентиля. Закрывает вентиль,
// удаляет отправляющий элемент и просит собеседника освободить принимающий.
func (ep *Endpoint) OnLocalGateRemoved(ctx context.Context, mt pipeline.MediaType) error {
	if gate, ok := ep.bin.Gate(mt); ok {
		gate.Close()
	}

	ep.mu.Lock()
	el := ep.senders[mt]
	link := ep.link
	ep.mu.Unlock()
	if el == nil {
		return nil
	}
	ep.dropSender(mt, el)
	ep.logger.Info("Отправляющий элемент освобожден",
		slog.String("media", mt.String()),
		slog.String("element", el.Name()))

	if link != nil {
		ep.releaseRemote(ctx, link, mt)
	}
	return nil
}

// releaseRemote просит собеседника освободить принимающий поток.
// Ошибка только записывается в лог.
func (ep *Endpoint) releaseRemote(ctx context.Context, link ChannelController, mt pipeline.MediaType) {
	rctx, cancel := context.WithTimeout(ctx, ep.config.RequestTimeout)
	defer cancel()
	if err := link.ReleaseMediaStream(rctx, mt, defaultChannelID); err != nil {
		ep.logger.Debug("Собеседник не освободил принимающий поток",
			slog.String("media", mt.String()),
			slog.String("error", err.Error()))
	}
}
