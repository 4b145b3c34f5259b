package plumber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arzzra/plumber/pkg/pipeline"
	"github.com/arzzra/plumber/pkg/portwait"
)

// CreateReceivingStream создает принимающий элемент для типа mt по запросу
// собеседника и возвращает фактически занятый локальный порт.
//
// На каждый тип медиа допускается один принимающий элемент: повторный
// запрос отклоняется с ErrAlreadyExists. При ошибке связывания или если
// порт не сообщен за BindTimeout, элемент удаляется и слот освобождается.
func (ep *Endpoint) CreateReceivingStream(ctx context.Context, mt pipeline.MediaType, chanID uint16) (int, error) {
	if !mt.Valid() {
		return portwait.InvalidPort, newError(ErrorCodeInvalidMediaType, noMedia, fmt.Sprintf("тип %d", int(mt)), nil)
	}
	log := ep.logger.With(slog.String("media", mt.String()), slog.Int("channel", int(chanID)))

	ep.mu.Lock()
	if ep.lifecycle.Is(string(StateClosed)) {
		ep.mu.Unlock()
		return portwait.InvalidPort, ErrClosed
	}
	if ep.receivers[mt] != nil {
		ep.mu.Unlock()
		log.Warn("Принимающий элемент уже создан")
		ep.metrics.streamFailed(mt, roleReceiver, ErrorCodeAlreadyExists)
		return portwait.InvalidPort, newError(ErrorCodeAlreadyExists, mt, "принимающий элемент уже создан", nil)
	}

	el, err := ep.bin.MakeElement(ep.config.ReceiverKind, pipeline.Properties{
		MediaType:   mt,
		BindAddress: ep.config.LocalAddress,
		Port:        0,
	})
	if err != nil {
		ep.mu.Unlock()
		ep.metrics.streamFailed(mt, roleReceiver, ErrorCodeLinkFailure)
		return portwait.InvalidPort, newError(ErrorCodeLinkFailure, mt, "не удалось создать принимающий элемент", err)
	}
	notifier, ok := el.(pipeline.PortNotifier)
	if !ok {
		ep.mu.Unlock()
		ep.metrics.streamFailed(mt, roleReceiver, ErrorCodeLinkFailure)
		return portwait.InvalidPort, newError(ErrorCodeLinkFailure, mt,
			fmt.Sprintf("элемент %s не сообщает порт", ep.config.ReceiverKind), nil)
	}

	// подписка до запуска: порт может быть сообщен изнутри Start
	wait := portwait.Subscribe(notifier)
	ep.receivers[mt] = el
	ep.mu.Unlock()

	started := time.Now()
	if err := ep.attachReceiver(el, mt); err != nil {
		wait.Cancel()
		log.Error("Не удалось подключить принимающий элемент", slog.String("error", err.Error()))
		ep.dropReceiver(mt, el)
		ep.metrics.streamFailed(mt, roleReceiver, ErrorCodeLinkFailure)
		return portwait.InvalidPort, newError(ErrorCodeLinkFailure, mt, "не удалось подключить принимающий элемент", err)
	}

	res := wait.Wait(ep.config.BindTimeout)
	ep.metrics.observeBindWait(time.Since(started))
	if !res.Resolved() {
		log.Error("Принимающий элемент не сообщил порт",
			slog.Duration("timeout", ep.config.BindTimeout))
		ep.dropReceiver(mt, el)
		ep.metrics.streamFailed(mt, roleReceiver, ErrorCodeTimeout)
		return portwait.InvalidPort, newError(ErrorCodeTimeout, mt, "порт не получен вовремя", nil)
	}

	log.Info("Создан принимающий элемент",
		slog.String("element", el.Name()),
		slog.Int("port", res.Port))
	ep.metrics.streamCreated(mt, roleReceiver)
	return res.Port, nil
}

// attachReceiver добавляет элемент в конвейер, запускает и связывает с ветвью
func (ep *Endpoint) attachReceiver(el pipeline.Element, mt pipeline.MediaType) error {
	if err := ep.bin.Add(el); err != nil {
		return err
	}
	if err := ep.bin.SyncStateWithParent(el); err != nil {
		return fmt.Errorf("ошибка запуска: %w", err)
	}
	if err := ep.bin.Link(el, ep.bin.Branch(mt)); err != nil {
		return fmt.Errorf("ошибка связывания с ветвью: %w", err)
	}
	return nil
}

// dropReceiver освобождает слот, если он все еще занят el, и удаляет элемент
func (ep *Endpoint) dropReceiver(mt pipeline.MediaType, el pipeline.Element) {
	ep.mu.Lock()
	if ep.receivers[mt] == el {
		delete(ep.receivers, mt)
	}
	ep.mu.Unlock()

	if err := ep.bin.Remove(el); errors.Is(err, pipeline.ErrNotInBin) {
		el.Stop()
	}
}

// ReleaseReceivingStream удаляет принимающий элемент типа mt.
// Отсутствие элемента не считается ошибкой.
func (ep *Endpoint) ReleaseReceivingStream(ctx context.Context, mt pipeline.MediaType) error {
	ep.mu.Lock()
	el := ep.receivers[mt]
	ep.mu.Unlock()
	if el == nil {
		return nil
	}

	ep.dropReceiver(mt, el)
	ep.logger.Info("Принимающий элемент освобожден",
		slog.String("media", mt.String()),
		slog.String("element", el.Name()))
	return nil
}

func (ep *Endpoint) releaseReceivingStream(ctx context.Context, mt pipeline.MediaType, chanID uint16) error {
	return ep.ReleaseReceivingStream(ctx, mt)
}
