package mcc

import (
	"errors"
	"fmt"
)

var (
	ErrNotStarted   = errors.New("управляющий канал не запущен")
	ErrNotConnected = errors.New("собеседник управляющего канала неизвестен")
	ErrReleased     = errors.New("управляющий канал освобожден")
	ErrNoHandler    = errors.New("обработчик запроса не установлен")
)

// SIP коды ответа, используемые каналом
const (
	statusBadRequest          = 400
	statusRequestTimeout      = 408
	statusBusyHere            = 486
	statusServerInternalError = 500
	statusNotImplemented      = 501
)

// RemoteError собеседник отклонил запрос
type RemoteError struct {
	StatusCode int
	Reason     string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("собеседник ответил %d %s", e.StatusCode, e.Reason)
}

// StatusCoder ошибка обработчика, задающая код SIP ответа
type StatusCoder interface {
	StatusCode() int
}

func statusForError(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		if code := sc.StatusCode(); code >= 300 && code <= 699 {
			return code
		}
	}
	return statusServerInternalError
}
