package plumber

import (
	"fmt"

	"github.com/arzzra/plumber/pkg/pipeline"
)

// ErrorCode типизированный код ошибки endpoint
type ErrorCode int

const (
	ErrorCodeAlreadyExists ErrorCode = iota + 2000
	ErrorCodeLinkFailure
	ErrorCodeTimeout
	ErrorCodeRemoteRequestFailure
	ErrorCodeConnectFailure
	ErrorCodeClosed
	ErrorCodeInvalidMediaType
	ErrorCodeNotConnected
)

// String возвращает строковое представление кода ошибки
func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeAlreadyExists:
		return "AlreadyExists"
	case ErrorCodeLinkFailure:
		return "LinkFailure"
	case ErrorCodeTimeout:
		return "Timeout"
	case ErrorCodeRemoteRequestFailure:
		return "RemoteRequestFailure"
	case ErrorCodeConnectFailure:
		return "ConnectFailure"
	case ErrorCodeClosed:
		return "Closed"
	case ErrorCodeInvalidMediaType:
		return "InvalidMediaType"
	case ErrorCodeNotConnected:
		return "NotConnected"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// noMedia отмечает ошибки, не относящиеся к конкретному типу медиа
const noMedia = pipeline.MediaType(-1)

// EndpointError ошибка операций endpoint.
// Сравнение через errors.Is выполняется по коду.
type EndpointError struct {
	Code      ErrorCode
	MediaType pipeline.MediaType
	Message   string
	Wrapped   error
}

func newError(code ErrorCode, mt pipeline.MediaType, message string, wrapped error) *EndpointError {
	return &EndpointError{Code: code, MediaType: mt, Message: message, Wrapped: wrapped}
}

// Error реализует интерфейс error
func (e *EndpointError) Error() string {
	msg := e.Message
	if e.Wrapped != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Wrapped)
	}
	if e.MediaType.Valid() {
		return fmt.Sprintf("[plumber:%s] %s: %s", e.Code, e.MediaType, msg)
	}
	return fmt.Sprintf("[plumber:%s] %s", e.Code, msg)
}

// Unwrap возвращает обернутую ошибку
func (e *EndpointError) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду
func (e *EndpointError) Is(target error) bool {
	if t, ok := target.(*EndpointError); ok {
		return e.Code == t.Code
	}
	return false
}

// StatusCode код ответа, который управляющий канал передаст собеседнику
func (e *EndpointError) StatusCode() int {
	switch e.Code {
	case ErrorCodeAlreadyExists:
		return 486
	case ErrorCodeTimeout:
		return 408
	case ErrorCodeInvalidMediaType:
		return 400
	case ErrorCodeClosed:
		return 503
	default:
		return 500
	}
}

// Ошибки для сравнения через errors.Is
var (
	ErrAlreadyExists        = &EndpointError{Code: ErrorCodeAlreadyExists, MediaType: noMedia, Message: "элемент уже создан"}
	ErrLinkFailure          = &EndpointError{Code: ErrorCodeLinkFailure, MediaType: noMedia, Message: "не удалось связать элемент"}
	ErrTimeout              = &EndpointError{Code: ErrorCodeTimeout, MediaType: noMedia, Message: "порт не получен вовремя"}
	ErrRemoteRequestFailure = &EndpointError{Code: ErrorCodeRemoteRequestFailure, MediaType: noMedia, Message: "запрос к собеседнику не выполнен"}
	ErrConnectFailure       = &EndpointError{Code: ErrorCodeConnectFailure, MediaType: noMedia, Message: "не удалось соединиться с собеседником"}
	ErrClosed               = &EndpointError{Code: ErrorCodeClosed, MediaType: noMedia, Message: "endpoint закрыт"}
	ErrInvalidMediaType     = &EndpointError{Code: ErrorCodeInvalidMediaType, MediaType: noMedia, Message: "недопустимый тип медиа"}
	ErrNotConnected         = &EndpointError{Code: ErrorCodeNotConnected, MediaType: noMedia, Message: "собеседник неизвестен"}
)
