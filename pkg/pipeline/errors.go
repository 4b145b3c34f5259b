package pipeline

import "errors"

var (
	ErrUnknownKind   = errors.New("неизвестный вид элемента")
	ErrAlreadyLinked = errors.New("выход элемента уже связан")
	ErrNotLinkable   = errors.New("элемент не может быть источником связи")
	ErrNotInBin      = errors.New("элемент не принадлежит конвейеру")
	ErrGateExists    = errors.New("вентиль для этого типа медиа уже существует")
	ErrNoGate        = errors.New("вентиль для этого типа медиа не найден")
	ErrNameTaken     = errors.New("имя элемента уже занято")
)
