// Package pipeline реализует минимальную модель медиа-конвейера, в которую
// встраивается plumber endpoint: контейнер элементов (Bin) с состояниями
// NULL/READY/PLAYING, агностичные ветви (Branch) для входящего медиа и
// вентили (Valve) для исходящего.
//
// Элементы создаются по имени вида через Registry. Конкретные транспорты
// регистрируются пакетом rtp.
package pipeline

import (
	"fmt"
	"strings"
)

// MediaType тип медиа потока
type MediaType int

const (
	MediaAudio MediaType = iota
	MediaVideo
)

// MediaTypes все поддерживаемые типы медиа
var MediaTypes = []MediaType{MediaAudio, MediaVideo}

// String возвращает строковое представление типа медиа
func (mt MediaType) String() string {
	switch mt {
	case MediaAudio:
		return "audio"
	case MediaVideo:
		return "video"
	default:
		return fmt.Sprintf("MediaType(%d)", int(mt))
	}
}

// Valid проверяет что тип медиа поддерживается
func (mt MediaType) Valid() bool {
	return mt == MediaAudio || mt == MediaVideo
}

// ParseMediaType разбирает строковое представление типа медиа
func ParseMediaType(s string) (MediaType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "audio":
		return MediaAudio, nil
	case "video":
		return MediaVideo, nil
	default:
		return 0, fmt.Errorf("неизвестный тип медиа: %q", s)
	}
}

// State состояние конвейера
type State int

const (
	StateNull State = iota
	StateReady
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "NULL"
	case StateReady:
		return "READY"
	case StatePlaying:
		return "PLAYING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Transition переход между соседними состояниями
type Transition struct {
	From State
	To   State
}

func (t Transition) String() string {
	return t.From.String() + "_TO_" + t.To.String()
}

var (
	NullToReady    = Transition{From: StateNull, To: StateReady}
	ReadyToPlaying = Transition{From: StateReady, To: StatePlaying}
	PlayingToReady = Transition{From: StatePlaying, To: StateReady}
	ReadyToNull    = Transition{From: StateReady, To: StateNull}
)
